package model

// UserProfile identifies the holder of a phone number.
type UserProfile struct {
	Name         string `json:"name"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	Mobile       string `json:"mobile"`
	IsRegistered bool   `json:"isRegistered"`
}
