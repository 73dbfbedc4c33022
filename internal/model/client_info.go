package model

// ClientInfo is the tenant branding shown on the authentication screen.
type ClientInfo struct {
	Name    string `json:"name"`
	LogoURL string `json:"logoUrl,omitempty"`
	City    string `json:"city,omitempty"`
}

// IsZero reports whether no branding field is populated.
func (c ClientInfo) IsZero() bool {
	return c.Name == "" && c.LogoURL == "" && c.City == ""
}

// Merge fills fields that are still empty in c from other. Populated fields
// are never replaced, so branding can only grow.
func (c ClientInfo) Merge(other *ClientInfo) ClientInfo {
	if other == nil {
		return c
	}
	if c.Name == "" {
		c.Name = other.Name
	}
	if c.LogoURL == "" {
		c.LogoURL = other.LogoURL
	}
	if c.City == "" {
		c.City = other.City
	}
	return c
}
