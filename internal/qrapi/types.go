package qrapi

import (
	"io"
	"time"

	"github.com/stemsi/exstem-qr/internal/model"
)

// ClientInfoPayload is the branding block embedded in several responses.
type ClientInfoPayload struct {
	Name string `json:"name"`
	Logo string `json:"logo,omitempty"`
	City string `json:"city,omitempty"`
}

// Model converts the payload into model.ClientInfo. A nil payload stays nil.
func (p *ClientInfoPayload) Model() *model.ClientInfo {
	if p == nil {
		return nil
	}
	return &model.ClientInfo{Name: p.Name, LogoURL: p.Logo, City: p.City}
}

// UserPayload is the user block of check-user, send-otp and verify-otp.
type UserPayload struct {
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Mobile         string `json:"mobile,omitempty"`
}

// CheckUserRequest is the body of POST /qr/check-user.
type CheckUserRequest struct {
	Mobile   string `json:"mobile"`
	ClientID string `json:"clientId,omitempty"`
}

// CheckUserResponse is returned by POST /qr/check-user.
type CheckUserResponse struct {
	IsRegistered bool               `json:"isRegistered"`
	UserProfile  *UserPayload       `json:"userProfile,omitempty"`
	ClientInfo   *ClientInfoPayload `json:"clientInfo,omitempty"`
}

// SendOTPRequest is the body of POST /qr/send-otp.
type SendOTPRequest struct {
	Mobile   string `json:"mobile"`
	ClientID string `json:"clientId,omitempty"`
}

// SendOTPResponse is returned by POST /qr/send-otp.
type SendOTPResponse struct {
	ClientInfo *ClientInfoPayload `json:"clientInfo,omitempty"`
	UserInfo   *UserPayload       `json:"userInfo,omitempty"`
}

// VerifyOTPRequest is the body of POST /qr/verify-otp.
type VerifyOTPRequest struct {
	Mobile   string `json:"mobile"`
	OTP      string `json:"otp"`
	Name     string `json:"name,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// VerifyOTPResponse is returned by POST /qr/verify-otp.
type VerifyOTPResponse struct {
	AuthToken  string             `json:"authToken"`
	User       UserPayload        `json:"user"`
	ClientInfo *ClientInfoPayload `json:"clientInfo,omitempty"`
}

// QuestionResponse is returned by GET /questions/{id}/view.
type QuestionResponse struct {
	ID              string             `json:"id"`
	QuestionText    string             `json:"questionText"`
	MaxMarks        float64            `json:"maxMarks"`
	DifficultyLevel string             `json:"difficultyLevel,omitempty"`
	EstimatedTime   int                `json:"estimatedTime,omitempty"`
	WordLimit       int                `json:"wordLimit,omitempty"`
	LanguageMode    string             `json:"languageMode,omitempty"`
	EvaluationMode  string             `json:"evaluationMode"`
	ClientInfo      *ClientInfoPayload `json:"clientInfo,omitempty"`
}

// Model converts the response into model.Question.
func (r *QuestionResponse) Model() *model.Question {
	mode := model.EvaluationManual
	if r.EvaluationMode == string(model.EvaluationAutomatic) {
		mode = model.EvaluationAutomatic
	}
	return &model.Question{
		ID:             r.ID,
		Prompt:         r.QuestionText,
		MaxMarks:       r.MaxMarks,
		Difficulty:     r.DifficultyLevel,
		EstimatedTime:  r.EstimatedTime,
		WordLimit:      r.WordLimit,
		LanguageMode:   r.LanguageMode,
		EvaluationMode: mode,
	}
}

// AnswerFile is one file part of a submission.
type AnswerFile struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// SubmitAnswerRequest is the multipart body of POST /questions/{id}/answers.
type SubmitAnswerRequest struct {
	ClientID        string
	Files           []AnswerFile
	TextAnswer      string
	Source          string
	SubmittedAt     time.Time
	DeviceInfo      string
	ProtocolVersion string
}

// EvaluationPayload is present on automatically graded answers.
type EvaluationPayload struct {
	MarksAwarded float64 `json:"marksAwarded"`
	Accuracy     float64 `json:"accuracy"`
}

// AttemptResponse is returned by a successful submission. RemainingAttempts
// is a pointer because older backends omit it.
type AttemptResponse struct {
	AnswerID          string             `json:"answerId"`
	AttemptNumber     int                `json:"attemptNumber"`
	ImagesAccepted    int                `json:"imagesAccepted"`
	RemainingAttempts *int               `json:"remainingAttempts,omitempty"`
	IsFinalAttempt    bool               `json:"isFinalAttempt"`
	Evaluation        *EvaluationPayload `json:"evaluation,omitempty"`
}
