package model

import (
	"io"
	"time"
)

// FileKind is the MIME-derived category of a selected file.
type FileKind string

const (
	FileKindImage FileKind = "image"
	FileKindPDF   FileKind = "pdf"
)

// SelectedFile is one file in an attempt draft.
type SelectedFile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	ContentType string   `json:"contentType"`
	Kind        FileKind `json:"kind"`
	Preview     string   `json:"preview,omitempty"`

	// Open returns a fresh reader over the file contents.
	Open func() (io.ReadCloser, error) `json:"-"`
}

// Evaluation is present on results of automatically graded questions.
type Evaluation struct {
	MarksAwarded float64 `json:"marksAwarded"`
	Accuracy     float64 `json:"accuracy"`
}

// AttemptResult is what a successful submission returns.
type AttemptResult struct {
	AnswerID          string      `json:"answerId"`
	AttemptNumber     int         `json:"attemptNumber"`
	ImagesAccepted    int         `json:"imagesAccepted"`
	RemainingAttempts int         `json:"remainingAttempts"`
	IsFinalAttempt    bool        `json:"isFinalAttempt"`
	Evaluation        *Evaluation `json:"evaluation,omitempty"`
}

// AllowsAnother reports whether another attempt may follow this one.
func (r *AttemptResult) AllowsAnother() bool {
	return r != nil && r.RemainingAttempts > 0 && !r.IsFinalAttempt
}

// Telemetry is attached to every submission.
type Telemetry struct {
	Source          string    `json:"source"`
	SubmittedAt     time.Time `json:"submittedAt"`
	DeviceInfo      string    `json:"deviceInfo"`
	ProtocolVersion string    `json:"protocolVersion"`
}
