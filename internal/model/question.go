package model

// EvaluationMode says how a submitted attempt is graded.
type EvaluationMode string

const (
	EvaluationManual    EvaluationMode = "manual"
	EvaluationAutomatic EvaluationMode = "automatic"
)

// Question is the payload a visitor answers. It is immutable once loaded.
type Question struct {
	ID             string         `json:"id"`
	Prompt         string         `json:"prompt"`
	MaxMarks       float64        `json:"maxMarks"`
	Difficulty     string         `json:"difficulty,omitempty"`
	EstimatedTime  int            `json:"estimatedTime,omitempty"` // minutes
	WordLimit      int            `json:"wordLimit,omitempty"`
	LanguageMode   string         `json:"languageMode,omitempty"`
	EvaluationMode EvaluationMode `json:"evaluationMode"`
}

// IsAutomatic reports whether attempts are scored by the backend on submit.
func (q *Question) IsAutomatic() bool {
	return q != nil && q.EvaluationMode == EvaluationAutomatic
}
