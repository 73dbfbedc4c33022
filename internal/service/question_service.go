package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/model"
)

// QuestionService loads the question a QR code points at.
type QuestionService struct {
	api API
	log zerolog.Logger
}

// NewQuestionService creates a new QuestionService.
func NewQuestionService(api API, log zerolog.Logger) *QuestionService {
	return &QuestionService{
		api: api,
		log: log.With().Str("component", "question_service").Logger(),
	}
}

// Load fetches questionID with token and merges any embedded branding into
// cell. A rejected token yields ErrUnauthorized, which callers treat the
// same as having no session.
func (s *QuestionService) Load(ctx context.Context, token, questionID string, cell *Branding) (*model.Question, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	resp, err := s.api.GetQuestion(ctx, token, questionID)
	if err != nil {
		s.log.Debug().Err(err).Str("question_id", questionID).Msg("Question load failed")
		return nil, classify(err, ErrLoadFailed)
	}

	if cell != nil {
		cell.Merge(resp.ClientInfo.Model())
	}

	q := resp.Model()
	if q.ID == "" {
		q.ID = questionID
	}
	return q, nil
}
