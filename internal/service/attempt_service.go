package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi"
)

// SourceQRScan tags every submission made through this flow.
const SourceQRScan = "qr_scan"

// AttemptService submits drafts and interprets the results.
type AttemptService struct {
	api             API
	limits          Limits
	protocolVersion string
	log             zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(api API, limits Limits, protocolVersion string, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		api:             api,
		limits:          limits,
		protocolVersion: protocolVersion,
		log:             log.With().Str("component", "attempt_service").Logger(),
	}
}

// Limits returns the limits new drafts should enforce.
func (s *AttemptService) Limits() Limits {
	return s.limits
}

// NewDraft creates an empty draft under the service's limits.
func (s *AttemptService) NewDraft(previews PreviewStore) *Draft {
	return NewDraft(s.limits, previews)
}

// Submit sends draft as one multipart attempt. The draft is cleared only on
// success, so a failed submission can be retried as is.
func (s *AttemptService) Submit(
	ctx context.Context,
	token, clientID, questionID string,
	draft *Draft,
	telemetry model.Telemetry,
) (*model.AttemptResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	files, text := draft.contents()
	if len(files) == 0 && strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDraft
	}

	telemetry = s.fillTelemetry(telemetry)
	req := qrapi.SubmitAnswerRequest{
		ClientID:        clientID,
		TextAnswer:      text,
		Source:          telemetry.Source,
		SubmittedAt:     telemetry.SubmittedAt,
		DeviceInfo:      telemetry.DeviceInfo,
		ProtocolVersion: telemetry.ProtocolVersion,
	}
	for _, f := range files {
		req.Files = append(req.Files, qrapi.AnswerFile{
			Name:        f.Name,
			ContentType: f.ContentType,
			Open:        f.Open,
		})
	}

	resp, err := s.api.SubmitAnswer(ctx, token, questionID, req)
	if err != nil {
		classified := classify(err, ErrSubmitFailed)
		s.log.Warn().
			Err(err).
			Str("question_id", questionID).
			Int("files", len(files)).
			Msg("Submission failed")
		return nil, classified
	}

	result := &model.AttemptResult{
		AnswerID:       resp.AnswerID,
		AttemptNumber:  resp.AttemptNumber,
		ImagesAccepted: resp.ImagesAccepted,
		IsFinalAttempt: resp.IsFinalAttempt,
	}
	switch {
	case resp.RemainingAttempts != nil:
		result.RemainingAttempts = max(*resp.RemainingAttempts, 0)
	case resp.IsFinalAttempt:
		result.RemainingAttempts = 0
	default:
		result.RemainingAttempts = max(s.limits.MaxAttempts-resp.AttemptNumber, 0)
	}
	if resp.Evaluation != nil {
		result.Evaluation = &model.Evaluation{
			MarksAwarded: resp.Evaluation.MarksAwarded,
			Accuracy:     resp.Evaluation.Accuracy,
		}
	}

	draft.Clear()

	s.log.Info().
		Str("question_id", questionID).
		Str("answer_id", result.AnswerID).
		Int("attempt", result.AttemptNumber).
		Int("remaining", result.RemainingAttempts).
		Msg("Attempt submitted")
	return result, nil
}

func (s *AttemptService) fillTelemetry(t model.Telemetry) model.Telemetry {
	if t.Source == "" {
		t.Source = SourceQRScan
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = s.protocolVersion
	}
	if t.DeviceInfo == "" {
		t.DeviceInfo = "unknown"
	}
	return t
}
