package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi"
)

// API is the subset of the platform backend the flow consumes.
// *qrapi.Client satisfies it.
type API interface {
	CheckUser(ctx context.Context, clientID, mobile string) (*qrapi.CheckUserResponse, error)
	SendOTP(ctx context.Context, clientID, mobile string) (*qrapi.SendOTPResponse, error)
	VerifyOTP(ctx context.Context, clientID string, req qrapi.VerifyOTPRequest) (*qrapi.VerifyOTPResponse, error)
	GetQuestion(ctx context.Context, token, questionID string) (*qrapi.QuestionResponse, error)
	SubmitAnswer(ctx context.Context, token, questionID string, req qrapi.SubmitAnswerRequest) (*qrapi.AttemptResponse, error)
}

// probeMobile is sent to check-user when only the embedded branding is wanted.
const probeMobile = "0000000000"

// Branding is the ClientInfo shared by every component of one flow. It only
// ever gains fields: whichever source fills a field first keeps it.
type Branding struct {
	mu   sync.RWMutex
	info model.ClientInfo
}

// NewBranding seeds the cell, typically with the display name from the deep link.
func NewBranding(initial model.ClientInfo) *Branding {
	return &Branding{info: initial}
}

// Merge fills empty fields from info and reports whether anything changed.
func (b *Branding) Merge(info *model.ClientInfo) bool {
	if info == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := b.info.Merge(info)
	changed := merged != b.info
	b.info = merged
	return changed
}

// Current returns a copy of the branding.
func (b *Branding) Current() model.ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// BrandingService resolves tenant branding for the challenge screen.
type BrandingService struct {
	api   API
	group singleflight.Group
	log   zerolog.Logger
}

// NewBrandingService creates a new BrandingService.
func NewBrandingService(api API, log zerolog.Logger) *BrandingService {
	return &BrandingService{
		api: api,
		log: log.With().Str("component", "branding_service").Logger(),
	}
}

// FetchBranding probes check-user for clientID's embedded ClientInfo and
// merges it into cell. Concurrent probes for the same client share one
// request. Failures are logged and otherwise ignored.
func (s *BrandingService) FetchBranding(ctx context.Context, clientID string, cell *Branding) {
	v, err, shared := s.group.Do(clientID, func() (interface{}, error) {
		resp, err := s.api.CheckUser(ctx, clientID, probeMobile)
		if err != nil {
			return nil, err
		}
		return resp.ClientInfo.Model(), nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Msg("Branding probe failed")
		return
	}

	info, _ := v.(*model.ClientInfo)
	if info == nil {
		s.log.Debug().Str("client_id", clientID).Msg("Branding probe returned no client info")
		return
	}
	if cell.Merge(info) {
		s.log.Debug().Str("client_id", clientID).Bool("shared", shared).Msg("Branding merged")
	}
}
