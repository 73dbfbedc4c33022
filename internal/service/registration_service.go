package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/logger"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/validator"
)

// RegistrationResult is what the prober learned about a phone number.
type RegistrationResult struct {
	IsRegistered bool
	Profile      *model.UserProfile
	ClientInfo   *model.ClientInfo
}

// RegistrationService asks whether a profile already exists for a number.
// It keeps no state, so repeated checks are safe.
type RegistrationService struct {
	api API
	log zerolog.Logger
}

// NewRegistrationService creates a new RegistrationService.
func NewRegistrationService(api API, log zerolog.Logger) *RegistrationService {
	return &RegistrationService{
		api: api,
		log: log.With().Str("component", "registration_service").Logger(),
	}
}

// Check probes check-user for mobile under clientID.
func (s *RegistrationService) Check(ctx context.Context, clientID, mobile string) (*RegistrationResult, error) {
	if validator.Mobile(mobile) != nil {
		return nil, ErrInvalidMobile
	}

	resp, err := s.api.CheckUser(ctx, clientID, mobile)
	if err != nil {
		return nil, serverFailure(err, ErrSendFailed)
	}

	result := &RegistrationResult{
		IsRegistered: resp.IsRegistered,
		ClientInfo:   resp.ClientInfo.Model(),
	}
	if resp.IsRegistered && resp.UserProfile != nil {
		result.Profile = &model.UserProfile{
			Name:         resp.UserProfile.Name,
			AvatarURL:    resp.UserProfile.ProfilePicture,
			Mobile:       mobile,
			IsRegistered: true,
		}
	}

	s.log.Debug().
		Str("client_id", clientID).
		Str("mobile_fp", logger.Fingerprint(mobile)).
		Bool("registered", result.IsRegistered).
		Msg("Registration checked")
	return result, nil
}
