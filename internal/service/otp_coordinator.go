package service

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/logger"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi"
	"github.com/stemsi/exstem-qr/internal/session"
	"github.com/stemsi/exstem-qr/internal/validator"
)

// AuthStep is the sub-state of authentication.
type AuthStep string

const (
	StepPhoneEntry AuthStep = "phone_entry"
	StepOTPEntry   AuthStep = "otp_entry"
)

// minNameLength applies to names typed by first-time users.
const minNameLength = 2

// AuthState is everything the challenge screen shows. It doubles as the
// coordinator's snapshot.
type AuthState struct {
	Step     AuthStep `json:"step"`
	Mobile   string   `json:"mobile,omitempty"`
	OTP      string   `json:"otp,omitempty"`
	CodeSent bool     `json:"codeSent"`
	// Registered is nil until the prober has answered.
	Registered *bool              `json:"registered,omitempty"`
	Profile    *model.UserProfile `json:"profile,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// NameRequired reports whether verification must carry a typed name.
func (s AuthState) NameRequired() bool {
	return s.Registered != nil && !*s.Registered
}

// VerifyResult is returned by a successful verification.
type VerifyResult struct {
	Token   string
	Profile model.UserProfile
}

// OTPCoordinator runs the phone-entry / otp-entry challenge for one visitor.
type OTPCoordinator struct {
	api      API
	prober   *RegistrationService
	sessions session.Store
	guard    inflight.Guard
	branding *Branding
	ttl      time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	state AuthState
	epoch uint64
	busy  bool
}

// NewOTPCoordinator creates a coordinator in phone entry.
func NewOTPCoordinator(
	api API,
	prober *RegistrationService,
	sessions session.Store,
	guard inflight.Guard,
	branding *Branding,
	ttl time.Duration,
	log zerolog.Logger,
) *OTPCoordinator {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &OTPCoordinator{
		api:      api,
		prober:   prober,
		sessions: sessions,
		guard:    guard,
		branding: branding,
		ttl:      ttl,
		log:      log.With().Str("component", "otp_coordinator").Logger(),
		state:    AuthState{Step: StepPhoneEntry},
	}
}

// State returns a copy of the challenge state.
func (c *OTPCoordinator) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a send or verify is outstanding.
func (c *OTPCoordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Restore replaces the challenge state, e.g. from a persisted snapshot.
// Anything in flight is superseded.
func (c *OTPCoordinator) Restore(state AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.Step != StepOTPEntry {
		state.Step = StepPhoneEntry
	}
	c.state = state
	c.epoch++
	c.busy = false
}

// SendCode probes registration for mobile and asks the backend to dispatch a
// code. Only one request per number is outstanding at a time.
func (c *OTPCoordinator) SendCode(ctx context.Context, clientID, mobile string) error {
	mobile = strings.TrimSpace(mobile)

	epoch, err := c.begin(func() error {
		// A code sent to another number does not verify this one.
		if mobile != c.state.Mobile {
			c.state.Step = StepPhoneEntry
			c.state.CodeSent = false
			c.state.OTP = ""
		}
		c.state.Mobile = mobile
		if validator.Mobile(mobile) != nil {
			return ErrInvalidMobile
		}
		return nil
	})
	if err != nil {
		return err
	}

	fp := logger.Fingerprint(mobile)
	release, ok, err := c.guard.TryAcquire(ctx, inflight.Key(clientID, mobile))
	if err != nil {
		c.log.Error().Err(err).Str("mobile_fp", fp).Msg("In-flight guard unavailable")
		return c.fail(epoch, &Failure{Kind: ErrSendFailed, Message: ErrSendFailed.Error(), cause: err})
	}
	if !ok {
		c.log.Debug().Str("mobile_fp", fp).Msg("Duplicate send suppressed")
		return c.fail(epoch, ErrRequestInFlight)
	}
	defer release()

	reg, err := c.prober.Check(ctx, clientID, mobile)
	if err != nil {
		// The challenge still works without it; the name just stays optional.
		c.log.Warn().Err(err).Str("mobile_fp", fp).Msg("Registration probe failed")
	}
	if !c.apply(epoch, func() {
		c.state.Registered = nil
		c.state.Profile = nil
		if reg != nil {
			registered := reg.IsRegistered
			c.state.Registered = &registered
			c.state.Profile = reg.Profile
			c.branding.Merge(reg.ClientInfo)
		}
	}) {
		return ErrStale
	}

	resp, err := c.api.SendOTP(ctx, clientID, mobile)
	if err != nil {
		return c.fail(epoch, serverFailure(err, ErrSendFailed))
	}

	if !c.finish(epoch, func() {
		c.branding.Merge(resp.ClientInfo.Model())
		if c.state.Profile == nil && resp.UserInfo != nil && c.state.Registered != nil && *c.state.Registered {
			c.state.Profile = &model.UserProfile{
				Name:         resp.UserInfo.Name,
				AvatarURL:    resp.UserInfo.ProfilePicture,
				Mobile:       mobile,
				IsRegistered: true,
			}
		}
		c.state.Step = StepOTPEntry
		c.state.CodeSent = true
		c.state.OTP = ""
		c.state.Message = ""
	}) {
		return ErrStale
	}

	c.log.Info().Str("client_id", clientID).Str("mobile_fp", fp).Msg("OTP sent")
	return nil
}

// VerifyCode exchanges otp for a session token, stores it and settles the
// visitor's profile. mobile may be empty to reuse the number the code was
// sent to. A registered profile's name wins over anything typed.
func (c *OTPCoordinator) VerifyCode(ctx context.Context, clientID, mobile, otp, name string) (*VerifyResult, error) {
	otp = strings.TrimSpace(otp)
	name = strings.TrimSpace(name)

	var (
		registered bool
		known      *model.UserProfile
	)
	epoch, err := c.begin(func() error {
		if mobile == "" {
			mobile = c.state.Mobile
		}
		c.state.OTP = otp
		switch {
		case !c.state.CodeSent || c.state.Step != StepOTPEntry:
			return ErrOTPNotSent
		case validator.OTP(otp) != nil:
			return ErrInvalidOTP
		case c.state.NameRequired() && utf8.RuneCountInString(name) < minNameLength:
			return ErrNameRequired
		}
		registered = c.state.Registered != nil && *c.state.Registered
		known = c.state.Profile
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.api.VerifyOTP(ctx, clientID, qrapi.VerifyOTPRequest{
		Mobile:   mobile,
		OTP:      otp,
		Name:     name,
		ClientID: clientID,
	})
	if err == nil && resp.AuthToken == "" {
		err = &Failure{Kind: ErrVerifyFailed, Message: ErrVerifyFailed.Error()}
	}
	if err != nil {
		return nil, c.fail(epoch, serverFailure(err, ErrVerifyFailed))
	}

	finalName := resp.User.Name
	if finalName == "" {
		if registered && known != nil {
			finalName = known.Name
		} else if !registered {
			finalName = name
		}
	}
	profile := model.UserProfile{
		Name:         finalName,
		AvatarURL:    resp.User.ProfilePicture,
		Mobile:       mobile,
		IsRegistered: registered,
	}
	if profile.AvatarURL == "" && known != nil {
		profile.AvatarURL = known.AvatarURL
	}

	if !c.finish(epoch, func() {
		c.state.Profile = &profile
		c.state.Message = ""
		c.branding.Merge(resp.ClientInfo.Model())
		if err := c.sessions.Save(ctx, resp.AuthToken, c.ttl); err != nil {
			// The token in hand still works for this visit.
			c.log.Warn().Err(err).Msg("Session token not persisted")
		}
	}) {
		return nil, ErrStale
	}

	c.log.Info().
		Str("client_id", clientID).
		Str("mobile_fp", logger.Fingerprint(mobile)).
		Bool("registered", registered).
		Msg("OTP verified")
	return &VerifyResult{Token: resp.AuthToken, Profile: profile}, nil
}

// ResetToPhoneEntry returns to phone entry, dropping the code, the message
// and everything the prober reported. The typed number is kept for editing.
// Outstanding requests become stale.
func (c *OTPCoordinator) ResetToPhoneEntry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = AuthState{Step: StepPhoneEntry, Mobile: c.state.Mobile}
	c.epoch++
	c.busy = false
}

// begin validates under the lock via check, then marks the coordinator busy
// and opens a new epoch. A check error is recorded as the screen message.
func (c *OTPCoordinator) begin(check func() error) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return 0, ErrRequestInFlight
	}
	if err := check(); err != nil {
		c.state.Message = Message(err)
		return 0, err
	}
	c.busy = true
	c.epoch++
	c.state.Message = ""
	return c.epoch, nil
}

// apply runs fn if epoch is still current, leaving the request outstanding.
func (c *OTPCoordinator) apply(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	fn()
	return true
}

// finish runs fn and ends the request if epoch is still current.
func (c *OTPCoordinator) finish(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	fn()
	c.busy = false
	return true
}

// fail ends the request with err shown on screen, unless it went stale.
func (c *OTPCoordinator) fail(epoch uint64, err error) error {
	if !c.finish(epoch, func() { c.state.Message = Message(err) }) {
		return ErrStale
	}
	return err
}
