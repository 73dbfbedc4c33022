package flow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/service"
	"github.com/stemsi/exstem-qr/internal/session"
)

// Dependencies are the collaborators a Controller drives. Previews is
// optional; everything else is required.
type Dependencies struct {
	API        service.API
	Sessions   session.Store
	Guard      inflight.Guard
	Branding   *service.BrandingService
	Prober     *service.RegistrationService
	Questions  *service.QuestionService
	Attempts   *service.AttemptService
	Previews   service.PreviewStore
	SessionTTL time.Duration
	DeviceInfo string
	Log        zerolog.Logger
}

// Controller is the state machine of one visit to one question.
//
// Network calls run outside the lock. Each completion carries the epoch it
// started in and is dropped if the epoch moved on meanwhile (the visitor
// left, logged out, or the session was found invalid).
type Controller struct {
	route    model.Route
	deps     Dependencies
	log      zerolog.Logger
	branding *service.Branding
	auth     *service.OTPCoordinator
	bg       sync.WaitGroup

	mu        sync.Mutex
	state     State
	token     string
	question  *model.Question
	draft     *service.Draft
	result    *model.AttemptResult
	remaining *int
	exhausted bool
	busy      bool
	message   string
	err       error
	epoch     uint64
	observers []func(Event)
	pending   []Event
}

// New creates a controller in the loading phase for route.
func New(route model.Route, deps Dependencies) *Controller {
	branding := service.NewBranding(model.ClientInfo{})
	return &Controller{
		route:    route,
		deps:     deps,
		log:      deps.Log.With().Str("component", "flow").Str("question_id", route.QuestionID).Logger(),
		branding: branding,
		auth: service.NewOTPCoordinator(deps.API, deps.Prober, deps.Sessions, deps.Guard,
			branding, deps.SessionTTL, deps.Log),
		state: stateLoading,
	}
}

// OnTransition registers fn for every event. Observers run on the
// goroutine that caused the event, never under the controller's lock.
func (c *Controller) OnTransition(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// View returns the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Wait blocks until background branding fetches have finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Start enters loading, fires the branding fetch without waiting for it,
// and then either loads the question with the stored session or moves to
// phone entry.
func (c *Controller) Start(ctx context.Context) View {
	defer c.flush()
	c.fetchBranding(ctx)

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.busy = false
	c.message, c.err = "", nil
	c.setState(stateLoading)
	c.mu.Unlock()

	token, ok := c.deps.Sessions.Load(ctx)
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch == c.epoch {
			c.toAuth("")
		}
		return c.viewLocked()
	}
	return c.loadQuestion(ctx, epoch, token)
}

// Resume continues a restored controller. A question or result screen is
// kept only while the stored session is still there.
func (c *Controller) Resume(ctx context.Context) View {
	c.mu.Lock()
	phase := c.state.Phase
	hasQuestion := c.question != nil
	c.mu.Unlock()

	token, ok := c.deps.Sessions.Load(ctx)
	switch {
	case phase == PhaseAuthenticating && !ok:
		if c.branding.Current().Name == "" {
			c.fetchBranding(ctx)
		}
		return c.View()
	case (phase == PhaseQuestion || phase == PhaseSubmitted) && ok && hasQuestion:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.token = token
		return c.viewLocked()
	}
	return c.Start(ctx)
}

// SendCode requests an OTP for mobile.
func (c *Controller) SendCode(ctx context.Context, mobile string) View {
	defer c.flush()
	epoch, ok := c.enter(PhaseAuthenticating)
	if !ok {
		return c.View()
	}

	err := c.auth.SendCode(ctx, c.route.ClientID, mobile)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch == c.epoch {
		c.err = err
		c.syncAuth()
	}
	return c.viewLocked()
}

// VerifyCode checks otp and, on success, loads the question with the new
// session. name is required only for first-time numbers.
func (c *Controller) VerifyCode(ctx context.Context, otp, name string) View {
	defer c.flush()
	epoch, ok := c.enter(PhaseAuthenticating)
	if !ok {
		return c.View()
	}

	res, err := c.auth.VerifyCode(ctx, c.route.ClientID, "", otp, name)

	c.mu.Lock()
	if epoch != c.epoch {
		defer c.mu.Unlock()
		return c.viewLocked()
	}
	if err != nil {
		defer c.mu.Unlock()
		c.err = err
		c.syncAuth()
		return c.viewLocked()
	}
	c.setState(stateLoading)
	c.mu.Unlock()

	return c.loadQuestion(ctx, epoch, res.Token)
}

// ChangeMobile goes back to phone entry, superseding any outstanding send
// or verify.
func (c *Controller) ChangeMobile() View {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.message, c.err = "", nil
	if c.state.Phase != PhaseAuthenticating {
		c.err = ErrWrongPhase
		return c.viewLocked()
	}
	c.auth.ResetToPhoneEntry()
	c.syncAuth()
	return c.viewLocked()
}

// AddFiles offers candidates to the draft. The error is only for actions
// that are not available; file problems are reported in the result.
func (c *Controller) AddFiles(candidates []service.Candidate) (service.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editable(); err != nil {
		return service.AddResult{}, err
	}
	res := c.draft.AddFiles(candidates)
	c.message, c.err = res.Message, res.Err()
	return res, nil
}

// RemoveFile drops one file from the draft.
func (c *Controller) RemoveFile(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editable(); err != nil {
		return err
	}
	c.draft.RemoveFile(id)
	c.message, c.err = "", nil
	return nil
}

// SetText replaces the free-text answer.
func (c *Controller) SetText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editable(); err != nil {
		return err
	}
	c.draft.SetText(text)
	return nil
}

// Submit sends the draft. Duplicate submits while one is outstanding are
// refused, as is anything after the attempts ran out.
func (c *Controller) Submit(ctx context.Context) View {
	defer c.flush()
	c.mu.Lock()
	c.message, c.err = "", nil
	switch {
	case c.state.Phase != PhaseQuestion:
		c.err = ErrWrongPhase
	case c.exhausted:
		c.err = service.ErrAttemptLimitReached
	case c.busy:
		c.err = service.ErrRequestInFlight
	case c.token == "":
		c.log.Error().Msg("Submit without a session")
		c.toAuth("")
		c.err = service.ErrUnauthorized
	case c.draft.IsEmpty():
		c.err = service.ErrEmptyDraft
	}
	if c.err != nil {
		c.message = service.Message(c.err)
		defer c.mu.Unlock()
		return c.viewLocked()
	}
	c.busy = true
	epoch, token, draft := c.epoch, c.token, c.draft
	c.mu.Unlock()

	// Controllers rebuilt from the same snapshot share nothing but the
	// guard, so it is what keeps a second submit from reaching the backend.
	release, ok, err := c.deps.Guard.TryAcquire(ctx, inflight.Key("submit", token, c.route.QuestionID))
	if err != nil || !ok {
		if err != nil {
			c.log.Error().Err(err).Msg("In-flight guard unavailable")
			err = service.ErrSubmitFailed
		} else {
			err = service.ErrRequestInFlight
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch == c.epoch {
			c.busy = false
			c.message = service.Message(err)
			c.err = err
		}
		return c.viewLocked()
	}
	defer release()

	res, err := c.deps.Attempts.Submit(ctx, token, c.route.ClientID, c.route.QuestionID, draft,
		model.Telemetry{DeviceInfo: c.deps.DeviceInfo})
	if errors.Is(err, service.ErrUnauthorized) {
		c.clearSession(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return c.viewLocked()
	}
	c.busy = false
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		c.toAuth(service.Message(err))
	case errors.Is(err, service.ErrAttemptLimitReached):
		c.exhausted = true
		c.remaining = new(int)
		c.message = service.Message(err)
	case err != nil:
		c.message = service.Message(err)
	default:
		c.record(res)
		c.setState(stateSubmitted)
	}
	c.err = err
	return c.viewLocked()
}

// SubmitAnother returns from the result screen to an empty draft, if the
// last result allows another attempt.
func (c *Controller) SubmitAnother() View {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.message, c.err = "", nil
	switch {
	case c.state.Phase != PhaseSubmitted:
		c.err = ErrWrongPhase
	case c.exhausted || !c.result.AllowsAnother():
		c.err = service.ErrAttemptLimitReached
		c.message = service.Message(c.err)
	default:
		c.result = nil
		c.newDraft()
		c.setState(stateQuestion)
	}
	return c.viewLocked()
}

// Leave discards the draft and everything in flight, as when the visitor
// navigates away. Start begins again.
func (c *Controller) Leave() {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.discardDraft()
	c.busy = false
	c.token = ""
	c.question = nil
	c.result = nil
	c.message, c.err = "", nil
	c.auth.ResetToPhoneEntry()
	c.setState(stateLoading)
}

// Logout forgets the session and returns to phone entry.
func (c *Controller) Logout(ctx context.Context) View {
	defer c.flush()
	c.clearSession(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.message, c.err = "", nil
	c.toAuth("")
	return c.viewLocked()
}

// Snapshot captures the persistable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:      c.state,
		Auth:       c.auth.State(),
		ClientInfo: c.branding.Current(),
		Question:   c.question,
		Result:     c.result,
		Remaining:  c.remaining,
		Exhausted:  c.exhausted,
		Message:    c.message,
	}
	if c.draft != nil {
		s.Text = c.draft.Text()
	}
	return s
}

// Restore loads a snapshot without emitting events. Call Resume next so the
// session is re-checked.
func (c *Controller) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.busy = false
	c.state = s.State
	c.auth.Restore(s.Auth)
	c.branding.Merge(&s.ClientInfo)
	c.question = s.Question
	c.result = s.Result
	c.remaining = s.Remaining
	c.exhausted = s.Exhausted
	c.message = s.Message
	c.discardDraft()
	if c.state.Phase == PhaseQuestion {
		c.newDraft()
		c.draft.SetText(s.Text)
	}
}

func (c *Controller) loadQuestion(ctx context.Context, epoch uint64, token string) View {
	if token == "" {
		c.log.Error().Msg("Question load requested without a session")
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch == c.epoch {
			c.toAuth("")
		}
		return c.viewLocked()
	}

	q, err := c.deps.Questions.Load(ctx, token, c.route.QuestionID, c.branding)
	if errors.Is(err, service.ErrUnauthorized) {
		c.clearSession(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return c.viewLocked()
	}
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		c.toAuth(service.Message(err))
	case err != nil:
		// Stay in loading; Start retries.
		c.message = service.Message(err)
		c.setState(stateLoading)
	default:
		c.token = token
		c.question = q
		c.result = nil
		c.message = ""
		c.newDraft()
		c.setState(stateQuestion)
	}
	c.err = err
	return c.viewLocked()
}

// enter opens an action allowed only in phase.
func (c *Controller) enter(phase Phase) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.message, c.err = "", nil
	if c.state.Phase != phase {
		c.err = ErrWrongPhase
		return 0, false
	}
	return c.epoch, true
}

func (c *Controller) editable() error {
	switch {
	case c.state.Phase != PhaseQuestion || c.draft == nil:
		return ErrWrongPhase
	case c.busy:
		return service.ErrRequestInFlight
	}
	return nil
}

// toAuth drops the session-bound state and shows phone entry.
func (c *Controller) toAuth(message string) {
	c.discardDraft()
	c.token = ""
	c.question = nil
	c.result = nil
	c.remaining = nil
	c.exhausted = false
	c.busy = false
	c.auth.ResetToPhoneEntry()
	c.message = message
	c.setState(authenticating(service.StepPhoneEntry))
}

func (c *Controller) syncAuth() {
	if c.state.Phase == PhaseAuthenticating {
		c.setState(authenticating(c.auth.State().Step))
	}
}

// record keeps remaining attempts from ever going up within the session.
func (c *Controller) record(res *model.AttemptResult) {
	if c.remaining != nil && res.RemainingAttempts > *c.remaining {
		res.RemainingAttempts = *c.remaining
	}
	remaining := res.RemainingAttempts
	c.remaining = &remaining
	c.result = res
	c.exhausted = !res.AllowsAnother()
}

func (c *Controller) newDraft() {
	c.discardDraft()
	c.draft = c.deps.Attempts.NewDraft(c.deps.Previews)
}

func (c *Controller) discardDraft() {
	if c.draft != nil {
		c.draft.Clear()
		c.draft = nil
	}
}

func (c *Controller) clearSession(ctx context.Context) {
	if err := c.deps.Sessions.Clear(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to clear session")
	}
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	c.pending = append(c.pending, Event{Type: EventTransition, From: c.state, To: s, At: time.Now()})
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("Flow transition")
	c.state = s
}

func (c *Controller) fetchBranding(ctx context.Context) {
	if c.deps.Branding == nil || c.route.ClientID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	before := c.branding.Current()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.deps.Branding.FetchBranding(ctx, c.route.ClientID, c.branding)
		if c.branding.Current() == before {
			return
		}
		c.mu.Lock()
		c.pending = append(c.pending, Event{Type: EventBranding, From: c.state, To: c.state, At: time.Now()})
		c.mu.Unlock()
		c.flush()
	}()
}

// flush delivers queued events outside the lock.
func (c *Controller) flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	for _, e := range pending {
		for _, fn := range observers {
			fn(e)
		}
	}
}

func (c *Controller) viewLocked() View {
	info := c.branding.Current()
	v := View{
		State:             c.state,
		Route:             c.route,
		DisplayName:       info.Name,
		ClientInfo:        info,
		Question:          c.question,
		Limits:            c.deps.Attempts.Limits(),
		Result:            c.result,
		RemainingAttempts: c.remaining,
		LimitReached:      c.exhausted,
		Busy:              c.busy || c.auth.Busy(),
		Message:           c.message,
		Err:               c.err,
	}
	if v.DisplayName == "" {
		v.DisplayName = c.route.DisplayName()
	}

	auth := c.auth.State()
	v.Profile = auth.Profile
	if c.state.Phase == PhaseAuthenticating {
		v.Auth = &auth
		v.NameRequired = auth.NameRequired()
		if auth.Message != "" {
			v.Message = auth.Message
		}
	}

	if c.draft != nil {
		v.Files = c.draft.Files()
		v.Text = c.draft.Text()
	}
	v.CanSubmit = c.state.Phase == PhaseQuestion && !c.busy && !c.exhausted &&
		c.draft != nil && !c.draft.IsEmpty()
	v.CanSubmitAnother = c.state.Phase == PhaseSubmitted && !c.exhausted && c.result.AllowsAnother()
	return v
}
