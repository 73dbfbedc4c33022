// Package flow sequences a QR visit: resolve the session, authenticate by
// OTP when needed, show the question and take attempts until none remain.
package flow

import (
	"errors"
	"time"

	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/service"
)

// ErrWrongPhase is recorded when an action is not offered in the current phase.
var ErrWrongPhase = errors.New("that action is not available right now")

// Phase is the top-level step of the flow.
type Phase string

// PhaseLoading normally resolves to question or authenticating. A question
// load that fails on the network stays here with a retry message, and Start
// tries again.
const (
	PhaseLoading        Phase = "loading"
	PhaseAuthenticating Phase = "authenticating"
	PhaseQuestion       Phase = "question"
	PhaseSubmitted      Phase = "submitted"
)

// State is the phase plus, while authenticating, the challenge sub-step.
// Auth is empty in every other phase.
type State struct {
	Phase Phase            `json:"phase"`
	Auth  service.AuthStep `json:"auth,omitempty"`
}

func (s State) String() string {
	if s.Auth == "" {
		return string(s.Phase)
	}
	return string(s.Phase) + "/" + string(s.Auth)
}

var (
	stateLoading   = State{Phase: PhaseLoading}
	stateQuestion  = State{Phase: PhaseQuestion}
	stateSubmitted = State{Phase: PhaseSubmitted}
)

func authenticating(step service.AuthStep) State {
	return State{Phase: PhaseAuthenticating, Auth: step}
}

// EventType distinguishes observer notifications.
type EventType string

const (
	EventTransition EventType = "transition"
	EventBranding   EventType = "branding"
)

// Event is delivered to observers after the controller's lock is released.
type Event struct {
	Type EventType `json:"type"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// View is what a driver renders.
type View struct {
	State       State            `json:"state"`
	Route       model.Route      `json:"route"`
	DisplayName string           `json:"displayName"`
	ClientInfo  model.ClientInfo `json:"clientInfo"`

	Auth         *service.AuthState `json:"auth,omitempty"`
	NameRequired bool               `json:"nameRequired"`
	Profile      *model.UserProfile `json:"profile,omitempty"`

	Question *model.Question      `json:"question,omitempty"`
	Files    []model.SelectedFile `json:"files,omitempty"`
	Text     string               `json:"text,omitempty"`
	Limits   service.Limits       `json:"limits"`

	Result            *model.AttemptResult `json:"result,omitempty"`
	RemainingAttempts *int                 `json:"remainingAttempts,omitempty"`
	LimitReached      bool                 `json:"limitReached"`
	CanSubmit         bool                 `json:"canSubmit"`
	CanSubmitAnother  bool                 `json:"canSubmitAnother"`

	Busy    bool   `json:"busy"`
	Message string `json:"message,omitempty"`
	// Err classifies the outcome of the last action, nil on success.
	Err error `json:"-"`
}

// Snapshot is the persistable part of a controller. The token is not in it:
// it stays in the session store.
type Snapshot struct {
	State      State                `json:"state"`
	Auth       service.AuthState    `json:"auth"`
	ClientInfo model.ClientInfo     `json:"clientInfo"`
	Question   *model.Question      `json:"question,omitempty"`
	Text       string               `json:"text,omitempty"`
	Result     *model.AttemptResult `json:"result,omitempty"`
	Remaining  *int                 `json:"remaining,omitempty"`
	Exhausted  bool                 `json:"exhausted"`
	Message    string               `json:"message,omitempty"`
}
