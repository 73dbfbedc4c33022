package websocket

import (
	"time"

	"github.com/stemsi/exstem-qr/internal/flow"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventReady      Event = "ready"
	EventTransition Event = "transition"
	EventBranding   Event = "branding"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// FlowEvent reports a change in one of the visitor's flows. View is the
// state after the request that caused it.
type FlowEvent struct {
	Event      Event      `json:"event"`
	QuestionID string     `json:"question_id"`
	From       flow.State `json:"from"`
	To         flow.State `json:"to"`
	At         time.Time  `json:"at"`
	View       *flow.View `json:"view,omitempty"`
}

// NewFlowEvent converts a controller event for the wire.
func NewFlowEvent(questionID string, e flow.Event, view *flow.View) FlowEvent {
	event := EventTransition
	if e.Type == flow.EventBranding {
		event = EventBranding
	}
	return FlowEvent{
		Event:      event,
		QuestionID: questionID,
		From:       e.From,
		To:         e.To,
		At:         e.At,
		View:       view,
	}
}

// ReadyResponse is sent once the stream is subscribed.
type ReadyResponse struct {
	Event      Event       `json:"event"`
	QuestionID string      `json:"question_id"`
	State      *flow.State `json:"state,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
