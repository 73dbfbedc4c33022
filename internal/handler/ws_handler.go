package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/middleware"
	"github.com/stemsi/exstem-qr/internal/repository"
	ws "github.com/stemsi/exstem-qr/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams flow events to the visitor's open pages.
type WSHandler struct {
	flows    repository.FlowRepository
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(flows repository.FlowRepository, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		flows:    flows,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// FlowStream godoc
// WS /ws/qr/:question_id
// Pushes every transition of the visitor's flow for the question, so a
// second tab or a page left open follows along.
func (h *WSHandler) FlowStream(c *gin.Context) {
	visitorID := middleware.VisitorID(c)
	questionID := c.Param("question_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("visitor_id", visitorID).
		Str("question_id", questionID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe, err := h.flows.Subscribe(ctx, visitorID)
	if err != nil {
		wsLog.Error().Err(err).Msg("Subscribe failed")
		ws.WriteError(conn, "event stream unavailable")
		return
	}
	defer unsubscribe()

	ready := ws.ReadyResponse{Event: ws.EventReady, QuestionID: questionID}
	if stored, err := h.flows.Get(ctx, visitorID, questionID); err == nil && stored != nil {
		state := stored.Snapshot.State
		ready.State = &state
	}
	if err := ws.WriteTyped(conn, ready); err != nil {
		return
	}

	wsLog.Debug().Msg("Visitor stream connected")

	// gorilla allows one writer, so the reader only queues replies.
	replies := make(chan interface{}, 4)
	done := make(chan struct{})
	go h.readLoop(conn, wsLog, replies, done)

	for {
		select {
		case <-done:
			return
		case reply := <-replies:
			if err := ws.WriteTyped(conn, reply); err != nil {
				return
			}
		case payload, ok := <-events:
			if !ok {
				return
			}
			if !forQuestion(payload, questionID) {
				continue
			}
			if err := ws.WriteRaw(conn, payload); err != nil {
				wsLog.Debug().Err(err).Msg("Write failed")
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, wsLog zerolog.Logger, replies chan<- interface{}, done chan<- struct{}) {
	defer close(done)
	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var reply interface{}
		switch msg.Action {
		case ws.ActionPing:
			reply = ws.PongResponse{Event: ws.EventPong}
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			reply = ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(msg.Action)}
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

func forQuestion(payload []byte, questionID string) bool {
	var head struct {
		QuestionID string `json:"question_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return false
	}
	return head.QuestionID == questionID
}
