package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/middleware"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/repository"
	"github.com/stemsi/exstem-qr/internal/response"
	"github.com/stemsi/exstem-qr/internal/service"
	"github.com/stemsi/exstem-qr/internal/session"
	"github.com/stemsi/exstem-qr/internal/validator"
	ws "github.com/stemsi/exstem-qr/internal/websocket"
)

const maxDeviceInfo = 256

// QRHandler serves the web view of the QR flow. Every request rebuilds the
// visitor's controller from its stored snapshot, runs one action on it and
// saves it back.
type QRHandler struct {
	deps  flow.Dependencies
	flows repository.FlowRepository
	cfg   *config.Config
	log   zerolog.Logger
}

// NewQRHandler creates a new QRHandler. deps.Sessions and deps.DeviceInfo
// are filled per request.
func NewQRHandler(deps flow.Dependencies, flows repository.FlowRepository, cfg *config.Config, log zerolog.Logger) *QRHandler {
	return &QRHandler{
		deps:  deps,
		flows: flows,
		cfg:   cfg,
		log:   log.With().Str("component", "qr_handler").Logger(),
	}
}

type sendOTPRequest struct {
	Mobile string `json:"mobile" binding:"required"`
}

type verifyOTPRequest struct {
	OTP  string `json:"otp" binding:"required"`
	Name string `json:"name" binding:"max=100"`
}

// visit is one request's hold on a visitor's flow.
type visit struct {
	visitorID string
	stored    *repository.StoredFlow
	ctrl      *flow.Controller

	mu     sync.Mutex
	events []flow.Event
}

func (v *visit) record(e flow.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, e)
}

// Open godoc
// GET /qr/:question_id?clientId=&clientName=
// Starts the flow for a scanned link, or resumes the visitor's existing one.
func (h *QRHandler) Open(c *gin.Context) {
	route, err := model.NewRoute(c.Param("question_id"), c.Query("clientId"), c.Query("clientName"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidRoute)
		return
	}

	visitorID := middleware.VisitorID(c)
	stored, err := h.flows.Get(c.Request.Context(), visitorID, route.QuestionID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load flow")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// A link for another client starts over.
	if stored != nil && (route.ClientID == "" || route.ClientID == stored.Route.ClientID) {
		v := h.restore(c, visitorID, stored)
		v.ctrl.Resume(c.Request.Context())
		h.finish(c, v, nil)
		return
	}

	if stored == nil {
		stored = &repository.StoredFlow{}
	}
	stored.Route = route
	v := h.newVisit(c, visitorID, stored)
	v.ctrl.Start(c.Request.Context())
	h.finish(c, v, nil)
}

// SendOTP godoc
// POST /qr/:question_id/otp/send
// Requests a one-time code for the given mobile number.
func (h *QRHandler) SendOTP(c *gin.Context) {
	var req sendOTPRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	v, ok := h.resume(c)
	if !ok {
		return
	}
	v.ctrl.SendCode(c.Request.Context(), req.Mobile)
	h.finish(c, v, nil)
}

// VerifyOTP godoc
// POST /qr/:question_id/otp/verify
// Checks the code and, on success, opens the question.
func (h *QRHandler) VerifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	v, ok := h.resume(c)
	if !ok {
		return
	}
	v.ctrl.VerifyCode(c.Request.Context(), req.OTP, req.Name)
	h.finish(c, v, nil)
}

// ResetOTP godoc
// POST /qr/:question_id/otp/reset
// Goes back to mobile entry.
func (h *QRHandler) ResetOTP(c *gin.Context) {
	v, ok := h.resume(c)
	if !ok {
		return
	}
	v.ctrl.ChangeMobile()
	h.finish(c, v, nil)
}

// SubmitAnswer godoc
// POST /qr/:question_id/answers
// Multipart form with "images" files and a "textAnswer" field. Nothing is
// submitted if any file is refused.
func (h *QRHandler) SubmitAnswer(c *gin.Context) {
	limits := h.deps.Attempts.Limits()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body,
		int64(limits.MaxFiles)*limits.MaxFileBytes+1<<20)

	var candidates []service.Candidate
	form, err := c.MultipartForm()
	switch {
	case errors.Is(err, http.ErrNotMultipart):
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrTooManyFiles)
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	default:
		for _, fh := range form.File["images"] {
			candidates = append(candidates, service.FromHeader(fh))
		}
	}
	text := c.PostForm("textAnswer")

	v, ok := h.resume(c)
	if !ok {
		return
	}

	res, err := v.ctrl.AddFiles(candidates)
	if err == nil {
		err = res.Err()
	}
	if err == nil {
		err = v.ctrl.SetText(text)
	}
	if err != nil {
		h.finish(c, v, err)
		return
	}

	v.ctrl.Submit(c.Request.Context())
	h.finish(c, v, nil)
}

// SubmitAnother godoc
// POST /qr/:question_id/answers/again
// Leaves the result screen for a fresh answer, if attempts remain.
func (h *QRHandler) SubmitAnother(c *gin.Context) {
	v, ok := h.resume(c)
	if !ok {
		return
	}
	v.ctrl.SubmitAnother()
	h.finish(c, v, nil)
}

// Leave godoc
// POST /qr/:question_id/leave
// Discards the visitor's flow for the question; the next Open starts over.
func (h *QRHandler) Leave(c *gin.Context) {
	visitorID := middleware.VisitorID(c)
	ctx := c.Request.Context()
	stored, err := h.flows.Get(ctx, visitorID, c.Param("question_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load flow")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if stored == nil {
		response.Success(c, http.StatusOK, gin.H{})
		return
	}

	v := h.restore(c, visitorID, stored)
	v.ctrl.Leave()
	if err := h.flows.Delete(ctx, visitorID, stored.Route.QuestionID); err != nil {
		h.log.Error().Err(err).Msg("Failed to delete flow")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	view := v.ctrl.View()
	h.publish(ctx, v, &view)
	response.Success(c, http.StatusOK, view)
}

// Logout godoc
// POST /qr/logout
// Forgets the session and every flow of the visitor.
func (h *QRHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.sessions(c).Clear(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Failed to clear session")
	}
	if err := h.flows.DeleteVisitor(ctx, middleware.VisitorID(c)); err != nil {
		h.log.Error().Err(err).Msg("Failed to delete visitor flows")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

func (h *QRHandler) sessions(c *gin.Context) *session.CookieStore {
	return session.NewCookieStore(h.cfg.SessionCookie, h.cfg.CookieSecure, c.Writer, c.Request)
}

func (h *QRHandler) newVisit(c *gin.Context, visitorID string, stored *repository.StoredFlow) *visit {
	deps := h.deps
	deps.Sessions = h.sessions(c)
	deps.DeviceInfo = c.Request.UserAgent()
	if len(deps.DeviceInfo) > maxDeviceInfo {
		deps.DeviceInfo = deps.DeviceInfo[:maxDeviceInfo]
	}

	v := &visit{visitorID: visitorID, stored: stored, ctrl: flow.New(stored.Route, deps)}
	v.ctrl.OnTransition(v.record)
	return v
}

func (h *QRHandler) restore(c *gin.Context, visitorID string, stored *repository.StoredFlow) *visit {
	v := h.newVisit(c, visitorID, stored)
	v.ctrl.Restore(stored.Snapshot)
	return v
}

// resume loads the visitor's flow for an action. Actions need a flow that
// was opened from a link first.
func (h *QRHandler) resume(c *gin.Context) (*visit, bool) {
	visitorID := middleware.VisitorID(c)
	stored, err := h.flows.Get(c.Request.Context(), visitorID, c.Param("question_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load flow")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return nil, false
	}
	if stored == nil {
		response.Fail(c, http.StatusConflict, response.ErrVisitorRequired)
		return nil, false
	}

	v := h.restore(c, visitorID, stored)
	v.ctrl.Resume(c.Request.Context())
	return v, true
}

// finish waits for background branding, saves the snapshot unless the
// request was refused as a duplicate, fans out the request's events and
// writes the view. actionErr overrides the view's own
// outcome for refusals the controller does not record.
func (h *QRHandler) finish(c *gin.Context, v *visit, actionErr error) {
	ctx := c.Request.Context()
	v.ctrl.Wait()
	view := v.ctrl.View()

	err := actionErr
	if err == nil {
		err = view.Err
	}

	// A request refused as a duplicate leaves the flow to the one in flight;
	// saving here would advance the revision under it.
	if !errors.Is(err, service.ErrRequestInFlight) {
		v.stored.Snapshot = v.ctrl.Snapshot()
		if saveErr := h.flows.Save(ctx, v.visitorID, v.stored); saveErr != nil {
			if !errors.Is(saveErr, repository.ErrRevisionConflict) {
				h.log.Error().Err(saveErr).Msg("Failed to save flow")
			}
			if err == nil {
				err = saveErr
			}
		}
	}

	h.publish(ctx, v, &view)
	h.respond(c, view, err)
}

func (h *QRHandler) publish(ctx context.Context, v *visit, view *flow.View) {
	v.mu.Lock()
	events := v.events
	v.events = nil
	v.mu.Unlock()

	for _, e := range events {
		payload, err := json.Marshal(ws.NewFlowEvent(v.stored.Route.QuestionID, e, view))
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to encode flow event")
			continue
		}
		if err := h.flows.Publish(ctx, v.visitorID, payload); err != nil {
			h.log.Warn().Err(err).Msg("Failed to publish flow event")
		}
	}
}

func (h *QRHandler) respond(c *gin.Context, view flow.View, err error) {
	if err == nil {
		response.Success(c, http.StatusOK, view)
		return
	}
	status, code := errorStatus(err)
	message := view.Message
	if message == "" {
		message = service.Message(err)
	}
	if code == response.ErrInternal || code == response.ErrRequestInFlight {
		message = ""
	}
	response.FailWithData(c, status, code, message, view)
}

// errorStatus maps a flow outcome to its HTTP status and error code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, flow.ErrWrongPhase), errors.Is(err, service.ErrStale):
		return http.StatusConflict, response.ErrWrongStep
	case errors.Is(err, service.ErrRequestInFlight), errors.Is(err, repository.ErrRevisionConflict):
		return http.StatusConflict, response.ErrRequestInFlight
	case errors.Is(err, service.ErrInvalidMobile):
		return http.StatusBadRequest, response.ErrInvalidMobile
	case errors.Is(err, service.ErrInvalidOTP):
		return http.StatusBadRequest, response.ErrInvalidOTP
	case errors.Is(err, service.ErrNameRequired):
		return http.StatusBadRequest, response.ErrNameRequired
	case errors.Is(err, service.ErrOTPNotSent):
		return http.StatusConflict, response.ErrOTPNotSent
	case errors.Is(err, service.ErrEmptyDraft):
		return http.StatusBadRequest, response.ErrEmptyAnswer
	case errors.Is(err, service.ErrTooManyFiles):
		return http.StatusUnprocessableEntity, response.ErrTooManyFiles
	case errors.Is(err, service.ErrFileRejected):
		return http.StatusUnprocessableEntity, response.ErrFileRejected
	case errors.Is(err, service.ErrAttemptLimitReached):
		return http.StatusConflict, response.ErrAttemptsUsedUp
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, response.ErrSessionExpired
	case errors.Is(err, service.ErrConnectivity):
		return http.StatusServiceUnavailable, response.ErrUpstreamUnavailable
	case errors.Is(err, service.ErrVerifyFailed):
		return http.StatusBadRequest, response.ErrOTPRejected
	case errors.Is(err, service.ErrSendFailed), errors.Is(err, service.ErrLoadFailed),
		errors.Is(err, service.ErrSubmitFailed):
		return http.StatusBadGateway, response.ErrUpstream
	}
	return http.StatusInternalServerError, response.ErrInternal
}
