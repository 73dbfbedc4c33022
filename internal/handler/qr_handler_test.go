package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/handler"
	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/middleware"
	"github.com/stemsi/exstem-qr/internal/qrapi/qrapitest"
	"github.com/stemsi/exstem-qr/internal/repository"
	"github.com/stemsi/exstem-qr/internal/router"
	"github.com/stemsi/exstem-qr/internal/service"
	ws "github.com/stemsi/exstem-qr/internal/websocket"
)

const mobile = "9876543210"

var pngData = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

type envelope struct {
	Data  flow.View `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e envelope) code() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Code
}

type host struct {
	backend *qrapitest.Backend
	flows   *repository.MemoryFlowRepository
	server  *httptest.Server
	client  *http.Client
}

func newHost(t *testing.T) *host {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := qrapitest.New(t)
	api := b.Client()
	log := zerolog.Nop()
	cfg := &config.Config{
		GinMode:        gin.TestMode,
		SessionCookie:  "qr_session",
		VisitorCookie:  "qr_visitor",
		SessionTTLDays: 30,
		OTPSendLimit:   3,
		OTPSendWindow:  time.Minute,
	}

	deps := flow.Dependencies{
		API:        api,
		Guard:      inflight.NewLocalGuard(),
		Branding:   service.NewBrandingService(api, log),
		Prober:     service.NewRegistrationService(api, log),
		Questions:  service.NewQuestionService(api, log),
		Attempts:   service.NewAttemptService(api, service.DefaultLimits(), "qr-v1", log),
		SessionTTL: cfg.SessionTTL(),
		Log:        log,
	}
	flows := repository.NewMemoryFlowRepository()
	handlers := &router.Handlers{
		QR: handler.NewQRHandler(deps, flows, cfg, log),
		WS: handler.NewWSHandler(flows, log, nil),
	}
	limiter := middleware.NewRateLimiter(middleware.NewLocalCounter(), "otp_send", cfg.OTPSendLimit, cfg.OTPSendWindow, log)

	srv := httptest.NewServer(router.SetupRouter(handlers, limiter, cfg))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &host{backend: b, flows: flows, server: srv, client: &http.Client{Jar: jar}}
}

func (h *host) do(t *testing.T, method, path, contentType string, body io.Reader) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func (h *host) get(t *testing.T, path string) (int, envelope) {
	t.Helper()
	return h.do(t, http.MethodGet, path, "", nil)
}

func (h *host) post(t *testing.T, path string, v any) (int, envelope) {
	t.Helper()
	var body io.Reader = http.NoBody
	contentType := ""
	if v != nil {
		data, _ := json.Marshal(v)
		body, contentType = bytes.NewReader(data), "application/json"
	}
	return h.do(t, http.MethodPost, path, contentType, body)
}

func (h *host) submit(t *testing.T, files map[string][]byte, text string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.WriteField("textAnswer", text)
	mw.Close()
	return h.do(t, http.MethodPost, "/qr/q1/answers", mw.FormDataContentType(), &buf)
}

// login opens the link and verifies a new visitor.
func (h *host) login(t *testing.T) envelope {
	t.Helper()
	if status, env := h.get(t, "/qr/q1?clientId=c1&clientName=Sunrise"); status != http.StatusOK {
		t.Fatalf("open: %d %s", status, env.code())
	}
	if status, env := h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile}); status != http.StatusOK {
		t.Fatalf("send: %d %s", status, env.code())
	}
	status, env := h.post(t, "/qr/q1/otp/verify", map[string]string{"otp": "123456", "name": "Asha"})
	if status != http.StatusOK || env.Data.State.Phase != flow.PhaseQuestion {
		t.Fatalf("verify: %d %s %s", status, env.code(), env.Data.State)
	}
	return env
}

func (h *host) cookieHeader() http.Header {
	u, _ := url.Parse(h.server.URL)
	var parts []string
	for _, c := range h.client.Jar.Cookies(u) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return http.Header{"Cookie": {strings.Join(parts, "; ")}}
}

func TestHostNewVisitor(t *testing.T) {
	h := newHost(t)

	status, env := h.get(t, "/qr/q1?clientId=c1&clientName=Sunrise")
	if status != http.StatusOK {
		t.Fatalf("open: expected 200, got %d", status)
	}
	if env.Data.State.Phase != flow.PhaseAuthenticating || env.Data.State.Auth != service.StepPhoneEntry {
		t.Fatalf("expected phone entry, got %s", env.Data.State)
	}
	if env.Data.DisplayName != "Sunrise Academy" {
		t.Errorf("expected resolved branding, got %q", env.Data.DisplayName)
	}

	_, env = h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile})
	if env.Data.State.Auth != service.StepOTPEntry || !env.Data.NameRequired {
		t.Fatalf("expected otp entry asking for a name, got %s name=%v", env.Data.State, env.Data.NameRequired)
	}

	status, env = h.post(t, "/qr/q1/otp/verify", map[string]string{"otp": "123456", "name": "Asha"})
	if status != http.StatusOK || env.Data.Question == nil {
		t.Fatalf("verify: %d %s", status, env.code())
	}

	status, env = h.submit(t, map[string][]byte{"page1.png": pngData}, "Light becomes sugar.")
	if status != http.StatusOK {
		t.Fatalf("submit: %d %s", status, env.code())
	}
	if env.Data.State.Phase != flow.PhaseSubmitted || env.Data.Result == nil || env.Data.Result.AttemptNumber != 1 {
		t.Fatalf("unexpected result view %+v", env.Data)
	}
	if !env.Data.CanSubmitAnother {
		t.Error("another attempt should be offered")
	}

	subs := h.backend.Submissions()
	if len(subs) != 1 || len(subs[0].Files) != 1 || subs[0].Fields["textAnswer"] != "Light becomes sugar." {
		t.Fatalf("unexpected submissions %+v", subs)
	}
	if !strings.HasPrefix(subs[0].Fields["deviceInfo"], "Go-http-client") {
		t.Errorf("expected the user agent as device info, got %q", subs[0].Fields["deviceInfo"])
	}

	_, env = h.post(t, "/qr/q1/answers/again", nil)
	if env.Data.State.Phase != flow.PhaseQuestion {
		t.Errorf("expected question after submit another, got %s", env.Data.State)
	}
}

func TestHostActionBeforeOpen(t *testing.T) {
	h := newHost(t)
	status, env := h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile})
	if status != http.StatusConflict || env.code() != "VISITOR_REQUIRED" {
		t.Fatalf("expected 409 VISITOR_REQUIRED, got %d %s", status, env.code())
	}
}

func TestHostInvalidRoute(t *testing.T) {
	h := newHost(t)
	status, env := h.get(t, "/qr/%20")
	if status != http.StatusBadRequest || env.code() != "INVALID_ROUTE" {
		t.Fatalf("expected 400 INVALID_ROUTE, got %d %s", status, env.code())
	}
}

func TestHostRejectsBadInput(t *testing.T) {
	h := newHost(t)
	h.get(t, "/qr/q1?clientId=c1")

	status, env := h.post(t, "/qr/q1/otp/send", map[string]string{})
	if status != http.StatusBadRequest || env.code() != "VALIDATION_ERROR" {
		t.Errorf("expected 400 VALIDATION_ERROR, got %d %s", status, env.code())
	}

	status, env = h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": "12345"})
	if status != http.StatusBadRequest || env.code() != "INVALID_MOBILE" {
		t.Errorf("expected 400 INVALID_MOBILE, got %d %s", status, env.code())
	}
	if env.Data.State.Auth != service.StepPhoneEntry {
		t.Errorf("expected to stay in phone entry, got %s", env.Data.State)
	}

	status, env = h.post(t, "/qr/q1/otp/verify", map[string]string{"otp": "123456"})
	if status != http.StatusConflict || env.code() != "OTP_NOT_SENT" {
		t.Errorf("expected 409 OTP_NOT_SENT, got %d %s", status, env.code())
	}
	if n := h.backend.Calls("/qr/send-otp") + h.backend.Calls("/qr/verify-otp"); n != 0 {
		t.Errorf("bad input reached the backend %d times", n)
	}
}

func TestHostRateLimitsOTPSend(t *testing.T) {
	h := newHost(t)
	h.get(t, "/qr/q1?clientId=c1")

	for i := 0; i < 3; i++ {
		if status, _ := h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": "1"}); status != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i+1, status)
		}
	}
	status, env := h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile})
	if status != http.StatusTooManyRequests || env.code() != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("expected 429, got %d %s", status, env.code())
	}
	if n := h.backend.Calls("/qr/send-otp"); n != 0 {
		t.Errorf("limited request reached the backend")
	}
}

func TestHostWrongCode(t *testing.T) {
	h := newHost(t)
	h.get(t, "/qr/q1?clientId=c1")
	h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile})

	status, env := h.post(t, "/qr/q1/otp/verify", map[string]string{"otp": "654321", "name": "Asha"})
	if status != http.StatusBadRequest || env.code() != "OTP_REJECTED" {
		t.Fatalf("expected 400 OTP_REJECTED, got %d %s", status, env.code())
	}
	if env.Data.Auth == nil || env.Data.Auth.Mobile != mobile {
		t.Errorf("expected the mobile kept, got %+v", env.Data.Auth)
	}

	_, env = h.post(t, "/qr/q1/otp/reset", nil)
	if env.Data.State.Auth != service.StepPhoneEntry {
		t.Errorf("expected phone entry after reset, got %s", env.Data.State)
	}
}

func TestHostRejectedFileIsNotSubmitted(t *testing.T) {
	h := newHost(t)
	h.login(t)

	status, env := h.submit(t, map[string][]byte{"notes.txt": []byte("plain text, not an image")}, "answer")
	if status != http.StatusUnprocessableEntity || env.code() != "FILE_REJECTED" {
		t.Fatalf("expected 422 FILE_REJECTED, got %d %s", status, env.code())
	}
	if env.Error.Message == "" {
		t.Error("expected the rejection described")
	}
	if n := h.backend.Calls("answers"); n != 0 {
		t.Errorf("nothing may be submitted when a file is refused, saw %d", n)
	}
}

func TestHostEmptyAnswer(t *testing.T) {
	h := newHost(t)
	h.login(t)

	status, env := h.submit(t, nil, "   ")
	if status != http.StatusBadRequest || env.code() != "EMPTY_ANSWER" {
		t.Fatalf("expected 400 EMPTY_ANSWER, got %d %s", status, env.code())
	}
}

func TestHostResumesBetweenRequests(t *testing.T) {
	h := newHost(t)
	h.login(t)

	status, env := h.get(t, "/qr/q1")
	if status != http.StatusOK || env.Data.State.Phase != flow.PhaseQuestion {
		t.Fatalf("expected the question resumed, got %d %s", status, env.Data.State)
	}
	if n := h.backend.Calls("view"); n != 1 {
		t.Errorf("resuming must not reload the question, saw %d loads", n)
	}

	// Another question reuses the session without a new code.
	status, env = h.get(t, "/qr/q2?clientId=c1")
	if status != http.StatusOK || env.Data.State.Phase != flow.PhaseQuestion {
		t.Fatalf("expected the session reused, got %d %s", status, env.Data.State)
	}
	if n := h.backend.Calls("/qr/verify-otp"); n != 1 {
		t.Errorf("expected a single verification, saw %d", n)
	}
}

func TestHostLogout(t *testing.T) {
	h := newHost(t)
	h.login(t)

	if status, _ := h.post(t, "/qr/logout", nil); status != http.StatusOK {
		t.Fatalf("logout: %d", status)
	}
	_, env := h.get(t, "/qr/q1?clientId=c1")
	if env.Data.State.Phase != flow.PhaseAuthenticating {
		t.Errorf("expected authentication after logout, got %s", env.Data.State)
	}
}

func TestHostLeave(t *testing.T) {
	h := newHost(t)
	h.login(t)

	if status, _ := h.post(t, "/qr/q1/leave", nil); status != http.StatusOK {
		t.Fatalf("leave: %d", status)
	}
	status, env := h.post(t, "/qr/q1/answers/again", nil)
	if status != http.StatusConflict || env.code() != "VISITOR_REQUIRED" {
		t.Errorf("expected the flow gone, got %d %s", status, env.code())
	}
}

func TestHostStreamsTransitions(t *testing.T) {
	h := newHost(t)
	h.get(t, "/qr/q1?clientId=c1")

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/qr/q1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, h.cookieHeader())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ready ws.ReadyResponse
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Event != ws.EventReady || ready.State == nil || ready.State.Auth != service.StepPhoneEntry {
		t.Fatalf("unexpected ready %+v", ready)
	}

	h.post(t, "/qr/q1/otp/send", map[string]string{"mobile": mobile})

	for {
		var ev ws.FlowEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Event != ws.EventTransition {
			continue
		}
		if ev.QuestionID != "q1" || ev.To.Auth != service.StepOTPEntry || ev.View == nil {
			t.Fatalf("unexpected event %+v", ev)
		}
		break
	}

	if err := conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}); err != nil {
		t.Fatal(err)
	}
	var pong ws.PongResponse
	if err := conn.ReadJSON(&pong); err != nil || pong.Event != ws.EventPong {
		t.Fatalf("expected pong, got %+v %v", pong, err)
	}
}

func TestHostStreamRequiresVisitor(t *testing.T) {
	h := newHost(t)
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/qr/q1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestHostDoubleSubmitConsumesOneAttempt(t *testing.T) {
	h := newHost(t)
	h.login(t)
	gate := make(chan struct{})
	h.backend.Set(func(b *qrapitest.Backend) { b.AnswerGate = gate })

	type outcome struct {
		status int
		env    envelope
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("textAnswer", "Light becomes sugar.")
		mw.Close()
		resp, err := h.client.Post(h.server.URL+"/qr/q1/answers", mw.FormDataContentType(), &buf)
		if err != nil {
			first <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		var env envelope
		err = json.NewDecoder(resp.Body).Decode(&env)
		first <- outcome{status: resp.StatusCode, env: env, err: err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.backend.Calls("answers") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first submit never reached the backend")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, env := h.submit(t, nil, "Light becomes sugar.")
	if status != http.StatusConflict || env.code() != "REQUEST_IN_FLIGHT" {
		t.Fatalf("second submit: expected 409 REQUEST_IN_FLIGHT, got %d %s", status, env.code())
	}

	close(gate)
	got := <-first
	if got.err != nil {
		t.Fatalf("first submit: %v", got.err)
	}
	if got.status != http.StatusOK || got.env.Data.State.Phase != flow.PhaseSubmitted {
		t.Fatalf("first submit: expected 200 submitted, got %d %s %s", got.status, got.env.code(), got.env.Data.State)
	}
	if n := len(h.backend.Submissions()); n != 1 {
		t.Errorf("expected one attempt recorded, got %d", n)
	}

	// The winner's result was saved, not overwritten by the refused request.
	_, env = h.get(t, "/qr/q1")
	if env.Data.State.Phase != flow.PhaseSubmitted || env.Data.Result == nil || env.Data.Result.RemainingAttempts != 4 {
		t.Errorf("expected the saved result, got %s %+v", env.Data.State, env.Data.Result)
	}
}
