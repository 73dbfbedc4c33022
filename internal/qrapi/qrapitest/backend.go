// Package qrapitest provides an in-process fake of the platform's QR
// endpoints for tests.
package qrapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stemsi/exstem-qr/internal/qrapi"
)

// Submission is one multipart answer the fake received.
type Submission struct {
	QuestionID string
	Fields     map[string]string
	Files      []SubmittedFile
}

// SubmittedFile describes one images[] part.
type SubmittedFile struct {
	Name        string
	ContentType string
	Size        int
}

type failure struct {
	status  int
	message string
}

// Backend is a scriptable fake backend. Change exported fields through Set
// once requests may be running; handlers read them under the same lock.
type Backend struct {
	Server *httptest.Server

	OTP         string
	Token       string
	ClientInfo  *qrapi.ClientInfoPayload
	Question    qrapi.QuestionResponse
	MaxAttempts int
	LimitStatus int

	// SendGate, when set, blocks send-otp until a value is received or it is closed.
	SendGate chan struct{}
	// AnswerGate, when set, blocks answer submissions the same way, after the
	// call is counted.
	AnswerGate chan struct{}
	// OmitRemaining drops remainingAttempts from answer responses.
	OmitRemaining bool

	mu          sync.Mutex
	users       map[string]string
	calls       map[string]int
	failures    map[string]failure
	submissions []Submission
	used        int
}

// New starts a fake backend that is closed when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		OTP:         "123456",
		Token:       "tok1",
		ClientInfo:  &qrapi.ClientInfoPayload{Name: "Sunrise Academy", Logo: "https://cdn.example/logo.png"},
		MaxAttempts: 5,
		LimitStatus: http.StatusTooManyRequests,
		Question: qrapi.QuestionResponse{
			ID:              "q1",
			QuestionText:    "<p>Explain photosynthesis.</p>",
			MaxMarks:        10,
			DifficultyLevel: "medium",
			EstimatedTime:   5,
			WordLimit:       200,
			LanguageMode:    "english",
			EvaluationMode:  "manual",
		},
		users:    make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /qr/check-user", b.checkUser)
	mux.HandleFunc("POST /qr/send-otp", b.sendOTP)
	mux.HandleFunc("POST /qr/verify-otp", b.verifyOTP)
	mux.HandleFunc("GET /questions/{id}/view", b.viewQuestion)
	mux.HandleFunc("POST /questions/{id}/answers", b.submitAnswer)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the base URL of the fake.
func (b *Backend) URL() string {
	return b.Server.URL
}

// Client returns a qrapi.Client pointed at the fake.
func (b *Backend) Client() *qrapi.Client {
	return qrapi.NewClient(b.URL())
}

// Set runs fn under the backend's lock.
func (b *Backend) Set(fn func(b *Backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// Register marks mobile as an existing profile with the given name.
func (b *Backend) Register(mobile, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[mobile] = name
}

// FailNext makes the next request to path ("/qr/send-otp", "answers", ...)
// answer with status and message.
func (b *Backend) FailNext(path string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[path] = failure{status: status, message: message}
}

// Calls reports how many requests reached path.
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// Submissions returns a copy of the answers received so far.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Submission, len(b.submissions))
	copy(out, b.submissions)
	return out
}

// enter records the call and reports a scripted failure, if any.
func (b *Backend) enter(w http.ResponseWriter, key string) bool {
	b.mu.Lock()
	b.calls[key]++
	f, ok := b.failures[key]
	delete(b.failures, key)
	b.mu.Unlock()

	if ok {
		writeJSON(w, f.status, map[string]string{"message": f.message})
		return false
	}
	return true
}

func (b *Backend) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+b.Token
}

func (b *Backend) checkUser(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, "/qr/check-user") {
		return
	}
	var req qrapi.CheckUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	b.mu.Lock()
	name, ok := b.users[req.Mobile]
	resp := qrapi.CheckUserResponse{IsRegistered: ok, ClientInfo: b.ClientInfo}
	b.mu.Unlock()
	if ok {
		resp.UserProfile = &qrapi.UserPayload{Name: name, Mobile: req.Mobile}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resp})
}

func (b *Backend) sendOTP(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, "/qr/send-otp") {
		return
	}
	b.mu.Lock()
	gate := b.SendGate
	info := b.ClientInfo
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	writeJSON(w, http.StatusOK, qrapi.SendOTPResponse{ClientInfo: info})
}

func (b *Backend) verifyOTP(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, "/qr/verify-otp") {
		return
	}
	var req qrapi.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.OTP != b.OTP {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid or expired OTP"})
		return
	}

	name, registered := b.users[req.Mobile]
	if !registered {
		name = strings.TrimSpace(req.Name)
		b.users[req.Mobile] = name
	}

	writeJSON(w, http.StatusOK, qrapi.VerifyOTPResponse{
		AuthToken:  b.Token,
		User:       qrapi.UserPayload{Name: name, Mobile: req.Mobile},
		ClientInfo: b.ClientInfo,
	})
}

func (b *Backend) viewQuestion(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, "view") {
		return
	}
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}

	b.mu.Lock()
	q := b.Question
	q.ID = r.PathValue("id")
	q.ClientInfo = b.ClientInfo
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": q})
}

func (b *Backend) submitAnswer(w http.ResponseWriter, r *http.Request) {
	if !b.enter(w, "answers") {
		return
	}
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	b.mu.Lock()
	gate := b.AnswerGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	sub := Submission{QuestionID: r.PathValue("id"), Fields: make(map[string]string)}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			sub.Fields[k] = v[0]
		}
	}
	for _, fh := range r.MultipartForm.File["images[]"] {
		size := 0
		if f, err := fh.Open(); err == nil {
			n, _ := io.Copy(io.Discard, f)
			size = int(n)
			f.Close()
		}
		sub.Files = append(sub.Files, SubmittedFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        size,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.MaxAttempts {
		writeJSON(w, b.LimitStatus, map[string]string{"message": "Maximum attempts reached"})
		return
	}
	b.used++
	b.submissions = append(b.submissions, sub)

	resp := map[string]any{
		"answerId":       fmt.Sprintf("ans-%d", b.used),
		"attemptNumber":  b.used,
		"imagesAccepted": len(sub.Files),
		"isFinalAttempt": b.used == b.MaxAttempts,
	}
	if !b.OmitRemaining {
		resp["remainingAttempts"] = b.MaxAttempts - b.used
	}
	if b.Question.EvaluationMode == "automatic" {
		resp["evaluation"] = map[string]float64{"marksAwarded": 7, "accuracy": 70}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": resp})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
