package qrapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client talks to the publishing platform's QR endpoints.
type Client struct {
	baseURL     string
	userAgent   string
	limitStatus int
	httpClient  *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithAttemptLimitStatus overrides the status code that signals an exhausted
// attempt budget on submission. Defaults to 429.
func WithAttemptLimitStatus(status int) Option {
	return func(c *Client) {
		c.limitStatus = status
	}
}

// NewClient creates a new backend client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   "exstem-qr/1",
		limitStatus: http.StatusTooManyRequests,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckUser asks whether a profile exists for mobile under clientID.
func (c *Client) CheckUser(ctx context.Context, clientID, mobile string) (*CheckUserResponse, error) {
	var out CheckUserResponse
	if err := c.postJSON(ctx, "/qr/check-user", clientID, CheckUserRequest{Mobile: mobile, ClientID: clientID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendOTP requests an OTP dispatch to mobile.
func (c *Client) SendOTP(ctx context.Context, clientID, mobile string) (*SendOTPResponse, error) {
	var out SendOTPResponse
	if err := c.postJSON(ctx, "/qr/send-otp", clientID, SendOTPRequest{Mobile: mobile, ClientID: clientID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOTP exchanges an OTP for an auth token.
func (c *Client) VerifyOTP(ctx context.Context, clientID string, req VerifyOTPRequest) (*VerifyOTPResponse, error) {
	req.ClientID = clientID
	var out VerifyOTPResponse
	if err := c.postJSON(ctx, "/qr/verify-otp", clientID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQuestion fetches the question a token holder may answer.
func (c *Client) GetQuestion(ctx context.Context, token, questionID string) (*QuestionResponse, error) {
	path := fmt.Sprintf("/questions/%s/view", url.PathEscape(questionID))
	body, err := c.doRequest(ctx, http.MethodGet, path, token, "", "", nil)
	if err != nil {
		return nil, err
	}

	var out QuestionResponse
	if err := decode(body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = questionID
	}
	return &out, nil
}

// SubmitAnswer streams a multipart submission. The limit status is reported
// as ErrAttemptLimitReached.
func (c *Client) SubmitAnswer(ctx context.Context, token, questionID string, req SubmitAnswerRequest) (*AttemptResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAnswerForm(mw, req))
	}()

	path := fmt.Sprintf("/questions/%s/answers", url.PathEscape(questionID))
	body, err := c.doRequest(ctx, http.MethodPost, path, token, req.ClientID, mw.FormDataContentType(), pr)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == c.limitStatus {
			apiErr.kind = ErrAttemptLimitReached
		}
		return nil, err
	}

	var out AttemptResponse
	if err := decode(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path, clientID string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, path, "", clientID, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return decode(body, out)
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path, token, clientID, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp.StatusCode, extractMessage(respBody))
	}

	return respBody, nil
}

// decode unmarshals body into dst, unwrapping a {"data": {...}} envelope when present.
func decode(body []byte, dst any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if trimmed := bytes.TrimSpace(env.Data); len(trimmed) > 0 && trimmed[0] == '{' {
			body = trimmed
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// extractMessage finds a human-readable reason in an error body. Backends use
// {"message": "..."}, {"error": "..."} or {"error": {"message": "..."}}.
func extractMessage(body []byte) string {
	var env struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if env.Message != "" {
		return env.Message
	}
	if len(env.Error) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeAnswerForm(mw *multipart.Writer, req SubmitAnswerRequest) error {
	fields := [][2]string{
		{"clientId", req.ClientID},
		{"source", req.Source},
		{"submittedAt", req.SubmittedAt.UTC().Format(time.RFC3339)},
		{"deviceInfo", req.DeviceInfo},
		{"protocolVersion", req.ProtocolVersion},
		{"imageCount", strconv.Itoa(len(req.Files))},
	}
	if text := strings.TrimSpace(req.TextAnswer); text != "" {
		fields = append(fields, [2]string{"textAnswer", text})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	for _, f := range req.Files {
		if err := writeFilePart(mw, f); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, f AnswerFile) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images[]"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	if f.ContentType != "" {
		h.Set("Content-Type", f.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %s: %w", f.Name, err)
	}
	if f.Open == nil {
		return fmt.Errorf("file %s has no content", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return nil
}
