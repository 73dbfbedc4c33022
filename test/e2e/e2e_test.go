//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-qr/internal/config"
)

// The host under test must point BACKEND_URL at a platform where E2E_MOBILE
// is registered and accepts E2E_OTP as its code, with COOKIE_SECURE=false.
const (
	defaultBaseURL  = "http://localhost:8080"
	defaultRedisURL = "redis://localhost:6379/0"
	visitorCookie   = "qr_visitor"
)

var (
	baseURL    string
	questionID string
	clientID   string
	mobile     string
	otp        string
	rdb        *redis.Client
	client     *http.Client
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = getEnv("BASE_URL", defaultBaseURL)
	questionID = os.Getenv("E2E_QUESTION_ID")
	clientID = os.Getenv("E2E_CLIENT_ID")
	mobile = os.Getenv("E2E_MOBILE")
	otp = os.Getenv("E2E_OTP")
	if questionID == "" || mobile == "" || otp == "" {
		fmt.Println("E2E_QUESTION_ID, E2E_MOBILE and E2E_OTP are required")
		os.Exit(1)
	}

	opts, err := redis.ParseURL(getEnv("REDIS_URL", defaultRedisURL))
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	rdb = redis.NewClient(opts)

	jar, _ := cookiejar.New(nil)
	client = &http.Client{Jar: jar, Timeout: 30 * time.Second}

	os.Exit(m.Run())
}

type envelope struct {
	Data struct {
		State struct {
			Phase string `json:"phase"`
			Auth  string `json:"auth"`
		} `json:"state"`
		Question *struct {
			ID string `json:"id"`
		} `json:"question"`
		Result *struct {
			AttemptNumber int `json:"attemptNumber"`
		} `json:"result"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestE2EFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenLink", func(t *testing.T) {
		env := call(t, http.MethodGet, fmt.Sprintf("/qr/%s?clientId=%s", questionID, url.QueryEscape(clientID)), nil, "")
		if env.Data.State.Phase != "authenticating" && env.Data.State.Phase != "question" {
			t.Fatalf("unexpected phase %q", env.Data.State.Phase)
		}

		n, err := rdb.Exists(ctx, config.CacheKey.VisitorFlowKey(visitor(t), questionID)).Result()
		if err != nil || n != 1 {
			t.Fatalf("expected the flow to be stored, got %d (%v)", n, err)
		}
	})

	t.Run("SendOTP", func(t *testing.T) {
		env := call(t, http.MethodPost, "/qr/"+questionID+"/otp/send", jsonBody(map[string]string{"mobile": mobile}), "application/json")
		if env.Error != nil {
			t.Fatalf("send failed: %s %s", env.Error.Code, env.Error.Message)
		}
		if env.Data.State.Auth != "otp_entry" {
			t.Fatalf("expected otp_entry, got %q", env.Data.State.Auth)
		}
	})

	t.Run("VerifyOTP", func(t *testing.T) {
		env := call(t, http.MethodPost, "/qr/"+questionID+"/otp/verify", jsonBody(map[string]string{"otp": otp, "name": "E2E Visitor"}), "application/json")
		if env.Error != nil {
			t.Fatalf("verify failed: %s %s", env.Error.Code, env.Error.Message)
		}
		if env.Data.State.Phase != "question" || env.Data.Question == nil {
			t.Fatalf("expected the question, got phase %q", env.Data.State.Phase)
		}
	})

	t.Run("SubmitAnswer", func(t *testing.T) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		_ = w.WriteField("textAnswer", "E2E answer submitted at "+time.Now().Format(time.RFC3339))
		_ = w.Close()

		env := call(t, http.MethodPost, "/qr/"+questionID+"/answers", &buf, w.FormDataContentType())
		if env.Error != nil {
			t.Fatalf("submit failed: %s %s", env.Error.Code, env.Error.Message)
		}
		if env.Data.State.Phase != "submitted" || env.Data.Result == nil {
			t.Fatalf("expected a result, got phase %q", env.Data.State.Phase)
		}
	})

	t.Run("Logout", func(t *testing.T) {
		id := visitor(t)
		call(t, http.MethodPost, "/qr/logout", nil, "")

		keys, err := rdb.Keys(ctx, config.CacheKey.VisitorFlowPattern(id)).Result()
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected no stored flows after logout, got %v", keys)
		}
	})
}

// Helpers

func call(t *testing.T, method, path string, body io.Reader, contentType string) envelope {
	t.Helper()
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("json decode (status %d): %v", resp.StatusCode, err)
	}
	return env
}

func jsonBody(v interface{}) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func visitor(t *testing.T) string {
	t.Helper()
	u, _ := url.Parse(baseURL)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == visitorCookie {
			return c.Value
		}
	}
	t.Fatal("no visitor cookie")
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
