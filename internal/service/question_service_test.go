package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi"
	"github.com/stemsi/exstem-qr/internal/qrapi/qrapitest"
	"github.com/stemsi/exstem-qr/internal/service"
)

func TestQuestionLoad(t *testing.T) {
	b := qrapitest.New(t)
	s := service.NewQuestionService(b.Client(), zerolog.Nop())
	cell := service.NewBranding(model.ClientInfo{Name: "From Link"})

	q, err := s.Load(context.Background(), "tok1", "q7", cell)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q.ID != "q7" || q.MaxMarks != 10 || q.EvaluationMode != model.EvaluationManual {
		t.Errorf("unexpected question: %+v", q)
	}
	if got := cell.Current(); got.Name != "From Link" || got.LogoURL == "" {
		t.Errorf("expected logo merged without replacing the name, got %+v", got)
	}
}

func TestQuestionLoadFailures(t *testing.T) {
	b := qrapitest.New(t)
	s := service.NewQuestionService(b.Client(), zerolog.Nop())
	ctx := context.Background()

	if _, err := s.Load(ctx, "", "q1", nil); !errors.Is(err, service.ErrUnauthorized) {
		t.Errorf("no token: expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.Load(ctx, "stale", "q1", nil); !errors.Is(err, service.ErrUnauthorized) {
		t.Errorf("rejected token: expected ErrUnauthorized, got %v", err)
	}

	b.FailNext("view", http.StatusNotFound, "Question not found")
	_, err := s.Load(ctx, "tok1", "q1", nil)
	if !errors.Is(err, service.ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
	if service.Message(err) != "Question not found" {
		t.Errorf("expected the server's wording, got %q", service.Message(err))
	}

	offline := service.NewQuestionService(qrapi.NewClient("http://127.0.0.1:1"), zerolog.Nop())
	if _, err := offline.Load(ctx, "tok1", "q1", nil); !errors.Is(err, service.ErrConnectivity) {
		t.Errorf("expected ErrConnectivity, got %v", err)
	}
}

func TestRegistrationCheck(t *testing.T) {
	b := qrapitest.New(t)
	b.Register("9876543210", "Asha")
	s := service.NewRegistrationService(b.Client(), zerolog.Nop())
	ctx := context.Background()

	res, err := s.Check(ctx, "c1", "9876543210")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.IsRegistered || res.Profile == nil || res.Profile.Name != "Asha" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ClientInfo == nil || res.ClientInfo.Name != "Sunrise Academy" {
		t.Errorf("expected client info, got %+v", res.ClientInfo)
	}

	res, err = s.Check(ctx, "c1", "9123456780")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.IsRegistered || res.Profile != nil {
		t.Errorf("expected an unknown number, got %+v", res)
	}
}

func TestRegistrationCheckRejectsBadNumbers(t *testing.T) {
	b := qrapitest.New(t)
	s := service.NewRegistrationService(b.Client(), zerolog.Nop())

	for _, mobile := range []string{"", "12345", "98765432101", "98765abcde"} {
		if _, err := s.Check(context.Background(), "c1", mobile); !errors.Is(err, service.ErrInvalidMobile) {
			t.Errorf("%q: expected ErrInvalidMobile, got %v", mobile, err)
		}
	}
	if n := b.Calls("/qr/check-user"); n != 0 {
		t.Errorf("invalid numbers reached the backend %d times", n)
	}
}
