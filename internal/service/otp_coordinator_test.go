package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/inflight"
	"github.com/stemsi/exstem-qr/internal/model"
	"github.com/stemsi/exstem-qr/internal/qrapi/qrapitest"
	"github.com/stemsi/exstem-qr/internal/service"
	"github.com/stemsi/exstem-qr/internal/session"
)

const testMobile = "9876543210"

type otpFixture struct {
	backend  *qrapitest.Backend
	store    *session.MemoryStore
	branding *service.Branding
	coord    *service.OTPCoordinator
}

func newOTPFixture(t *testing.T, guard inflight.Guard) *otpFixture {
	t.Helper()
	b := qrapitest.New(t)
	return newOTPFixtureWith(b, guard)
}

func newOTPFixtureWith(b *qrapitest.Backend, guard inflight.Guard) *otpFixture {
	api := b.Client()
	log := zerolog.Nop()
	store := session.NewMemoryStore()
	branding := service.NewBranding(model.ClientInfo{})
	coord := service.NewOTPCoordinator(api, service.NewRegistrationService(api, log),
		store, guard, branding, session.DefaultTTL, log)
	return &otpFixture{backend: b, store: store, branding: branding, coord: coord}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewUserHappyPath(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()

	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	st := f.coord.State()
	if st.Step != service.StepOTPEntry || !st.CodeSent {
		t.Fatalf("expected otp entry with code sent, got %+v", st)
	}
	if !st.NameRequired() {
		t.Fatal("new user must be asked for a name")
	}
	if f.branding.Current().Name != "Sunrise Academy" {
		t.Errorf("expected branding from probe, got %+v", f.branding.Current())
	}

	res, err := f.coord.VerifyCode(ctx, "c1", testMobile, "123456", "Asha")
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if res.Token != "tok1" {
		t.Errorf("expected tok1, got %q", res.Token)
	}
	if res.Profile.Name != "Asha" {
		t.Errorf("expected name Asha, got %q", res.Profile.Name)
	}
	if tok, ok := f.store.Load(ctx); !ok || tok != "tok1" {
		t.Errorf("token not persisted: %q %v", tok, ok)
	}
}

func TestRegisteredUserNamePrecedence(t *testing.T) {
	tests := []struct {
		name  string
		typed string
	}{
		{"no name typed", ""},
		{"different name typed", "Someone Else"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOTPFixture(t, inflight.NewLocalGuard())
			f.backend.Register(testMobile, "Ravi")
			ctx := context.Background()

			if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
				t.Fatalf("SendCode: %v", err)
			}
			if f.coord.State().NameRequired() {
				t.Fatal("registered user must not be asked for a name")
			}

			res, err := f.coord.VerifyCode(ctx, "c1", "", "123456", tt.typed)
			if err != nil {
				t.Fatalf("VerifyCode: %v", err)
			}
			if res.Profile.Name != "Ravi" || !res.Profile.IsRegistered {
				t.Errorf("expected registered profile Ravi, got %+v", res.Profile)
			}
		})
	}
}

func TestSendCodeRejectsMalformedMobile(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())

	for _, m := range []string{"", "12345", "98765432100", "98765abcde"} {
		err := f.coord.SendCode(context.Background(), "c1", m)
		if !errors.Is(err, service.ErrInvalidMobile) {
			t.Errorf("SendCode(%q): expected ErrInvalidMobile, got %v", m, err)
		}
	}
	if n := f.backend.Calls("/qr/check-user") + f.backend.Calls("/qr/send-otp"); n != 0 {
		t.Errorf("validation errors must not reach the network, saw %d calls", n)
	}
	if f.coord.State().Message == "" {
		t.Error("expected a message next to the mobile field")
	}
}

func TestConcurrentSendCodeSingleRequest(t *testing.T) {
	b := qrapitest.New(t)
	gate := make(chan struct{})
	b.Set(func(b *qrapitest.Backend) { b.SendGate = gate })

	guard := inflight.NewLocalGuard()
	first := newOTPFixtureWith(b, guard)
	second := newOTPFixtureWith(b, guard)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- first.coord.SendCode(ctx, "c1", testMobile) }()
	waitFor(t, "first send to reach the backend", func() bool { return b.Calls("/qr/send-otp") == 1 })

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); errs <- first.coord.SendCode(ctx, "c1", testMobile) }()
		go func() { defer wg.Done(); errs <- second.coord.SendCode(ctx, "c1", testMobile) }()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, service.ErrRequestInFlight) {
			t.Errorf("expected ErrRequestInFlight, got %v", err)
		}
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first SendCode: %v", err)
	}
	if n := b.Calls("/qr/send-otp"); n != 1 {
		t.Errorf("expected exactly one send-otp request, got %d", n)
	}
}

func TestVerifyRequiresNameForNewUser(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()
	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	for _, name := range []string{"", " ", "A"} {
		_, err := f.coord.VerifyCode(ctx, "c1", "", "123456", name)
		if !errors.Is(err, service.ErrNameRequired) {
			t.Errorf("name %q: expected ErrNameRequired, got %v", name, err)
		}
	}
	if n := f.backend.Calls("/qr/verify-otp"); n != 0 {
		t.Errorf("expected no verify request, got %d", n)
	}
}

func TestVerifyBeforeSend(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	_, err := f.coord.VerifyCode(context.Background(), "c1", testMobile, "123456", "Asha")
	if !errors.Is(err, service.ErrOTPNotSent) {
		t.Fatalf("expected ErrOTPNotSent, got %v", err)
	}
}

func TestVerifyWrongCodeKeepsInput(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()
	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	_, err := f.coord.VerifyCode(ctx, "c1", "", "654321", "Asha")
	if !errors.Is(err, service.ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
	if got := service.Message(err); got != "Invalid or expired OTP" {
		t.Errorf("expected server message, got %q", got)
	}

	st := f.coord.State()
	if st.Step != service.StepOTPEntry || st.Mobile != testMobile || st.OTP != "654321" {
		t.Errorf("expected input preserved in otp entry, got %+v", st)
	}
	if _, ok := f.store.Load(ctx); ok {
		t.Error("no session may be stored after a failed verification")
	}

	if _, err := f.coord.VerifyCode(ctx, "c1", "", "123456", "Asha"); err != nil {
		t.Fatalf("retry with the right code: %v", err)
	}
}

func TestVerifyInvalidOTPFormat(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()
	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	if _, err := f.coord.VerifyCode(ctx, "c1", "", "12a4", "Asha"); !errors.Is(err, service.ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}
}

func TestResetSupersedesInflightSend(t *testing.T) {
	b := qrapitest.New(t)
	gate := make(chan struct{})
	b.Set(func(b *qrapitest.Backend) { b.SendGate = gate })
	f := newOTPFixtureWith(b, inflight.NewLocalGuard())

	done := make(chan error, 1)
	go func() { done <- f.coord.SendCode(context.Background(), "c1", testMobile) }()
	waitFor(t, "send to reach the backend", func() bool { return b.Calls("/qr/send-otp") == 1 })

	f.coord.ResetToPhoneEntry()
	close(gate)

	if err := <-done; !errors.Is(err, service.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	st := f.coord.State()
	if st.Step != service.StepPhoneEntry || st.CodeSent || st.Registered != nil {
		t.Errorf("stale completion leaked into state: %+v", st)
	}
	if st.Mobile != testMobile {
		t.Errorf("expected mobile kept for editing, got %q", st.Mobile)
	}
}

func TestSendFailureStaysInPhoneEntry(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	f.backend.FailNext("/qr/send-otp", 503, "SMS gateway unavailable")

	err := f.coord.SendCode(context.Background(), "c1", testMobile)
	if !errors.Is(err, service.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	st := f.coord.State()
	if st.Step != service.StepPhoneEntry || st.Message != "SMS gateway unavailable" {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestResendToNewNumberFailureDropsOldCode(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()
	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	f.backend.FailNext("/qr/send-otp", 503, "SMS gateway unavailable")
	if err := f.coord.SendCode(ctx, "c1", "9123456780"); !errors.Is(err, service.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	st := f.coord.State()
	if st.Step != service.StepPhoneEntry || st.CodeSent || st.Mobile != "9123456780" {
		t.Fatalf("expected phone entry for the new number, got %+v", st)
	}

	if _, err := f.coord.VerifyCode(ctx, "c1", "", "123456", "Asha"); !errors.Is(err, service.ErrOTPNotSent) {
		t.Errorf("expected ErrOTPNotSent, got %v", err)
	}
	if n := f.backend.Calls("/qr/verify-otp"); n != 0 {
		t.Errorf("unsent number reached verify %d times", n)
	}
}

func TestResendSameNumberFailureKeepsCode(t *testing.T) {
	f := newOTPFixture(t, inflight.NewLocalGuard())
	ctx := context.Background()
	if err := f.coord.SendCode(ctx, "c1", testMobile); err != nil {
		t.Fatalf("SendCode: %v", err)
	}

	f.backend.FailNext("/qr/send-otp", 503, "SMS gateway unavailable")
	_ = f.coord.SendCode(ctx, "c1", testMobile)
	if st := f.coord.State(); st.Step != service.StepOTPEntry || !st.CodeSent {
		t.Fatalf("the first code still applies, got %+v", st)
	}
	if _, err := f.coord.VerifyCode(ctx, "c1", "", "123456", "Asha"); err != nil {
		t.Errorf("VerifyCode: %v", err)
	}
}
