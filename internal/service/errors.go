package service

import (
	"errors"
	"unicode"
	"unicode/utf8"

	"github.com/stemsi/exstem-qr/internal/qrapi"
)

// Input validation errors. These never reach the network.
var (
	ErrInvalidMobile = errors.New("enter a valid 10-digit mobile number")
	ErrInvalidOTP    = errors.New("enter the 6-digit code sent to your phone")
	ErrNameRequired  = errors.New("enter your name (at least 2 characters)")
	ErrEmptyDraft    = errors.New("add at least one file or type an answer before submitting")
	ErrOTPNotSent    = errors.New("request a code before verifying")
	ErrFileRejected  = errors.New("only images or PDFs within the size limit can be attached")
	ErrTooManyFiles  = errors.New("too many files attached")
)

// Outcome errors returned by the network-backed operations.
var (
	ErrRequestInFlight     = errors.New("a request is already in progress")
	ErrUnauthorized        = errors.New("your session has expired, please verify your number again")
	ErrConnectivity        = errors.New("could not reach the server, check your connection and try again")
	ErrAttemptLimitReached = errors.New("you have used all your attempts for this question")
	ErrSendFailed          = errors.New("could not send the code, please try again")
	ErrVerifyFailed        = errors.New("invalid or expired code")
	ErrLoadFailed          = errors.New("could not load the question, please try again")
	ErrSubmitFailed        = errors.New("could not submit your answer, please try again")
	ErrStale               = errors.New("request superseded")
)

// Failure pairs an outcome sentinel with the message shown to the user,
// which is the server's own wording when it gave one.
type Failure struct {
	Kind    error
	Message string
	cause   error
}

func (f *Failure) Error() string {
	return f.Message
}

// Unwrap exposes both the sentinel and the transport error.
func (f *Failure) Unwrap() []error {
	if f.cause == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.cause}
}

// Message returns the user-facing text for err, sentence-cased.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var f *Failure
	if errors.As(err, &f) {
		msg = f.Message
	}
	r, size := utf8.DecodeRuneInString(msg)
	if r == utf8.RuneError {
		return msg
	}
	return string(unicode.ToUpper(r)) + msg[size:]
}

// classify maps a qrapi error onto the taxonomy. Network and auth failures
// keep their fixed wording; anything else prefers the server's message.
func classify(err, kind error) error {
	switch {
	case errors.Is(err, qrapi.ErrUnauthorized):
		return &Failure{Kind: ErrUnauthorized, Message: ErrUnauthorized.Error(), cause: err}
	case errors.Is(err, qrapi.ErrAttemptLimitReached):
		return &Failure{Kind: ErrAttemptLimitReached, Message: ErrAttemptLimitReached.Error(), cause: err}
	}
	return serverFailure(err, kind)
}

// serverFailure is classify without the auth and limit mappings, for calls
// where a 401 means "wrong code" rather than "session gone".
func serverFailure(err, kind error) error {
	if errors.Is(err, qrapi.ErrNetwork) {
		return &Failure{Kind: ErrConnectivity, Message: ErrConnectivity.Error(), cause: err}
	}
	msg := qrapi.ServerMessage(err)
	if msg == "" {
		msg = kind.Error()
	}
	return &Failure{Kind: kind, Message: msg, cause: err}
}
