package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidRoute   ErrCode = "INVALID_ROUTE"

	// ─── Challenge ─────────────────────────────────────────────────────
	ErrInvalidMobile  ErrCode = "INVALID_MOBILE"
	ErrInvalidOTP     ErrCode = "INVALID_OTP"
	ErrNameRequired   ErrCode = "NAME_REQUIRED"
	ErrOTPNotSent     ErrCode = "OTP_NOT_SENT"
	ErrOTPRejected    ErrCode = "OTP_REJECTED"
	ErrSessionExpired ErrCode = "SESSION_EXPIRED"

	// ─── Flow ──────────────────────────────────────────────────────────
	ErrWrongStep       ErrCode = "WRONG_STEP"
	ErrRequestInFlight ErrCode = "REQUEST_IN_FLIGHT"
	ErrVisitorRequired ErrCode = "VISITOR_REQUIRED"

	// ─── Answers ───────────────────────────────────────────────────────
	ErrEmptyAnswer    ErrCode = "EMPTY_ANSWER"
	ErrFileRejected   ErrCode = "FILE_REJECTED"
	ErrTooManyFiles   ErrCode = "TOO_MANY_FILES"
	ErrAttemptsUsedUp ErrCode = "ATTEMPT_LIMIT_REACHED"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrUpstreamUnavailable ErrCode = "UPSTREAM_UNAVAILABLE"
	ErrUpstream            ErrCode = "UPSTREAM_ERROR"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrInvalidRoute:
		return "This QR link does not point to a question."

	// ─── Challenge ─────────────────────────────────────────────────────
	case ErrInvalidMobile:
		return "Enter a valid 10-digit mobile number."
	case ErrInvalidOTP:
		return "Enter the 6-digit code sent to your phone."
	case ErrNameRequired:
		return "Enter your name (at least 2 characters)."
	case ErrOTPNotSent:
		return "Request a code before verifying."
	case ErrOTPRejected:
		return "Invalid or expired code."
	case ErrSessionExpired:
		return "Your session has expired. Please verify your number again."

	// ─── Flow ──────────────────────────────────────────────────────────
	case ErrWrongStep:
		return "That action is not available right now."
	case ErrRequestInFlight:
		return "A request is already in progress."
	case ErrVisitorRequired:
		return "Open the QR link again to start."

	// ─── Answers ───────────────────────────────────────────────────────
	case ErrEmptyAnswer:
		return "Add at least one file or type an answer before submitting."
	case ErrFileRejected:
		return "Only images or PDFs within the size limit can be attached."
	case ErrTooManyFiles:
		return "Too many files attached."
	case ErrAttemptsUsedUp:
		return "You have used all your attempts for this question."

	// ─── Upstream ──────────────────────────────────────────────────────
	case ErrUpstreamUnavailable:
		return "Could not reach the server. Check your connection and try again."
	case ErrUpstream:
		return "Something went wrong. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
