package errors

// Code is a machine-readable error identifier surfaced to API clients.
type Code string

// Request and resource errors.
const (
	CodeValidation             Code = "VALIDATION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeMethodNotAllowed       Code = "METHOD_NOT_ALLOWED"
	CodeConflict               Code = "CONFLICT"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeIdempotencyKeyRequired Code = "IDEMPOTENCY_KEY_REQUIRED"
)

// Checkout workflow errors.
const (
	CodeInvalidState          Code = "INVALID_STATE"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeInvalidStateForUpdate Code = "INVALID_STATE_FOR_UPDATE"
	CodeGuestRequired         Code = "GUEST_REQUIRED"
	CodeQuoteExpired          Code = "QUOTE_EXPIRED"
	CodeQuoteMismatch         Code = "QUOTE_MISMATCH"
	CodeUnsupportedCurrency   Code = "UNSUPPORTED_CURRENCY"
)

// Property-management system errors. Client errors carry the upstream
// status through to the caller; server errors and timeouts map to gateway
// statuses because the caller's remedy is a retry with the same
// idempotency key, not a request change.
const (
	CodePMSClientError Code = "PMS_CLIENT_ERROR"
	CodePMSServerError Code = "PMS_SERVER_ERROR"
	CodePMSTimeout     Code = "PMS_TIMEOUT"
)

// Payment processor errors.
const (
	CodePSPSignature Code = "PSP_SIGNATURE"
	CodePSPError     Code = "PSP_ERROR"
)

// Internal/system errors.
const (
	CodeInternal    Code = "INTERNAL"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Retryable returns whether an error code represents a retryable condition.
// Retryable errors are transient upstream/storage issues, never validation
// or state-machine rejections.
func (c Code) Retryable() bool {
	switch c {
	case CodePMSServerError,
		CodePMSTimeout,
		CodePSPError,
		CodeConflict,
		CodeRateLimited,
		CodeInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error code.
// PMS_CLIENT_ERROR is a default here; the carrier's upstream status, when
// recorded, takes precedence (4xx passthrough).
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation,
		CodeIdempotencyKeyRequired,
		CodeGuestRequired,
		CodePSPSignature:
		return 400

	case CodeUnauthorized:
		return 401

	case CodeNotFound:
		return 404

	case CodeMethodNotAllowed:
		return 405

	case CodeConflict,
		CodeInvalidState,
		CodeInvalidTransition,
		CodeInvalidStateForUpdate,
		CodeQuoteExpired,
		CodeQuoteMismatch,
		CodeUnsupportedCurrency:
		return 409

	case CodeRateLimited:
		return 429

	case CodePMSClientError:
		return 400

	case CodePMSServerError,
		CodePSPError:
		return 502

	case CodePMSTimeout:
		return 504

	case CodeUnavailable:
		return 503

	default:
		return 500
	}
}
