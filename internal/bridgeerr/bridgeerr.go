// Package bridgeerr defines the bridge's abstract error kinds and their
// mapping to HTTP status codes at the edge. Domain code returns *Error
// values; the HTTP layer never inspects error strings.
package bridgeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the abstract error kinds the pipeline and workers can raise.
type Kind int

const (
	// KindInvalidEnvelope covers malformed bytes, missing epoch, unreadable fields.
	KindInvalidEnvelope Kind = iota
	// KindUnknownInstance is raised when the sender has no TrustStore entry.
	KindUnknownInstance
	// KindSignatureInvalid is raised when the Ed25519 signature fails to verify.
	KindSignatureInvalid
	// KindDuplicateEnvelope is raised on a fingerprint collision within TTL.
	KindDuplicateEnvelope
	// KindDuplicateIdempotencyKey is raised on an idempotency-key collision.
	KindDuplicateIdempotencyKey
	// KindRateLimited is raised when a sender exceeds its request window.
	KindRateLimited
	// KindBackendUnavailable is raised when the Conductor circuit is open or
	// no pool member is healthy.
	KindBackendUnavailable
	// KindTransportError is a recoverable remote failure inside a worker; it is
	// recorded on a ledger row and never surfaced to an ingress response.
	KindTransportError
	// KindFatal marks a ledger row that exceeded its retry budget.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidEnvelope:
		return "InvalidEnvelope"
	case KindUnknownInstance:
		return "UnknownInstance"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindDuplicateEnvelope:
		return "DuplicateEnvelope"
	case KindDuplicateIdempotencyKey:
		return "DuplicateIdempotencyKey"
	case KindRateLimited:
		return "RateLimited"
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindTransportError:
		return "TransportError"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// HTTPStatus returns the status code this kind maps to at the edge.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidEnvelope:
		return http.StatusBadRequest
	case KindUnknownInstance, KindSignatureInvalid:
		return http.StatusForbidden
	case KindDuplicateEnvelope, KindDuplicateIdempotencyKey:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
