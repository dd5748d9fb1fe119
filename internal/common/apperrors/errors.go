// Package apperrors implements the error taxonomy from spec.md §7: a closed
// set of kinds distinguishable by the caller, carrying an HTTP status for the
// client-facing boundary and never leaking internal detail.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the taxonomy of §7. Kinds are compared by value, never by
// string message, so callers can switch on them reliably.
type Kind string

const (
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindAuthExpired       Kind = "AUTH_EXPIRED"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindNoCapableAgent    Kind = "NO_CAPABLE_AGENT"
	KindQueueTimeout      Kind = "QUEUE_TIMEOUT"
	KindSessionBusy       Kind = "SESSION_BUSY"
	KindTimedOut          Kind = "TIMED_OUT"
	KindCancelled         Kind = "CANCELLED"
	KindSubAgentTimeout   Kind = "SUB_AGENT_TIMEOUT"
	KindAggregationFailed Kind = "AGGREGATION_FAILED"
	KindProviderError     Kind = "PROVIDER_ERROR"
	KindBudgetExhausted   Kind = "BUDGET_EXHAUSTED"
	KindProviderDisabled  Kind = "PROVIDER_DISABLED"
	KindBackpressure      Kind = "BACKPRESSURE"
	KindInternalError     Kind = "INTERNAL_ERROR"
	KindConflict          Kind = "CONFLICT"
	KindNotFound          Kind = "NOT_FOUND"
)

// ProviderSubKind enumerates §4.1/§7's provider sub-kinds.
type ProviderSubKind string

const (
	ProviderTransient   ProviderSubKind = "TRANSIENT"
	ProviderAuth        ProviderSubKind = "AUTH"
	ProviderBadRequest  ProviderSubKind = "BAD_REQUEST"
	ProviderRateLimited ProviderSubKind = "RATE_LIMITED"
	ProviderUnavailable ProviderSubKind = "UNAVAILABLE"
)

// Retryable reports whether a provider sub-kind is retried by the Provider
// Pool per §4.1 ("Transient/RateLimited/Unavailable are retried ... others
// are surfaced immediately").
func (k ProviderSubKind) Retryable() bool {
	switch k {
	case ProviderTransient, ProviderRateLimited, ProviderUnavailable:
		return true
	default:
		return false
	}
}

// Error is the application-wide error value: a Kind, a human-readable
// message safe to show a client, an HTTP status for the API boundary, and an
// optional wrapped cause (never serialized to the client).
type Error struct {
	Kind        Kind
	Message     string
	HTTPStatus  int
	ProviderSub ProviderSubKind
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: status}
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, http.StatusUnauthorized, message)
}

func AuthExpired(message string) *Error {
	return New(KindAuthExpired, http.StatusUnauthorized, message)
}

func InvalidRequest(message string) *Error {
	return New(KindInvalidRequest, http.StatusBadRequest, message)
}

func NoCapableAgent(capability string) *Error {
	return New(KindNoCapableAgent, http.StatusServiceUnavailable,
		fmt.Sprintf("no ready agent found for capability %q", capability))
}

func QueueTimeout(message string) *Error {
	return New(KindQueueTimeout, http.StatusGatewayTimeout, message)
}

func SessionBusy(message string) *Error {
	return New(KindSessionBusy, http.StatusTooManyRequests, message)
}

func TimedOut(message string) *Error {
	return New(KindTimedOut, http.StatusGatewayTimeout, message)
}

func Cancelled(message string) *Error {
	return New(KindCancelled, http.StatusOK, message)
}

func SubAgentTimeout(message string) *Error {
	return New(KindSubAgentTimeout, http.StatusGatewayTimeout, message)
}

func AggregationFailed(message string) *Error {
	return New(KindAggregationFailed, http.StatusBadGateway, message)
}

func ProviderError(sub ProviderSubKind, message string, cause error) *Error {
	status := http.StatusBadGateway
	if sub == ProviderAuth {
		status = http.StatusUnauthorized
	}
	if sub == ProviderBadRequest {
		status = http.StatusBadRequest
	}
	return &Error{Kind: KindProviderError, ProviderSub: sub, Message: message, HTTPStatus: status, Err: cause}
}

func BudgetExhausted(message string) *Error {
	return New(KindBudgetExhausted, http.StatusPaymentRequired, message)
}

func ProviderDisabled(providerID string) *Error {
	return New(KindProviderDisabled, http.StatusServiceUnavailable,
		fmt.Sprintf("provider %q is disabled", providerID))
}

func Backpressure(message string) *Error {
	return New(KindBackpressure, http.StatusTooManyRequests, message)
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: cause}
}

func Conflict(message string) *Error {
	return New(KindConflict, http.StatusConflict, message)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, http.StatusNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

// Wrap attaches message context to err, preserving its Kind/HTTPStatus if it
// is already an *Error, else classifying it as InternalError.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{
			Kind:        ae.Kind,
			Message:     fmt.Sprintf("%s: %s", message, ae.Message),
			HTTPStatus:  ae.HTTPStatus,
			ProviderSub: ae.ProviderSub,
			Err:         err,
		}
	}
	return Internal(message, err)
}

// KindOf extracts the Kind of err, or KindInternalError if err is not an
// *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternalError
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatusOf returns the HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Sanitized returns the subset of the error safe to send to a client: never
// stack traces, internal ids beyond the task id, or credential material.
func (e *Error) Sanitized() map[string]any {
	return map[string]any{
		"kind":    e.Kind,
		"message": e.Message,
	}
}
