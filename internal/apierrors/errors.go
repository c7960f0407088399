// Package apierrors defines the closed error set the service exposes and
// the mapping from internal failures to safe wire responses.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind enumerates every failure class the API can surface. Handlers map
// kinds to HTTP statuses; anything outside this set is an internal error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimited
	KindRouting
	KindEngineUnavailable
	KindEngineProtocol
	KindRiskZoneUnavailable
)

// Sentinel errors for the safety-critical and engine failure classes.
// Services return these (wrapped) so callers can branch with errors.Is.
var (
	// ErrRiskZoneUnavailable means zone data is gone and no cache exists.
	// It must propagate to the client as 503; substituting an empty zone
	// list would silently produce an unsafe route.
	ErrRiskZoneUnavailable = &Error{
		Kind:    KindRiskZoneUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Risk zone data temporarily unavailable. Please try again later.",
	}

	// ErrEngineUnavailable covers transport failures and engine 5xx.
	ErrEngineUnavailable = &Error{
		Kind:    KindEngineUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Routing engine temporarily unavailable. Please try again later.",
	}

	// ErrRouteNotFound means the engine accepted the request but produced
	// no usable path.
	ErrRouteNotFound = &Error{
		Kind:    KindRouting,
		Code:    "ROUTING_ERROR",
		Message: "Unable to calculate a route between the specified locations.",
	}
)

// Error is the service error type. Message is always safe to surface;
// Internal carries the full cause for logs only.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Internal string
}

func (e *Error) Error() string {
	if e.Internal != "" {
		return e.Code + ": " + e.Internal
	}
	return e.Code + ": " + e.Message
}

// Is makes sentinel comparisons match on Kind, so wrapped copies with
// different internal detail still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an error of the given kind with a safe client message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches internal detail to a copy of a sentinel error.
func Wrap(base *Error, internalFormat string, args ...interface{}) *Error {
	return &Error{
		Kind:     base.Kind,
		Code:     base.Code,
		Message:  base.Message,
		Internal: fmt.Sprintf(internalFormat, args...),
	}
}

// Validation builds a 422 validation error; detail is surfaced verbatim
// so it must only carry field-level information.
func Validation(detail string) *Error {
	return New(KindValidation, "VALIDATION_ERROR", detail)
}

// NotFound builds a 404 for an unknown resource id.
func NotFound(resource string) *Error {
	return New(KindNotFound, "NOT_FOUND", resource+" not found")
}

// Status returns the HTTP status for an error, defaulting to 500.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindRouting:
		return http.StatusUnprocessableEntity
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindEngineUnavailable, KindRiskZoneUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the UPPER_SNAKE error code for an error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// SafeMessage returns a client-safe message for an error, sanitizing
// anything that is not one of ours.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return Sanitize(e.Message)
	}
	return "An unexpected error occurred. Please try again later."
}

// sensitiveFragments flag messages that leak paths, SQL, drivers or
// credentials. Matching is case-insensitive.
var sensitiveFragments = []string{
	"/app/", "/usr/", "/home/", "/root/",
	"goroutine ", "runtime error",
	"select ", "insert ", "update ", "delete ",
	"postgres", "pq:", "sqlstate", "redis:", "nats:",
	"password", "secret", "token", "api_key",
}

// Sanitize replaces messages carrying internal detail with a generic
// phrase and truncates overlong ones.
func Sanitize(message string) string {
	lower := strings.ToLower(message)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return "An internal error occurred. Please try again later."
		}
	}
	if len(message) > 200 {
		return message[:200] + "..."
	}
	return message
}

// Wire is the shared error envelope: {"error":{code,message,request_id}}.
type Wire struct {
	Error WireBody `json:"error"`
}

type WireBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Envelope builds the wire representation of an error.
func Envelope(err error, requestID string) Wire {
	return Wire{Error: WireBody{
		Code:      Code(err),
		Message:   SafeMessage(err),
		RequestID: requestID,
	}}
}
