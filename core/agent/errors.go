package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies failures of the agent orchestration layer.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindInvalidRequest     Kind = "invalid_request"
	KindUnreachable        Kind = "unreachable"
	KindBadUpstreamFormat  Kind = "bad_upstream_format"
	KindEndpointNotFound   Kind = "endpoint_not_found"
	KindAuthRejected       Kind = "auth_rejected"
	KindUpstreamError      Kind = "upstream_error"
	KindAllEndpointsFailed Kind = "all_endpoints_failed"
	KindTimeout            Kind = "timeout"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrBadUpstreamFormat  = &Error{Kind: KindBadUpstreamFormat}
	ErrEndpointNotFound   = &Error{Kind: KindEndpointNotFound}
	ErrAuthRejected       = &Error{Kind: KindAuthRejected}
	ErrUpstreamError      = &Error{Kind: KindUpstreamError}
	ErrAllEndpointsFailed = &Error{Kind: KindAllEndpointsFailed}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

const previewLimit = 512

// Error is a classified failure. Message is safe to show to end users;
// Preview is a bounded excerpt of the upstream body; Err keeps the full cause
// for server-side logs.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Status     int
	Preview    string
	Attempted  []string
	LastStatus *JobStatus
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.UserMessage())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage returns a short human-readable message for the error kind.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindUnauthorized:
		return "missing or invalid credentials"
	case KindInvalidRequest:
		return "invalid request"
	case KindUnreachable:
		return "story service is unreachable"
	case KindBadUpstreamFormat:
		return "story service returned an unexpected response"
	case KindEndpointNotFound:
		return "story service endpoint not found"
	case KindAuthRejected:
		return "story service rejected the credentials"
	case KindUpstreamError:
		return "story service returned an error"
	case KindAllEndpointsFailed:
		return "could not start the story job"
	case KindTimeout:
		return "story job did not finish in time"
	default:
		return "story service error"
	}
}

// KindOf returns the classification of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// truncate bounds s to limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
