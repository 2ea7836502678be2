// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the provider abstraction: the adapter contract,
// backend descriptors, the shared error taxonomy, and the adapter registry.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind categorizes backend failures for retry and fallback decisions.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure. Treated as non-retriable.
	KindUnknown ErrorKind = iota

	// KindNetwork is a transient transport failure: connect, timeout,
	// dropped stream, 5xx. Retriable on the same backend.
	KindNetwork

	// KindRateLimit is a 429-class rejection. Retriable with backoff,
	// honoring Retry-After when the provider sent one.
	KindRateLimit

	// KindAuth covers bad credentials and exhausted credits. Never
	// retried on the same backend; eligible for fallback.
	KindAuth

	// KindProtocol is a malformed or unexpected provider response,
	// including unknown models. Eligible for fallback, not retry.
	KindProtocol

	// KindContextOverflow means shaping could not fit the request into
	// the backend's window. Triggers escalation, not retry.
	KindContextOverflow

	// KindNoViableBackend is terminal: the fallback chain is exhausted.
	KindNoViableBackend

	// KindCancelled marks caller cancellation. Never retried, never a
	// fallback trigger, and accounted separately from failures.
	KindCancelled
)

// String returns the wire/log name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindContextOverflow:
		return "context_overflow"
	case KindNoViableBackend:
		return "no_viable_backend"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retriable reports whether the kind may be retried on the same backend.
func (k ErrorKind) Retriable() bool {
	return k == KindNetwork || k == KindRateLimit
}

// FallbackEligible reports whether the kind should advance the chain.
// Cancellation and overflow are handled by their own paths.
func (k ErrorKind) FallbackEligible() bool {
	switch k {
	case KindAuth, KindProtocol, KindNetwork, KindRateLimit, KindUnknown:
		return true
	}
	return false
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is the uniform failure value every adapter returns.
type Error struct {
	Kind      ErrorKind
	BackendID string
	Message   string

	// Status is the HTTP status that produced the error, when any.
	Status int

	// RetryAfter is the provider-requested wait for rate limits.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.BackendID != "" {
		b.WriteString(e.BackendID)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so callers can use errors.Is with the
// exported kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.BackendID == "" && t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is checks.
var (
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrRateLimited     = &Error{Kind: KindRateLimit}
	ErrAuth            = &Error{Kind: KindAuth}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrContextOverflow = &Error{Kind: KindContextOverflow}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// ErrNotConfigured indicates a backend is missing its API key.
var ErrNotConfigured = errors.New("backend API key not configured")

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewError builds a taxonomy error for the given backend.
func NewError(kind ErrorKind, backendID, message string, cause error) *Error {
	return &Error{Kind: kind, BackendID: backendID, Message: message, Err: cause}
}

// NetworkErr wraps a transport failure.
func NetworkErr(backendID, message string, cause error) *Error {
	return &Error{Kind: KindNetwork, BackendID: backendID, Message: message, Err: cause}
}

// ProtocolErr wraps a malformed-response failure.
func ProtocolErr(backendID, message string, cause error) *Error {
	return &Error{Kind: KindProtocol, BackendID: backendID, Message: message, Err: cause}
}

// OverflowErr reports that shaping cannot fit a request into a window.
func OverflowErr(backendID string, needTokens, window int) *Error {
	return &Error{
		Kind:      KindContextOverflow,
		BackendID: backendID,
		Message:   fmt.Sprintf("need ~%d tokens, window is %d", needTokens, window),
	}
}

// CancelledErr marks caller cancellation, preserving the context cause.
func CancelledErr(backendID string, cause error) *Error {
	return &Error{Kind: KindCancelled, BackendID: backendID, Message: "dispatch cancelled", Err: cause}
}

// =============================================================================
// PREDICATES
// =============================================================================

// KindOf extracts the taxonomy kind from any error. Context cancellation
// maps to KindCancelled even when it arrives unwrapped; everything
// unclassified reports KindUnknown.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetriable reports whether the error may be retried on the same backend.
func IsRetriable(err error) bool {
	return KindOf(err).Retriable()
}

// IsAuth reports whether the error is an authentication/credit failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsRateLimit reports whether the error is a rate-limit rejection.
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsOverflow reports whether the error is a context-window overflow.
func IsOverflow(err error) bool {
	return KindOf(err) == KindContextOverflow
}

// IsCancelled reports whether the error represents caller cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// RetryAfterOf returns the provider-requested backoff, if the error
// carries one.
func RetryAfterOf(err error) time.Duration {
	var be *Error
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// ClassifyStatus maps a provider HTTP status to a taxonomy error.
// The message should already be extracted from the provider body.
func ClassifyStatus(backendID string, status int, message string) *Error {
	e := &Error{BackendID: backendID, Status: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusPaymentRequired:
		e.Kind = KindAuth
		if message == "" {
			e.Message = "insufficient credits"
		}
	case status == http.StatusNotFound:
		e.Kind = KindProtocol
		if message == "" {
			e.Message = "model not found"
		}
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindProtocol
		if message == "" {
			e.Message = "unexpected status " + strconv.Itoa(status)
		}
	}
	return e
}

// ClassifyTransport maps a transport-level error (http.Client.Do failure,
// mid-stream read failure) to the taxonomy. Context cancellation is kept
// distinct from network failure.
func ClassifyTransport(backendID string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CancelledErr(backendID, err)
	}
	return NetworkErr(backendID, "request failed", err)
}

// ParseRetryAfter interprets a Retry-After header as a duration. Returns
// zero when the header is absent or unparseable.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// =============================================================================
// FAILURE TRAIL
// =============================================================================

// Attempt records one failed delivery for the user-visible failure trail.
type Attempt struct {
	BackendID string `json:"backend_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// NoViableBackendError is the terminal dispatch failure: every candidate
// in the fallback chain was tried and failed. Trail preserves the order
// backends were attempted in.
type NoViableBackendError struct {
	Trail []Attempt
}

func (e *NoViableBackendError) Error() string {
	if len(e.Trail) == 0 {
		return "no viable backend"
	}
	var b strings.Builder
	b.WriteString("no viable backend after ")
	b.WriteString(strconv.Itoa(len(e.Trail)))
	b.WriteString(" attempt(s): ")
	for i, a := range e.Trail {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(a.BackendID)
		b.WriteString(" (")
		b.WriteString(a.ErrorKind)
		if a.Message != "" {
			b.WriteString(": ")
			b.WriteString(a.Message)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Is lets errors.Is match against the kind sentinel style used elsewhere.
func (e *NoViableBackendError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindNoViableBackend && t.BackendID == "" && t.Message == ""
}
