// Package errs classifies the error kinds the annotation harness distinguishes: transient
// external failures (retried), protocol/parse failures (non-fatal, surfaced to the model),
// tool-level domain failures (surfaced to the model, not retried by the harness itself),
// and storage failures (fatal).
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies an error for retry-policy and exit-code purposes.
type Type int8

const (
	TypeTransient Type = iota
	TypeRateLimit
	TypeAuth
	TypeBadRequest
	TypeProtocol
	TypeDomain
	TypeStorage
	TypeUnknown
)

func (t Type) String() string {
	switch t {
	case TypeTransient:
		return "transient"
	case TypeRateLimit:
		return "rate_limit"
	case TypeAuth:
		return "auth"
	case TypeBadRequest:
		return "bad_request"
	case TypeProtocol:
		return "protocol"
	case TypeDomain:
		return "domain"
	case TypeStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// RetryConfig describes the backoff policy for one error Type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs holds the per-type retry defaults: transient external failures get a
// 3-attempt exponential backoff; everything else that isn't meant to be retried by the runner
// itself gets zero retries at this layer.
var DefaultRetryConfigs = map[Type]RetryConfig{
	TypeTransient:  {MaxRetries: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	TypeRateLimit:  {MaxRetries: 3, InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2.0, Jitter: true},
	TypeAuth:       {MaxRetries: 0},
	TypeBadRequest: {MaxRetries: 0},
	TypeProtocol:   {MaxRetries: 0},
	TypeDomain:     {MaxRetries: 0},
	TypeStorage:    {MaxRetries: 0},
	TypeUnknown:    {MaxRetries: 1, InitialDelay: 1 * time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: true},
}

// Error is a classified error carrying the original cause and an optional HTTP status.
type Error struct {
	Err        error
	Message    string
	Type       Type
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Type.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the harness's LLM retry loop should retry this error.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case TypeTransient, TypeRateLimit, TypeUnknown:
		return true
	default:
		return false
	}
}

// GetRetryConfig returns the backoff policy associated with this error's Type.
func (e *Error) GetRetryConfig() RetryConfig {
	return DefaultRetryConfigs[e.Type]
}

// New builds a classified error.
func New(errType Type, message string, cause error) *Error {
	return &Error{Err: cause, Message: message, Type: errType}
}

// NewWithStatus builds a classified error carrying an HTTP status code.
func NewWithStatus(errType Type, message string, cause error, status int) *Error {
	return &Error{Err: cause, Message: message, Type: errType, StatusCode: status}
}

// TypeOf extracts the Type of err if it (or something it wraps) is an *Error; otherwise TypeUnknown.
func TypeOf(err error) Type {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Type
	}
	return TypeUnknown
}

// Is reports whether err is a classified Error of the given Type.
func Is(err error, errType Type) bool {
	return TypeOf(err) == errType
}

// Domain-level sentinel errors returned by the glossary store and tool dispatcher.
// Recognized via errors.Is; wrapped with context by the caller.
var (
	ErrDuplicateTerm           = errors.New("duplicate term")
	ErrEntryNotFound           = errors.New("entry not found")
	ErrSummonActive            = errors.New("summon already active")
	ErrNoActiveSummon          = errors.New("no active summon")
	ErrWriteBlockedDuringSummon = errors.New("write blocked during summon")
	ErrCorpusNotFound          = errors.New("corpus resource not found")
)

// Domain wraps a sentinel domain error with extra context, classified as TypeDomain.
func Domain(sentinel error, format string, args ...any) *Error {
	return &Error{
		Err:     sentinel,
		Message: fmt.Sprintf("%s: %s", sentinel.Error(), fmt.Sprintf(format, args...)),
		Type:    TypeDomain,
	}
}

// Storage wraps a storage/integrity failure, classified as TypeStorage (fatal, exit 2).
func Storage(cause error, format string, args ...any) *Error {
	return &Error{Err: cause, Message: fmt.Sprintf(format, args...), Type: TypeStorage}
}

// Protocol wraps a malformed-payload failure, classified as TypeProtocol (logged, non-fatal).
func Protocol(cause error, format string, args ...any) *Error {
	return &Error{Err: cause, Message: fmt.Sprintf(format, args...), Type: TypeProtocol}
}
