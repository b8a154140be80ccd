// Package errors provides the error types shared by reconx components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for reconx failures that cross a component
// boundary.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "storage.Append")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindTimeout
	KindNetwork
	KindInternal
	// KindLoadFailure: a plugin candidate could not be loaded. Non-fatal.
	KindLoadFailure
	// KindPluginRuntime: a plugin failed while running. Non-fatal.
	KindPluginRuntime
	// KindSchemaViolation: an emitted record failed validation. Non-fatal.
	KindSchemaViolation
	// KindCacheCorruption: the cache snapshot could not be parsed.
	KindCacheCorruption
	// KindUpstream: an external data source failed.
	KindUpstream
	// KindStorage: the findings store failed. Fatal.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindInternal:
		return "internal"
	case KindLoadFailure:
		return "load_failure"
	case KindPluginRuntime:
		return "plugin_runtime"
	case KindSchemaViolation:
		return "schema_violation"
	case KindCacheCorruption:
		return "cache_corruption"
	case KindUpstream:
		return "upstream"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			if e.Message == "" {
				return fmt.Sprintf("%s: %v", e.Op, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Upstream Error
// =============================================================================

// UpstreamError describes a failed call to an external data source such as
// crt.sh or a WHOIS server.
type UpstreamError struct {
	// Service names the data source (e.g. "crt.sh")
	Service string `json:"service"`

	// StatusCode is the HTTP status code, zero for non-HTTP sources
	StatusCode int `json:"status_code,omitempty"`

	// Message is the error message
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: %s", e.Service, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

// Retryable reports whether a later attempt may succeed: rate limiting and
// server-side errors.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// =============================================================================
// Violations
// =============================================================================

// Violation is a single field-level problem found while validating a record.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Violations aggregates every problem found in one record.
type Violations []Violation

func (v Violations) Error() string {
	if len(v) == 0 {
		return "no violations"
	}
	msgs := make([]string, len(v))
	for i, violation := range v {
		msgs[i] = violation.Error()
	}
	return strings.Join(msgs, "; ")
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsUpstreamError checks if err is an UpstreamError and returns it.
func IsUpstreamError(err error) (*UpstreamError, bool) {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr, true
	}
	return nil, false
}

// AsViolations extracts the validation violations carried by err.
func AsViolations(err error) (Violations, bool) {
	var v Violations
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsStorageError checks if the error is a storage failure.
func IsStorageError(err error) bool {
	return GetKind(err) == KindStorage
}

// IsSchemaViolation checks if the error is a schema violation.
func IsSchemaViolation(err error) bool {
	return GetKind(err) == KindSchemaViolation
}

// IsLoadFailure checks if the error is a plugin load failure.
func IsLoadFailure(err error) bool {
	return GetKind(err) == KindLoadFailure
}

// IsTimeoutError checks if the error is a timeout error.
func IsTimeoutError(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsFatal reports whether err must abort a scan. Only registry-level and
// storage failures are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch GetKind(err) {
	case KindLoadFailure, KindPluginRuntime, KindSchemaViolation, KindCacheCorruption, KindUpstream:
		return false
	default:
		return true
	}
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrUnsupportedFormat is returned when an export format is unknown.
	ErrUnsupportedFormat = &Error{Kind: KindInvalidInput, Message: "unsupported export format"}

	// ErrNoManifest is returned when a plugin directory has no manifest.
	ErrNoManifest = &Error{Kind: KindLoadFailure, Message: "plugin manifest not found"}
)
