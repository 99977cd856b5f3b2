// Package apperr defines the error taxonomy shared by the question pipeline
// and its front ends.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration means a required setting is missing or invalid.
	KindConfiguration
	// KindSchemaLookup means the fact table schema could not be resolved.
	KindSchemaLookup
	// KindDimensionLookup means a dimension table could not be resolved.
	KindDimensionLookup
	// KindQuotaExceeded means generation retries were exhausted on rate limits.
	KindQuotaExceeded
	// KindGeneration is a terminal text-generation failure.
	KindGeneration
	// KindValidation means the generated statement was rejected.
	KindValidation
	// KindExecution is a warehouse query failure.
	KindExecution
	// KindPipeline wraps the terminal failure of a pipeline run.
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSchemaLookup:
		return "schema_lookup"
	case KindDimensionLookup:
		return "dimension_lookup"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindGeneration:
		return "generation"
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindPipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to
// KindUnknown.
func ParseKind(s string) Kind {
	for k := KindConfiguration; k <= KindPipeline; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// QuotaMessage is the user-facing text for KindQuotaExceeded.
const QuotaMessage = "generation quota exceeded, wait a few seconds and try again"

// Error is a classified error. Message, when set, replaces the cause's text
// in Error() but the cause stays reachable through Unwrap.
type Error struct {
	Kind      Kind
	Op        string
	RequestID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := e.Op
	if e.RequestID != "" {
		if prefix != "" {
			prefix = fmt.Sprintf("[%s] %s", e.RequestID, prefix)
		} else {
			prefix = fmt.Sprintf("[%s]", e.RequestID)
		}
	}
	if prefix == "" {
		return msg
	}
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with a formatted message that includes the cause text.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Op: op, Message: msg + ": " + err.Error(), Err: err}
}

// KindOf returns the most specific kind in err's chain. Pipeline wrappers are
// skipped so the underlying failure decides.
func KindOf(err error) Kind {
	kind := KindUnknown
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		kind = e.Kind
		if e.Kind != KindPipeline {
			return e.Kind
		}
		err = e.Err
	}
	return kind
}

// Is reports whether err's chain carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsClientError reports failures the caller can fix by changing the request
// or the deployment settings.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindValidation:
		return true
	}
	return false
}

// RequestID returns the first request id found in err's chain.
func RequestID(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.RequestID != "" {
			return e.RequestID
		}
		err = e.Err
	}
	return ""
}
