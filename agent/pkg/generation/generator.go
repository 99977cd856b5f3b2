package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

// Generator is the text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string, sampling Sampling) (Completion, error)
	// Name identifies the backend for health reporting and logs.
	Name() string
}

// Sampling narrows the model's output for short deterministic payloads.
type Sampling struct {
	Temperature float64
	TopP        float64
	TopK        int64
	MaxTokens   int64
	// Candidates is the number of completions requested. Backends that
	// always return one ignore it.
	Candidates int
}

// SQLSampling is used for SQL generation.
func SQLSampling() Sampling {
	return Sampling{Temperature: 0, TopP: 0.8, TopK: 10, MaxTokens: 256, Candidates: 1}
}

type TokenUsage struct {
	PromptTokens    int64 `json:"prompt_tokens"`
	CandidateTokens int64 `json:"candidates_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

type Completion struct {
	Text  string
	Model string
	Usage *TokenUsage
}

// RateLimitError marks a rejection caused by rate limiting or exhausted
// quota. Generators wrap backend errors in it when the backend reports a
// structured status.
type RateLimitError struct {
	Status int
	Err    error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %v", e.Status, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) StatusCode() int { return e.Status }

// ErrTimeout is wrapped into errors from generation calls that exceeded the
// per-call timeout.
var ErrTimeout = errors.New("generation call timed out")

// IsRateLimit reports whether err is a rate-limit or quota rejection.
// Structured signals are checked first; message matching is the fallback
// for backends that only report text.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if code, ok := retry.StatusCode(err); ok {
		return code == 429
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"rate limit", "rate_limit", "too many requests", "resource exhausted", "resourceexhausted", "quota", "429"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ErrNotConfigured is returned by generators that have no backend
// credentials.
var ErrNotConfigured = errors.New("text generation is not configured")

type unconfigured struct{ name string }

// NewUnconfigured returns a Generator that fails every call with
// ErrNotConfigured. The API serves schema and health without generation.
func NewUnconfigured(name string) Generator { return unconfigured{name: name} }

func (u unconfigured) Generate(context.Context, string, Sampling) (Completion, error) {
	return Completion{}, fmt.Errorf("%s: %w", u.name, ErrNotConfigured)
}

func (u unconfigured) Name() string { return u.name }

func retryable(err error) bool {
	return IsRateLimit(err) || errors.Is(err, ErrTimeout)
}
