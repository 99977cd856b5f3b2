// Package dberror classifies warehouse connectivity errors for health checks
// and user-facing messages.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

// Class is the broad cause of a warehouse failure.
type Class int

const (
	ClassUnknown Class = iota
	ClassConnectivity
	ClassTimeout
	ClassAuth
	ClassQuery
)

var classInfo = map[Class]struct {
	name    string
	message string
}{
	ClassUnknown:      {"unknown", "An unexpected error occurred. Please try again."},
	ClassConnectivity: {"connectivity", "Warehouse temporarily unavailable. Please try again in a moment."},
	ClassTimeout:      {"timeout", "Warehouse request timed out. Please try again."},
	ClassAuth:         {"auth", "Warehouse authentication error. Check the configured credentials."},
	ClassQuery:        {"query", "Invalid query. Please check your input."},
}

func (c Class) String() string {
	return classInfo[c].name
}

// ClickHouse exception codes by class.
var exceptionClasses = map[int32]Class{
	47:  ClassQuery,   // UNKNOWN_IDENTIFIER
	60:  ClassQuery,   // UNKNOWN_TABLE
	62:  ClassQuery,   // SYNTAX_ERROR
	81:  ClassQuery,   // UNKNOWN_DATABASE
	215: ClassQuery,   // NOT_AN_AGGREGATE
	159: ClassTimeout, // TIMEOUT_EXCEEDED
	497: ClassAuth,    // ACCESS_DENIED
	516: ClassAuth,    // AUTHENTICATION_FAILED
}

// Message fragments for errors that carry no structured cause, checked in
// order.
var textClasses = []struct {
	class    Class
	patterns []string
}{
	{ClassConnectivity, []string{
		"connection refused", "connection reset", "connection closed", "no such host", "dial tcp",
		"eof", "broken pipe", "network is unreachable", "i/o timeout", "client is closing", "acquire conn timeout",
	}},
	{ClassTimeout, []string{"timeout", "deadline exceeded", "timed out"}},
	{ClassAuth, []string{"authentication failed", "access denied", "permission denied"}},
	{ClassQuery, []string{"syntax error", "unknown column", "unknown identifier", "unknown table"}},
}

// Classify maps err to a Class. Sentinels and ClickHouse exception codes win
// over message text.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch {
	case errors.Is(err, warehouse.ErrPermissionDenied):
		return ClassAuth
	case errors.Is(err, warehouse.ErrNotFound):
		return ClassQuery
	}

	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		return exceptionClasses[exc.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnectivity
	}

	msg := strings.ToLower(err.Error())
	for _, tc := range textClasses {
		for _, p := range tc.patterns {
			if strings.Contains(msg, p) {
				return tc.class
			}
		}
	}
	return ClassUnknown
}

// IsTransient reports whether retrying err may succeed. Cancellation by the
// caller never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	c := Classify(err)
	return c == ClassConnectivity || c == ClassTimeout
}

// UserMessage is the text shown to callers in place of err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return classInfo[Classify(err)].message
}

// ProbeRetryConfig retries transient failures once, quickly. Health probes
// must answer within their own short timeout.
func ProbeRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 2,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
		Retryable:   IsTransient,
	}
}
