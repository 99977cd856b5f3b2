package warehouse

import (
	"errors"
	"strings"
)

// LookupClass is the outcome class of a failed table lookup.
type LookupClass int

const (
	LookupOther LookupClass = iota
	LookupNotFound
	LookupPermissionDenied
)

func (c LookupClass) String() string {
	switch c {
	case LookupNotFound:
		return "not_found"
	case LookupPermissionDenied:
		return "permission_denied"
	default:
		return "other"
	}
}

// Classify maps a lookup error to its class. Implementations are expected to
// wrap ErrNotFound or ErrPermissionDenied; matching on the message text is
// only a fallback for errors that carry no structured cause.
func Classify(err error) LookupClass {
	if err == nil {
		return LookupOther
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return LookupNotFound
	case errors.Is(err, ErrPermissionDenied):
		return LookupPermissionDenied
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"not found", "notfound", "404", "does not exist", "unknown table", "unknown database"} {
		if strings.Contains(msg, p) {
			return LookupNotFound
		}
	}
	for _, p := range []string{"permission", "403", "access denied", "not enough privileges"} {
		if strings.Contains(msg, p) {
			return LookupPermissionDenied
		}
	}
	return LookupOther
}
