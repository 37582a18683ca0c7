package verify

import (
	"errors"
	"fmt"
)

const (
	ReasonMalformedHeaders   = "missing or malformed headers"
	ReasonStaleTimestamp     = "stale timestamp"
	ReasonUnsupportedVersion = "unsupported version"
	ReasonSignatureMismatch  = "signature mismatch"
)

// AuthenticityError reports why an inbound request could not be trusted.
type AuthenticityError struct {
	Reason string
	Detail string
}

func (e *AuthenticityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return "verify authenticity: " + e.Reason
	}

	return fmt.Sprintf("verify authenticity: %s: %s", e.Reason, e.Detail)
}

func newError(reason string, detail string) error {
	return &AuthenticityError{Reason: reason, Detail: detail}
}

// ReasonFromError returns the failure reason when err is an AuthenticityError.
func ReasonFromError(err error) string {
	var authErr *AuthenticityError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}

	return ""
}
