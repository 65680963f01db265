package service

import (
	"errors"
	"fmt"
)

// ValidationError is a malformed or ineligible request: bad input, or a
// transition the release's own state forbids (already rejected, not in PROD).
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// PolicyDeniedError is a well-formed promotion the policy engine refused. It is
// an expected business outcome, not a fault; the reason is safe to show callers.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("promotion denied: %s", e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsPolicyDenied(err error) bool {
	var pe *PolicyDeniedError
	return errors.As(err, &pe)
}
