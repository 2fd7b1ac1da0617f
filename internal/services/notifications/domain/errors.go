package domain

import (
	"errors"
	"fmt"
)

// DeliveryError is a push the provider refused.
type DeliveryError struct {
	// Status is the provider's HTTP status. Zero when the push never left.
	Status int
	// Rejected is set when sending the same push again cannot succeed, for
	// example an unregistered device token.
	Rejected bool
	Err      error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err == nil && e.Status == 0:
		return "push refused"
	case e.Err == nil:
		return fmt.Sprintf("push refused with status %d", e.Status)
	}
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Rejected wraps err as a refusal the provider will repeat. The dispatcher
// treats a rejected push as sent for resend purposes.
func Rejected(status int, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Status: status, Rejected: true, Err: err}
}

// IsRejected reports whether err carries a rejected DeliveryError.
func IsRejected(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target) && target.Rejected
}
