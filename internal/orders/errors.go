package orders

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrderRequest = errors.New("invalid order request")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotFound            = errors.New("order not found")
	ErrPersistence         = errors.New("persistence failure")

	// ErrDuplicateExternalID is returned by stores when external_id is taken.
	ErrDuplicateExternalID = errors.New("duplicate external id")
	// ErrStaleStatus is returned by compare-and-set updates when the stored
	// status is no longer the expected one.
	ErrStaleStatus = errors.New("stale status")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidOrderRequest }

type TransitionError struct {
	Entity string // "order" | "payment"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
