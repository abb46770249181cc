package subscription

import "errors"

var (
	// ErrNotFound is returned when no record exists for a Stripe
	// subscription id
	ErrNotFound = errors.New("subscription not found")

	// ErrConflict is returned for uniqueness or foreign-key violations
	// at the store layer
	ErrConflict = errors.New("subscription conflict")
)
