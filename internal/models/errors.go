package models

import "errors"

var (
	// ErrInvalidInput marks caller mistakes: missing strategies or data, bad allocations,
	// inconsistent risk parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsolvablePlan means no finite loan satisfies the leverage limit at the safety dip.
	ErrUnsolvablePlan = errors.New("cannot calculate a stable plan with the given risk limits; try a deeper worst-case dip or a higher max leverage")

	// ErrNonPositiveEquity is returned when live equity is zero or negative.
	ErrNonPositiveEquity = errors.New("equity is zero or negative")
)
