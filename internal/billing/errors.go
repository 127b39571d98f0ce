package billing

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authorization and settlement paths. Callers
// branch on these with errors.Is; the HTTP layer maps each to a
// distinct status code. None of them ever carries a balance effect.
var (
	// ErrInvalidCredential means no account matches the presented
	// API key.
	ErrInvalidCredential = errors.New("invalid API key")

	// ErrAccountMismatch means the credential resolved to a different
	// account than the one the caller claimed to act for.
	ErrAccountMismatch = errors.New("API key does not match account")

	// ErrNoTierAvailable means no active pricing tier exists. This is
	// a provisioning problem, not a caller problem.
	ErrNoTierAvailable = errors.New("no active pricing tier available")

	// ErrZeroBalance is the pre-quote rejection for accounts with
	// nothing left at all. Distinct from InsufficientBalanceError to
	// give the caller a clearer signal.
	ErrZeroBalance = errors.New("zero balance")

	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySettled guards settlement idempotence: a work record
	// in a terminal state cannot be settled again.
	ErrAlreadySettled = errors.New("work record already settled")
)

// InsufficientBalanceError is the business-rule rejection for an
// account whose balance does not cover the quoted cost. It carries
// both sides so the caller can report the exact shortfall.
type InsufficientBalanceError struct {
	Required  Amount
	Available Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required, e.Available)
}

// IsInsufficientBalance reports whether err is (or wraps) an
// InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}

// WorkError describes a failure reported by the costed-work engine.
// It is a business outcome recorded on the work record, not an error
// the coordinator raises to its caller.
type WorkError struct {
	Reason string
}

func (e *WorkError) Error() string {
	return "work execution failed: " + e.Reason
}
