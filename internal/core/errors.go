package core

import "errors"

// Rejection reasons surfaced by the protocol core. Handlers wrap these with
// context via fmt.Errorf("...: %w", Err...) so callers can classify rejects
// with errors.Is while logs keep the detail.
var (
	// ErrInsufficientBalance rejects spends exceeding the available bucket.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNothingStaked rejects an unstake when the staked bucket is empty.
	ErrNothingStaked = errors.New("nothing staked")

	// ErrNotAuthorized covers missing roles and unauthorized cells alike.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInsufficientCapital rejects a claim approval when the cell's capital
	// sits below the protocol floor at decision time.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrPolicyAlreadyActive rejects a purchase while the member's existing
	// policy in the cell still covers the purchase instant.
	ErrPolicyAlreadyActive = errors.New("policy already active")

	// ErrPolicyNotFound rejects a claim with no live policy behind it.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrClaimNotFound rejects a decision on an unknown claim number.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrClaimAlreadyProcessed rejects a second decision on a settled claim.
	ErrClaimAlreadyProcessed = errors.New("claim already processed")

	// ErrInvalidAmount rejects zero, negative, and over-cap amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)
