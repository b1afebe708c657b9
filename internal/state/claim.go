package state

import (
	"github.com/google/uuid"
)

// ClaimStatus tracks adjudication progress
type ClaimStatus int32

const (
	ClaimStatusSubmitted ClaimStatus = iota
	ClaimStatusApproved
	ClaimStatusDenied
)

func (cs ClaimStatus) String() string {
	switch cs {
	case ClaimStatusSubmitted:
		return "submitted"
	case ClaimStatusApproved:
		return "approved"
	case ClaimStatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates status transitions
func (cs ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	validTransitions := map[ClaimStatus][]ClaimStatus{
		ClaimStatusSubmitted: {
			ClaimStatusApproved,
			ClaimStatusDenied,
		},
		// Approved and Denied are terminal
	}

	allowed, ok := validTransitions[cs]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Claim is an append-only payout request against a policy.
// CoverageAtSubmission pins the payout cap at filing time, so the cap holds
// even after the policy is superseded by a later purchase.
type Claim struct {
	Cell                 uuid.UUID
	ClaimNumber          int64 // Monotonic within the cell, starts at 1
	PolicyID             uuid.UUID
	MemberID             uuid.UUID
	Amount               int64 // Fixed-point: requested payout
	CoverageAtSubmission int64 // Fixed-point: policy coverage when filed
	PayoutAmount         int64 // Fixed-point: minted on approval, else 0
	Status               ClaimStatus
	Reason               string
	SubmittedAt          int64 // Epoch microseconds
	DecidedAt            int64 // Epoch microseconds, 0 while Submitted
	Version              int64 // Optimistic concurrency control
}

// IsSettled returns true once the claim has been adjudicated
func (c *Claim) IsSettled() bool {
	return c.Status == ClaimStatusApproved || c.Status == ClaimStatusDenied
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *Claim) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	// cell (16 bytes UUID binary)
	buf = append(buf, c.Cell[:]...)

	// claim_number (8 bytes LE)
	buf = appendInt64LE(buf, c.ClaimNumber)

	// policy_id, member_id (16 bytes each)
	buf = append(buf, c.PolicyID[:]...)
	buf = append(buf, c.MemberID[:]...)

	// amount (8 bytes LE)
	buf = appendInt64LE(buf, c.Amount)

	// coverage_at_submission (8 bytes LE)
	buf = appendInt64LE(buf, c.CoverageAtSubmission)

	// payout_amount (8 bytes LE)
	buf = appendInt64LE(buf, c.PayoutAmount)

	// status (1 byte)
	buf = append(buf, byte(c.Status))

	// reason (length-prefixed, capped at submission)
	buf = append(buf, byte(len(c.Reason)))
	buf = append(buf, []byte(c.Reason)...)

	// submitted_at (8 bytes LE)
	buf = appendInt64LE(buf, c.SubmittedAt)

	// decided_at (8 bytes LE)
	buf = appendInt64LE(buf, c.DecidedAt)

	return buf
}
