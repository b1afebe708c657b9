package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Verdict represents an adjudicator's decision on a claim
type Verdict int32

const (
	VerdictUnknown Verdict = iota
	VerdictApproved
	VerdictDenied
)

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ClaimSubmit files a claim against the member's active policy in a cell.
// The core assigns the monotonic claim number; the submission ID is only
// the upstream dedup key. Timestamp must fall inside the policy window.
type ClaimSubmit struct {
	SubmissionID uuid.UUID // Idempotency key
	MemberID     uuid.UUID
	Cell         uuid.UUID
	Amount       int64  // Fixed-point: requested payout, capped by coverage
	Reason       string // Free text carried on the claim record
	Sequence     int64
	Timestamp    int64 // Epoch microseconds (versioned input)
}

func (c *ClaimSubmit) IdempotencyKey() string {
	return c.SubmissionID.String()
}

func (c *ClaimSubmit) EventType() EventType {
	return EventTypeClaimSubmit
}

func (c *ClaimSubmit) CellID() *string {
	s := c.Cell.String()
	return &s
}

func (c *ClaimSubmit) SourceSequence() int64 {
	return c.Sequence
}

// ClaimDecision adjudicates a submitted claim. An approval mints PayoutAmount
// to the claimant if the cell still passes its capital gate; a denial settles
// the claim with a zero payout.
type ClaimDecision struct {
	AdjudicatorID uuid.UUID // Caller, must hold adjudicator role
	Cell          uuid.UUID
	ClaimNumber   int64 // Core-assigned claim number within the cell
	Decision      Verdict
	PayoutAmount  int64 // Fixed-point: must not exceed the submitted amount
	Sequence      int64
	Timestamp     int64 // Epoch microseconds (versioned input)
}

func (c *ClaimDecision) IdempotencyKey() string {
	return fmt.Sprintf("claim_decision:%s:%d", c.Cell, c.ClaimNumber)
}

func (c *ClaimDecision) EventType() EventType {
	return EventTypeClaimDecision
}

func (c *ClaimDecision) CellID() *string {
	s := c.Cell.String()
	return &s
}

func (c *ClaimDecision) SourceSequence() int64 {
	return c.Sequence
}
