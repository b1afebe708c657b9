package event

import (
	"github.com/google/uuid"
)

// CapitalContribution moves capital tokens from a member's available balance
// into a cell's capital account.
type CapitalContribution struct {
	ContributionID uuid.UUID // Idempotency key
	MemberID       uuid.UUID
	Cell           uuid.UUID
	Amount         int64 // Fixed-point, always NMC
	Sequence       int64
	Timestamp      int64 // Epoch microseconds (versioned input)
}

func (c *CapitalContribution) IdempotencyKey() string {
	return c.ContributionID.String()
}

func (c *CapitalContribution) EventType() EventType {
	return EventTypeCapitalContribution
}

func (c *CapitalContribution) CellID() *string {
	s := c.Cell.String()
	return &s
}

func (c *CapitalContribution) SourceSequence() int64 {
	return c.Sequence
}
