package event

import (
	"github.com/google/uuid"
)

// RewardDistribution mints utility tokens into a member's available balance.
// Only callers holding the reward authority role may issue it.
type RewardDistribution struct {
	DistributionID uuid.UUID // Idempotency key
	AuthorityID    uuid.UUID // Caller, must hold reward authority role
	MemberID       uuid.UUID // Recipient
	Amount         int64     // Fixed-point, always NMU
	Sequence       int64
	Timestamp      int64 // Epoch microseconds (versioned input)
}

func (r *RewardDistribution) IdempotencyKey() string {
	return r.DistributionID.String()
}

func (r *RewardDistribution) EventType() EventType {
	return EventTypeRewardDistribution
}

func (r *RewardDistribution) CellID() *string {
	return nil // Ledger-wide event
}

func (r *RewardDistribution) SourceSequence() int64 {
	return r.Sequence
}
