package event

import (
	"github.com/google/uuid"
)

// Stake moves part of a member's available utility balance into the staked bucket.
type Stake struct {
	StakeID   uuid.UUID // Idempotency key
	MemberID  uuid.UUID
	Amount    int64 // Fixed-point, always NMU
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (s *Stake) IdempotencyKey() string {
	return s.StakeID.String()
}

func (s *Stake) EventType() EventType {
	return EventTypeStake
}

func (s *Stake) CellID() *string {
	return nil // Ledger-wide event
}

func (s *Stake) SourceSequence() int64 {
	return s.Sequence
}

// Unstake releases the member's entire staked bucket back to available.
// Rejected with NothingStaked when the bucket is empty.
type Unstake struct {
	UnstakeID uuid.UUID // Idempotency key
	MemberID  uuid.UUID
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (u *Unstake) IdempotencyKey() string {
	return u.UnstakeID.String()
}

func (u *Unstake) EventType() EventType {
	return EventTypeUnstake
}

func (u *Unstake) CellID() *string {
	return nil
}

func (u *Unstake) SourceSequence() int64 {
	return u.Sequence
}
