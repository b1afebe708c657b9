package state

import "github.com/google/uuid"

// StakeBook tracks when each member's staked bucket was opened. The staked
// amount itself lives in the ledger; the book carries only the timestamp
// reward authorities read for eligibility.
type StakeBook struct {
	stakedSince map[uuid.UUID]int64 // member -> epoch microseconds
}

func NewStakeBook() *StakeBook {
	return &StakeBook{
		stakedSince: make(map[uuid.UUID]int64),
	}
}

// StakedSince returns when the member's bucket opened, or 0 if nothing staked
func (sb *StakeBook) StakedSince(memberID uuid.UUID) int64 {
	return sb.stakedSince[memberID]
}

// RecordStake opens or refreshes the bucket timestamp. Topping up restarts
// the clock.
func (sb *StakeBook) RecordStake(memberID uuid.UUID, at int64) {
	sb.stakedSince[memberID] = at
}

// ClearStake closes the bucket after a full release
func (sb *StakeBook) ClearStake(memberID uuid.UUID) {
	delete(sb.stakedSince, memberID)
}

// RestoreStake directly sets a bucket timestamp (used for snapshot restore)
func (sb *StakeBook) RestoreStake(memberID uuid.UUID, at int64) {
	sb.stakedSince[memberID] = at
}

// GetAllStakes returns all bucket timestamps (for snapshot creation)
func (sb *StakeBook) GetAllStakes() map[uuid.UUID]int64 {
	result := make(map[uuid.UUID]int64, len(sb.stakedSince))
	for k, v := range sb.stakedSince {
		result[k] = v
	}
	return result
}
