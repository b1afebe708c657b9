package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateMemberAvailableNonNegative checks member available >= 0
func (v *InvariantValidator) ValidateMemberAvailableNonNegative(memberID uuid.UUID, assetID AssetID) error {
	key := NewMemberAccountKey(memberID, SubTypeAvailable, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateMemberStakedNonNegative checks the staked bucket >= 0
func (v *InvariantValidator) ValidateMemberStakedNonNegative(memberID uuid.UUID) error {
	key := NewMemberAccountKey(memberID, SubTypeStaked, AssetNMU)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateCellCapitalNonNegative checks a cell's capital account >= 0.
// Capital only enters through contributions and never leaves through
// claim mints, so a negative balance here means journal corruption.
func (v *InvariantValidator) ValidateCellCapitalNonNegative(cellID uuid.UUID) error {
	key := NewCellAccountKey(cellID, SubTypeCapital, AssetNMC)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateSupplyNonNegative verifies no asset's circulating supply has
// gone negative (more burned than ever minted or deposited).
func (v *InvariantValidator) ValidateSupplyNonNegative() error {
	supply := v.tracker.ComputeSupply()

	for assetID, total := range supply {
		if total < 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("circulating supply for %s is negative: %d", assetName, total)
		}
	}

	return nil
}
