package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Member Balance Queries ===

// GetMemberAvailable returns the spendable balance for an asset.
// Premium burns, withdrawals, and capital contributions draw on this
// bucket only, never on the staked bucket.
func (bt *BalanceTracker) GetMemberAvailable(memberID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewMemberAccountKey(memberID, SubTypeAvailable, assetID))
}

// GetMemberStaked returns the staked NMU bucket
func (bt *BalanceTracker) GetMemberStaked(memberID uuid.UUID) int64 {
	return bt.GetBalance(NewMemberAccountKey(memberID, SubTypeStaked, AssetNMU))
}

// GetMemberTotal returns available + staked for an asset
func (bt *BalanceTracker) GetMemberTotal(memberID uuid.UUID, assetID AssetID) int64 {
	total := bt.GetMemberAvailable(memberID, assetID)
	if assetID == AssetNMU {
		total += bt.GetMemberStaked(memberID)
	}
	return total
}

// GetCellCapital returns a cell's NMC backing capital
func (bt *BalanceTracker) GetCellCapital(cellID uuid.UUID) int64 {
	return bt.GetBalance(NewCellAccountKey(cellID, SubTypeCapital, AssetNMC))
}

// === Invariant Checks ===

// ValidateSufficientAvailable checks if a member has enough spendable balance
func (bt *BalanceTracker) ValidateSufficientAvailable(memberID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetMemberAvailable(memberID, assetID)
	if available < required {
		return fmt.Errorf("insufficient available balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateAvailableNonNegative checks available_balance >= 0
func (bt *BalanceTracker) ValidateAvailableNonNegative(memberID uuid.UUID, assetID AssetID) error {
	available := bt.GetMemberAvailable(memberID, assetID)
	if available < 0 {
		return fmt.Errorf("member %s has negative available balance for asset %d: %d",
			memberID.String(), assetID, available)
	}
	return nil
}

// ValidateStakedNonNegative checks the staked bucket >= 0
func (bt *BalanceTracker) ValidateStakedNonNegative(memberID uuid.UUID) error {
	staked := bt.GetMemberStaked(memberID)
	if staked < 0 {
		return fmt.Errorf("member %s has negative staked balance: %d", memberID.String(), staked)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ComputeSupply returns the circulating supply per asset: the negated sum
// of all external boundary accounts. Mints push external accounts
// negative, burns push them positive, so supply moves with them exactly.
func (bt *BalanceTracker) ComputeSupply() map[AssetID]int64 {
	supply := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		if key.Scope == AccountScopeExternal {
			supply[key.AssetID] -= balance
		}
	}

	return supply
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// SetBalance directly sets an account balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
