package core_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/flemmerz/NiMu/internal/core"
	"github.com/flemmerz/NiMu/internal/event"
	"github.com/flemmerz/NiMu/internal/ledger"
	"github.com/flemmerz/NiMu/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const hourMicros = int64(3_600_000_000)

// ts derives a versioned timestamp from a source sequence, mirroring how
// upstream assigns them.
func ts(seq int64) int64 {
	return 1_000_000 + seq*1000
}

// newTestCore creates a ProtocolCore with buffered channels, no DB checker,
// and a single genesis governor.
func newTestCore() (*core.ProtocolCore, chan core.CoreOutput, uuid.UUID) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	governor := uuid.New()
	c := core.NewProtocolCore(0, persistChan, projChan, nil, nil, zerolog.Nop(), []uuid.UUID{governor})
	return c, persistChan, governor
}

func mustDeposit(memberID uuid.UUID, asset string, amount, seq int64) *event.Deposit {
	return &event.Deposit{
		DepositID: uuid.New(),
		MemberID:  memberID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustWithdrawal(memberID uuid.UUID, asset string, amount, seq int64) *event.Withdrawal {
	return &event.Withdrawal{
		WithdrawalID: uuid.New(),
		MemberID:     memberID,
		Asset:        asset,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    ts(seq),
	}
}

func mustStake(memberID uuid.UUID, amount, seq int64) *event.Stake {
	return &event.Stake{
		StakeID:   uuid.New(),
		MemberID:  memberID,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustUnstake(memberID uuid.UUID, seq int64) *event.Unstake {
	return &event.Unstake{
		UnstakeID: uuid.New(),
		MemberID:  memberID,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustReward(authorityID, memberID uuid.UUID, amount, seq int64) *event.RewardDistribution {
	return &event.RewardDistribution{
		DistributionID: uuid.New(),
		AuthorityID:    authorityID,
		MemberID:       memberID,
		Amount:         amount,
		Sequence:       seq,
		Timestamp:      ts(seq),
	}
}

func mustContribution(memberID, cell uuid.UUID, amount, seq int64) *event.CapitalContribution {
	return &event.CapitalContribution{
		ContributionID: uuid.New(),
		MemberID:       memberID,
		Cell:           cell,
		Amount:         amount,
		Sequence:       seq,
		Timestamp:      ts(seq),
	}
}

func mustPurchase(memberID, cell uuid.UUID, coverage, premium, duration, seq, at int64) *event.PolicyPurchase {
	return &event.PolicyPurchase{
		PurchaseID: uuid.New(),
		MemberID:   memberID,
		Cell:       cell,
		Coverage:   coverage,
		Premium:    premium,
		Duration:   duration,
		Sequence:   seq,
		Timestamp:  at,
	}
}

func mustClaim(memberID, cell uuid.UUID, amount int64, seq, at int64) *event.ClaimSubmit {
	return &event.ClaimSubmit{
		SubmissionID: uuid.New(),
		MemberID:     memberID,
		Cell:         cell,
		Amount:       amount,
		Reason:       "shipment never arrived",
		Sequence:     seq,
		Timestamp:    at,
	}
}

func mustDecision(adjudicatorID, cell uuid.UUID, claimNumber int64, verdict event.Verdict, payout, seq int64) *event.ClaimDecision {
	return &event.ClaimDecision{
		AdjudicatorID: adjudicatorID,
		Cell:          cell,
		ClaimNumber:   claimNumber,
		Decision:      verdict,
		PayoutAmount:  payout,
		Sequence:      seq,
		Timestamp:     ts(seq),
	}
}

func mustAuthorize(governorID, cell uuid.UUID, targetBps int64, premiumAsset string, seq int64) *event.CellAuthorization {
	return &event.CellAuthorization{
		GovernorID:         governorID,
		Cell:               cell,
		TargetLossRatioBps: targetBps,
		PremiumAsset:       premiumAsset,
		Sequence:           seq,
		Timestamp:          ts(seq),
	}
}

func mustRevoke(governorID, cell uuid.UUID, seq int64) *event.CellRevocation {
	return &event.CellRevocation{
		GovernorID: governorID,
		Cell:       cell,
		Sequence:   seq,
		Timestamp:  ts(seq),
	}
}

func mustRoleGrant(governorID, identityID uuid.UUID, role string, seq int64) *event.RoleGrant {
	return &event.RoleGrant{
		GovernorID: governorID,
		IdentityID: identityID,
		Role:       role,
		Sequence:   seq,
		Timestamp:  ts(seq),
	}
}

func mustRoleRevoke(governorID, identityID uuid.UUID, role string, seq int64) *event.RoleRevoke {
	return &event.RoleRevoke{
		GovernorID: governorID,
		IdentityID: identityID,
		Role:       role,
		Sequence:   seq,
		Timestamp:  ts(seq),
	}
}

func mustParams(governorID uuid.UUID, minCapital *int64, cell *uuid.UUID, targetBps *int64, seq int64) *event.ParamsUpdate {
	return &event.ParamsUpdate{
		GovernorID:         governorID,
		MinimumCapital:     minCapital,
		Cell:               cell,
		TargetLossRatioBps: targetBps,
		Sequence:           seq,
		Timestamp:          ts(seq),
	}
}

func int64Ptr(v int64) *int64 { return &v }

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Deposit / Withdrawal Flow
// ============================================================================

func TestDeposit_CreditsAvailable(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected JournalTypeDeposit, got %d", batch.Journals[0].JournalType)
	}
	if batch.Journals[0].Amount != 100_000_000 {
		t.Errorf("expected amount 100_000_000, got %d", batch.Journals[0].Amount)
	}
}

func TestWithdrawal_SpendsAvailable(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Deposit 100 NMU (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Withdraw 40 (global seq=1)
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 40_000_000, 1)); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeWithdrawal {
		t.Errorf("expected JournalTypeWithdrawal, got %d", outputs[0].Batch.Journals[0].JournalType)
	}
}

func TestWithdrawal_InsufficientAvailable_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Deposit 100 (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Try to withdraw 200 — should fail (global seq=1, consumed by the reject)
	err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 200_000, 1))
	if err == nil {
		t.Fatal("expected error for insufficient balance, got nil")
	}
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDeposits_PerAsset_DoNotMix(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Deposit 100 NMU (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("NMU deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// NMC withdrawal must fail — only NMU was deposited (global seq=1)
	err := c.ProcessEvent(mustWithdrawal(memberID, "NMC", 1_000_000, 1))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance for NMC, got %v", err)
	}
}

// ============================================================================
// Test: Staking Flow
// ============================================================================

func TestStake_LocksAvailable(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Deposit 100 NMU (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Stake 60 (global seq=1)
	if err := c.ProcessEvent(mustStake(memberID, 60_000_000, 1)); err != nil {
		t.Fatalf("stake failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	if outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeStake {
		t.Errorf("expected JournalTypeStake, got %d", outputs[0].Batch.Journals[0].JournalType)
	}

	// Withdraw 50 — fails: only 40 is available, staked funds never cover a
	// withdrawal (global seq=2)
	err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 50_000_000, 2))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	drainOutputs(persistCh)

	// Withdraw 40 — exactly the available remainder (global seq=3)
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 40_000_000, 3)); err != nil {
		t.Fatalf("withdrawal of available remainder failed: %v", err)
	}
}

func TestUnstake_ReleasesEntireBucket(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Deposit 100 NMU (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Stake twice: 30 then 20 — top-ups accumulate (global seq=1,2)
	if err := c.ProcessEvent(mustStake(memberID, 30_000_000, 1)); err != nil {
		t.Fatalf("first stake failed: %v", err)
	}
	if err := c.ProcessEvent(mustStake(memberID, 20_000_000, 2)); err != nil {
		t.Fatalf("second stake failed: %v", err)
	}
	drainOutputs(persistCh)

	// Unstake releases all 50 in one journal (global seq=3)
	if err := c.ProcessEvent(mustUnstake(memberID, 3)); err != nil {
		t.Fatalf("unstake failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeUnstake {
		t.Errorf("expected JournalTypeUnstake, got %d", j.JournalType)
	}
	if j.Amount != 50_000_000 {
		t.Errorf("expected full bucket 50_000_000 released, got %d", j.Amount)
	}
}

func TestUnstake_NothingStaked_Fails(t *testing.T) {
	c, _, _ := newTestCore()
	memberID := uuid.New()

	err := c.ProcessEvent(mustUnstake(memberID, 0))
	if err == nil {
		t.Fatal("expected error for empty staked bucket, got nil")
	}
	if !errors.Is(err, core.ErrNothingStaked) {
		t.Errorf("expected ErrNothingStaked, got %v", err)
	}
}

// ============================================================================
// Test: Reward Distribution
// ============================================================================

func TestRewardDistribution_RequiresAuthority(t *testing.T) {
	c, persistCh, governor := newTestCore()
	authority := uuid.New()
	memberID := uuid.New()

	// Unauthorized caller rejected (global seq=0, consumed by the reject)
	err := c.ProcessEvent(mustReward(authority, memberID, 5_000_000, 0))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// Governor grants the reward authority role (global seq=1)
	if err := c.ProcessEvent(mustRoleGrant(governor, authority, state.RoleRewardAuthority, 1)); err != nil {
		t.Fatalf("role grant failed: %v", err)
	}
	drainOutputs(persistCh)

	// Same authority now mints rewards (global seq=2)
	if err := c.ProcessEvent(mustReward(authority, memberID, 5_000_000, 2)); err != nil {
		t.Fatalf("reward after grant failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeRewardMint {
		t.Errorf("expected JournalTypeRewardMint, got %d", outputs[0].Batch.Journals[0].JournalType)
	}

	// Minted NMU is immediately withdrawable (global seq=3)
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 5_000_000, 3)); err != nil {
		t.Errorf("withdrawal of minted reward failed: %v", err)
	}
}

// ============================================================================
// Test: Cell Authorization & Revocation
// ============================================================================

func TestCellAuthorization_RequiresGovernance(t *testing.T) {
	c, _, _ := newTestCore()
	imposter := uuid.New()
	cell := uuid.New()

	err := c.ProcessEvent(mustAuthorize(imposter, cell, 5000, "NMU", 0))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCellAuthorization_InvalidTarget_Fails(t *testing.T) {
	c, persistCh, governor := newTestCore()
	cell := uuid.New()

	// Over the bps ceiling (cell seq=0, consumed)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 200_000, "NMU", 0)); err == nil {
		t.Fatal("expected error for target over 100000 bps, got nil")
	}

	// Negative (cell seq=1, consumed)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, -1, "NMU", 1)); err == nil {
		t.Fatal("expected error for negative target, got nil")
	}

	// Valid target accepted (cell seq=2)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 2)); err != nil {
		t.Fatalf("valid authorization failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("authorization should carry no journals, got %d", len(outputs[0].Batch.Journals))
	}
}

func TestCellAuthorization_Reauthorize_KeepsOriginalConfig(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	// Authorize with NMC premiums (cell seq=0)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMC", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}

	// Member holds only NMC (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMC", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Re-authorize asking for NMU — accepted and recorded, but the cell's
	// premium asset does not change (cell seq=1)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 9000, "NMU", 1)); err != nil {
		t.Fatalf("re-authorization should be a recorded no-op: %v", err)
	}
	drainOutputs(persistCh)

	// Purchase succeeds burning NMC; had the premium asset switched to NMU
	// the member's balance could not cover it (cell seq=2)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, ts(2))); err != nil {
		t.Fatalf("purchase failed, premium asset must still be NMC: %v", err)
	}
}

func TestCellAuthorization_DefaultPremiumAsset_NMU(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	// Empty premium asset defaults to NMU (cell seq=0)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 0, "", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}

	// Member holds only NMU (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Purchase burns NMU (cell seq=1)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, ts(1))); err != nil {
		t.Fatalf("purchase failed, default premium asset must be NMU: %v", err)
	}
}

func TestCellRevocation_SuspendsSalesAndMinting(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	purchaseAt := ts(1)

	// Setup: authorize cell, grant adjudicator, fund member
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}

	// Buy coverage while authorized (cell seq=1)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, purchaseAt)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	// Revoke (cell seq=2)
	if err := c.ProcessEvent(mustRevoke(governor, cell, 2)); err != nil {
		t.Fatalf("revocation failed: %v", err)
	}
	drainOutputs(persistCh)

	// Policy sales stop (cell seq=3, consumed by the reject)
	err := c.ProcessEvent(mustPurchase(uuid.New(), cell, 50_000_000, 10_000_000, hourMicros, 3, purchaseAt+1000))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for sale on revoked cell, got %v", err)
	}

	// Existing policies stay on the books: claims may still be filed (cell seq=4)
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 4, purchaseAt+2000)); err != nil {
		t.Fatalf("claim submission on revoked cell failed: %v", err)
	}

	// But approvals cannot mint while revoked (cell seq=5, consumed)
	err = c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 30_000_000, 5))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for approval on revoked cell, got %v", err)
	}

	// Re-admission restores minting (cell seq=6, then seq=7)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 6)); err != nil {
		t.Fatalf("re-authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 30_000_000, 7)); err != nil {
		t.Fatalf("approval after re-admission failed: %v", err)
	}
}

// ============================================================================
// Test: Policy Purchase
// ============================================================================

func TestPolicyPurchase_BurnsPremiumFromAvailable(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	// Authorize (cell seq=0), deposit 100 NMU (global seq=0)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Purchase with premium 10 (cell seq=1)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, ts(1))); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypePremiumBurn {
		t.Errorf("expected JournalTypePremiumBurn, got %d", j.JournalType)
	}
	if j.Amount != 10_000_000 {
		t.Errorf("expected premium 10_000_000, got %d", j.Amount)
	}

	// 90 remains withdrawable (global seq=1), one unit more does not (global seq=2)
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 90_000_000, 1)); err != nil {
		t.Fatalf("withdrawal of remainder failed: %v", err)
	}
	err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 1, 2))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance after exact drain, got %v", err)
	}
}

func TestPolicyPurchase_UnauthorizedCell_Fails(t *testing.T) {
	c, _, _ := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	// Fund the member so only the cell gate can reject (global seq=0)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 0, ts(0)))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestPolicyPurchase_InsufficientPremiumFunds_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 5_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}

	// Premium 10 against balance 5 (cell seq=1)
	err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, ts(1)))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPolicyPurchase_OverlappingActive_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}

	// First purchase: window [start, start+1h) (cell seq=1)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	// Second purchase inside the window is rejected (cell seq=2, consumed)
	err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, start+hourMicros/2))
	if !errors.Is(err, core.ErrPolicyAlreadyActive) {
		t.Fatalf("expected ErrPolicyAlreadyActive, got %v", err)
	}

	// At exactly the end timestamp the first policy has lapsed (end is
	// exclusive), so a renewal goes through (cell seq=3)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 3, start+hourMicros)); err != nil {
		t.Fatalf("renewal at window end failed: %v", err)
	}
}

// ============================================================================
// Test: Claim Submission
// ============================================================================

func TestClaimSubmit_NumbersStartAtOne(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}

	// First claim in the cell (cell seq=2)
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil {
		t.Fatalf("claim submission failed: %v", err)
	}
	drainOutputs(persistCh)

	// Claim number 0 does not exist (cell seq=3, consumed)
	err := c.ProcessEvent(mustDecision(adjudicator, cell, 0, event.VerdictDenied, 0, 3))
	if !errors.Is(err, core.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound for claim 0, got %v", err)
	}

	// Claim number 2 does not exist yet (cell seq=4, consumed)
	err = c.ProcessEvent(mustDecision(adjudicator, cell, 2, event.VerdictDenied, 0, 4))
	if !errors.Is(err, core.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound for claim 2, got %v", err)
	}

	// Claim number 1 settles (cell seq=5)
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictDenied, 0, 5)); err != nil {
		t.Fatalf("decision on claim 1 failed: %v", err)
	}
}

func TestClaimSubmit_NumbersIndependentPerCell(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cellA := uuid.New()
	cellB := uuid.New()

	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cellA, 5000, "NMU", 0)); err != nil { // cellA seq=0
		t.Fatalf("cellA authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cellB, 5000, "NMU", 0)); err != nil { // cellB seq=0
		t.Fatalf("cellB authorization failed: %v", err)
	}

	// One policy and one claim in each cell
	if err := c.ProcessEvent(mustPurchase(memberID, cellA, 50_000_000, 10_000_000, hourMicros, 1, ts(1))); err != nil { // cellA seq=1
		t.Fatalf("cellA purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cellB, 50_000_000, 10_000_000, hourMicros, 1, ts(1))); err != nil { // cellB seq=1
		t.Fatalf("cellB purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cellA, 20_000_000, 2, ts(1)+1000)); err != nil { // cellA seq=2
		t.Fatalf("cellA claim failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cellB, 20_000_000, 2, ts(1)+1000)); err != nil { // cellB seq=2
		t.Fatalf("cellB claim failed: %v", err)
	}

	// Each cell has its own claim number 1
	if err := c.ProcessEvent(mustDecision(adjudicator, cellA, 1, event.VerdictDenied, 0, 3)); err != nil { // cellA seq=3
		t.Fatalf("decision on cellA claim 1 failed: %v", err)
	}
	if err := c.ProcessEvent(mustDecision(adjudicator, cellB, 1, event.VerdictDenied, 0, 3)); err != nil { // cellB seq=3
		t.Fatalf("decision on cellB claim 1 failed: %v", err)
	}
}

func TestClaimSubmit_NoPolicy_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}

	err := c.ProcessEvent(mustClaim(memberID, cell, 10_000_000, 1, ts(1)))
	if !errors.Is(err, core.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestClaimSubmit_WindowEndExclusive(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}

	// At exactly end time the window has closed (cell seq=2, consumed)
	err := c.ProcessEvent(mustClaim(memberID, cell, 10_000_000, 2, start+hourMicros))
	if !errors.Is(err, core.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound at window end, got %v", err)
	}

	// One microsecond earlier is still inside (cell seq=3)
	if err := c.ProcessEvent(mustClaim(memberID, cell, 10_000_000, 3, start+hourMicros-1)); err != nil {
		t.Fatalf("claim just inside window failed: %v", err)
	}
}

func TestClaimSubmit_ExceedsCoverage_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}

	// Claim over the coverage cap (cell seq=2)
	err := c.ProcessEvent(mustClaim(memberID, cell, 50_000_001, 2, start+1000))
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestClaimSubmit_OversizedReason_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}

	// 256 bytes of reason text is one over the cap (cell seq=2, consumed)
	long := mustClaim(memberID, cell, 10_000_000, 2, start+1000)
	long.Reason = strings.Repeat("x", 256)
	if err := c.ProcessEvent(long); err == nil {
		t.Fatal("expected rejection for oversized reason, got nil")
	}

	// 255 bytes is accepted (cell seq=3)
	ok := mustClaim(memberID, cell, 10_000_000, 3, start+2000)
	ok.Reason = strings.Repeat("x", 255)
	if err := c.ProcessEvent(ok); err != nil {
		t.Fatalf("claim at the reason cap failed: %v", err)
	}
}

func TestClaimSubmit_EmitsNoJournals(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	drainOutputs(persistCh)

	// Submission records state only; no value moves (cell seq=2)
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil {
		t.Fatalf("claim submission failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("submission should carry no journals, got %d", len(outputs[0].Batch.Journals))
	}
}

// ============================================================================
// Test: Claim Adjudication
// ============================================================================

func TestClaimDecision_RequiresAdjudicator(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}

	// The governor does not hold the adjudicator role by default (cell seq=3)
	err := c.ProcessEvent(mustDecision(governor, cell, 1, event.VerdictApproved, 30_000_000, 3))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestClaimDecision_Approved_MintsPayout(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	backer := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(2)

	// Governance setup (global seq=0), funding (global seq=1,2)
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil {
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil {
		t.Fatalf("member deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(backer, "NMC", 1_000_000_000, 2)); err != nil {
		t.Fatalf("backer deposit failed: %v", err)
	}

	// Cell setup: authorize (cell seq=0), capitalize (cell seq=1)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustContribution(backer, cell, 1_000_000_000, 1)); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	// Policy and claim (cell seq=2,3)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, start)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 40_000_000, 3, start+1000)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	drainOutputs(persistCh)

	// Approve claim 1 with a partial payout of 40 (cell seq=4)
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 40_000_000, 4)); err != nil {
		t.Fatalf("approval failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeClaimMint {
		t.Errorf("expected JournalTypeClaimMint, got %d", j.JournalType)
	}
	if j.Amount != 40_000_000 {
		t.Errorf("expected payout 40_000_000, got %d", j.Amount)
	}

	// The payout is freshly minted NMC in the claimant's available balance
	// (global seq=3); the cell's capital was not debited, so the backer's
	// contribution still stands behind future claims.
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMC", 40_000_000, 3)); err != nil {
		t.Errorf("withdrawal of payout failed: %v", err)
	}
}

func TestClaimDecision_Denied_NoMint(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}
	drainOutputs(persistCh)

	// Denial settles without journals (cell seq=3)
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictDenied, 0, 3)); err != nil {
		t.Fatalf("denial failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("denial should carry no journals, got %d", len(outputs[0].Batch.Journals))
	}

	// Nothing was minted (global seq=2)
	err := c.ProcessEvent(mustWithdrawal(memberID, "NMC", 1, 2))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestClaimDecision_PayoutBounds(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}

	// Payout above the submitted amount (cell seq=3, consumed)
	err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 30_000_001, 3))
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for payout over claim, got %v", err)
	}

	// Zero payout on an approval (cell seq=4, consumed)
	err = c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 0, 4))
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero payout, got %v", err)
	}

	// Payout at the submitted amount clears (cell seq=5)
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 30_000_000, 5)); err != nil {
		t.Fatalf("approval at exact amount failed: %v", err)
	}
}

func TestClaimDecision_Duplicate_Ignored(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(1)

	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictDenied, 0, 3)); err != nil { // cell seq=3
		t.Fatalf("denial failed: %v", err)
	}
	drainOutputs(persistCh)

	// A second decision on the same claim shares the idempotency key
	// (cell + claim number) and is silently deduplicated, even with a
	// different verdict.
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 30_000_000, 4)); err != nil {
		t.Fatalf("duplicate decision should not error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate decision, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Capital Adequacy Gate
// ============================================================================

func TestClaimDecision_BelowFloor_StaysSubmitted(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	backer := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(4)

	// Governance: adjudicator role and a 1000 NMC floor (global seq=0,1)
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil {
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustParams(governor, int64Ptr(1_000_000_000), nil, nil, 1)); err != nil {
		t.Fatalf("params update failed: %v", err)
	}

	// Funding (global seq=2,3)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 2)); err != nil {
		t.Fatalf("member deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(backer, "NMC", 2_000_000_000, 3)); err != nil {
		t.Fatalf("backer deposit failed: %v", err)
	}

	// Cell holds 500, below the floor (cell seq=0,1)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustContribution(backer, cell, 500_000_000, 1)); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	// Policy and claim (cell seq=2,3)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, start)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 40_000_000, 3, start+1000)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	drainOutputs(persistCh)

	// Approval blocked by the capital gate (cell seq=4, consumed)
	err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 40_000_000, 4))
	if !errors.Is(err, core.ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("blocked approval must not emit outputs, got %d", len(outputs))
	}

	// Nothing was minted (global seq=4, consumed)
	err = c.ProcessEvent(mustWithdrawal(memberID, "NMC", 1, 4))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("expected no minted NMC, got %v", err)
	}

	// The cell recapitalizes past the floor (cell seq=5)
	if err := c.ProcessEvent(mustContribution(backer, cell, 600_000_000, 5)); err != nil {
		t.Fatalf("second contribution failed: %v", err)
	}
	drainOutputs(persistCh)

	// The claim stayed Submitted: the same decision now clears. The failed
	// attempt was never marked processed, so the shared idempotency key does
	// not block the retry (cell seq=6).
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 40_000_000, 6)); err != nil {
		t.Fatalf("retried approval failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output for retried approval, got %d", len(outputs))
	}
	if outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeClaimMint {
		t.Errorf("expected JournalTypeClaimMint, got %d", outputs[0].Batch.Journals[0].JournalType)
	}
}

// ============================================================================
// Test: Parameter Updates
// ============================================================================

func TestParamsUpdate_RequiresGovernance(t *testing.T) {
	c, _, _ := newTestCore()
	imposter := uuid.New()

	err := c.ProcessEvent(mustParams(imposter, int64Ptr(1_000_000_000), nil, nil, 0))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestParamsUpdate_InvalidField_RejectedWholesale(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	backer := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(4)

	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}

	// A valid floor bundled with an out-of-range target: the whole update
	// must be rejected (global seq=0, consumed)
	err := c.ProcessEvent(mustParams(governor, int64Ptr(1_000_000_000), &cell, int64Ptr(200_000), 0))
	if err == nil {
		t.Fatal("expected wholesale rejection, got nil")
	}

	// Target without a cell is malformed (global seq=1, consumed)
	err = c.ProcessEvent(mustParams(governor, nil, nil, int64Ptr(5000), 1))
	if err == nil {
		t.Fatal("expected rejection for target without cell, got nil")
	}

	// Empty update is malformed (global seq=2, consumed)
	err = c.ProcessEvent(mustParams(governor, nil, nil, nil, 2))
	if err == nil {
		t.Fatal("expected rejection for empty update, got nil")
	}

	// Prove the bundled floor never applied: a claim clears with capital 500,
	// which would sit below the rejected 1000 floor.
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 3)); err != nil { // global seq=3
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 4)); err != nil { // global seq=4
		t.Fatalf("member deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(backer, "NMC", 500_000_000, 5)); err != nil { // global seq=5
		t.Fatalf("backer deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustContribution(backer, cell, 500_000_000, 1)); err != nil { // cell seq=1
		t.Fatalf("contribution failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, start)); err != nil { // cell seq=2
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 40_000_000, 3, start+1000)); err != nil { // cell seq=3
		t.Fatalf("claim failed: %v", err)
	}
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 40_000_000, 4)); err != nil { // cell seq=4
		t.Fatalf("approval failed, floor should still be zero: %v", err)
	}
}

func TestParamsUpdate_UnknownCellTarget_Fails(t *testing.T) {
	c, _, governor := newTestCore()
	unknown := uuid.New()

	err := c.ProcessEvent(mustParams(governor, nil, &unknown, int64Ptr(5000), 0))
	if err == nil {
		t.Fatal("expected rejection for unknown cell, got nil")
	}
}

// ============================================================================
// Test: Role Management
// ============================================================================

func TestRoleGrant_RequiresGovernance(t *testing.T) {
	c, _, governor := newTestCore()
	imposter := uuid.New()
	delegate := uuid.New()
	cell := uuid.New()

	// Non-governor cannot grant (global seq=0, consumed)
	err := c.ProcessEvent(mustRoleGrant(imposter, uuid.New(), state.RoleAdjudicator, 0))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// Governance can be delegated (global seq=1), and the delegate can then
	// authorize cells (cell seq=0)
	if err := c.ProcessEvent(mustRoleGrant(governor, delegate, state.RoleGovernance, 1)); err != nil {
		t.Fatalf("governance delegation failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(delegate, cell, 5000, "NMU", 0)); err != nil {
		t.Errorf("delegate authorization failed: %v", err)
	}
}

func TestRoleGrant_UnknownRole_Fails(t *testing.T) {
	c, _, governor := newTestCore()

	err := c.ProcessEvent(mustRoleGrant(governor, uuid.New(), "superuser", 0))
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestRoleRevoke_StopsAdjudication(t *testing.T) {
	c, _, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(2)

	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustRoleRevoke(governor, adjudicator, state.RoleAdjudicator, 1)); err != nil { // global seq=1
		t.Fatalf("role revoke failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 2)); err != nil { // global seq=2
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}

	// The revoked adjudicator can no longer settle (cell seq=3)
	err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictDenied, 0, 3))
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized after revoke, got %v", err)
	}
}

// ============================================================================
// Test: Capital Contributions
// ============================================================================

func TestCapitalContribution_UnauthorizedCell_Accepted(t *testing.T) {
	c, persistCh, _ := newTestCore()
	backer := uuid.New()
	cell := uuid.New()

	// Capital can arrive before the cell is admitted (global seq=0, cell seq=0)
	if err := c.ProcessEvent(mustDeposit(backer, "NMC", 1_000_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustContribution(backer, cell, 1_000_000_000, 0)); err != nil {
		t.Fatalf("contribution to unauthorized cell failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1]
	if last.Batch.Journals[0].JournalType != ledger.JournalTypeCapitalContribution {
		t.Errorf("expected JournalTypeCapitalContribution, got %d", last.Batch.Journals[0].JournalType)
	}
}

func TestCapitalContribution_RequiresNMC(t *testing.T) {
	c, _, _ := newTestCore()
	backer := uuid.New()
	cell := uuid.New()

	// Backer holds NMU only (global seq=0)
	if err := c.ProcessEvent(mustDeposit(backer, "NMU", 1_000_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Contributions draw on the NMC balance (cell seq=0)
	err := c.ProcessEvent(mustContribution(backer, cell, 1_000_000_000, 0))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	deposit := mustDeposit(memberID, "NMU", 1_000_000, 0)

	// Process first time
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	outputs1 := drainOutputs(persistCh)
	if len(outputs1) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs1))
	}

	// Process same event again — should be silently ignored
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("duplicate deposit should not error: %v", err)
	}

	outputs2 := drainOutputs(persistCh)
	if len(outputs2) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs2))
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	// Process seq 0
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000, 0)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Skip seq 1, send seq 2 — should detect gap
	err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000, 2))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestSequenceValidation_PerCellPartitions(t *testing.T) {
	c, _, governor := newTestCore()
	cellA := uuid.New()
	cellB := uuid.New()

	// Each cell starts its own partition at 0 regardless of global traffic
	if err := c.ProcessEvent(mustDeposit(uuid.New(), "NMU", 100_000, 0)); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cellA, 5000, "NMU", 0)); err != nil { // cellA seq=0
		t.Fatalf("cellA authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cellB, 5000, "NMU", 0)); err != nil { // cellB seq=0
		t.Fatalf("cellB authorization failed: %v", err)
	}

	// cellA advancing does not move cellB's expectation
	if err := c.ProcessEvent(mustRevoke(governor, cellA, 1)); err != nil { // cellA seq=1
		t.Fatalf("cellA revoke failed: %v", err)
	}
	if err := c.ProcessEvent(mustRevoke(governor, cellB, 1)); err != nil { // cellB seq=1
		t.Fatalf("cellB revoke failed: %v", err)
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	// Process the same events twice — state hashes should be identical
	governor := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	memberID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	cell := uuid.MustParse("00000000-0000-0000-0000-000000000003")
	depositID := uuid.MustParse("00000000-0000-0000-0000-000000000004")
	purchaseID := uuid.MustParse("00000000-0000-0000-0000-000000000005")

	processEvents := func() [][32]byte {
		persistChan := make(chan core.CoreOutput, 1024)
		projChan := make(chan core.CoreOutput, 1024)
		c := core.NewProtocolCore(0, persistChan, projChan, nil, nil, zerolog.Nop(), []uuid.UUID{governor})

		deposit := mustDeposit(memberID, "NMU", 100_000_000, 0)
		deposit.DepositID = depositID
		auth := mustAuthorize(governor, cell, 5000, "NMU", 0)
		purchase := mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, ts(1))
		purchase.PurchaseID = purchaseID

		for _, evt := range []event.Event{deposit, auth, purchase} {
			if err := c.ProcessEvent(evt); err != nil {
				t.Fatalf("ProcessEvent failed: %v", err)
			}
		}

		outputs := drainOutputs(persistChan)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			copy(hashes[i][:], o.Envelope.StateHash[:])
		}
		return hashes
	}

	hashes1 := processEvents()
	hashes2 := processEvents()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestStateHashChain_LinksPrevHash(t *testing.T) {
	c, persistCh, _ := newTestCore()
	memberID := uuid.New()

	for i := int64(0); i < 3; i++ {
		if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000, i)); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d prev_hash does not chain to envelope %d state_hash", i, i-1)
		}
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	cell := uuid.New()

	deposit := mustDeposit(memberID, "NMU", 1_000_000, 0)
	if err := c.ProcessEvent(deposit); err != nil { // global seq=0
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}

	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.IdempotencyKey != deposit.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, deposit.IdempotencyKey())
	}
	if env.EventType != event.EventTypeDeposit {
		t.Errorf("event type mismatch: %v vs %v", env.EventType, event.EventTypeDeposit)
	}
	if env.CellID != nil {
		t.Errorf("expected nil cell_id for deposit, got %v", *env.CellID)
	}
	if len(env.Payload) == 0 {
		t.Error("payload should carry the serialized command")
	}

	cellEnv := outputs[1].Envelope
	if cellEnv.CellID == nil || *cellEnv.CellID != cell.String() {
		t.Errorf("expected cell_id %s on authorization envelope, got %v", cell, cellEnv.CellID)
	}
	if cellEnv.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", cellEnv.Sequence)
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — will fill up
	c := core.NewProtocolCore(0, persistCh, projCh, nil, nil, zerolog.Nop(), nil)

	memberID := uuid.New()

	// Fill projection channel
	for i := int64(0); i < 5; i++ {
		if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000, i)); err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	// All 5 should succeed (projection drops are silent)
	persistOutputs := drainOutputs(persistCh)
	if len(persistOutputs) != 5 {
		t.Errorf("expected 5 persist outputs, got %d", len(persistOutputs))
	}
}

// ============================================================================
// Test: Snapshot Restore
// ============================================================================

func TestSnapshotRestore_ResumesProcessing(t *testing.T) {
	c1, persistCh1, governor := newTestCore()
	memberID := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(2)

	// Build up state on the first core
	if err := c1.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil { // global seq=0
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c1.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 1)); err != nil { // global seq=1
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c1.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil { // cell seq=0
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c1.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 1, start)); err != nil { // cell seq=1
		t.Fatalf("purchase failed: %v", err)
	}
	if err := c1.ProcessEvent(mustClaim(memberID, cell, 30_000_000, 2, start+1000)); err != nil { // cell seq=2
		t.Fatalf("claim failed: %v", err)
	}
	drainOutputs(persistCh1)

	snap := c1.CreateSnapshotState()
	if snap.Sequence != c1.GetSequence()-1 {
		t.Errorf("snapshot sequence mismatch: snap=%d, core=%d", snap.Sequence, c1.GetSequence())
	}

	// Restore into a fresh core with no genesis grants: all state must come
	// from the snapshot
	persistCh2 := make(chan core.CoreOutput, 1024)
	projCh2 := make(chan core.CoreOutput, 1024)
	c2 := core.NewProtocolCore(0, persistCh2, projCh2, nil, nil, zerolog.Nop(), nil)
	c2.RestoreFromSnapshot(snap)

	if c2.GetSequence() != c1.GetSequence() {
		t.Fatalf("restored sequence mismatch: got %d, want %d", c2.GetSequence(), c1.GetSequence())
	}
	if c2.GetStateHash() != c1.GetStateHash() {
		t.Fatal("restored state hash does not match the source core")
	}

	// The restored core continues exactly where the source stopped: the
	// pending claim settles and the member's burned balance carries over
	// (cell seq=3, then global seq=2)
	if err := c2.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictDenied, 0, 3)); err != nil {
		t.Fatalf("decision on restored core failed: %v", err)
	}
	if err := c2.ProcessEvent(mustWithdrawal(memberID, "NMU", 90_000_000, 2)); err != nil {
		t.Fatalf("withdrawal on restored core failed: %v", err)
	}
	err := c2.ProcessEvent(mustWithdrawal(memberID, "NMU", 1, 3))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance on drained balance, got %v", err)
	}
}

// ============================================================================
// Test: Full Lifecycle (Deposit → Policy → Claim → Payout)
// ============================================================================

func TestFullLifecycle_PremiumClaimPayout(t *testing.T) {
	c, persistCh, governor := newTestCore()
	memberID := uuid.New()
	backer := uuid.New()
	adjudicator := uuid.New()
	cell := uuid.New()
	start := ts(3)

	// Step 1: governance bootstrap (global seq=0,1)
	if err := c.ProcessEvent(mustRoleGrant(governor, adjudicator, state.RoleAdjudicator, 0)); err != nil {
		t.Fatalf("role grant failed: %v", err)
	}
	if err := c.ProcessEvent(mustParams(governor, int64Ptr(500_000_000), nil, nil, 1)); err != nil {
		t.Fatalf("params update failed: %v", err)
	}

	// Step 2: funding (global seq=2,3)
	if err := c.ProcessEvent(mustDeposit(memberID, "NMU", 100_000_000, 2)); err != nil {
		t.Fatalf("member deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(backer, "NMC", 1_000_000_000, 3)); err != nil {
		t.Fatalf("backer deposit failed: %v", err)
	}

	// Step 3: cell admission and capitalization (cell seq=0,1)
	if err := c.ProcessEvent(mustAuthorize(governor, cell, 5000, "NMU", 0)); err != nil {
		t.Fatalf("authorization failed: %v", err)
	}
	if err := c.ProcessEvent(mustContribution(backer, cell, 1_000_000_000, 1)); err != nil {
		t.Fatalf("contribution failed: %v", err)
	}

	// Step 4: coverage (cell seq=2)
	if err := c.ProcessEvent(mustPurchase(memberID, cell, 50_000_000, 10_000_000, hourMicros, 2, start)); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	// Step 5: loss event and adjudication (cell seq=3,4)
	if err := c.ProcessEvent(mustClaim(memberID, cell, 40_000_000, 3, start+1000)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := c.ProcessEvent(mustDecision(adjudicator, cell, 1, event.VerdictApproved, 40_000_000, 4)); err != nil {
		t.Fatalf("approval failed: %v", err)
	}
	drainOutputs(persistCh)

	// Step 6: the member exits with the premium remainder and the payout
	// (global seq=4,5)
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMU", 90_000_000, 4)); err != nil {
		t.Fatalf("NMU withdrawal failed: %v", err)
	}
	if err := c.ProcessEvent(mustWithdrawal(memberID, "NMC", 40_000_000, 5)); err != nil {
		t.Fatalf("NMC payout withdrawal failed: %v", err)
	}
}
