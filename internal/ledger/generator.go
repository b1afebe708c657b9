package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from events
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // Add reference for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// GenerateDeposit creates journals for an on-ramp credit.
// Moves funds: external:onramp → member:available
func (jg *JournalGenerator) GenerateDeposit(
	memberID uuid.UUID,
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewMemberAccountKey(memberID, SubTypeAvailable, assetID),
		CreditAccount: NewExternalAccountKey(SubTypeExternalOnramp, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawal creates journals for an off-ramp debit.
// Pre-check: member must have sufficient available balance. Withdrawals
// never touch the staked bucket.
func (jg *JournalGenerator) GenerateWithdrawal(
	memberID uuid.UUID,
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient available balance
	if err := jg.balanceTracker.ValidateSufficientAvailable(memberID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// member:available -> external:onramp
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewExternalAccountKey(SubTypeExternalOnramp, assetID),
		CreditAccount: NewMemberAccountKey(memberID, SubTypeAvailable, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawal,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateStake locks spendable NMU into the staked bucket.
// Pre-check: member must have sufficient available NMU.
func (jg *JournalGenerator) GenerateStake(
	memberID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient available balance
	if err := jg.balanceTracker.ValidateSufficientAvailable(memberID, AssetNMU, amount); err != nil {
		return nil, fmt.Errorf("stake pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// member:available -> member:staked
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewMemberAccountKey(memberID, SubTypeStaked, AssetNMU),
		CreditAccount: NewMemberAccountKey(memberID, SubTypeAvailable, AssetNMU),
		AssetID:       AssetNMU,
		Amount:        amount,
		JournalType:   JournalTypeStake,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateUnstake releases the entire staked bucket back to available.
// The caller passes the full staked amount; a partial release is never
// generated.
func (jg *JournalGenerator) GenerateUnstake(
	memberID uuid.UUID,
	eventRef string,
	stakedAmount int64,
	timestamp int64,
) (*Batch, error) {
	staked := jg.balanceTracker.GetMemberStaked(memberID)
	if staked < stakedAmount {
		return nil, fmt.Errorf("unstake pre-check failed: staked=%d, releasing=%d", staked, stakedAmount)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// member:staked -> member:available
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewMemberAccountKey(memberID, SubTypeAvailable, AssetNMU),
		CreditAccount: NewMemberAccountKey(memberID, SubTypeStaked, AssetNMU),
		AssetID:       AssetNMU,
		Amount:        stakedAmount,
		JournalType:   JournalTypeUnstake,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateRewardMint credits reward NMU to a member from the issuance
// boundary. An explicit inflation path, not a transfer: no source
// account is debited inside the member/cell scopes. Role checks happen
// upstream; the generator only produces the balanced entry.
func (jg *JournalGenerator) GenerateRewardMint(
	memberID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewMemberAccountKey(memberID, SubTypeAvailable, AssetNMU),
		CreditAccount: NewExternalAccountKey(SubTypeExternalRewards, AssetNMU),
		AssetID:       AssetNMU,
		Amount:        amount,
		JournalType:   JournalTypeRewardMint,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateCapitalContribution moves NMC from a member's available
// balance into a cell's capital account.
// Pre-check: member must have sufficient available NMC.
func (jg *JournalGenerator) GenerateCapitalContribution(
	memberID uuid.UUID,
	cellID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient available balance
	if err := jg.balanceTracker.ValidateSufficientAvailable(memberID, AssetNMC, amount); err != nil {
		return nil, fmt.Errorf("capital contribution pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// member:available -> cell:capital
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewCellAccountKey(cellID, SubTypeCapital, AssetNMC),
		CreditAccount: NewMemberAccountKey(memberID, SubTypeAvailable, AssetNMC),
		AssetID:       AssetNMC,
		Amount:        amount,
		JournalType:   JournalTypeCapitalContribution,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePremiumBurn destroys premium value from the payer's available
// balance in the cell's premium asset. Serves both the utility ledger's
// burn capability (NMU) and the capital ledger's burn-for-premium path
// (NMC). The staked bucket is never drawn on.
// Pre-check: payer must have sufficient available balance.
func (jg *JournalGenerator) GeneratePremiumBurn(
	payerID uuid.UUID,
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	// PRE-CHECK: Validate sufficient available balance
	if err := jg.balanceTracker.ValidateSufficientAvailable(payerID, assetID, amount); err != nil {
		return nil, fmt.Errorf("premium burn pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// member:available -> external:premiums (value leaves circulation)
	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewExternalAccountKey(SubTypeExternalPremiums, assetID),
		CreditAccount: NewMemberAccountKey(payerID, SubTypeAvailable, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypePremiumBurn,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateClaimMint mints settlement NMC to a member from the claims
// boundary. The cell's capital is a gate, not the source: authorization
// and the live capital-adequacy check happen upstream, and the cell
// account itself is not debited here.
func (jg *JournalGenerator) GenerateClaimMint(
	memberID uuid.UUID,
	eventRef string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewMemberAccountKey(memberID, SubTypeAvailable, AssetNMC),
		CreditAccount: NewExternalAccountKey(SubTypeExternalClaims, AssetNMC),
		AssetID:       AssetNMC,
		Amount:        amount,
		JournalType:   JournalTypeClaimMint,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// SetSequence aligns the generator with the core's sequence counter
// (used on restore and before each dispatch)
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
