package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flemmerz/NiMu/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdrawal":
		return parseWithdrawal(raw.Data)
	case "Stake":
		return parseStake(raw.Data)
	case "Unstake":
		return parseUnstake(raw.Data)
	case "RewardDistribution":
		return parseRewardDistribution(raw.Data)
	case "CapitalContribution":
		return parseCapitalContribution(raw.Data)
	case "PolicyPurchase":
		return parsePolicyPurchase(raw.Data)
	case "ClaimSubmit":
		return parseClaimSubmit(raw.Data)
	case "ClaimDecision":
		return parseClaimDecision(raw.Data)
	case "CellAuthorization":
		return parseCellAuthorization(raw.Data)
	case "CellRevocation":
		return parseCellRevocation(raw.Data)
	case "ParamsUpdate":
		return parseParamsUpdate(raw.Data)
	case "RoleGrant":
		return parseRoleGrant(raw.Data)
	case "RoleRevoke":
		return parseRoleRevoke(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	MemberID    string `json:"member_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	return &event.Deposit{
		DepositID: depositID,
		MemberID:  memberID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	MemberID     string `json:"member_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawal(data []byte) (*event.Withdrawal, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdrawal: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	return &event.Withdrawal{
		WithdrawalID: withdrawalID,
		MemberID:     memberID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type stakeJSON struct {
	StakeID     string `json:"stake_id"`
	MemberID    string `json:"member_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStake(data []byte) (*event.Stake, error) {
	var j stakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Stake: %w", err)
	}
	stakeID, err := uuid.Parse(j.StakeID)
	if err != nil {
		return nil, fmt.Errorf("parse stake_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	return &event.Stake{
		StakeID:   stakeID,
		MemberID:  memberID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type unstakeJSON struct {
	UnstakeID   string `json:"unstake_id"`
	MemberID    string `json:"member_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUnstake(data []byte) (*event.Unstake, error) {
	var j unstakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Unstake: %w", err)
	}
	unstakeID, err := uuid.Parse(j.UnstakeID)
	if err != nil {
		return nil, fmt.Errorf("parse unstake_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	return &event.Unstake{
		UnstakeID: unstakeID,
		MemberID:  memberID,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type rewardDistributionJSON struct {
	DistributionID string `json:"distribution_id"`
	AuthorityID    string `json:"authority_id"`
	MemberID       string `json:"member_id"`
	Amount         int64  `json:"amount"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseRewardDistribution(data []byte) (*event.RewardDistribution, error) {
	var j rewardDistributionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardDistribution: %w", err)
	}
	distributionID, err := uuid.Parse(j.DistributionID)
	if err != nil {
		return nil, fmt.Errorf("parse distribution_id: %w", err)
	}
	authorityID, err := uuid.Parse(j.AuthorityID)
	if err != nil {
		return nil, fmt.Errorf("parse authority_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	return &event.RewardDistribution{
		DistributionID: distributionID,
		AuthorityID:    authorityID,
		MemberID:       memberID,
		Amount:         j.Amount,
		Sequence:       j.Sequence,
		Timestamp:      j.TimestampUs,
	}, nil
}

type capitalContributionJSON struct {
	ContributionID string `json:"contribution_id"`
	MemberID       string `json:"member_id"`
	CellID         string `json:"cell_id"`
	Amount         int64  `json:"amount"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseCapitalContribution(data []byte) (*event.CapitalContribution, error) {
	var j capitalContributionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CapitalContribution: %w", err)
	}
	contributionID, err := uuid.Parse(j.ContributionID)
	if err != nil {
		return nil, fmt.Errorf("parse contribution_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}
	return &event.CapitalContribution{
		ContributionID: contributionID,
		MemberID:       memberID,
		Cell:           cellID,
		Amount:         j.Amount,
		Sequence:       j.Sequence,
		Timestamp:      j.TimestampUs,
	}, nil
}

type policyPurchaseJSON struct {
	PurchaseID  string `json:"purchase_id"`
	MemberID    string `json:"member_id"`
	CellID      string `json:"cell_id"`
	Coverage    int64  `json:"coverage"`
	Premium     int64  `json:"premium"`
	DurationUs  int64  `json:"duration_us"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePolicyPurchase(data []byte) (*event.PolicyPurchase, error) {
	var j policyPurchaseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyPurchase: %w", err)
	}
	purchaseID, err := uuid.Parse(j.PurchaseID)
	if err != nil {
		return nil, fmt.Errorf("parse purchase_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}
	return &event.PolicyPurchase{
		PurchaseID: purchaseID,
		MemberID:   memberID,
		Cell:       cellID,
		Coverage:   j.Coverage,
		Premium:    j.Premium,
		Duration:   j.DurationUs,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type claimSubmitJSON struct {
	SubmissionID string `json:"submission_id"`
	MemberID     string `json:"member_id"`
	CellID       string `json:"cell_id"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason,omitempty"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseClaimSubmit(data []byte) (*event.ClaimSubmit, error) {
	var j claimSubmitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimSubmit: %w", err)
	}
	submissionID, err := uuid.Parse(j.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("parse submission_id: %w", err)
	}
	memberID, err := uuid.Parse(j.MemberID)
	if err != nil {
		return nil, fmt.Errorf("parse member_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}
	return &event.ClaimSubmit{
		SubmissionID: submissionID,
		MemberID:     memberID,
		Cell:         cellID,
		Amount:       j.Amount,
		Reason:       j.Reason,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type claimDecisionJSON struct {
	AdjudicatorID string `json:"adjudicator_id"`
	CellID        string `json:"cell_id"`
	ClaimNumber   int64  `json:"claim_number"`
	Decision      string `json:"decision"` // "approved" or "denied"
	PayoutAmount  int64  `json:"payout_amount"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseClaimDecision(data []byte) (*event.ClaimDecision, error) {
	var j claimDecisionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimDecision: %w", err)
	}
	adjudicatorID, err := uuid.Parse(j.AdjudicatorID)
	if err != nil {
		return nil, fmt.Errorf("parse adjudicator_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}

	// Anything other than an explicit verdict stays Unknown and is
	// rejected by the core.
	verdict := event.VerdictUnknown
	switch j.Decision {
	case "approved":
		verdict = event.VerdictApproved
	case "denied":
		verdict = event.VerdictDenied
	}

	return &event.ClaimDecision{
		AdjudicatorID: adjudicatorID,
		Cell:          cellID,
		ClaimNumber:   j.ClaimNumber,
		Decision:      verdict,
		PayoutAmount:  j.PayoutAmount,
		Sequence:      j.Sequence,
		Timestamp:     j.TimestampUs,
	}, nil
}

type cellAuthorizationJSON struct {
	GovernorID         string `json:"governor_id"`
	CellID             string `json:"cell_id"`
	TargetLossRatioBps int64  `json:"target_loss_ratio_bps"`
	PremiumAsset       string `json:"premium_asset,omitempty"`
	Sequence           int64  `json:"sequence"`
	TimestampUs        int64  `json:"timestamp_us"`
}

func parseCellAuthorization(data []byte) (*event.CellAuthorization, error) {
	var j cellAuthorizationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CellAuthorization: %w", err)
	}
	governorID, err := uuid.Parse(j.GovernorID)
	if err != nil {
		return nil, fmt.Errorf("parse governor_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}
	return &event.CellAuthorization{
		GovernorID:         governorID,
		Cell:               cellID,
		TargetLossRatioBps: j.TargetLossRatioBps,
		PremiumAsset:       j.PremiumAsset,
		Sequence:           j.Sequence,
		Timestamp:          j.TimestampUs,
	}, nil
}

type cellRevocationJSON struct {
	GovernorID  string `json:"governor_id"`
	CellID      string `json:"cell_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCellRevocation(data []byte) (*event.CellRevocation, error) {
	var j cellRevocationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CellRevocation: %w", err)
	}
	governorID, err := uuid.Parse(j.GovernorID)
	if err != nil {
		return nil, fmt.Errorf("parse governor_id: %w", err)
	}
	cellID, err := uuid.Parse(j.CellID)
	if err != nil {
		return nil, fmt.Errorf("parse cell_id: %w", err)
	}
	return &event.CellRevocation{
		GovernorID: governorID,
		Cell:       cellID,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type paramsUpdateJSON struct {
	GovernorID         string  `json:"governor_id"`
	MinimumCapital     *int64  `json:"minimum_capital,omitempty"`
	CellID             *string `json:"cell_id,omitempty"`
	TargetLossRatioBps *int64  `json:"target_loss_ratio_bps,omitempty"`
	Sequence           int64   `json:"sequence"`
	TimestampUs        int64   `json:"timestamp_us"`
}

func parseParamsUpdate(data []byte) (*event.ParamsUpdate, error) {
	var j paramsUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ParamsUpdate: %w", err)
	}
	governorID, err := uuid.Parse(j.GovernorID)
	if err != nil {
		return nil, fmt.Errorf("parse governor_id: %w", err)
	}

	var cellID *uuid.UUID
	if j.CellID != nil {
		parsed, err := uuid.Parse(*j.CellID)
		if err != nil {
			return nil, fmt.Errorf("parse cell_id: %w", err)
		}
		cellID = &parsed
	}

	return &event.ParamsUpdate{
		GovernorID:         governorID,
		MinimumCapital:     j.MinimumCapital,
		Cell:               cellID,
		TargetLossRatioBps: j.TargetLossRatioBps,
		Sequence:           j.Sequence,
		Timestamp:          j.TimestampUs,
	}, nil
}

type roleGrantJSON struct {
	GovernorID  string `json:"governor_id"`
	IdentityID  string `json:"identity_id"`
	Role        string `json:"role"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRoleGrant(data []byte) (*event.RoleGrant, error) {
	var j roleGrantJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RoleGrant: %w", err)
	}
	governorID, err := uuid.Parse(j.GovernorID)
	if err != nil {
		return nil, fmt.Errorf("parse governor_id: %w", err)
	}
	identityID, err := uuid.Parse(j.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("parse identity_id: %w", err)
	}
	return &event.RoleGrant{
		GovernorID: governorID,
		IdentityID: identityID,
		Role:       j.Role,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type roleRevokeJSON struct {
	GovernorID  string `json:"governor_id"`
	IdentityID  string `json:"identity_id"`
	Role        string `json:"role"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRoleRevoke(data []byte) (*event.RoleRevoke, error) {
	var j roleRevokeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RoleRevoke: %w", err)
	}
	governorID, err := uuid.Parse(j.GovernorID)
	if err != nil {
		return nil, fmt.Errorf("parse governor_id: %w", err)
	}
	identityID, err := uuid.Parse(j.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("parse identity_id: %w", err)
	}
	return &event.RoleRevoke{
		GovernorID: governorID,
		IdentityID: identityID,
		Role:       j.Role,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}
