package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "github.com/flemmerz/NiMu/internal/math"
)

// AssetBalance is one asset's balances for a member.
type AssetBalance struct {
	Asset            string `json:"asset"`
	Available        int64  `json:"available"`
	AvailableDisplay string `json:"available_display"`
	Staked           int64  `json:"staked"`
	StakedDisplay    string `json:"staked_display"`
}

// MemberBalancesResponse represents a member's balances for API queries.
type MemberBalancesResponse struct {
	MemberID     uuid.UUID      `json:"member_id"`
	Balances     []AssetBalance `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// StakingResponse represents a member's staking state for API queries.
// StakedSince is the epoch-microsecond timestamp of the latest stake;
// zero when nothing is staked.
type StakingResponse struct {
	MemberID      uuid.UUID `json:"member_id"`
	Staked        int64     `json:"staked"`
	StakedDisplay string    `json:"staked_display"`
	StakedSince   int64     `json:"staked_since"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// CellSummary represents one cell in a listing.
type CellSummary struct {
	CellID             uuid.UUID `json:"cell_id"`
	Authorized         bool      `json:"authorized"`
	PremiumAsset       string    `json:"premium_asset"`
	TargetLossRatioBps int64     `json:"target_loss_ratio_bps"`
	LossRatioBps       int64     `json:"loss_ratio_bps"`
	OverTarget         bool      `json:"over_target"`
	TotalPremiums      int64     `json:"total_premiums"`
	TotalClaims        int64     `json:"total_claims"`
	AsOfSequence       int64     `json:"as_of_sequence"`
}

// CellDetailResponse adds capital adequacy context to the summary.
type CellDetailResponse struct {
	CellSummary

	CapitalBalance            int64  `json:"capital_balance"`
	CapitalDisplay            string `json:"capital_display"`
	MinimumCapitalRequirement int64  `json:"minimum_capital_requirement"`
	AuthorizedAt              int64  `json:"authorized_at"`
	RevokedAt                 int64  `json:"revoked_at,omitempty"`
}

// PolicyResponse represents a stored policy record for API queries.
// The record is returned as written at purchase; InWindow is a derived
// hint computed against the caller-supplied instant, never stored.
type PolicyResponse struct {
	PolicyID        uuid.UUID `json:"policy_id"`
	MemberID        uuid.UUID `json:"member_id"`
	CellID          uuid.UUID `json:"cell_id"`
	Coverage        int64     `json:"coverage"`
	CoverageDisplay string    `json:"coverage_display"`
	Premium         int64     `json:"premium"`
	PremiumDisplay  string    `json:"premium_display"`
	StartTime       int64     `json:"start_time"`
	EndTime         int64     `json:"end_time"`
	InWindow        *bool     `json:"in_window,omitempty"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// ClaimResponse represents a claim record for API queries.
type ClaimResponse struct {
	CellID               uuid.UUID `json:"cell_id"`
	ClaimNumber          int64     `json:"claim_number"`
	PolicyID             uuid.UUID `json:"policy_id"`
	MemberID             uuid.UUID `json:"member_id"`
	Amount               int64     `json:"amount"`
	AmountDisplay        string    `json:"amount_display"`
	CoverageAtSubmission int64     `json:"coverage_at_submission"`
	PayoutAmount         int64     `json:"payout_amount"`
	PayoutDisplay        string    `json:"payout_display"`
	Status               string    `json:"status"`
	Reason               string    `json:"reason"`
	SubmittedAt          int64     `json:"submitted_at"`
	DecidedAt            int64     `json:"decided_at,omitempty"`
	AsOfSequence         int64     `json:"as_of_sequence"`
}

// AssetSupply is the circulating supply of one asset, derived from the
// negated external boundary sum.
type AssetSupply struct {
	Asset         string `json:"asset"`
	Supply        int64  `json:"supply"`
	SupplyDisplay string `json:"supply_display"`
}

// StatsResponse represents protocol-wide totals for API queries.
type StatsResponse struct {
	TotalCells      int64         `json:"total_cells"`
	AuthorizedCells int64         `json:"authorized_cells"`
	TotalPremiums   int64         `json:"total_premiums"`
	TotalClaims     int64         `json:"total_claims"`
	Supply          []AssetSupply `json:"supply"`
	AsOfSequence    int64         `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy            bool              `json:"is_healthy"`
	HashChainBreaks      []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets     []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	NegativeSupplyAssets []AssetSupply     `json:"negative_supply_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

// displayAmount renders a fixed-point base-unit amount as a decimal string
// at the ledger's amount precision, trailing zeros trimmed.
func displayAmount(v int64) string {
	return decimal.New(v, -int32(fpmath.AmountConfig.DecimalPrecision)).String()
}
