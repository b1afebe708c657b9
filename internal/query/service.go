package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flemmerz/NiMu/internal/event"
	"github.com/flemmerz/NiMu/internal/ledger"
	fpmath "github.com/flemmerz/NiMu/internal/math"
)

// QueryService provides read-only access to the projection tables. Reads
// never touch the core's in-memory state; every response carries
// as_of_sequence (the projection watermark) for freshness semantics.
type QueryService struct {
	db *sqlx.DB

	// Pre-genesis capital floor, reported until a ParamsUpdate moves it.
	// Must match the seed given to the core or reads lie about the gate.
	minCapitalSeed int64
}

func NewQueryService(db *sqlx.DB, minCapitalSeed int64) *QueryService {
	return &QueryService{db: db, minCapitalSeed: minCapitalSeed}
}

// cellRow mirrors projections.cell_stats.
type cellRow struct {
	CellID             uuid.UUID `db:"cell_id"`
	Authorized         bool      `db:"authorized"`
	PremiumAsset       int16     `db:"premium_asset"`
	TargetLossRatioBps int64     `db:"target_loss_ratio_bps"`
	TotalPremiums      int64     `db:"total_premiums"`
	TotalClaims        int64     `db:"total_claims"`
	AuthorizedAt       int64     `db:"authorized_at"`
	RevokedAt          int64     `db:"revoked_at"`
}

// policyRow mirrors projections.policy_history.
type policyRow struct {
	PolicyID  uuid.UUID `db:"policy_id"`
	MemberID  uuid.UUID `db:"member_id"`
	CellID    uuid.UUID `db:"cell_id"`
	Coverage  int64     `db:"coverage"`
	Premium   int64     `db:"premium"`
	StartTime int64     `db:"start_time"`
	EndTime   int64     `db:"end_time"`
}

// claimRow mirrors projections.claim_history.
type claimRow struct {
	CellID               uuid.UUID `db:"cell_id"`
	ClaimNumber          int64     `db:"claim_number"`
	PolicyID             uuid.UUID `db:"policy_id"`
	MemberID             uuid.UUID `db:"member_id"`
	Amount               int64     `db:"amount"`
	CoverageAtSubmission int64     `db:"coverage_at_submission"`
	PayoutAmount         int64     `db:"payout_amount"`
	Status               string    `db:"status"`
	Reason               string    `db:"reason"`
	SubmittedAt          int64     `db:"submitted_at"`
	DecidedAt            int64     `db:"decided_at"`
}

// MemberBalances returns a member's available and staked balances per asset.
// Both assets are always present; accounts the member never touched read zero.
func (qs *QueryService) MemberBalances(ctx context.Context, memberID uuid.UUID) (*MemberBalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &MemberBalancesResponse{
		MemberID:     memberID,
		AsOfSequence: asOfSeq,
	}

	for _, assetID := range []ledger.AssetID{ledger.AssetNMU, ledger.AssetNMC} {
		assetName, _ := ledger.GetAssetName(assetID)

		available, err := qs.projectedBalance(ctx,
			ledger.NewMemberAccountKey(memberID, ledger.SubTypeAvailable, assetID))
		if err != nil {
			return nil, err
		}

		// Staked exists for the utility asset only
		var staked int64
		if assetID == ledger.AssetNMU {
			staked, err = qs.projectedBalance(ctx,
				ledger.NewMemberAccountKey(memberID, ledger.SubTypeStaked, assetID))
			if err != nil {
				return nil, err
			}
		}

		resp.Balances = append(resp.Balances, AssetBalance{
			Asset:            assetName,
			Available:        available,
			AvailableDisplay: displayAmount(available),
			Staked:           staked,
			StakedDisplay:    displayAmount(staked),
		})
	}

	return resp, nil
}

// MemberStaking returns the staked balance and the timestamp of the latest
// stake. Every top-up restarts the clock, so the newest journal entry
// debiting the staked bucket is the one that counts.
func (qs *QueryService) MemberStaking(ctx context.Context, memberID uuid.UUID) (*StakingResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	stakedKey := ledger.NewMemberAccountKey(memberID, ledger.SubTypeStaked, ledger.AssetNMU)
	staked, err := qs.projectedBalance(ctx, stakedKey)
	if err != nil {
		return nil, err
	}

	var stakedSince int64
	if staked > 0 {
		err := qs.db.GetContext(ctx, &stakedSince, `
			SELECT COALESCE(MAX(timestamp), 0) FROM event_log.journal
			WHERE debit_account = $1
		`, stakedKey.AccountPath())
		if err != nil {
			return nil, fmt.Errorf("staking timestamp: %w", err)
		}
	}

	return &StakingResponse{
		MemberID:      memberID,
		Staked:        staked,
		StakedDisplay: displayAmount(staked),
		StakedSince:   stakedSince,
		AsOfSequence:  asOfSeq,
	}, nil
}

// ListCells returns every known cell with its authorization status and
// loss experience.
func (qs *QueryService) ListCells(ctx context.Context) ([]CellSummary, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var rows []cellRow
	if err := qs.db.SelectContext(ctx, &rows, `
		SELECT cell_id, authorized, premium_asset, target_loss_ratio_bps,
		       total_premiums, total_claims, authorized_at, revoked_at
		FROM projections.cell_stats
		ORDER BY cell_id
	`); err != nil {
		return nil, err
	}

	cells := make([]CellSummary, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, r.summary(asOfSeq))
	}
	return cells, nil
}

// CellDetail returns one cell with its capital balance and the protocol
// capital floor. Returns nil for unknown cells.
func (qs *QueryService) CellDetail(ctx context.Context, cellID uuid.UUID) (*CellDetailResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var r cellRow
	err = qs.db.GetContext(ctx, &r, `
		SELECT cell_id, authorized, premium_asset, target_loss_ratio_bps,
		       total_premiums, total_claims, authorized_at, revoked_at
		FROM projections.cell_stats
		WHERE cell_id = $1
	`, cellID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	capital, err := qs.projectedBalance(ctx,
		ledger.NewCellAccountKey(cellID, ledger.SubTypeCapital, ledger.AssetNMC))
	if err != nil {
		return nil, err
	}

	floor, err := qs.latestMinimumCapital(ctx)
	if err != nil {
		return nil, err
	}

	return &CellDetailResponse{
		CellSummary:               r.summary(asOfSeq),
		CapitalBalance:            capital,
		CapitalDisplay:            displayAmount(capital),
		MinimumCapitalRequirement: floor,
		AuthorizedAt:              r.AuthorizedAt,
		RevokedAt:                 r.RevokedAt,
	}, nil
}

// CellPolicy returns the member's stored policy record in a cell, exactly as
// written at purchase. When at is supplied, InWindow reports whether that
// instant falls inside [start_time, end_time); nothing is ever mutated on
// read. Returns nil when the member never bought coverage in the cell.
func (qs *QueryService) CellPolicy(ctx context.Context, cellID, memberID uuid.UUID, at *int64) (*PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var r policyRow
	err = qs.db.GetContext(ctx, &r, `
		SELECT policy_id, member_id, cell_id, coverage, premium, start_time, end_time
		FROM projections.policy_history
		WHERE cell_id = $1 AND member_id = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, cellID, memberID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &PolicyResponse{
		PolicyID:        r.PolicyID,
		MemberID:        r.MemberID,
		CellID:          r.CellID,
		Coverage:        r.Coverage,
		CoverageDisplay: displayAmount(r.Coverage),
		Premium:         r.Premium,
		PremiumDisplay:  displayAmount(r.Premium),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		AsOfSequence:    asOfSeq,
	}

	if at != nil {
		inWindow := fpmath.WindowContains(r.StartTime, r.EndTime, *at)
		resp.InWindow = &inWindow
	}

	return resp, nil
}

// ListClaims returns a cell's claims, newest first, with cursor-based
// pagination on the claim number.
func (qs *QueryService) ListClaims(ctx context.Context, cellID uuid.UUID, limit int, beforeClaim *int64) ([]ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT cell_id, claim_number, policy_id, member_id, amount,
		       coverage_at_submission, payout_amount, status, reason, submitted_at, decided_at
		FROM projections.claim_history
		WHERE cell_id = $1
	`
	args := []interface{}{cellID}
	argIdx := 2

	if beforeClaim != nil {
		query += fmt.Sprintf(" AND claim_number < $%d", argIdx)
		args = append(args, *beforeClaim)
		argIdx++
	}

	query += " ORDER BY claim_number DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var rows []claimRow
	if err := qs.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	claims := make([]ClaimResponse, 0, len(rows))
	for _, r := range rows {
		claims = append(claims, r.response(asOfSeq))
	}
	return claims, nil
}

// ClaimDetail returns one claim by cell and number. Returns nil when the
// claim does not exist.
func (qs *QueryService) ClaimDetail(ctx context.Context, cellID uuid.UUID, claimNumber int64) (*ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var r claimRow
	err = qs.db.GetContext(ctx, &r, `
		SELECT cell_id, claim_number, policy_id, member_id, amount,
		       coverage_at_submission, payout_amount, status, reason, submitted_at, decided_at
		FROM projections.claim_history
		WHERE cell_id = $1 AND claim_number = $2
	`, cellID, claimNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	resp := r.response(asOfSeq)
	return &resp, nil
}

// ProtocolStats returns protocol-wide totals and the circulating supply per
// asset. Supply is the negated sum over the external boundary accounts.
func (qs *QueryService) ProtocolStats(ctx context.Context) (*StatsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &StatsResponse{AsOfSequence: asOfSeq}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE authorized),
		       COALESCE(SUM(total_premiums), 0),
		       COALESCE(SUM(total_claims), 0)
		FROM projections.cell_stats
	`).Scan(&resp.TotalCells, &resp.AuthorizedCells, &resp.TotalPremiums, &resp.TotalClaims)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, -SUM(balance) AS supply
		FROM projections.balances
		WHERE account_path LIKE 'external:%'
		GROUP BY asset_id
		ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var assetID uint16
		var supply int64
		if err := rows.Scan(&assetID, &supply); err != nil {
			return nil, err
		}
		assetName, _ := ledger.GetAssetName(ledger.AssetID(assetID))
		resp.Supply = append(resp.Supply, AssetSupply{
			Asset:         assetName,
			Supply:        supply,
			SupplyDisplay: displayAmount(supply),
		})
	}

	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, the zero-sum invariant and
// non-negative supply against the persisted log and projections.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Check global balance (sums to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	// Check supply (negated external sum must not go negative)
	supplyRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, -SUM(balance) AS supply
		FROM projections.balances
		WHERE account_path LIKE 'external:%'
		GROUP BY asset_id
		HAVING -SUM(balance) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer supplyRows.Close()

	for supplyRows.Next() {
		var assetID uint16
		var supply int64
		if err := supplyRows.Scan(&assetID, &supply); err != nil {
			return nil, err
		}
		assetName, _ := ledger.GetAssetName(ledger.AssetID(assetID))
		report.NegativeSupplyAssets = append(report.NegativeSupplyAssets, AssetSupply{
			Asset:         assetName,
			Supply:        supply,
			SupplyDisplay: displayAmount(supply),
		})
	}
	if err := supplyRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.NegativeSupplyAssets) == 0
	return report, nil
}

// --- helpers ---

func (r cellRow) summary(asOfSeq int64) CellSummary {
	assetName, _ := ledger.GetAssetName(ledger.AssetID(r.PremiumAsset))
	lossRatio := fpmath.LossRatioBps(r.TotalClaims, r.TotalPremiums)

	return CellSummary{
		CellID:             r.CellID,
		Authorized:         r.Authorized,
		PremiumAsset:       assetName,
		TargetLossRatioBps: r.TargetLossRatioBps,
		LossRatioBps:       lossRatio,
		OverTarget:         r.TargetLossRatioBps > 0 && lossRatio > r.TargetLossRatioBps,
		TotalPremiums:      r.TotalPremiums,
		TotalClaims:        r.TotalClaims,
		AsOfSequence:       asOfSeq,
	}
}

func (r claimRow) response(asOfSeq int64) ClaimResponse {
	return ClaimResponse{
		CellID:               r.CellID,
		ClaimNumber:          r.ClaimNumber,
		PolicyID:             r.PolicyID,
		MemberID:             r.MemberID,
		Amount:               r.Amount,
		AmountDisplay:        displayAmount(r.Amount),
		CoverageAtSubmission: r.CoverageAtSubmission,
		PayoutAmount:         r.PayoutAmount,
		PayoutDisplay:        displayAmount(r.PayoutAmount),
		Status:               r.Status,
		Reason:               r.Reason,
		SubmittedAt:          r.SubmittedAt,
		DecidedAt:            r.DecidedAt,
		AsOfSequence:         asOfSeq,
	}
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.GetContext(ctx, &seq, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) projectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.GetContext(ctx, &balance, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), key.AssetID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// latestMinimumCapital finds the newest parameter update that moved the
// protocol capital floor, falling back to the configured seed when
// governance never touched it. The floor is governance state, not a
// projection, so it is read straight from the event log; updates are rare
// enough that the scan stays cheap.
func (qs *QueryService) latestMinimumCapital(ctx context.Context) (int64, error) {
	var payload []byte
	err := qs.db.GetContext(ctx, &payload, `
		SELECT payload FROM event_log.events
		WHERE event_type = 'ParamsUpdate'
		  AND (convert_from(payload, 'UTF8')::jsonb ->> 'MinimumCapital') IS NOT NULL
		ORDER BY sequence DESC
		LIMIT 1
	`)
	if err == sql.ErrNoRows {
		return qs.minCapitalSeed, nil
	}
	if err != nil {
		return 0, err
	}

	evt, err := event.DecodePayload(event.EventTypeParamsUpdate, payload)
	if err != nil {
		return 0, fmt.Errorf("decode params update: %w", err)
	}

	update, ok := evt.(*event.ParamsUpdate)
	if !ok || update.MinimumCapital == nil {
		return qs.minCapitalSeed, nil
	}
	return *update.MinimumCapital, nil
}
