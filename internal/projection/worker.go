package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/flemmerz/NiMu/internal/event"
	"github.com/flemmerz/NiMu/internal/state"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      event.EventType
	CellID         *string
	Payload        []byte
	JournalEntries []JournalEntry
	Timestamp      int64

	// Core-assigned claim number, set for ClaimSubmit outputs only
	ClaimNumber *int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel is non-blocking with drop: if projections fall behind,
// they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
				pw.logger.Warn().
					Err(err).
					Int64("sequence", output.Sequence).
					Str("event_type", output.EventType.String()).
					Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := updateBalance(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	// Update pool projections from the event payload
	if err := applyPoolEvent(ctx, tx, output); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalance applies one journal leg pair. Signs follow the core
// tracker: a debit raises the account, a credit lowers it, so member
// paths project positive and external paths negative.
func updateBalance(ctx context.Context, tx *sql.Tx, j JournalEntry, sequence int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

// applyPoolEvent maintains the denormalized policy, claim and cell tables.
// Events that only move balances fall through: journals cover them.
func applyPoolEvent(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case event.EventTypePolicyPurchase,
		event.EventTypeClaimSubmit,
		event.EventTypeClaimDecision,
		event.EventTypeCellAuthorization,
		event.EventTypeCellRevocation,
		event.EventTypeParamsUpdate:
	default:
		return nil
	}

	evt, err := event.DecodePayload(output.EventType, output.Payload)
	if err != nil {
		return err
	}

	switch e := evt.(type) {
	case *event.PolicyPurchase:
		return applyPolicyPurchase(ctx, tx, e, output.Sequence)
	case *event.ClaimSubmit:
		return applyClaimSubmit(ctx, tx, e, output.ClaimNumber, output.Sequence)
	case *event.ClaimDecision:
		return applyClaimDecision(ctx, tx, e, output.Sequence)
	case *event.CellAuthorization:
		return applyCellAuthorization(ctx, tx, e, output.Sequence)
	case *event.CellRevocation:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.cell_stats
			SET authorized = FALSE, revoked_at = $2, last_sequence = $3
			WHERE cell_id = $1 AND authorized
		`, e.Cell, e.Timestamp, output.Sequence)
		return err
	case *event.ParamsUpdate:
		if e.Cell == nil || e.TargetLossRatioBps == nil {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.cell_stats
			SET target_loss_ratio_bps = $2, last_sequence = $3
			WHERE cell_id = $1
		`, *e.Cell, *e.TargetLossRatioBps, output.Sequence)
		return err
	}

	return nil
}

func applyPolicyPurchase(ctx context.Context, tx *sql.Tx, e *event.PolicyPurchase, sequence int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.policy_history
			(policy_id, member_id, cell_id, coverage, premium, start_time, end_time, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (policy_id) DO NOTHING
	`, e.PurchaseID, e.MemberID, e.Cell, e.Coverage, e.Premium,
		e.Timestamp, e.Timestamp+e.Duration, sequence); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.cell_stats
		SET total_premiums = total_premiums + $2, last_sequence = $3
		WHERE cell_id = $1
	`, e.Cell, e.Premium, sequence)
	return err
}

func applyClaimSubmit(ctx context.Context, tx *sql.Tx, e *event.ClaimSubmit, claimNumber *int64, sequence int64) error {
	if claimNumber == nil {
		// The submission payload has no number; only the core output and
		// the rebuild path carry one.
		return fmt.Errorf("claim submit at seq %d carries no claim number", sequence)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claim_history
			(cell_id, claim_number, policy_id, member_id, amount,
			 coverage_at_submission, payout_amount, status, reason, submitted_at, decided_at, last_sequence)
		SELECT $1, $2, p.policy_id, $3, $4, p.coverage, 0, $5, $6, $7, 0, $8
		FROM projections.policy_history p
		WHERE p.member_id = $3 AND p.cell_id = $1
		ORDER BY p.sequence DESC
		LIMIT 1
		ON CONFLICT (cell_id, claim_number) DO NOTHING
	`, e.Cell, *claimNumber, e.MemberID, e.Amount,
		state.ClaimStatusSubmitted.String(), e.Reason, e.Timestamp, sequence)
	return err
}

func applyClaimDecision(ctx context.Context, tx *sql.Tx, e *event.ClaimDecision, sequence int64) error {
	status := state.ClaimStatusDenied
	payout := int64(0)
	if e.Decision == event.VerdictApproved {
		status = state.ClaimStatusApproved
		payout = e.PayoutAmount
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.claim_history
		SET status = $3, payout_amount = $4, decided_at = $5, last_sequence = $6
		WHERE cell_id = $1 AND claim_number = $2
	`, e.Cell, e.ClaimNumber, status.String(), payout, e.Timestamp, sequence); err != nil {
		return err
	}

	if status != state.ClaimStatusApproved {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.cell_stats
		SET total_claims = total_claims + $2, last_sequence = $3
		WHERE cell_id = $1
	`, e.Cell, payout, sequence)
	return err
}

func applyCellAuthorization(ctx context.Context, tx *sql.Tx, e *event.CellAuthorization, sequence int64) error {
	premiumAsset := e.PremiumAsset
	if premiumAsset == "" {
		premiumAsset = "NMU"
	}
	assetID := int16(1)
	if premiumAsset == "NMC" {
		assetID = 2
	}

	// First authorization fixes asset and target; re-admission after a
	// revocation flips authorized back on without touching them.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.cell_stats
			(cell_id, authorized, premium_asset, target_loss_ratio_bps,
			 total_premiums, total_claims, authorized_at, revoked_at, last_sequence)
		VALUES ($1, TRUE, $2, $3, 0, 0, $4, 0, $5)
		ON CONFLICT (cell_id) DO UPDATE SET
			authorized = TRUE,
			authorized_at = CASE
				WHEN projections.cell_stats.authorized THEN projections.cell_stats.authorized_at
				ELSE EXCLUDED.authorized_at
			END,
			last_sequence = EXCLUDED.last_sequence
	`, e.Cell, assetID, e.TargetLossRatioBps, e.Timestamp, sequence)
	return err
}

// RebuildProjections rebuilds all projection tables from the event log.
// Balances aggregate straight from the journal; pool tables replay event
// payloads in sequence order, reproducing core-assigned claim numbers.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.policy_history`,
		`TRUNCATE projections.claim_history`,
		`TRUNCATE projections.cell_stats`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild debit side (debits raise balances, as in the core tracker)
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Subtract credits
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	lastSeq, err := rebuildPoolTables(ctx, db)
	if err != nil {
		return fmt.Errorf("rebuild pool tables: %w", err)
	}

	if lastSeq >= 0 {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, lastSeq); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}

	logger.Info().Int64("last_sequence", lastSeq).Msg("projection rebuild complete")
	return nil
}

func rebuildPoolTables(ctx context.Context, db *sql.DB) (int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return -1, err
	}
	defer rows.Close()

	type loggedEvent struct {
		sequence  int64
		eventType string
		payload   []byte
	}

	var events []loggedEvent
	for rows.Next() {
		var e loggedEvent
		if err := rows.Scan(&e.sequence, &e.eventType, &e.payload); err != nil {
			return -1, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return -1, err
	}
	if len(events) == 0 {
		return -1, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()

	// Every logged ClaimSubmit was accepted by the core, so per-cell claim
	// numbers are reproduced by order of appearance, starting at 1.
	nextClaim := make(map[string]int64)
	lastSeq := int64(-1)

	for _, le := range events {
		et := event.ParseEventType(le.eventType)
		if et == event.EventTypeUnknown {
			return -1, fmt.Errorf("unknown event type %q at seq %d", le.eventType, le.sequence)
		}

		output := ProjectionOutput{
			Sequence:  le.sequence,
			EventType: et,
			Payload:   le.payload,
		}

		if et == event.EventTypeClaimSubmit {
			evt, err := event.DecodePayload(et, le.payload)
			if err != nil {
				return -1, err
			}
			cell := *evt.CellID()
			n := nextClaim[cell] + 1
			nextClaim[cell] = n
			output.ClaimNumber = &n
		}

		if err := applyPoolEvent(ctx, tx, output); err != nil {
			return -1, fmt.Errorf("replay seq %d: %w", le.sequence, err)
		}
		lastSeq = le.sequence
	}

	return lastSeq, tx.Commit()
}
