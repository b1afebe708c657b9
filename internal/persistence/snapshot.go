package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, policies, claims, cell registry state,
// governance state, the idempotency LRU, sequence counters, and the last
// state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	PrevHash        []byte              `json:"prev_hash"`
	Balances        map[string]int64    `json:"balances"` // AccountPath -> balance
	Policies        []PolicySnapshot    `json:"policies"`
	Claims          []ClaimSnapshot     `json:"claims"`
	ClaimCounters   map[string]int64    `json:"claim_counters"` // cellID -> next claim number
	Cells           []CellSnapshot      `json:"cells"`
	RoleGrants      []RoleGrantSnapshot `json:"role_grants"`
	Params          ParamsSnapshot      `json:"params"`
	StakedSince     map[string]int64    `json:"staked_since"`     // memberID -> epoch micros
	SequenceState   map[string]int64    `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string            `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time           `json:"created_at"`
}

// PolicySnapshot is a serializable policy.
type PolicySnapshot struct {
	PolicyID  string `json:"policy_id"`
	MemberID  string `json:"member_id"`
	CellID    string `json:"cell_id"`
	Coverage  int64  `json:"coverage"`
	Premium   int64  `json:"premium"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Version   int64  `json:"version"`
}

// ClaimSnapshot is a serializable claim.
type ClaimSnapshot struct {
	CellID               string `json:"cell_id"`
	ClaimNumber          int64  `json:"claim_number"`
	PolicyID             string `json:"policy_id"`
	MemberID             string `json:"member_id"`
	Amount               int64  `json:"amount"`
	CoverageAtSubmission int64  `json:"coverage_at_submission"`
	PayoutAmount         int64  `json:"payout_amount"`
	Status               int32  `json:"status"`
	Reason               string `json:"reason"`
	SubmittedAt          int64  `json:"submitted_at"`
	DecidedAt            int64  `json:"decided_at"`
	Version              int64  `json:"version"`
}

// CellSnapshot is a serializable cell registry entry.
type CellSnapshot struct {
	CellID             string `json:"cell_id"`
	Authorized         bool   `json:"authorized"`
	PremiumAsset       int32  `json:"premium_asset"`
	TargetLossRatioBps int64  `json:"target_loss_ratio_bps"`
	TotalPremiums      int64  `json:"total_premiums"`
	TotalClaims        int64  `json:"total_claims"`
	AuthorizedAt       int64  `json:"authorized_at"`
	RevokedAt          int64  `json:"revoked_at"`
	Version            int64  `json:"version"`
}

// RoleGrantSnapshot is a serializable role grant.
type RoleGrantSnapshot struct {
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
}

// ParamsSnapshot is the serializable protocol parameter set.
type ParamsSnapshot struct {
	MinimumCapitalRequirement int64 `json:"minimum_capital_requirement"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before they become eligible for restore.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the latest snapshot then replay events from
// snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, cell_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.CellID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
