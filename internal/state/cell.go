package state

import (
	"github.com/flemmerz/NiMu/internal/ledger"
	fpmath "github.com/flemmerz/NiMu/internal/math"

	"github.com/google/uuid"
)

// Cell is an insurance pool scoped to one member group. Premiums and claims
// accumulate for the life of the cell; revocation suspends policy sales and
// claim minting but never erases history.
type Cell struct {
	CellID             uuid.UUID
	Authorized         bool
	PremiumAsset       ledger.AssetID
	TargetLossRatioBps int64 // Basis points: monitoring threshold, not a gate
	TotalPremiums      int64 // Fixed-point: cumulative premiums burned
	TotalClaims        int64 // Fixed-point: cumulative payouts minted
	AuthorizedAt       int64 // Epoch microseconds of latest authorization
	RevokedAt          int64 // Epoch microseconds of latest revocation, 0 if never
	Version            int64 // Optimistic concurrency control
}

// LossRatioBps returns cumulative claims over premiums in basis points.
// A cell with no premiums reads zero.
func (c *Cell) LossRatioBps() int64 {
	return fpmath.LossRatioBps(c.TotalClaims, c.TotalPremiums)
}

// OverTarget reports whether the loss ratio has crossed the monitoring
// threshold. A zero target disables the check.
func (c *Cell) OverTarget() bool {
	return c.TargetLossRatioBps > 0 && c.LossRatioBps() > c.TargetLossRatioBps
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *Cell) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	// cell_id (16 bytes UUID binary)
	buf = append(buf, c.CellID[:]...)

	// authorized (1 byte)
	if c.Authorized {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	// premium_asset (2 bytes would do, 8 keeps the layout uniform)
	buf = appendInt64LE(buf, int64(c.PremiumAsset))

	// target_loss_ratio_bps (8 bytes LE)
	buf = appendInt64LE(buf, c.TargetLossRatioBps)

	// total_premiums (8 bytes LE)
	buf = appendInt64LE(buf, c.TotalPremiums)

	// total_claims (8 bytes LE)
	buf = appendInt64LE(buf, c.TotalClaims)

	// authorized_at (8 bytes LE)
	buf = appendInt64LE(buf, c.AuthorizedAt)

	// revoked_at (8 bytes LE)
	buf = appendInt64LE(buf, c.RevokedAt)

	return buf
}
