package state

import (
	"github.com/flemmerz/NiMu/internal/ledger"

	"github.com/google/uuid"
)

// CellRegistry manages cell records and their running aggregates
type CellRegistry struct {
	cells map[uuid.UUID]*Cell
}

func NewCellRegistry() *CellRegistry {
	return &CellRegistry{
		cells: make(map[uuid.UUID]*Cell),
	}
}

// GetCell returns a cell or nil
func (cr *CellRegistry) GetCell(cellID uuid.UUID) *Cell {
	return cr.cells[cellID]
}

// IsAuthorized reports whether a cell may sell policies and mint payouts.
// Unknown cells are unauthorized.
func (cr *CellRegistry) IsAuthorized(cellID uuid.UUID) bool {
	cell := cr.cells[cellID]
	return cell != nil && cell.Authorized
}

// Authorize admits a cell. The first authorization fixes the premium asset
// and target loss ratio; re-admission after revocation keeps the original
// configuration. Returns false when the cell was already authorized.
func (cr *CellRegistry) Authorize(cellID uuid.UUID, premiumAsset ledger.AssetID, targetLossRatioBps int64, at int64) bool {
	cell := cr.cells[cellID]

	if cell == nil {
		cr.cells[cellID] = &Cell{
			CellID:             cellID,
			Authorized:         true,
			PremiumAsset:       premiumAsset,
			TargetLossRatioBps: targetLossRatioBps,
			AuthorizedAt:       at,
		}
		return true
	}

	if cell.Authorized {
		// Idempotent re-authorization
		return false
	}

	cell.Authorized = true
	cell.AuthorizedAt = at
	cell.Version++
	return true
}

// Revoke suspends a cell. Revoking an unknown or already-revoked cell
// changes nothing. Returns false when no state changed.
func (cr *CellRegistry) Revoke(cellID uuid.UUID, at int64) bool {
	cell := cr.cells[cellID]
	if cell == nil || !cell.Authorized {
		return false
	}

	cell.Authorized = false
	cell.RevokedAt = at
	cell.Version++
	return true
}

// AddPremium accumulates a burned premium into the cell's running total
func (cr *CellRegistry) AddPremium(cellID uuid.UUID, amount int64) {
	cell := cr.cells[cellID]
	if cell == nil {
		return
	}
	cell.TotalPremiums += amount
	cell.Version++
}

// AddClaim accumulates a minted payout into the cell's running total
func (cr *CellRegistry) AddClaim(cellID uuid.UUID, amount int64) {
	cell := cr.cells[cellID]
	if cell == nil {
		return
	}
	cell.TotalClaims += amount
	cell.Version++
}

// SetTargetLossRatio updates a cell's monitoring threshold.
// Returns false for unknown cells.
func (cr *CellRegistry) SetTargetLossRatio(cellID uuid.UUID, bps int64) bool {
	cell := cr.cells[cellID]
	if cell == nil {
		return false
	}
	cell.TargetLossRatioBps = bps
	cell.Version++
	return true
}

// RestoreCell directly sets a cell (used for snapshot restore)
func (cr *CellRegistry) RestoreCell(cell *Cell) {
	cr.cells[cell.CellID] = cell
}

// GetAllCells returns all cells (for snapshot creation)
func (cr *CellRegistry) GetAllCells() []*Cell {
	result := make([]*Cell, 0, len(cr.cells))
	for _, cell := range cr.cells {
		result = append(result, cell)
	}
	return result
}
