package event

import (
	"fmt"

	"github.com/google/uuid"
)

// CellAuthorization admits a cell to the protocol. The first authorization
// fixes the cell's target loss ratio and premium asset; re-authorizing an
// already-authorized cell is accepted and recorded without changing anything.
type CellAuthorization struct {
	GovernorID         uuid.UUID // Caller, must hold governance role
	Cell               uuid.UUID
	TargetLossRatioBps int64  // Basis points: monitoring threshold, not a gate
	PremiumAsset       string // "NMU" (default) or "NMC"
	Sequence           int64
	Timestamp          int64 // Epoch microseconds (versioned input)
}

func (c *CellAuthorization) IdempotencyKey() string {
	return fmt.Sprintf("cell_auth:%s:%d", c.Cell, c.Sequence)
}

func (c *CellAuthorization) EventType() EventType {
	return EventTypeCellAuthorization
}

func (c *CellAuthorization) CellID() *string {
	s := c.Cell.String()
	return &s
}

func (c *CellAuthorization) SourceSequence() int64 {
	return c.Sequence
}

// CellRevocation removes a cell's authorization. Existing policies stay on the
// books but claim minting stops until the cell is re-authorized.
type CellRevocation struct {
	GovernorID uuid.UUID // Caller, must hold governance role
	Cell       uuid.UUID
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (c *CellRevocation) IdempotencyKey() string {
	return fmt.Sprintf("cell_revoke:%s:%d", c.Cell, c.Sequence)
}

func (c *CellRevocation) EventType() EventType {
	return EventTypeCellRevocation
}

func (c *CellRevocation) CellID() *string {
	s := c.Cell.String()
	return &s
}

func (c *CellRevocation) SourceSequence() int64 {
	return c.Sequence
}
