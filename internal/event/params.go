package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ParamsUpdate adjusts governance-controlled parameters. Either field group
// may be set on its own; an update carrying any invalid value is rejected
// wholesale. The new minimum capital applies to claim decisions from this
// event onward; already minted claims are never revisited.
type ParamsUpdate struct {
	GovernorID uuid.UUID // Caller, must hold governance role

	// Protocol-wide NMC floor for claim minting. Nil means unchanged.
	MinimumCapital *int64

	// Per-cell target loss ratio override. Both fields set together or
	// neither; the ratio is basis points in [0, 100000].
	Cell               *uuid.UUID
	TargetLossRatioBps *int64

	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (p *ParamsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("params_update:%d", p.Sequence)
}

func (p *ParamsUpdate) EventType() EventType {
	return EventTypeParamsUpdate
}

// CellID returns nil: parameter updates ride the global partition even when
// they target a single cell, because one update may also move the
// protocol-wide floor.
func (p *ParamsUpdate) CellID() *string {
	return nil
}

func (p *ParamsUpdate) SourceSequence() int64 {
	return p.Sequence
}
