package state

import "fmt"

// MaxTargetLossRatioBps is the largest accepted monitoring threshold (1000%).
const MaxTargetLossRatioBps = 100_000

// ProtocolParams holds governance-controlled protocol-wide parameters
type ProtocolParams struct {
	// MinimumCapitalRequirement is the NMC balance a cell must hold at
	// decision time for an approved claim to mint. Fixed-point.
	MinimumCapitalRequirement int64
}

// DefaultProtocolParams applies until governance raises the floor
var DefaultProtocolParams = ProtocolParams{
	MinimumCapitalRequirement: 0,
}

// ValidateMinimumCapital checks a proposed capital floor
func ValidateMinimumCapital(v int64) error {
	if v < 0 {
		return fmt.Errorf("minimum_capital must be >= 0, got %d", v)
	}
	return nil
}

// ValidateTargetLossRatio checks a monitoring threshold in basis points
func ValidateTargetLossRatio(bps int64) error {
	if bps < 0 || bps > MaxTargetLossRatioBps {
		return fmt.Errorf("target_loss_ratio_bps must be in [0, %d], got %d", MaxTargetLossRatioBps, bps)
	}
	return nil
}

// ParamsManager manages protocol-wide parameters
type ParamsManager struct {
	params ProtocolParams
}

func NewParamsManager() *ParamsManager {
	return &ParamsManager{params: DefaultProtocolParams}
}

// MinimumCapitalRequirement returns the live NMC floor for claim minting
func (pm *ParamsManager) MinimumCapitalRequirement() int64 {
	return pm.params.MinimumCapitalRequirement
}

// SetMinimumCapital updates the protocol-wide floor
func (pm *ParamsManager) SetMinimumCapital(v int64) error {
	if err := ValidateMinimumCapital(v); err != nil {
		return err
	}
	pm.params.MinimumCapitalRequirement = v
	return nil
}

// Restore directly sets params (used for snapshot restore)
func (pm *ParamsManager) Restore(p ProtocolParams) {
	pm.params = p
}

// Get returns the current params (for snapshot creation)
func (pm *ParamsManager) Get() ProtocolParams {
	return pm.params
}
