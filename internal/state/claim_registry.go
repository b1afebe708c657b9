package state

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxClaimReasonBytes caps the free-text reason so the canonical encoding
// stays single-byte length-prefixed. Submissions over the cap are rejected
// before they reach the registry.
const MaxClaimReasonBytes = 255

// ClaimRegistry tracks claims and per-cell claim numbering
type ClaimRegistry struct {
	claims          map[ClaimKey]*Claim
	nextClaimNumber map[uuid.UUID]int64 // cell -> next claim number
}

type ClaimKey struct {
	Cell        uuid.UUID
	ClaimNumber int64
}

func NewClaimRegistry() *ClaimRegistry {
	return &ClaimRegistry{
		claims:          make(map[ClaimKey]*Claim),
		nextClaimNumber: make(map[uuid.UUID]int64),
	}
}

// NextClaimNumber returns the number the next submission in a cell receives.
// Numbering starts at 1.
func (cr *ClaimRegistry) NextClaimNumber(cell uuid.UUID) int64 {
	next := cr.nextClaimNumber[cell]
	if next == 0 {
		return 1
	}
	return next
}

// SubmitClaim appends a claim and advances the cell's counter. The registry
// assigns the claim number; callers fill in everything else.
func (cr *ClaimRegistry) SubmitClaim(c *Claim) int64 {
	number := cr.NextClaimNumber(c.Cell)

	c.ClaimNumber = number
	c.Status = ClaimStatusSubmitted

	key := ClaimKey{Cell: c.Cell, ClaimNumber: number}
	cr.claims[key] = c
	cr.nextClaimNumber[c.Cell] = number + 1

	return number
}

// GetClaim returns a claim or nil
func (cr *ClaimRegistry) GetClaim(cell uuid.UUID, claimNumber int64) *Claim {
	key := ClaimKey{Cell: cell, ClaimNumber: claimNumber}
	return cr.claims[key]
}

// Decide settles a submitted claim. Approval records the minted payout;
// denial settles at zero. Deciding a settled claim fails.
func (cr *ClaimRegistry) Decide(cell uuid.UUID, claimNumber int64, approved bool, payout int64, decidedAt int64) error {
	claim := cr.GetClaim(cell, claimNumber)
	if claim == nil {
		return fmt.Errorf("unknown claim %d in cell %s", claimNumber, cell)
	}

	next := ClaimStatusDenied
	if approved {
		next = ClaimStatusApproved
	}

	if !claim.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid claim transition: %s -> %s", claim.Status, next)
	}

	claim.Status = next
	claim.PayoutAmount = 0
	if approved {
		claim.PayoutAmount = payout
	}
	claim.DecidedAt = decidedAt
	claim.Version++

	return nil
}

// GetCellClaims returns all claims filed in a cell
func (cr *ClaimRegistry) GetCellClaims(cell uuid.UUID) []*Claim {
	result := make([]*Claim, 0)
	for key, c := range cr.claims {
		if key.Cell == cell {
			result = append(result, c)
		}
	}
	return result
}

// RestoreClaim directly sets a claim (used for snapshot restore)
func (cr *ClaimRegistry) RestoreClaim(c *Claim) {
	key := ClaimKey{Cell: c.Cell, ClaimNumber: c.ClaimNumber}
	cr.claims[key] = c
}

// RestoreNextNumber directly sets a cell's counter (used for snapshot restore)
func (cr *ClaimRegistry) RestoreNextNumber(cell uuid.UUID, next int64) {
	cr.nextClaimNumber[cell] = next
}

// GetAllClaims returns all claims (for snapshot creation)
func (cr *ClaimRegistry) GetAllClaims() []*Claim {
	result := make([]*Claim, 0, len(cr.claims))
	for _, c := range cr.claims {
		result = append(result, c)
	}
	return result
}

// GetAllNextNumbers returns all cell counters (for snapshot creation)
func (cr *ClaimRegistry) GetAllNextNumbers() map[uuid.UUID]int64 {
	result := make(map[uuid.UUID]int64, len(cr.nextClaimNumber))
	for k, v := range cr.nextClaimNumber {
		result[k] = v
	}
	return result
}
