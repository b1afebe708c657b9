package event

import (
	"github.com/google/uuid"
)

// PolicyPurchase buys coverage in a cell. The premium is burned from the
// member's available balance before the policy is written; if the burn fails
// nothing else happens.
type PolicyPurchase struct {
	PurchaseID uuid.UUID // Idempotency key
	MemberID   uuid.UUID
	Cell       uuid.UUID
	Coverage   int64 // Fixed-point: maximum claimable, NMC
	Premium    int64 // Fixed-point: burned in the cell's premium asset
	Duration   int64 // Microseconds: policy window is [Timestamp, Timestamp+Duration)
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (p *PolicyPurchase) IdempotencyKey() string {
	return p.PurchaseID.String()
}

func (p *PolicyPurchase) EventType() EventType {
	return EventTypePolicyPurchase
}

func (p *PolicyPurchase) CellID() *string {
	s := p.Cell.String()
	return &s
}

func (p *PolicyPurchase) SourceSequence() int64 {
	return p.Sequence
}
