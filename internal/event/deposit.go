// internal/event/deposit.go
package event

import "github.com/google/uuid"

// Deposit credits a member's available balance from the external on-ramp.
type Deposit struct {
	DepositID uuid.UUID // Idempotency key
	MemberID  uuid.UUID
	Asset     string // "NMU" or "NMC"
	Amount    int64  // Fixed-point (decimal_precision=6, scale=1_000_000)
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) CellID() *string {
	return nil // Ledger-wide event
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}
