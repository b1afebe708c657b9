package event

import (
	"github.com/google/uuid"
)

// Withdrawal debits a member's available balance back to the external on-ramp.
// Rejected if available balance is insufficient; staked funds never cover it.
type Withdrawal struct {
	WithdrawalID uuid.UUID // Idempotency key
	MemberID     uuid.UUID
	Asset        string
	Amount       int64 // Fixed-point
	Sequence     int64
	Timestamp    int64 // Epoch microseconds (versioned input)
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (w *Withdrawal) CellID() *string {
	return nil // Ledger-wide event
}

func (w *Withdrawal) SourceSequence() int64 {
	return w.Sequence
}
