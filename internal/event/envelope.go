package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeStake
	EventTypeUnstake
	EventTypeRewardDistribution
	EventTypeCapitalContribution
	EventTypePolicyPurchase
	EventTypeClaimSubmit
	EventTypeClaimDecision
	EventTypeCellAuthorization
	EventTypeCellRevocation
	EventTypeParamsUpdate
	EventTypeRoleGrant
	EventTypeRoleRevoke
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Cell context (nullable for ledger-wide events)
	CellID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// CellID returns the cell context (nil for ledger-wide events)
	CellID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeStake:
		return "Stake"
	case EventTypeUnstake:
		return "Unstake"
	case EventTypeRewardDistribution:
		return "RewardDistribution"
	case EventTypeCapitalContribution:
		return "CapitalContribution"
	case EventTypePolicyPurchase:
		return "PolicyPurchase"
	case EventTypeClaimSubmit:
		return "ClaimSubmit"
	case EventTypeClaimDecision:
		return "ClaimDecision"
	case EventTypeCellAuthorization:
		return "CellAuthorization"
	case EventTypeCellRevocation:
		return "CellRevocation"
	case EventTypeParamsUpdate:
		return "ParamsUpdate"
	case EventTypeRoleGrant:
		return "RoleGrant"
	case EventTypeRoleRevoke:
		return "RoleRevoke"
	default:
		return "Unknown"
	}
}
