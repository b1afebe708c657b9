package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload reconstructs a typed event from the JSON payload stored in an
// envelope. The payload is the encoding of the typed struct itself, so replay
// round-trips exactly what the log recorded.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var evt Event

	switch et {
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeWithdrawal:
		evt = &Withdrawal{}
	case EventTypeStake:
		evt = &Stake{}
	case EventTypeUnstake:
		evt = &Unstake{}
	case EventTypeRewardDistribution:
		evt = &RewardDistribution{}
	case EventTypeCapitalContribution:
		evt = &CapitalContribution{}
	case EventTypePolicyPurchase:
		evt = &PolicyPurchase{}
	case EventTypeClaimSubmit:
		evt = &ClaimSubmit{}
	case EventTypeClaimDecision:
		evt = &ClaimDecision{}
	case EventTypeCellAuthorization:
		evt = &CellAuthorization{}
	case EventTypeCellRevocation:
		evt = &CellRevocation{}
	case EventTypeParamsUpdate:
		evt = &ParamsUpdate{}
	case EventTypeRoleGrant:
		evt = &RoleGrant{}
	case EventTypeRoleRevoke:
		evt = &RoleRevoke{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}

// ParseEventType maps the string form stored in the event log back to the
// discriminator. Unrecognized names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	switch s {
	case "Deposit":
		return EventTypeDeposit
	case "Withdrawal":
		return EventTypeWithdrawal
	case "Stake":
		return EventTypeStake
	case "Unstake":
		return EventTypeUnstake
	case "RewardDistribution":
		return EventTypeRewardDistribution
	case "CapitalContribution":
		return EventTypeCapitalContribution
	case "PolicyPurchase":
		return EventTypePolicyPurchase
	case "ClaimSubmit":
		return EventTypeClaimSubmit
	case "ClaimDecision":
		return EventTypeClaimDecision
	case "CellAuthorization":
		return EventTypeCellAuthorization
	case "CellRevocation":
		return EventTypeCellRevocation
	case "ParamsUpdate":
		return EventTypeParamsUpdate
	case "RoleGrant":
		return EventTypeRoleGrant
	case "RoleRevoke":
		return EventTypeRoleRevoke
	default:
		return EventTypeUnknown
	}
}
