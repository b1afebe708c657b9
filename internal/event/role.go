package event

import (
	"fmt"

	"github.com/google/uuid"
)

// RoleGrant assigns a protocol role to an identity. Granting a role the
// identity already holds is accepted and recorded without changing anything.
type RoleGrant struct {
	GovernorID uuid.UUID // Caller, must hold governance role
	IdentityID uuid.UUID // Recipient
	Role       string    // "governance", "reward_authority", "adjudicator"
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (r *RoleGrant) IdempotencyKey() string {
	return fmt.Sprintf("role_grant:%s:%s:%d", r.IdentityID, r.Role, r.Sequence)
}

func (r *RoleGrant) EventType() EventType {
	return EventTypeRoleGrant
}

func (r *RoleGrant) CellID() *string {
	return nil // Ledger-wide event
}

func (r *RoleGrant) SourceSequence() int64 {
	return r.Sequence
}

// RoleRevoke removes a protocol role from an identity.
type RoleRevoke struct {
	GovernorID uuid.UUID // Caller, must hold governance role
	IdentityID uuid.UUID
	Role       string
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (r *RoleRevoke) IdempotencyKey() string {
	return fmt.Sprintf("role_revoke:%s:%s:%d", r.IdentityID, r.Role, r.Sequence)
}

func (r *RoleRevoke) EventType() EventType {
	return EventTypeRoleRevoke
}

func (r *RoleRevoke) CellID() *string {
	return nil
}

func (r *RoleRevoke) SourceSequence() int64 {
	return r.Sequence
}
