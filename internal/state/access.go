package state

import (
	"github.com/google/uuid"
)

// Role names understood by the access list
const (
	RoleGovernance      = "governance"
	RoleRewardAuthority = "reward_authority"
	RoleAdjudicator     = "adjudicator"
)

// ValidRole reports whether the name is a role the protocol understands
func ValidRole(role string) bool {
	switch role {
	case RoleGovernance, RoleRewardAuthority, RoleAdjudicator:
		return true
	}
	return false
}

// AccessControl tracks which identities hold which protocol roles
type AccessControl struct {
	grants map[RoleKey]bool
}

type RoleKey struct {
	IdentityID uuid.UUID
	Role       string
}

func NewAccessControl() *AccessControl {
	return &AccessControl{
		grants: make(map[RoleKey]bool),
	}
}

// HasRole reports whether an identity holds a role
func (ac *AccessControl) HasRole(identityID uuid.UUID, role string) bool {
	return ac.grants[RoleKey{IdentityID: identityID, Role: role}]
}

// Grant assigns a role. Granting an already-held role changes nothing.
// Returns false when no state changed.
func (ac *AccessControl) Grant(identityID uuid.UUID, role string) bool {
	key := RoleKey{IdentityID: identityID, Role: role}
	if ac.grants[key] {
		return false
	}
	ac.grants[key] = true
	return true
}

// Revoke removes a role. Revoking an unheld role changes nothing.
// Returns false when no state changed.
func (ac *AccessControl) Revoke(identityID uuid.UUID, role string) bool {
	key := RoleKey{IdentityID: identityID, Role: role}
	if !ac.grants[key] {
		return false
	}
	delete(ac.grants, key)
	return true
}

// RestoreGrant directly sets a role assignment (used for snapshot restore)
func (ac *AccessControl) RestoreGrant(identityID uuid.UUID, role string) {
	ac.grants[RoleKey{IdentityID: identityID, Role: role}] = true
}

// GetAllGrants returns all role assignments (for snapshot creation)
func (ac *AccessControl) GetAllGrants() []RoleKey {
	result := make([]RoleKey, 0, len(ac.grants))
	for key := range ac.grants {
		result = append(result, key)
	}
	return result
}
