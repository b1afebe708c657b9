package state

import (
	"github.com/google/uuid"
)

// PolicyBook manages the current policy per (member, cell) pair
type PolicyBook struct {
	policies map[PolicyKey]*Policy
}

type PolicyKey struct {
	MemberID uuid.UUID
	Cell     uuid.UUID
}

func NewPolicyBook() *PolicyBook {
	return &PolicyBook{
		policies: make(map[PolicyKey]*Policy),
	}
}

// GetPolicy returns the member's policy in a cell or nil
func (pb *PolicyBook) GetPolicy(memberID uuid.UUID, cell uuid.UUID) *Policy {
	key := PolicyKey{MemberID: memberID, Cell: cell}
	return pb.policies[key]
}

// WritePolicy records a purchased policy, superseding any lapsed record.
// The caller checks for an overlapping active policy before writing.
func (pb *PolicyBook) WritePolicy(p *Policy) {
	key := PolicyKey{MemberID: p.MemberID, Cell: p.Cell}

	if prev := pb.policies[key]; prev != nil {
		p.Version = prev.Version + 1
	}

	pb.policies[key] = p
}

// SetPolicy directly sets a policy (used for snapshot restore)
func (pb *PolicyBook) SetPolicy(p *Policy) {
	key := PolicyKey{MemberID: p.MemberID, Cell: p.Cell}
	pb.policies[key] = p
}

// GetAllPolicies returns all policies (for snapshot creation)
func (pb *PolicyBook) GetAllPolicies() []*Policy {
	result := make([]*Policy, 0, len(pb.policies))
	for _, p := range pb.policies {
		result = append(result, p)
	}
	return result
}

// GetMemberPolicies returns all policies held by a member
func (pb *PolicyBook) GetMemberPolicies(memberID uuid.UUID) []*Policy {
	result := make([]*Policy, 0)
	for key, p := range pb.policies {
		if key.MemberID == memberID {
			result = append(result, p)
		}
	}
	return result
}
