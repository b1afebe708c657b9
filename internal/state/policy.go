package state

import (
	fpmath "github.com/flemmerz/NiMu/internal/math"

	"github.com/google/uuid"
)

// Policy is a member's coverage contract within a cell. Each member holds at
// most one policy per cell; a fresh purchase supersedes a lapsed record.
type Policy struct {
	PolicyID  uuid.UUID
	MemberID  uuid.UUID
	Cell      uuid.UUID
	Coverage  int64 // Fixed-point: payout cap per claim
	Premium   int64 // Fixed-point: amount burned at purchase
	StartTime int64 // Epoch microseconds, inclusive
	EndTime   int64 // Epoch microseconds, exclusive
	Version   int64 // Optimistic concurrency control
}

// IsActiveAt reports whether the policy covers the given instant.
// Activity is derived from the window, never stored.
func (p *Policy) IsActiveAt(at int64) bool {
	return fpmath.WindowContains(p.StartTime, p.EndTime, at)
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// policy_id, member_id, cell (16 bytes UUID binary each)
	buf = append(buf, p.PolicyID[:]...)
	buf = append(buf, p.MemberID[:]...)
	buf = append(buf, p.Cell[:]...)

	// coverage (8 bytes LE)
	buf = appendInt64LE(buf, p.Coverage)

	// premium (8 bytes LE)
	buf = appendInt64LE(buf, p.Premium)

	// start_time (8 bytes LE)
	buf = appendInt64LE(buf, p.StartTime)

	// end_time (8 bytes LE)
	buf = appendInt64LE(buf, p.EndTime)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
