// internal/math/ratio.go
package math

// LossRatioBps computes cumulative claims over cumulative premiums in
// basis points. Returns 0 when no premiums have been collected: an empty
// pool has no loss experience, and the read path must never fault on
// division.
//
// The intermediate product uses int128 so a long-lived cell cannot
// overflow int64 (totalClaims * 10_000 exceeds int64 near 9.2e14 base
// units). Truncation (round down) matches integer ledger division.
func LossRatioBps(totalClaims, totalPremiums int64) int64 {
	if totalPremiums <= 0 {
		return 0
	}

	numerator := MultiplyInt128(totalClaims, RatioConfig.Scale)
	ratio := DivideInt128(numerator, totalPremiums, RoundDown)
	putInt128(numerator)

	return ratio
}

// WindowContains reports whether at falls inside the half-open validity
// window [startTime, endTime). All values are epoch microseconds.
// Expiry is never enacted by a background process; every consumer tests
// the window itself with the timestamp of the operation at hand.
func WindowContains(startTime, endTime, at int64) bool {
	return at >= startTime && at < endTime
}
