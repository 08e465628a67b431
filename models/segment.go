package models

const (
	// Exchange segments, encoded in the low byte of the instrument token.
	NseCM   = 1
	NseFO   = 2
	NseCD   = 3
	BseCM   = 4
	BseFO   = 5
	BseCD   = 6
	McxFO   = 7
	McxSX   = 8
	Indices = 9
)

// Segment extracts the exchange segment from an instrument token.
func Segment(token uint32) uint32 {
	return token & 0xFF
}

// DivisorTable maps an exchange segment to the fixed-point price divisor
// used on the wire for that segment. The rule is exchange-specific, so the
// table is data rather than arithmetic; callers may override entries
// validated against live server fixtures.
type DivisorTable map[uint32]float64

// DefaultDivisors returns the divisor table for the segments above.
// Currency derivatives quote in 1e-7 rupee units, BSE currency in 1e-4,
// everything else in paise.
func DefaultDivisors() DivisorTable {
	return DivisorTable{
		NseCD: 10000000.0,
		BseCD: 10000.0,
	}
}

// Divisor returns the price divisor for token's segment, defaulting to 100.
func (d DivisorTable) Divisor(token uint32) float64 {
	if v, ok := d[Segment(token)]; ok && v > 0 {
		return v
	}
	return 100.0
}
