// Package serial implements RFC 1982 serial number arithmetic over 32-bit
// sequence numbers, the comparison discipline every window and timer in this
// module uses instead of natural integer ordering.
package serial

// Value is a 32-bit sequence number compared with mod-2^32 serial arithmetic.
// Wraparound is normal: the zero value does not mean "smallest".
type Value uint32

// halfSpace is 2^31, the boundary RFC 1982 uses to decide direction.
const halfSpace = 1 << 31

// LessThan reports whether a precedes b under serial arithmetic: (b-a) mod
// 2^32 lies in (0, 2^31). RFC 1982 leaves b == a+2^31 undefined; it is
// fixed here as not-less-than so comparisons stay a total, deterministic
// relation.
func LessThan(a, b Value) bool {
	d := uint32(b - a)
	return d != 0 && d < halfSpace
}

// LessThanOrEqual reports whether a precedes or equals b.
func LessThanOrEqual(a, b Value) bool {
	return a == b || LessThan(a, b)
}

// GreaterThan reports whether a follows b.
func GreaterThan(a, b Value) bool {
	return LessThan(b, a)
}

// GreaterThanOrEqual reports whether a follows or equals b.
func GreaterThanOrEqual(a, b Value) bool {
	return a == b || GreaterThan(a, b)
}

// InRange reports whether x lies within the inclusive window [lo, hi] under
// serial arithmetic, treating an empty window (hi == lo-1) as containing
// nothing.
func InRange(x, lo, hi Value) bool {
	if lo == hi+1 {
		return false
	}
	return GreaterThanOrEqual(x, lo) && LessThanOrEqual(x, hi)
}

// Distance returns (b - a) mod 2^32, the number of steps forward from a to
// b when b is ahead of a (Distance(a, a+1) == 1).
func Distance(a, b Value) uint32 {
	return uint32(b - a)
}

// Add returns a+n with 32-bit wraparound.
func Add(a Value, n uint32) Value {
	return Value(uint32(a) + n)
}
