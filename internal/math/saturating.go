package math

import (
	stdmath "math"
	"math/bits"
)

// All helpers in this file are total: they clamp at the representable bounds
// instead of wrapping, and division by zero yields zero.

const BpsDenominator = 10_000

// AddU64 returns a+b, clamped to MaxUint64.
func AddU64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return stdmath.MaxUint64
	}
	return sum
}

// SubU64 returns a-b, clamped to 0.
func SubU64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// MulU64 returns a*b, clamped to MaxUint64.
func MulU64(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return stdmath.MaxUint64
	}
	return lo
}

// DivU64 returns a/b, or 0 when b is 0.
func DivU64(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// AddI64 returns a+b, clamped to [MinInt64, MaxInt64].
func AddI64(a, b int64) int64 {
	sum := a + b
	// overflow iff both operands share a sign that the result does not
	if (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) {
		if a >= 0 {
			return stdmath.MaxInt64
		}
		return stdmath.MinInt64
	}
	return sum
}

// SubI64 returns a-b, clamped to [MinInt64, MaxInt64].
func SubI64(a, b int64) int64 {
	if b == stdmath.MinInt64 {
		if a >= 0 {
			return stdmath.MaxInt64
		}
		return a - b
	}
	return AddI64(a, -b)
}

// MulI64 returns a*b, clamped to [MinInt64, MaxInt64].
func MulI64(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	negative := (a < 0) != (b < 0)
	mag := MulU64(Abs(a), Abs(b))
	if negative {
		if mag >= uint64(stdmath.MaxInt64)+1 {
			return stdmath.MinInt64
		}
		return -int64(mag)
	}
	return ToSigned(mag)
}

// DivI64 returns a/b truncated toward zero, 0 when b is 0.
// MinInt64 / -1 saturates to MaxInt64.
func DivI64(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	if a == stdmath.MinInt64 && b == -1 {
		return stdmath.MaxInt64
	}
	return a / b
}

// ClampPos maps negatives to zero.
func ClampPos(v int64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v)
}

// ToSigned converts to int64, clamping values above MaxInt64.
func ToSigned(v uint64) int64 {
	if v > stdmath.MaxInt64 {
		return stdmath.MaxInt64
	}
	return int64(v)
}

// Abs returns |v| as an unsigned magnitude. |MinInt64| is representable.
func Abs(v int64) uint64 {
	if v >= 0 {
		return uint64(v)
	}
	return uint64(-(v + 1)) + 1
}

func MinU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func MaxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func MinI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func MaxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
