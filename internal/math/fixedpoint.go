package math

import (
	stdmath "math"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // quote per unit
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USDC
)

// MulDiv returns floor(a*b/d) using a 256-bit intermediate.
// d == 0 yields 0, a quotient above MaxUint64 saturates.
func MulDiv(a, b, d uint64) uint64 {
	if d == 0 || a == 0 || b == 0 {
		return 0
	}
	var x, y, z uint256.Int
	x.SetUint64(a)
	y.SetUint64(b)
	z.SetUint64(d)
	q, overflow := new(uint256.Int).MulDivOverflow(&x, &y, &z)
	if overflow || !q.IsUint64() {
		return stdmath.MaxUint64
	}
	return q.Uint64()
}

// Bps returns floor(amount * bps / 10_000).
func Bps(amount, bps uint64) uint64 {
	return MulDiv(amount, bps, BpsDenominator)
}

// BpsI64 applies a basis-point fraction to a signed amount, truncating toward zero.
func BpsI64(amount int64, bps uint64) int64 {
	mag := Bps(Abs(amount), bps)
	if amount < 0 {
		return -ToSigned(mag)
	}
	return ToSigned(mag)
}

// ComputeNotional returns |qty| * price / QuantityConfig.Scale in quote units.
func ComputeNotional(qty int64, price int64) uint64 {
	if price <= 0 {
		return 0
	}
	return MulDiv(Abs(qty), uint64(price), QuantityConfig.Scale)
}

// ComputeRealizedPnL calculates PnL for closing closeQty of a position entered at
// entryPrice. sideSign is +1 for long, -1 for short. Rounds toward negative
// infinity so that rounding never credits the account.
func ComputeRealizedPnL(sideSign int64, fillPrice, entryPrice int64, closeQty uint64) int64 {
	diff := MultiplyInt128(sideSign, SubI64(fillPrice, entryPrice))
	diff.Mul(diff, new(big.Int).SetUint64(closeQty))

	q := getInt128()
	r := getInt128()
	q.DivMod(diff, new(big.Int).SetUint64(QuantityConfig.Scale), r)
	// big.Int DivMod is Euclidean: q is already floored for a positive divisor.

	var out int64
	switch {
	case q.IsInt64():
		out = q.Int64()
	case q.Sign() > 0:
		out = stdmath.MaxInt64
	default:
		out = stdmath.MinInt64
	}

	putInt128(diff)
	putInt128(q)
	putInt128(r)
	return out
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. The result comes from the
// pool; callers that are done with it may hand it back via Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns a pooled intermediate.
func Release(v *big.Int) {
	putInt128(v)
}

// WideSum accumulates signed and unsigned terms exactly. Used by invariant
// checks where saturation would hide a violation.
type WideSum struct {
	v *big.Int
}

func NewWideSum() *WideSum {
	return &WideSum{v: getInt128()}
}

func (s *WideSum) AddU64(x uint64) *WideSum {
	s.v.Add(s.v, new(big.Int).SetUint64(x))
	return s
}

func (s *WideSum) SubU64(x uint64) *WideSum {
	s.v.Sub(s.v, new(big.Int).SetUint64(x))
	return s
}

func (s *WideSum) AddI64(x int64) *WideSum {
	s.v.Add(s.v, big.NewInt(x))
	return s
}

// EqualU64 reports whether the accumulated value equals x.
func (s *WideSum) EqualU64(x uint64) bool {
	return s.v.Cmp(new(big.Int).SetUint64(x)) == 0
}

// Cmp compares against another sum.
func (s *WideSum) Cmp(o *WideSum) int {
	return s.v.Cmp(o.v)
}

func (s *WideSum) String() string {
	return s.v.String()
}

// Close returns the accumulator to the pool. The sum must not be used afterwards.
func (s *WideSum) Close() {
	putInt128(s.v)
	s.v = nil
}
