package vesting

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"

	"github.com/shopspring/decimal"
)

// FPOne is 1.0 in the fixed-point domain of vesting fractions and the haircut index.
const FPOne uint64 = 1_000_000_000

// saturationMultiple is the number of time constants after which vesting is complete.
const saturationMultiple = 20

// expPrecision is the number of decimal digits kept by the exponential.
const expPrecision = 18

// Params controls time vesting, in ledger steps.
type Params struct {
	TauSteps   uint64
	CliffSteps uint64
}

func DefaultParams() Params {
	return Params{
		TauSteps:   216_000,
		CliffSteps: 0,
	}
}

var fpOneDec = decimal.NewFromInt(int64(FPOne))

// OneMinusExpNeg returns 1 - e^(-dt/tau) in FPOne units. It saturates to FPOne
// once dt >= 20*tau, and tau == 0 vests instantly.
func OneMinusExpNeg(dt, tau uint64) uint64 {
	if tau == 0 {
		return FPOne
	}
	if dt == 0 {
		return 0
	}
	if dt >= fpmath.MulU64(saturationMultiple, tau) {
		return FPOne
	}

	x := decimal.NewFromInt(fpmath.ToSigned(dt)).DivRound(decimal.NewFromInt(fpmath.ToSigned(tau)), expPrecision)
	ex, err := x.ExpTaylor(expPrecision)
	if err != nil || ex.Sign() <= 0 {
		return FPOne
	}
	f := decimal.NewFromInt(1).Sub(decimal.NewFromInt(1).DivRound(ex, expPrecision))
	v := f.Mul(fpOneDec).Floor().IntPart()
	if v < 0 {
		return 0
	}
	return fpmath.MinU64(uint64(v), FPOne)
}

// TouchResult reports what a catch-up changed.
type TouchResult struct {
	HaircutRemoved uint64 // positive pnl removed by haircut catch-up
	Vested         uint64 // vested pnl added by time vesting
}

// Touch runs haircut catch-up then time vesting on a.
func Touch(a *ledger.Account, g *GlobalHaircut, p Params, now uint64) TouchResult {
	var res TouchResult

	if a.HaircutCheckpoint != g.PnLIndex {
		if a.PnL > 0 {
			den := fpmath.MaxU64(a.HaircutCheckpoint, 1)
			before := uint64(a.PnL)
			after := fpmath.MulDiv(before, g.PnLIndex, den)
			a.PnL = fpmath.ToSigned(after)
			if a.VestedPnL > 0 {
				a.VestedPnL = fpmath.ToSigned(fpmath.MulDiv(uint64(a.VestedPnL), g.PnLIndex, den))
			}
			if a.VestedPnL > a.PnL {
				a.VestedPnL = a.PnL
			}
			res.HaircutRemoved = fpmath.SubU64(before, after)
		}
		a.HaircutCheckpoint = g.PnLIndex
	}
	if a.ReservedPnL > fpmath.ClampPos(a.PnL) {
		a.ReservedPnL = fpmath.ClampPos(a.PnL)
	}

	dt := fpmath.SubU64(now, a.LastTouchStep)
	switch {
	case a.PnL <= a.VestedPnL:
		// nothing to vest; restart the clock so later profit vests from now
		a.LastTouchStep = fpmath.MaxU64(a.LastTouchStep, now)
	case dt == 0:
	case dt < p.CliffSteps:
	default:
		rel := OneMinusExpNeg(dt, p.TauSteps)
		gap := fpmath.Abs(fpmath.SubI64(a.PnL, a.VestedPnL))
		delta := fpmath.MulDiv(gap, rel, FPOne)
		a.VestedPnL = fpmath.AddI64(a.VestedPnL, fpmath.ToSigned(delta))
		a.LastTouchStep = now
		res.Vested = delta
	}

	if a.VestedPnL > a.PnL {
		a.VestedPnL = a.PnL
	}
	return res
}

// Withdrawable is principal + vested pnl, floored at zero.
func Withdrawable(a *ledger.Account) uint64 {
	return fpmath.ClampPos(fpmath.AddI64(fpmath.ToSigned(a.Principal), a.VestedPnL))
}

// VestedPositive is the part of vested pnl that can leave as profit.
func VestedPositive(a *ledger.Account) uint64 {
	return fpmath.MinU64(fpmath.ClampPos(a.VestedPnL), a.EffectivePositivePnL())
}
