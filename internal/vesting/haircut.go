package vesting

import (
	fpmath "MarginLedger/internal/math"
)

const secondsPerDay = 86_400

// GlobalHaircut is the process-wide PnL index. Accounts rescale their
// positive pnl by PnLIndex / checkpoint on their next touch.
type GlobalHaircut struct {
	PnLIndex          uint64 // FPOne == no haircut
	LastEventID       uint64
	CumulativeHaircut uint64 // Σ (old index - new index)
	MaxPerEventBps    uint64
	MaxPerDayBps      uint64
	Day               uint64 // unix day of DayStartIndex
	DayStartIndex     uint64
}

func NewGlobalHaircut() GlobalHaircut {
	return GlobalHaircut{
		PnLIndex:       FPOne,
		MaxPerEventBps: 3_000,
		MaxPerDayBps:   5_000,
		DayStartIndex:  FPOne,
	}
}

// HaircutFraction returns the keep-fraction h = 1 - min(shortfall/total, cap)
// in FPOne units.
func HaircutFraction(shortfall, totalPositivePnL, maxHaircutBps uint64) uint64 {
	if totalPositivePnL == 0 || shortfall == 0 {
		return FPOne
	}
	raw := FPOne
	if shortfall < totalPositivePnL {
		raw = fpmath.MulDiv(shortfall, FPOne, totalPositivePnL)
	}
	maxFP := fpmath.MulDiv(fpmath.MinU64(maxHaircutBps, fpmath.BpsDenominator), FPOne, fpmath.BpsDenominator)
	return FPOne - fpmath.MinU64(raw, maxFP)
}

// ScaleIndex multiplies the index by keep.
func (g *GlobalHaircut) ScaleIndex(keep uint64) {
	g.PnLIndex = fpmath.MulDiv(g.PnLIndex, keep, FPOne)
}

// Apply records a haircut event for shortfall against totalPositivePnL at unix
// time now. The per-event cap bounds the fraction and the index never falls
// below DayStartIndex * (1 - MaxPerDayBps) within a day. Returns the keep
// fraction actually applied.
func (g *GlobalHaircut) Apply(shortfall, totalPositivePnL uint64, now int64) uint64 {
	day := fpmath.ClampPos(now) / secondsPerDay
	if day != g.Day {
		g.Day = day
		g.DayStartIndex = g.PnLIndex
	}

	keep := HaircutFraction(shortfall, totalPositivePnL, g.MaxPerEventBps)
	if keep == FPOne {
		return FPOne
	}

	old := g.PnLIndex
	next := fpmath.MulDiv(old, keep, FPOne)
	floor := fpmath.MulDiv(g.DayStartIndex, FPOne-fpmath.MulDiv(fpmath.MinU64(g.MaxPerDayBps, fpmath.BpsDenominator), FPOne, fpmath.BpsDenominator), FPOne)
	if next < floor {
		next = floor
	}
	if next >= old {
		return FPOne
	}

	g.PnLIndex = next
	g.LastEventID++
	g.CumulativeHaircut = fpmath.AddU64(g.CumulativeHaircut, old-next)
	return fpmath.MulDiv(next, FPOne, old)
}
