package withdrawal

import (
	fpmath "MarginLedger/internal/math"
)

// UserBucket is one account's exit usage.
type UserBucket struct {
	AmountUsed        uint64
	WindowStartSecs   int64
	FreePnLUsedToday  uint64
	FastLaneUsedToday uint64
	LastResetDay      int64
}

// GlobalBucket is the system-wide exit usage.
type GlobalBucket struct {
	AmountUsed      uint64
	WindowStartSecs int64
}

// Windows open on first use and reset on the first request after they end.
func (b *UserBucket) maybeResetWindow(nowSecs, windowSecs int64) {
	if b.WindowStartSecs == 0 || nowSecs >= satAdd(b.WindowStartSecs, windowSecs) {
		b.AmountUsed = 0
		b.WindowStartSecs = nowSecs
	}
}

func (b *UserBucket) maybeResetDaily(nowSecs int64) {
	day := nowSecs / secondsPerDay
	if day > b.LastResetDay {
		b.FreePnLUsedToday = 0
		b.FastLaneUsedToday = 0
		b.LastResetDay = day
	}
}

func (g *GlobalBucket) maybeResetWindow(nowSecs, windowSecs int64) {
	if g.WindowStartSecs == 0 || nowSecs >= satAdd(g.WindowStartSecs, windowSecs) {
		g.AmountUsed = 0
		g.WindowStartSecs = nowSecs
	}
}

// UserCap is min(pct of equity, hard max) for one window, emergency-scaled.
func UserCap(equity int64, p Params, e Emergency, nowSecs int64) uint64 {
	cap := fpmath.MinU64(fpmath.Bps(fpmath.ClampPos(equity), p.UserPctPerWindowBps), p.UserHardMaxPerWindow)
	return e.scale(cap, nowSecs)
}

// GlobalCap is min(pct of TVL, hard share of TVL), emergency-scaled.
func GlobalCap(tvl uint64, p Params, e Emergency, nowSecs int64) uint64 {
	cap := fpmath.MinU64(fpmath.Bps(tvl, p.TVLPctPerWindowBps), fpmath.Bps(tvl, p.GlobalHardMaxBps))
	return e.scale(cap, nowSecs)
}

func satAdd(a, b int64) int64 {
	return fpmath.AddI64(a, b)
}
