package withdrawal

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/vesting"
)

// Plan is the outcome of one withdrawal request.
type Plan struct {
	Requested        uint64 // amount after clamping to withdrawable
	Immediate        uint64
	Queued           uint64
	EtaSecs          int64
	FromFreePnL      uint64
	FromFastLane     uint64
	ThroughBuckets   uint64
	PnLPortion       uint64 // part of Immediate paid from vested pnl
	PrincipalPortion uint64
}

// Limiter plans withdrawals against the daily bypass allowances and the
// per-account and system-wide rolling windows.
type Limiter struct {
	Params     Params
	Thresholds Thresholds
	Emergency  Emergency
}

func NewLimiter(p Params, th Thresholds) *Limiter {
	return &Limiter{
		Params:     p,
		Thresholds: th,
		Emergency:  DefaultEmergency(),
	}
}

// Request runs vesting and haircut catch-up on a, then plans a withdrawal of amount.
// Only the buckets are mutated; the caller moves the funds.
func (l *Limiter) Request(
	a *ledger.Account,
	bucket *UserBucket,
	global *GlobalBucket,
	g *vesting.GlobalHaircut,
	vp vesting.Params,
	amount, tvl uint64,
	nowStep uint64,
	nowSecs int64,
) (Plan, vesting.TouchResult) {
	touch := vesting.Touch(a, g, vp, nowStep)
	return l.Plan(a, bucket, global, amount, tvl, nowSecs), touch
}

// Plan splits amount into immediate and queued parts for an account that has
// already been touched.
func (l *Limiter) Plan(a *ledger.Account, bucket *UserBucket, global *GlobalBucket, amount, tvl uint64, nowSecs int64) Plan {
	vested := vesting.VestedPositive(a)
	// reserved pnl is already spoken for by a queued request
	avail := fpmath.MinU64(vesting.Withdrawable(a), fpmath.AddU64(a.Principal, vested))
	requested := fpmath.MinU64(amount, avail)
	plan := Plan{Requested: requested}
	if requested == 0 {
		return plan
	}

	bucket.maybeResetWindow(nowSecs, l.Params.WindowSecs)
	bucket.maybeResetDaily(nowSecs)
	global.maybeResetWindow(nowSecs, l.Params.WindowSecs)

	remaining := requested

	// free pnl allowance, paid from vested pnl
	freeLeft := fpmath.SubU64(l.Thresholds.FreePnLPerDay, bucket.FreePnLUsedToday)
	if fromFree := fpmath.MinU64(freeLeft, fpmath.MinU64(remaining, vested)); fromFree > 0 {
		plan.FromFreePnL = fromFree
		bucket.FreePnLUsedToday += fromFree
		remaining -= fromFree
	}

	// principal fast lane
	laneCap := fpmath.MinU64(fpmath.Bps(a.Principal, l.Thresholds.FastLanePctBps), l.Thresholds.FastLaneHardMax)
	laneLeft := fpmath.SubU64(laneCap, bucket.FastLaneUsedToday)
	if fromLane := fpmath.MinU64(laneLeft, remaining); fromLane > 0 {
		plan.FromFastLane = fromLane
		bucket.FastLaneUsedToday += fromLane
		remaining -= fromLane
	}

	if remaining > 0 {
		userLeft := fpmath.SubU64(UserCap(a.Equity(), l.Params, l.Emergency, nowSecs), bucket.AmountUsed)
		globalLeft := fpmath.SubU64(GlobalCap(tvl, l.Params, l.Emergency, nowSecs), global.AmountUsed)
		through := fpmath.MinU64(remaining, fpmath.MinU64(userLeft, globalLeft))
		bucket.AmountUsed = fpmath.AddU64(bucket.AmountUsed, through)
		global.AmountUsed = fpmath.AddU64(global.AmountUsed, through)
		plan.ThroughBuckets = through
	}

	plan.Immediate = plan.FromFreePnL + plan.FromFastLane + plan.ThroughBuckets
	plan.Queued = requested - plan.Immediate
	if plan.Queued > 0 {
		plan.EtaSecs = l.Params.WindowSecs
	}

	// bucket flow drains remaining vested pnl before principal
	pnlFromBuckets := fpmath.MinU64(plan.ThroughBuckets, fpmath.SubU64(vested, plan.FromFreePnL))
	plan.PnLPortion = plan.FromFreePnL + pnlFromBuckets
	plan.PrincipalPortion = plan.Immediate - plan.PnLPortion
	return plan
}
