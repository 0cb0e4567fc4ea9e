package withdrawal_test

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/vesting"
	"MarginLedger/internal/withdrawal"
	"math/rand"
	"testing"
)

const (
	S   = 1_000_000
	tau = 86_400
)

type fixture struct {
	limiter *withdrawal.Limiter
	global  withdrawal.GlobalBucket
	haircut vesting.GlobalHaircut
	vp      vesting.Params
}

func newFixture(th withdrawal.Thresholds) *fixture {
	return &fixture{
		limiter: withdrawal.NewLimiter(withdrawal.DefaultParams(), th),
		haircut: vesting.NewGlobalHaircut(),
		vp:      vesting.Params{TauSteps: tau},
	}
}

func noBypass() withdrawal.Thresholds {
	return withdrawal.Thresholds{}
}

// user returns an account whose pnl has been vesting for ten time constants.
type user struct {
	acct   ledger.Account
	bucket withdrawal.UserBucket
}

func newUser(principal, pnl uint64) *user {
	return &user{acct: ledger.Account{
		Principal:         principal,
		PnL:               int64(pnl),
		HaircutCheckpoint: vesting.FPOne,
	}}
}

func (f *fixture) request(u *user, amount, tvl uint64, nowSecs int64) withdrawal.Plan {
	plan, _ := f.limiter.Request(&u.acct, &u.bucket, &f.global, &f.haircut, f.vp, amount, tvl, 10*tau, nowSecs)
	return plan
}

// ============================================================================
// Test: per-account window
// ============================================================================

func TestPlan_UserWindowCap(t *testing.T) {
	f := newFixture(noBypass())
	u := newUser(100_000*S, 100_000*S)

	plan := f.request(u, 50_000*S, 10_000_000*S, 1_000)
	if plan.Immediate != 40_000*S {
		t.Errorf("immediate: got %d, want %d", plan.Immediate, 40_000*S)
	}
	if plan.Queued != 10_000*S {
		t.Errorf("queued: got %d, want %d", plan.Queued, 10_000*S)
	}
	if u.bucket.AmountUsed != 40_000*S {
		t.Errorf("bucket: got %d, want %d", u.bucket.AmountUsed, 40_000*S)
	}
	if plan.EtaSecs != 3_600 {
		t.Errorf("eta: got %d, want 3600", plan.EtaSecs)
	}
	if plan.PnLPortion != 40_000*S || plan.PrincipalPortion != 0 {
		t.Errorf("split: got pnl=%d principal=%d", plan.PnLPortion, plan.PrincipalPortion)
	}
}

func TestPlan_WindowResetsLazily(t *testing.T) {
	f := newFixture(noBypass())
	u := newUser(100_000*S, 100_000*S)

	if plan := f.request(u, 30_000*S, 10_000_000*S, 1_000); plan.Immediate != 30_000*S {
		t.Fatalf("first: got %d", plan.Immediate)
	}
	if plan := f.request(u, 30_000*S, 10_000_000*S, 1_000+3_599); plan.Immediate != 10_000*S {
		t.Errorf("same window: got %d, want %d", plan.Immediate, 10_000*S)
	}
	if plan := f.request(u, 30_000*S, 10_000_000*S, 1_000+3_600); plan.Immediate != 30_000*S {
		t.Errorf("after reset: got %d, want %d", plan.Immediate, 30_000*S)
	}
}

func TestPlan_HardMaxBelowPct(t *testing.T) {
	f := newFixture(noBypass())
	f.limiter.Params.UserHardMaxPerWindow = 250_000 * S
	u := newUser(5_000_000*S, 5_000_000*S)

	plan := f.request(u, 300_000*S, 100_000_000*S, 1_000)
	if plan.Immediate != 250_000*S || plan.Queued != 50_000*S {
		t.Errorf("got immediate=%d queued=%d, want 250k/50k", plan.Immediate/S, plan.Queued/S)
	}
}

func TestPlan_SmallWithdrawalsAccumulate(t *testing.T) {
	f := newFixture(noBypass())
	u := newUser(100_000*S, 100_000*S)

	for i := 0; i < 5; i++ {
		if plan := f.request(u, 8_000*S, 10_000_000*S, 1_000); plan.Immediate != 8_000*S {
			t.Fatalf("withdrawal %d: got %d", i, plan.Immediate)
		}
	}
	plan := f.request(u, 8_000*S, 10_000_000*S, 1_000)
	if plan.Immediate != 0 || plan.Queued != 8_000*S {
		t.Errorf("sixth: got immediate=%d queued=%d", plan.Immediate, plan.Queued)
	}
}

// ============================================================================
// Test: bypass allowances
// ============================================================================

func TestPlan_FastLaneBypass(t *testing.T) {
	f := newFixture(withdrawal.DefaultThresholds())
	u := newUser(100_000*S, 100_000*S)

	plan := f.request(u, 10_000*S, 10_000_000*S, 1_000)
	if plan.Immediate != 10_000*S {
		t.Errorf("immediate: got %d, want %d", plan.Immediate, 10_000*S)
	}
	if u.bucket.FastLaneUsedToday != 5_000*S {
		t.Errorf("fast lane: got %d, want %d", u.bucket.FastLaneUsedToday, 5_000*S)
	}
	if plan.FromFreePnL != 500*S {
		t.Errorf("free pnl: got %d, want %d", plan.FromFreePnL, 500*S)
	}
}

func TestPlan_FreePnLBypass(t *testing.T) {
	f := newFixture(withdrawal.DefaultThresholds())
	u := newUser(100_000*S, 10_000*S)

	plan := f.request(u, 500*S, 10_000_000*S, 1_000)
	if plan.Immediate != 500*S || u.bucket.FreePnLUsedToday != 500*S {
		t.Errorf("got immediate=%d free=%d", plan.Immediate, u.bucket.FreePnLUsedToday)
	}
	if u.bucket.AmountUsed != 0 {
		t.Errorf("bypass charged the window: %d", u.bucket.AmountUsed)
	}
}

func TestPlan_DailyAllowanceResets(t *testing.T) {
	f := newFixture(withdrawal.DefaultThresholds())
	u := newUser(100_000*S, 10_000*S)

	f.request(u, 500*S, 10_000_000*S, 1_000)
	f.request(u, 500*S, 10_000_000*S, 86_400+1_000)
	if u.bucket.FreePnLUsedToday != 500*S || u.bucket.LastResetDay != 1 {
		t.Errorf("got free=%d day=%d", u.bucket.FreePnLUsedToday, u.bucket.LastResetDay)
	}
}

// ============================================================================
// Test: system-wide window
// ============================================================================

func TestPlan_GlobalCapAcrossUsers(t *testing.T) {
	f := newFixture(noBypass())
	tvl := uint64(10_000_000 * S)
	a := newUser(2_000_000*S, 0)
	b := newUser(1_000_000*S, 0)

	planA := f.request(a, 400_000*S, tvl, 1_000)
	planB := f.request(b, 200_000*S, tvl, 1_000)
	if planA.Immediate != 400_000*S {
		t.Errorf("A: got %d, want 400k", planA.Immediate/S)
	}
	if planB.Immediate != 100_000*S || planB.Queued != 100_000*S {
		t.Errorf("B: got immediate=%d queued=%d", planB.Immediate/S, planB.Queued/S)
	}
	if planB.PrincipalPortion != planB.Immediate {
		t.Errorf("zero-pnl account should pay from principal")
	}
}

func TestPlan_GlobalLeftoverBindsBeforeUserCap(t *testing.T) {
	f := newFixture(noBypass())
	f.global = withdrawal.GlobalBucket{AmountUsed: 440_000 * S, WindowStartSecs: 1_000}
	u := newUser(250_000*S, 250_000*S)

	plan := f.request(u, 100_000*S, 10_000_000*S, 1_000)
	if plan.Immediate != 60_000*S || plan.Queued != 40_000*S {
		t.Errorf("got immediate=%d queued=%d, want 60k/40k", plan.Immediate/S, plan.Queued/S)
	}
}

func TestPlan_GlobalRollover(t *testing.T) {
	f := newFixture(noBypass())
	f.global.WindowStartSecs = 1_000
	tvl := uint64(10_000_000 * S)

	f.request(newUser(2_500_000*S, 0), 500_000*S, tvl, 1_000)
	if f.global.AmountUsed != 500_000*S {
		t.Fatalf("global used: got %d", f.global.AmountUsed/S)
	}
	plan := f.request(newUser(1_000_000*S, 0), 200_000*S, tvl, 1_000+3_600)
	if plan.Immediate != 200_000*S {
		t.Errorf("got %d, want 200k", plan.Immediate/S)
	}
}

// ============================================================================
// Test: emergency mode
// ============================================================================

func TestPlan_EmergencyHalvesCaps(t *testing.T) {
	f := newFixture(noBypass())
	f.limiter.Emergency = withdrawal.Emergency{Active: true, ExitMultiplierBps: 5_000}
	u := newUser(100_000*S, 100_000*S)

	plan := f.request(u, 40_000*S, 10_000_000*S, 1_000)
	if plan.Immediate != 20_000*S || plan.Queued != 20_000*S {
		t.Errorf("got immediate=%d queued=%d, want 20k/20k", plan.Immediate/S, plan.Queued/S)
	}
}

func TestPlan_EmergencyExpires(t *testing.T) {
	f := newFixture(noBypass())
	f.limiter.Emergency = withdrawal.Emergency{Active: true, ExitMultiplierBps: 5_000, ExpiresAtSecs: 500}
	u := newUser(100_000*S, 100_000*S)

	if plan := f.request(u, 40_000*S, 10_000_000*S, 1_000); plan.Immediate != 40_000*S {
		t.Errorf("got %d, want 40k", plan.Immediate/S)
	}
}

// ============================================================================
// Test: safety
// ============================================================================

func TestPlan_ClampsToWithdrawable(t *testing.T) {
	f := newFixture(noBypass())
	u := newUser(1_000*S, 0)

	plan := f.request(u, 1_000_000*S, 10_000_000*S, 1_000)
	if plan.Requested != 1_000*S {
		t.Errorf("requested: got %d, want %d", plan.Requested, 1_000*S)
	}
	if plan.Immediate+plan.Queued != plan.Requested {
		t.Errorf("immediate+queued=%d, requested=%d", plan.Immediate+plan.Queued, plan.Requested)
	}
}

func TestPlan_NothingWithdrawable(t *testing.T) {
	f := newFixture(withdrawal.DefaultThresholds())
	u := newUser(0, 0)

	plan := f.request(u, 1_000, 10_000_000*S, 1_000)
	if plan != (withdrawal.Plan{}) {
		t.Errorf("got %+v, want empty plan", plan)
	}
	if u.bucket != (withdrawal.UserBucket{}) {
		t.Errorf("bucket touched: %+v", u.bucket)
	}
}

func TestPlan_BucketNeverExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	f := newFixture(withdrawal.DefaultThresholds())
	u := newUser(300_000*S, 50_000*S)
	tvl := uint64(5_000_000 * S)

	now := int64(1_000)
	for i := 0; i < 500; i++ {
		now += int64(rng.Intn(900))
		f.request(u, uint64(rng.Intn(30_000))*S, tvl, now)
		userCap := withdrawal.UserCap(u.acct.Equity(), f.limiter.Params, f.limiter.Emergency, now)
		if u.bucket.AmountUsed > userCap {
			t.Fatalf("iteration %d: user bucket %d above cap %d", i, u.bucket.AmountUsed, userCap)
		}
		globalCap := withdrawal.GlobalCap(tvl, f.limiter.Params, f.limiter.Emergency, now)
		if f.global.AmountUsed > globalCap {
			t.Fatalf("iteration %d: global bucket %d above cap %d", i, f.global.AmountUsed, globalCap)
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	var results [2]withdrawal.Plan
	for i := range results {
		f := newFixture(withdrawal.DefaultThresholds())
		u := newUser(100_000*S, 100_000*S)
		results[i] = f.request(u, 30_000*S, 10_000_000*S, 1_000)
	}
	if results[0] != results[1] {
		t.Errorf("plans differ: %+v vs %+v", results[0], results[1])
	}
}

func TestParams_Validate(t *testing.T) {
	if err := withdrawal.DefaultParams().Validate(); err != nil {
		t.Errorf("defaults rejected: %v", err)
	}
	p := withdrawal.DefaultParams()
	p.WindowSecs = 0
	if err := p.Validate(); err == nil {
		t.Error("zero window accepted")
	}
}
