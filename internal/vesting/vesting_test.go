package vesting_test

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/vesting"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func account(pnl, vested int64, lastTouch uint64) *ledger.Account {
	return &ledger.Account{
		Principal:         100_000_000,
		PnL:               pnl,
		VestedPnL:         vested,
		HaircutCheckpoint: vesting.FPOne,
		LastTouchStep:     lastTouch,
	}
}

// ============================================================================
// Test: exponential vesting fraction
// ============================================================================

func TestOneMinusExpNeg(t *testing.T) {
	const tau = 10_000
	fp := float64(vesting.FPOne)

	assert.Equal(t, uint64(0), vesting.OneMinusExpNeg(0, 1_000))
	assert.InDelta(t, 0.632*fp, float64(vesting.OneMinusExpNeg(tau, tau)), fp/100)
	assert.InDelta(t, 0.982*fp, float64(vesting.OneMinusExpNeg(4*tau, tau)), fp/50)
	assert.Equal(t, vesting.FPOne, vesting.OneMinusExpNeg(100*tau, tau))
	assert.Equal(t, vesting.FPOne, vesting.OneMinusExpNeg(5, 0))
	assert.Greater(t, vesting.OneMinusExpNeg(10*tau, tau), vesting.FPOne*9_999/10_000)
}

func TestOneMinusExpNeg_Monotonic(t *testing.T) {
	prev := uint64(0)
	for dt := uint64(0); dt <= 25_000; dt += 250 {
		got := vesting.OneMinusExpNeg(dt, 1_000)
		require.GreaterOrEqual(t, got, prev, "dt=%d", dt)
		prev = got
	}
}

// ============================================================================
// Test: haircut fraction
// ============================================================================

func TestHaircutFraction(t *testing.T) {
	cases := []struct {
		name                     string
		shortfall, total, capBps uint64
		want                     uint64
	}{
		{"no shortfall", 0, 1_000_000, 5_000, vesting.FPOne},
		{"no pnl", 1_000, 0, 5_000, vesting.FPOne},
		{"partial", 500, 1_000, 10_000, vesting.FPOne / 2},
		{"full", 2_000, 1_000, 10_000, 0},
		{"capped", 500, 1_000, 3_000, vesting.FPOne * 7 / 10},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, vesting.HaircutFraction(c.shortfall, c.total, c.capBps))
		})
	}
}

// ============================================================================
// Test: touch
// ============================================================================

func TestTouch_VestingProgression(t *testing.T) {
	p := vesting.Params{TauSteps: 10_000}
	g := vesting.NewGlobalHaircut()
	a := account(50_000_000, 0, 1_000)

	vesting.Touch(a, &g, p, 1_000)
	assert.Equal(t, int64(0), a.VestedPnL)

	vesting.Touch(a, &g, p, 11_000)
	assert.InDelta(t, 50_000_000*0.632, float64(a.VestedPnL), 500_000)

	vesting.Touch(a, &g, p, 41_000)
	assert.GreaterOrEqual(t, a.VestedPnL, int64(49_000_000))
}

func TestTouch_SmallPnLScenario(t *testing.T) {
	p := vesting.Params{TauSteps: 10_000}
	g := vesting.NewGlobalHaircut()
	a := account(1_000, 0, 0)

	vesting.Touch(a, &g, p, 10_000)
	assert.Equal(t, int64(632), a.VestedPnL)

	vesting.Touch(a, &g, p, 40_000)
	assert.GreaterOrEqual(t, a.VestedPnL, int64(980))
}

func TestTouch_PnLDropsBelowVested(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	a := account(20_000_000, 30_000_000, 1_000)

	vesting.Touch(a, &g, vesting.DefaultParams(), 2_000)
	assert.Equal(t, a.PnL, a.VestedPnL)
}

func TestTouch_LossThenProfitVestsFromLoss(t *testing.T) {
	p := vesting.Params{TauSteps: 10_000}
	g := vesting.NewGlobalHaircut()
	a := account(-10_000_000, 40_000_000, 1_000)

	vesting.Touch(a, &g, p, 2_000)
	require.Equal(t, int64(-10_000_000), a.VestedPnL)

	a.PnL = 30_000_000
	vesting.Touch(a, &g, p, 12_000)
	assert.InDelta(t, -10_000_000+40_000_000*0.632, float64(a.VestedPnL), 5_000_000)
}

func TestTouch_CliffHoldsVesting(t *testing.T) {
	p := vesting.Params{TauSteps: 10_000, CliffSteps: 5_000}
	g := vesting.NewGlobalHaircut()
	a := account(10_000, 0, 0)

	vesting.Touch(a, &g, p, 4_000)
	assert.Equal(t, int64(0), a.VestedPnL)
	assert.Equal(t, uint64(0), a.LastTouchStep)

	vesting.Touch(a, &g, p, 6_000)
	assert.Greater(t, a.VestedPnL, int64(0))
}

func TestTouch_HaircutScalesPnLNotPrincipal(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	g.PnLIndex = vesting.FPOne * 80 / 100
	a := account(50_000_000, 30_000_000, 1_000)

	res := vesting.Touch(a, &g, vesting.DefaultParams(), 1_000)
	assert.Equal(t, int64(40_000_000), a.PnL)
	assert.Equal(t, int64(24_000_000), a.VestedPnL)
	assert.Equal(t, uint64(100_000_000), a.Principal)
	assert.Equal(t, g.PnLIndex, a.HaircutCheckpoint)
	assert.Equal(t, uint64(10_000_000), res.HaircutRemoved)
}

func TestTouch_HaircutsCompose(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	a := account(50_000_000, 30_000_000, 1_000)

	g.ScaleIndex(vesting.FPOne * 90 / 100)
	vesting.Touch(a, &g, vesting.DefaultParams(), 1_000)
	assert.Equal(t, int64(45_000_000), a.PnL)

	g.ScaleIndex(vesting.FPOne * 80 / 100)
	vesting.Touch(a, &g, vesting.DefaultParams(), 1_001)
	assert.Equal(t, int64(36_000_000), a.PnL)

	// a fresh account at the composed index lands on the same pnl
	b := account(50_000_000, 0, 1_000)
	vesting.Touch(b, &g, vesting.DefaultParams(), 1_000)
	assert.InDelta(t, float64(a.PnL), float64(b.PnL), 1)
}

func TestTouch_NegativePnLUnaffectedByHaircut(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	g.PnLIndex = vesting.FPOne / 2
	a := account(-20_000_000, 0, 1_000)

	vesting.Touch(a, &g, vesting.DefaultParams(), 1_000)
	assert.Equal(t, int64(-20_000_000), a.PnL)
	assert.Equal(t, a.PnL, a.VestedPnL)
}

func TestTouch_ZeroIndexWipesPnL(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	g.PnLIndex = 0
	a := account(50_000_000, 30_000_000, 1_000)

	vesting.Touch(a, &g, vesting.DefaultParams(), 1_000)
	assert.Equal(t, int64(0), a.PnL)
	assert.Equal(t, int64(0), a.VestedPnL)
}

func TestTouch_HaircutClampsReserved(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	g.PnLIndex = vesting.FPOne * 80 / 100
	a := account(50_000_000, 0, 1_000)
	a.ReservedPnL = 45_000_000

	vesting.Touch(a, &g, vesting.DefaultParams(), 1_000)
	assert.Equal(t, uint64(40_000_000), a.ReservedPnL)
}

func TestWithdrawable_MonotonicInTime(t *testing.T) {
	p := vesting.Params{TauSteps: 5_000}
	g := vesting.NewGlobalHaircut()
	a := account(7_777_777, 0, 0)

	prev := vesting.Withdrawable(a)
	for now := uint64(100); now <= 200_000; now += 1_337 {
		vesting.Touch(a, &g, p, now)
		got := vesting.Withdrawable(a)
		require.GreaterOrEqual(t, got, prev, "now=%d", now)
		prev = got
	}

	// past the saturation horizon everything is vested
	vesting.Touch(a, &g, p, 400_000)
	assert.Equal(t, uint64(100_000_000+7_777_777), vesting.Withdrawable(a))
}

// ============================================================================
// Test: global haircut events
// ============================================================================

func TestGlobalHaircut_PerEventAndDailyCaps(t *testing.T) {
	g := vesting.NewGlobalHaircut()

	keep := g.Apply(500, 1_000, 0)
	assert.Equal(t, vesting.FPOne*7/10, keep)
	assert.Equal(t, uint64(700_000_000), g.PnLIndex)

	// second event the same day is floored at half the day-start index
	g.Apply(500, 1_000, 10)
	assert.Equal(t, uint64(500_000_000), g.PnLIndex)
	assert.Equal(t, uint64(2), g.LastEventID)

	// further events that day are absorbed entirely by the floor
	assert.Equal(t, vesting.FPOne, g.Apply(500, 1_000, 20))
	assert.Equal(t, uint64(500_000_000), g.PnLIndex)

	// next day starts a fresh budget
	g.Apply(500, 1_000, 86_400)
	assert.Equal(t, uint64(350_000_000), g.PnLIndex)
	assert.Equal(t, uint64(650_000_000), g.CumulativeHaircut)
}

func TestGlobalHaircut_NoShortfallNoEvent(t *testing.T) {
	g := vesting.NewGlobalHaircut()
	assert.Equal(t, vesting.FPOne, g.Apply(0, 1_000, 0))
	assert.Equal(t, uint64(0), g.LastEventID)
}
