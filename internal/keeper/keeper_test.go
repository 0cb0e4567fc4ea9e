package keeper_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/keeper"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/market"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	S  = 1_000_000
	t0 = int64(1_700_000_000)
)

func health(account int, h int64) keeper.AccountHealth {
	return keeper.AccountHealth{Account: account, Health: h, Equity: h + 100*S, Maintenance: 100 * S}
}

// ============================================================================
// Test: health queue
// ============================================================================

func TestHealthQueue_PopsLowestFirst(t *testing.T) {
	q := keeper.NewHealthQueue()
	q.Push(health(1, -5*S))
	q.Push(health(2, 10*S))
	q.Push(health(3, -10*S))
	require.Equal(t, 3, q.Len())

	peeked, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 3, peeked.Account)
	assert.Equal(t, 3, q.Len(), "peek keeps the entry")

	for _, want := range []int64{-10 * S, -5 * S, 10 * S} {
		h, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, h.Health)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestHealthQueue_PushReplaces(t *testing.T) {
	q := keeper.NewHealthQueue()
	q.Push(health(7, 10*S))
	q.Push(health(8, 2*S))
	q.Push(health(7, -5*S))

	assert.Equal(t, 2, q.Len())
	got, ok := q.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(-5*S), got.Health)

	worst, _ := q.Peek()
	assert.Equal(t, 7, worst.Account)

	_, ok = q.Remove(7)
	assert.True(t, ok)
	worst, _ = q.Peek()
	assert.Equal(t, 8, worst.Account)
}

func TestHealthQueue_Selection(t *testing.T) {
	q := keeper.NewHealthQueue()
	q.Push(health(1, -5*S))
	q.Push(health(2, 5*S))
	q.Push(health(3, -1*S))
	q.Push(health(4, 15*S))
	q.Push(health(5, 0))

	liq := q.Liquidatable(0)
	require.Len(t, liq, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{liq[0].Account, liq[1].Account, liq[2].Account})

	pre := q.PreliqCandidates(10 * S)
	require.Len(t, pre, 1)
	assert.Equal(t, 2, pre[0].Account)

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Liquidatable(0))
}

// ============================================================================
// Test: keeper against a fake ledger
// ============================================================================

type fakeFeed struct{ prices liquidation.Prices }

func (f *fakeFeed) Snapshot(context.Context) (liquidation.PriceSnapshot, error) {
	return liquidation.PriceSnapshot{Prices: f.prices, Timestamp: time.Now().Unix()}, nil
}

type fakeLedger struct {
	accounts  []keeper.AccountState
	submitted []int
	forced    []bool
	fail      map[int]error
}

func (f *fakeLedger) Accounts(context.Context) ([]keeper.AccountState, error) {
	return f.accounts, nil
}

func (f *fakeLedger) Liquidate(_ context.Context, account int, forcePre bool, _ int64) error {
	if err := f.fail[account]; err != nil {
		return err
	}
	f.submitted = append(f.submitted, account)
	f.forced = append(f.forced, forcePre)
	return nil
}

func long(equity int64, entry int64) keeper.AccountState {
	return keeper.AccountState{
		LedgerEquity: equity,
		Portfolio: liquidation.Portfolio{Exposures: []liquidation.Exposure{
			{Venue: "v1", Instrument: "BTC", Qty: S, EntryPrice: entry},
		}},
	}
}

func newKeeper(l keeper.Ledger, cfg keeper.Config) *keeper.Keeper {
	cfg.SubmitRate = rate.Inf
	feed := &fakeFeed{prices: liquidation.Prices{"BTC": 1_000 * S}}
	return keeper.New(l, feed, liquidation.DefaultRegistry(), cfg, nil, zerolog.Nop())
}

func TestKeeper_SubmitsHardBeforePre(t *testing.T) {
	// maintenance on 1 BTC at 1000 is 25
	l := &fakeLedger{}
	for i, eq := range []int64{500 * S, 30 * S, 10 * S, 20 * S} {
		st := long(eq, 1_000*S)
		st.Index = i
		l.accounts = append(l.accounts, st)
	}
	l.accounts = append(l.accounts, keeper.AccountState{Index: 4, LedgerEquity: -S})

	k := newKeeper(l, keeper.DefaultConfig())
	n, err := k.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []int{2, 3, 1}, l.submitted, "hard worst first, then pre")
	assert.Equal(t, []bool{false, false, true}, l.forced)

	assert.Equal(t, 1, k.Queue().Len(), "only the healthy account remains")
	_, flat := k.Queue().Get(4)
	assert.False(t, flat, "flat accounts are not tracked")
}

func TestKeeper_BatchLimitAndFailures(t *testing.T) {
	l := &fakeLedger{fail: map[int]error{
		0: liquidation.ErrCooldown,
		1: errors.New("venue down"),
	}}
	for i := 0; i < 4; i++ {
		st := long(5*S, 1_000*S)
		st.Index = i
		l.accounts = append(l.accounts, st)
	}

	cfg := keeper.DefaultConfig()
	cfg.MaxBatch = 3
	k := newKeeper(l, cfg)
	n, err := k.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []int{2}, l.submitted)
	assert.Equal(t, 3, k.Queue().Len(), "failed and unsubmitted accounts stay queued")
}

func TestKeeper_StalePricesSkipPass(t *testing.T) {
	l := &fakeLedger{accounts: []keeper.AccountState{long(S, 1_000*S)}}
	feed := staleFeed{}
	k := keeper.New(l, feed, liquidation.DefaultRegistry(), keeper.DefaultConfig(), nil, zerolog.Nop())

	_, err := k.RunOnce(context.Background())
	assert.ErrorIs(t, err, liquidation.ErrStalePrice)
	assert.Empty(t, l.submitted)
}

type staleFeed struct{}

func (staleFeed) Snapshot(context.Context) (liquidation.PriceSnapshot, error) {
	return liquidation.PriceSnapshot{Prices: liquidation.Prices{"BTC": S}, Timestamp: t0}, nil
}

// ============================================================================
// Test: keeper inside the ledger process
// ============================================================================

func TestKeeper_LiquidatesThroughEngine(t *testing.T) {
	eng := core.NewEngine(core.DefaultConfig(), nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()
	for _, cmd := range []event.Command{
		&event.OpenAccount{Meta: event.NewMeta(t0)},
		&event.Deposit{Meta: event.NewMeta(t0), Account: 0, Amount: 100 * S},
		&event.TradeFill{Meta: event.NewMeta(t0), Account: 0, Venue: "v1", Instrument: "BTC", Qty: S, Price: 1_000 * S},
	} {
		_, err := eng.Process(ctx, cmd)
		require.NoError(t, err)
	}

	oracle := market.NewOracleCache()
	oracle.Update(market.PriceUpdate{Instrument: "BTC", Price: 920 * S, Timestamp: time.Now().Unix()})
	reg := liquidation.DefaultRegistry()
	reg.Venues = []liquidation.VenueEntry{{ID: "v1", Instrument: "BTC", Active: true}}
	eng.SetExecutor(liquidation.NewExecutor(reg, oracle, market.Venues(reg, "paper", oracle, nil, 0), zerolog.Nop()))

	cfg := keeper.DefaultConfig()
	cfg.SubmitRate = rate.Inf
	k := keeper.New(keeper.NewEngineLedger(eng), oracle, reg, cfg, nil, zerolog.Nop())

	n, err := k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := eng.Account(0)
	require.NoError(t, err)
	assert.True(t, v.Portfolio.IsFlat())
	assert.Greater(t, v.Equity, int64(0), "closed before going bankrupt")
	assert.True(t, eng.Conserved())

	require.NoError(t, k.Scan(ctx))
	assert.Equal(t, 0, k.Queue().Len())
}
