package query_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/query"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	S  = 1_000_000
	t0 = int64(1_700_000_000)
)

type staticFeed struct {
	prices liquidation.Prices
	err    error
}

func (f *staticFeed) Snapshot(context.Context) (liquidation.PriceSnapshot, error) {
	if f.err != nil {
		return liquidation.PriceSnapshot{}, f.err
	}
	return liquidation.PriceSnapshot{Prices: f.prices, Timestamp: t0}, nil
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	eng := core.NewEngine(core.DefaultConfig(), nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()
	for _, cmd := range []event.Command{
		&event.OpenAccount{Meta: event.NewMeta(t0)},
		&event.OpenAccount{Meta: event.NewMeta(t0)},
		&event.Deposit{Meta: event.NewMeta(t0), Account: 0, Amount: 10_000 * S},
		&event.Deposit{Meta: event.NewMeta(t0), Account: 1, Amount: 500 * S},
		&event.TradeFill{Meta: event.NewMeta(t0), Account: 0, Venue: "v1", Instrument: "BTC", Qty: S, Price: 1_000 * S},
		&event.RequestWithdrawal{Meta: event.NewMeta(t0), Account: 1, Amount: 400 * S},
	} {
		_, err := eng.Process(ctx, cmd)
		require.NoError(t, err, "%s", cmd.CommandType())
	}
	return eng
}

// ============================================================================
// Test: engine-backed reads
// ============================================================================

func TestGetAccount_MatchesEngineView(t *testing.T) {
	eng := newEngine(t)
	qs := query.NewQueryService(eng, nil, nil, nil)

	resp, err := qs.GetAccount(context.Background(), 0)
	require.NoError(t, err)

	view, err := eng.Account(0)
	require.NoError(t, err)
	assert.Equal(t, view.Account.Principal, resp.Principal)
	assert.Equal(t, view.Equity, resp.Equity)
	assert.Equal(t, view.Withdrawable, resp.Withdrawable)
	assert.Equal(t, eng.Sequence(), resp.AsOfSequence)
	require.Len(t, resp.Exposures, 1)
	assert.Equal(t, "BTC", resp.Exposures[0].Instrument)
	assert.Equal(t, int64(S), resp.Exposures[0].Qty)

	_, err = qs.GetAccount(context.Background(), 9)
	assert.ErrorIs(t, err, core.ErrUnknownAccount)
}

func TestGetSystem_ReportsGlobals(t *testing.T) {
	eng := newEngine(t)
	qs := query.NewQueryService(eng, nil, nil, nil)

	sys, err := qs.GetSystem(context.Background())
	require.NoError(t, err)

	g := eng.Globals()
	assert.Equal(t, g.Vault, sys.Vault)
	assert.Equal(t, g.InsuranceFund, sys.InsuranceFund)
	assert.Equal(t, 2, sys.AccountCount)
	assert.Equal(t, len(eng.Pending()), sys.PendingCount)
	assert.True(t, sys.Conserved)
	assert.Equal(t, int64(6), sys.Sequence)
	assert.Len(t, sys.StateHash, 64)
}

func TestListPending_FiltersByAccount(t *testing.T) {
	eng := newEngine(t)
	qs := query.NewQueryService(eng, nil, nil, nil)
	ctx := context.Background()

	all, err := qs.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(eng.Pending()))

	zero := 0
	mine, err := qs.ListPending(ctx, &zero)
	require.NoError(t, err)
	assert.Empty(t, mine, "account 0 has not withdrawn")

	one := 1
	theirs, err := qs.ListPending(ctx, &one)
	require.NoError(t, err)
	for _, p := range theirs {
		assert.Equal(t, 1, p.Account)
	}
}

// ============================================================================
// Test: margin
// ============================================================================

func TestGetMargin_MarksToOracle(t *testing.T) {
	eng := newEngine(t)
	reg := liquidation.DefaultRegistry()
	feed := &staticFeed{prices: liquidation.Prices{"BTC": 900 * S}}
	qs := query.NewQueryService(eng, nil, feed, reg)

	m, err := qs.GetMargin(context.Background(), 0)
	require.NoError(t, err)

	view, _ := eng.Account(0)
	upnl := liquidation.UnrealizedPnL(&view.Portfolio, feed.prices)
	assert.Less(t, upnl, int64(0), "long marked below entry")
	assert.Equal(t, upnl, m.UnrealizedPnL)
	assert.Equal(t, view.Equity+upnl, m.Equity)
	assert.Equal(t, liquidation.MaintenanceRequirement(&view.Portfolio, feed.prices, reg), m.Maintenance)
	assert.GreaterOrEqual(t, m.Initial, m.Maintenance)
	assert.Equal(t, "Healthy", m.Mode, "deposit covers the position")
	assert.False(t, m.IsLiquidatable)
	assert.Equal(t, t0, m.PriceTimestamp)
}

func TestGetMargin_Errors(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := query.NewQueryService(eng, nil, nil, nil).GetMargin(ctx, 0)
	assert.ErrorIs(t, err, query.ErrNoPriceFeed)

	boom := errors.New("oracle down")
	qs := query.NewQueryService(eng, nil, &staticFeed{err: boom}, liquidation.DefaultRegistry())
	_, err = qs.GetMargin(ctx, 0)
	assert.ErrorIs(t, err, boom)
}

// ============================================================================
// Test: history and integrity without a database
// ============================================================================

func TestJournalHistory_NeedsDatabase(t *testing.T) {
	qs := query.NewQueryService(newEngine(t), nil, nil, nil)
	_, err := qs.GetJournalHistory(context.Background(), 0, 10, nil)
	assert.ErrorIs(t, err, query.ErrNoDatabase)
}

func TestVerifyIntegrity_InMemory(t *testing.T) {
	qs := query.NewQueryService(newEngine(t), nil, nil, nil)
	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.True(t, report.Conserved)
	assert.True(t, report.JournalsMatch)
	assert.Empty(t, report.HashChainBreaks)
}
