package market_test

import (
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/market"
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const S = 1_000_000

// ============================================================================
// Test: oracle cache
// ============================================================================

func TestOracleCache_KeepsNewest(t *testing.T) {
	c := market.NewOracleCache()
	ctx := context.Background()

	_, err := c.Snapshot(ctx)
	assert.ErrorIs(t, err, liquidation.ErrNoPrice)

	assert.True(t, c.Update(market.PriceUpdate{Instrument: "BTC", Price: 100 * S, Timestamp: 10}))
	assert.False(t, c.Update(market.PriceUpdate{Instrument: "BTC", Price: 90 * S, Timestamp: 9}), "older tick")
	assert.False(t, c.Update(market.PriceUpdate{Instrument: "BTC", Price: 0, Timestamp: 11}), "non-positive price")
	assert.True(t, c.Update(market.PriceUpdate{Instrument: "ETH", Price: 5 * S, Timestamp: 7}))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, liquidation.Prices{"BTC": 100 * S, "ETH": 5 * S}, snap.Prices)
	assert.Equal(t, int64(7), snap.Timestamp, "oldest observation")
}

// ============================================================================
// Test: paper venue
// ============================================================================

func TestPaperVenue_FillsAtOracle(t *testing.T) {
	c := market.NewOracleCache()
	c.Update(market.PriceUpdate{Instrument: "BTC", Price: 1_000 * S, Timestamp: 1})
	v := market.NewPaperVenue("v1", c, 10)
	ctx := context.Background()

	fill, err := v.Execute(ctx, "BTC", liquidation.SideSell, S, 990*S)
	require.NoError(t, err)
	assert.Equal(t, uint64(S), fill.FilledQty)
	assert.Equal(t, int64(1_000*S), fill.AvgPrice)
	assert.Equal(t, uint64(1_000*S), fill.Notional)
	assert.Equal(t, uint64(1*S), fill.Fee, "10 bps of notional")

	_, err = v.Execute(ctx, "BTC", liquidation.SideSell, S, 1_010*S)
	assert.ErrorIs(t, err, liquidation.ErrLimitViolated)
	assert.True(t, liquidation.IsVenueRejection(err))

	_, err = v.Quote(ctx, "DOGE")
	assert.ErrorIs(t, err, liquidation.ErrNoPrice)
}

// ============================================================================
// Test: NATS venue
// ============================================================================

type fakeRequester struct {
	subjects []string
	reply    any
}

func (f *fakeRequester) RequestWithContext(_ context.Context, subj string, _ []byte) (*nats.Msg, error) {
	f.subjects = append(f.subjects, subj)
	data, _ := json.Marshal(f.reply)
	return &nats.Msg{Subject: subj, Data: data}, nil
}

func TestNATSVenue_MapsReplies(t *testing.T) {
	ctx := context.Background()
	req := &fakeRequester{reply: map[string]any{"mark": 42}}
	v := market.NewNATSVenue("v2", req)

	mark, err := v.Quote(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(42), mark)

	req.reply = map[string]any{"filled_qty": 3, "avg_price": 41, "notional": 123, "fee": 1}
	fill, err := v.Execute(ctx, "BTC", liquidation.SideSell, 3, 40)
	require.NoError(t, err)
	assert.Equal(t, liquidation.Fill{FilledQty: 3, AvgPrice: 41, Notional: 123, Fee: 1}, fill)

	req.reply = map[string]any{"error": "insufficient_liquidity"}
	_, err = v.Execute(ctx, "BTC", liquidation.SideSell, 3, 40)
	assert.ErrorIs(t, err, liquidation.ErrInsufficientLiquidity)

	assert.Equal(t, []string{
		"margin.venues.v2.quote",
		"margin.venues.v2.execute",
		"margin.venues.v2.execute",
	}, req.subjects)
}

func TestVenues_OnePerRegistryID(t *testing.T) {
	reg := liquidation.DefaultRegistry()
	reg.Venues = []liquidation.VenueEntry{
		{ID: "v1", Instrument: "BTC", Active: true},
		{ID: "v1", Instrument: "ETH", Active: true},
		{ID: "v2", Instrument: "BTC", Active: false},
	}
	venues := market.Venues(reg, "paper", market.NewOracleCache(), nil, 0)
	require.Len(t, venues, 2)
	assert.Equal(t, "v1", venues[0].ID())
	assert.Equal(t, "v2", venues[1].ID())
}
