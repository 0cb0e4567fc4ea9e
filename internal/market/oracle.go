package market

import (
	"MarginLedger/internal/liquidation"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PriceSubject carries oracle updates, one instrument per message.
const PriceSubject = "margin.prices.>"

// PriceUpdate is one oracle observation.
type PriceUpdate struct {
	Instrument string `json:"instrument"`
	Price      int64  `json:"price"`     // PriceConfig scale
	Timestamp  int64  `json:"timestamp"` // unix seconds
}

// OracleCache keeps the latest price per instrument and serves them as a
// liquidation.PriceFeed.
type OracleCache struct {
	mu     sync.RWMutex
	prices map[string]PriceUpdate
}

func NewOracleCache() *OracleCache {
	return &OracleCache{prices: make(map[string]PriceUpdate)}
}

// Update records u unless an equal or newer observation is already held.
func (c *OracleCache) Update(u PriceUpdate) bool {
	if u.Instrument == "" || u.Price <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.prices[u.Instrument]; ok && cur.Timestamp >= u.Timestamp {
		return false
	}
	c.prices[u.Instrument] = u
	return true
}

// Snapshot returns every cached price. The snapshot timestamp is the oldest
// observation so staleness checks cover every instrument.
func (c *OracleCache) Snapshot(_ context.Context) (liquidation.PriceSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.prices) == 0 {
		return liquidation.PriceSnapshot{}, liquidation.ErrNoPrice
	}
	snap := liquidation.PriceSnapshot{Prices: make(liquidation.Prices, len(c.prices))}
	for inst, u := range c.prices {
		snap.Prices[inst] = u.Price
		if snap.Timestamp == 0 || u.Timestamp < snap.Timestamp {
			snap.Timestamp = u.Timestamp
		}
	}
	return snap, nil
}

// Price returns the cached price of one instrument.
func (c *OracleCache) Price(instrument string) (PriceUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.prices[instrument]
	return u, ok
}

// Subscribe feeds the cache from core NATS. Prices are not replayed, so a
// plain subscription is enough; a restarted process waits for fresh ticks.
func (c *OracleCache) Subscribe(nc *nats.Conn, subject string, logger zerolog.Logger) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var u PriceUpdate
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed price update")
			return
		}
		c.Update(u)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
