package liquidation

import (
	fpmath "MarginLedger/internal/math"
)

// MaxSplits bounds the number of venue orders in one plan.
const MaxSplits = 8

// Side of a reduce-only order.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// VenueQuote is a venue's current mark for an instrument.
type VenueQuote struct {
	Venue      string
	Instrument string
	Mark       int64
}

// Split is one reduce-only order.
type Split struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Side       Side   `json:"side"`
	Qty        uint64 `json:"qty"`
	LimitPrice int64  `json:"limit_price"`
}

// Plan is the output of PlanLiquidation.
type Plan struct {
	Mode              Mode    `json:"mode"`
	Health            int64   `json:"health"`
	Splits            []Split `json:"splits"`
	ExpectedReduction uint64  `json:"expected_reduction"`
	BandLow           int64   `json:"band_low"`
	BandHigh          int64   `json:"band_high"`
}

// PlanLiquidation builds a deterministic reduce-only plan for an account whose
// health is below the pre-liquidation buffer. Exposures without an oracle
// price are skipped. Each exposure is routed to the first quote on its own
// venue that is oracle-aligned, capped at CapPerVenue.
func PlanLiquidation(
	ledgerEquity int64,
	p *Portfolio,
	reg *Registry,
	prices Prices,
	quotes []VenueQuote,
	forcePre bool,
	now int64,
) (*Plan, error) {
	open, priced := 0, 0
	for _, e := range p.Exposures {
		if e.Qty == 0 {
			continue
		}
		open++
		if px, ok := prices[e.Instrument]; ok && px > 0 {
			priced++
		}
	}
	if open > 0 && priced == 0 {
		return nil, ErrNoPrice
	}

	health := PortfolioHealth(ledgerEquity, p, prices, reg)
	mode, err := SelectMode(health, reg, forcePre, p.LastLiquidationTs, now)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Mode: mode, Health: health}
	bandBps := mode.BandBps(reg)

	for _, e := range p.Exposures {
		if e.Qty == 0 {
			continue
		}
		oracle, ok := prices[e.Instrument]
		if !ok || oracle <= 0 {
			continue
		}
		low, high := PriceBand(oracle, bandBps)
		plan.BandLow, plan.BandHigh = low, high

		side, limit := SideSell, low
		if e.Qty < 0 {
			side, limit = SideBuy, high
		}

		for _, q := range quotes {
			if q.Venue != e.Venue || q.Instrument != e.Instrument {
				continue
			}
			if !OracleAligned(q.Mark, oracle, reg.OracleToleranceBps) {
				continue
			}
			if len(plan.Splits) >= MaxSplits {
				return nil, ErrPlanFull
			}
			qty := fpmath.MinU64(fpmath.Abs(e.Qty), reg.CapPerVenue)
			plan.Splits = append(plan.Splits, Split{
				Venue:      e.Venue,
				Instrument: e.Instrument,
				Side:       side,
				Qty:        qty,
				LimitPrice: limit,
			})
			plan.ExpectedReduction = fpmath.AddU64(plan.ExpectedReduction, qty)
			break
		}
	}
	return plan, nil
}
