package liquidation

import (
	fpmath "MarginLedger/internal/math"
)

// Exposure is a position held on one venue.
type Exposure struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Qty        int64  `json:"qty"`         // signed, QuantityConfig scale
	EntryPrice int64  `json:"entry_price"` // PriceConfig scale
}

// Portfolio is an account's cross-venue exposure set.
type Portfolio struct {
	Exposures         []Exposure `json:"exposures"`
	LastLiquidationTs int64      `json:"last_liquidation_ts"`
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Exposures = append([]Exposure(nil), p.Exposures...)
	return &c
}

// IsFlat reports whether every exposure is zero.
func (p *Portfolio) IsFlat() bool {
	for _, e := range p.Exposures {
		if e.Qty != 0 {
			return false
		}
	}
	return true
}

// Prices maps instrument to reference price.
type Prices map[string]int64

func sideSign(qty int64) int64 {
	if qty < 0 {
		return -1
	}
	return 1
}

// UnrealizedPnL marks every priced exposure to its reference price.
func UnrealizedPnL(p *Portfolio, prices Prices) int64 {
	var total int64
	for _, e := range p.Exposures {
		px, ok := prices[e.Instrument]
		if e.Qty == 0 || !ok || px <= 0 {
			continue
		}
		total = fpmath.AddI64(total, fpmath.ComputeRealizedPnL(sideSign(e.Qty), px, e.EntryPrice, fpmath.Abs(e.Qty)))
	}
	return total
}

// TotalNotional sums |qty| * price across priced exposures.
func TotalNotional(p *Portfolio, prices Prices) uint64 {
	var total uint64
	for _, e := range p.Exposures {
		total = fpmath.AddU64(total, fpmath.ComputeNotional(e.Qty, prices[e.Instrument]))
	}
	return total
}

// MaintenanceRequirement is Σ notional * mmr over priced exposures.
func MaintenanceRequirement(p *Portfolio, prices Prices, reg *Registry) uint64 {
	var total uint64
	for _, e := range p.Exposures {
		notional := fpmath.ComputeNotional(e.Qty, prices[e.Instrument])
		total = fpmath.AddU64(total, fpmath.Bps(notional, reg.MMRFor(e.Instrument)))
	}
	return total
}

// InitialRequirement is Σ notional * imr over priced exposures.
func InitialRequirement(p *Portfolio, prices Prices, reg *Registry) uint64 {
	var total uint64
	for _, e := range p.Exposures {
		notional := fpmath.ComputeNotional(e.Qty, prices[e.Instrument])
		total = fpmath.AddU64(total, fpmath.Bps(notional, reg.IMRFor(e.Instrument)))
	}
	return total
}

// Equity is ledger equity (principal + pnl) plus unrealized PnL.
func Equity(ledgerEquity int64, p *Portfolio, prices Prices) int64 {
	return fpmath.AddI64(ledgerEquity, UnrealizedPnL(p, prices))
}

// Health is equity - maintenance requirement.
func Health(equity int64, maintenance uint64) int64 {
	return fpmath.SubI64(equity, fpmath.ToSigned(maintenance))
}

// PortfolioHealth computes health for an account.
func PortfolioHealth(ledgerEquity int64, p *Portfolio, prices Prices, reg *Registry) int64 {
	return Health(Equity(ledgerEquity, p, prices), MaintenanceRequirement(p, prices, reg))
}
