package liquidation

import (
	fpmath "MarginLedger/internal/math"
)

// find returns the exposure for (venue, instrument), creating it if absent.
func (p *Portfolio) find(venue, instrument string) *Exposure {
	for i := range p.Exposures {
		if p.Exposures[i].Venue == venue && p.Exposures[i].Instrument == instrument {
			return &p.Exposures[i]
		}
	}
	p.Exposures = append(p.Exposures, Exposure{Venue: venue, Instrument: instrument})
	return &p.Exposures[len(p.Exposures)-1]
}

// Exposure returns a copy of the exposure on (venue, instrument).
func (p *Portfolio) Exposure(venue, instrument string) (Exposure, bool) {
	for _, e := range p.Exposures {
		if e.Venue == venue && e.Instrument == instrument {
			return e, true
		}
	}
	return Exposure{}, false
}

// ApplyFill books a signed fill (positive buys) at price and returns the PnL
// realized by any reduction. Same-side fills move the entry price to the
// quantity-weighted average; a fill larger than the exposure closes it and
// opens the remainder on the other side at price.
func (p *Portfolio) ApplyFill(venue, instrument string, qty, price int64) int64 {
	if qty == 0 {
		return 0
	}
	e := p.find(venue, instrument)

	switch {
	case e.Qty == 0:
		e.Qty = qty
		e.EntryPrice = price
		return 0

	case (e.Qty > 0) == (qty > 0):
		e.EntryPrice = avgEntry(e.Qty, e.EntryPrice, qty, price)
		e.Qty = fpmath.AddI64(e.Qty, qty)
		return 0
	}

	held := fpmath.Abs(e.Qty)
	closing := fpmath.MinU64(held, fpmath.Abs(qty))
	realized := fpmath.ComputeRealizedPnL(sideSign(e.Qty), price, e.EntryPrice, closing)

	switch {
	case fpmath.Abs(qty) < held:
		e.Qty = fpmath.AddI64(e.Qty, qty)
	case fpmath.Abs(qty) == held:
		e.Qty = 0
		e.EntryPrice = 0
	default:
		e.Qty = fpmath.AddI64(e.Qty, qty)
		e.EntryPrice = price
	}
	return realized
}

func avgEntry(q0, p0, q1, p1 int64) int64 {
	a0, a1 := fpmath.Abs(q0), fpmath.Abs(q1)
	total := fpmath.AddU64(a0, a1)
	if total == 0 {
		return p1
	}
	num := fpmath.AddU64(fpmath.MulDiv(a0, uint64(p0), total), fpmath.MulDiv(a1, uint64(p1), total))
	return fpmath.ToSigned(num)
}
