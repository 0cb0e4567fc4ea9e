package liquidation

import (
	fpmath "MarginLedger/internal/math"
)

// Mode is the liquidation state of an account.
type Mode int

const (
	ModeHealthy Mode = iota
	ModePreLiquidation
	ModeHardLiquidation
)

func (m Mode) String() string {
	switch m {
	case ModeHealthy:
		return "Healthy"
	case ModePreLiquidation:
		return "PreLiquidation"
	case ModeHardLiquidation:
		return "HardLiquidation"
	default:
		return "Unknown"
	}
}

// BandBps returns the price band width for the mode.
func (m Mode) BandBps(reg *Registry) uint64 {
	if m == ModePreLiquidation {
		return reg.PreliqBandBps
	}
	return reg.LiqBandBps
}

// DetermineMode maps health to a mode: negative is hard, below the buffer is
// pre-liquidation, anything else (the buffer itself included) is healthy.
func DetermineMode(health, preliqBuffer int64) Mode {
	switch {
	case health < 0:
		return ModeHardLiquidation
	case health < preliqBuffer:
		return ModePreLiquidation
	default:
		return ModeHealthy
	}
}

// SelectMode applies the force-pre flag and the pre-liquidation cooldown.
func SelectMode(health int64, reg *Registry, forcePre bool, lastLiquidationTs, now int64) (Mode, error) {
	var mode Mode
	if forcePre {
		if health >= reg.PreliqBuffer {
			return ModeHealthy, ErrPortfolioHealthy
		}
		mode = ModePreLiquidation
	} else {
		mode = DetermineMode(health, reg.PreliqBuffer)
		if mode == ModeHealthy {
			return ModeHealthy, ErrPortfolioHealthy
		}
	}
	if mode == ModePreLiquidation && fpmath.SubI64(now, lastLiquidationTs) < reg.CooldownSecs {
		return mode, ErrCooldown
	}
	return mode, nil
}

// PriceBand returns the symmetric band around price.
func PriceBand(price int64, bandBps uint64) (low, high int64) {
	if price == 0 {
		return 0, 0
	}
	band := fpmath.ToSigned(fpmath.Bps(fpmath.Abs(price), bandBps))
	if price > 0 {
		return fpmath.SubI64(price, band), fpmath.AddI64(price, band)
	}
	return fpmath.AddI64(price, band), fpmath.SubI64(price, band)
}

// OracleAligned reports whether a venue mark is within toleranceBps of the
// oracle price, inclusive. A zero oracle price never aligns.
func OracleAligned(mark, oracle int64, toleranceBps uint64) bool {
	if oracle == 0 {
		return false
	}
	diff := fpmath.Abs(fpmath.SubI64(mark, oracle))
	return diff <= fpmath.Bps(fpmath.Abs(oracle), toleranceBps)
}
