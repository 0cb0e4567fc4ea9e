package withdrawal

import (
	fpmath "MarginLedger/internal/math"
	"fmt"
)

const (
	scale         = 1_000_000
	secondsPerDay = 86_400
)

// Params are the rolling-window exit caps.
type Params struct {
	UserPctPerWindowBps  uint64 // share of equity per window
	UserHardMaxPerWindow uint64
	WindowSecs           int64
	TVLPctPerWindowBps   uint64
	GlobalHardMaxBps     uint64 // hard cap as a share of TVL
}

func DefaultParams() Params {
	return Params{
		UserPctPerWindowBps:  2_000,
		UserHardMaxPerWindow: 500_000 * scale,
		WindowSecs:           3_600,
		TVLPctPerWindowBps:   500,
		GlobalHardMaxBps:     10_000,
	}
}

func (p Params) Validate() error {
	if p.WindowSecs <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidParams, p.WindowSecs)
	}
	if p.UserPctPerWindowBps > fpmath.BpsDenominator || p.TVLPctPerWindowBps > fpmath.BpsDenominator || p.GlobalHardMaxBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: basis points above %d", ErrInvalidParams, fpmath.BpsDenominator)
	}
	return nil
}

// Thresholds are the daily allowances that bypass the window caps.
type Thresholds struct {
	FreePnLPerDay   uint64
	FastLanePctBps  uint64 // share of principal
	FastLaneHardMax uint64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FreePnLPerDay:   500 * scale,
		FastLanePctBps:  500,
		FastLaneHardMax: 10_000 * scale,
	}
}

// Emergency scales every window cap while active. Bypass thresholds are not scaled.
type Emergency struct {
	Active            bool
	ExitMultiplierBps uint64
	ExpiresAtSecs     int64 // zero means no expiry
}

func DefaultEmergency() Emergency {
	return Emergency{ExitMultiplierBps: fpmath.BpsDenominator}
}

// InEffect reports whether emergency scaling applies at now.
func (e Emergency) InEffect(nowSecs int64) bool {
	return e.Active && (e.ExpiresAtSecs == 0 || nowSecs < e.ExpiresAtSecs)
}

func (e Emergency) scale(cap uint64, nowSecs int64) uint64 {
	if !e.InEffect(nowSecs) {
		return cap
	}
	return fpmath.Bps(cap, e.ExitMultiplierBps)
}
