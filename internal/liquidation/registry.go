package liquidation

import (
	fpmath "MarginLedger/internal/math"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstrumentParams overrides the registry-wide margin rates for one instrument.
type InstrumentParams struct {
	IMRBps uint64 `yaml:"imr_bps"`
	MMRBps uint64 `yaml:"mmr_bps"`
}

// VenueEntry is an execution venue known to the planner.
type VenueEntry struct {
	ID         string `yaml:"id"`
	Instrument string `yaml:"instrument"`
	Active     bool   `yaml:"active"`
}

// Registry holds liquidation policy.
type Registry struct {
	IMRBps             uint64                      `yaml:"imr_bps"`
	MMRBps             uint64                      `yaml:"mmr_bps"`
	LiqBandBps         uint64                      `yaml:"liq_band_bps"`
	PreliqBuffer       int64                       `yaml:"preliq_buffer"`
	PreliqBandBps      uint64                      `yaml:"preliq_band_bps"`
	CapPerVenue        uint64                      `yaml:"cap_per_venue"`
	MinEquityToQuote   int64                       `yaml:"min_equity_to_quote"`
	OracleToleranceBps uint64                      `yaml:"oracle_tolerance_bps"`
	CooldownSecs       int64                       `yaml:"cooldown_secs"`
	MaxPriceAgeSecs    int64                       `yaml:"max_price_age_secs"`
	Instruments        map[string]InstrumentParams `yaml:"instruments"`
	Venues             []VenueEntry                `yaml:"venues"`
}

// DefaultRegistry returns the default policy: 5% initial and 2.5% maintenance
// margin, a 2% hard band and a 1% pre-liquidation band.
func DefaultRegistry() *Registry {
	return &Registry{
		IMRBps:             500,
		MMRBps:             250,
		LiqBandBps:         200,
		PreliqBuffer:       10_000_000,
		PreliqBandBps:      100,
		CapPerVenue:        1_000_000_000,
		MinEquityToQuote:   100_000_000,
		OracleToleranceBps: 50,
		CooldownSecs:       60,
		MaxPriceAgeSecs:    30,
		Instruments:        map[string]InstrumentParams{},
	}
}

// LoadRegistry reads a YAML registry. Fields absent from the file keep their defaults.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg := DefaultRegistry()
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Validate checks that the policy is internally consistent:
// mmr > 0, imr > mmr, imr < 100%, bands positive with pre-liquidation tighter.
func (r *Registry) Validate() error {
	if err := validateRates(r.IMRBps, r.MMRBps); err != nil {
		return err
	}
	for name, p := range r.Instruments {
		if err := validateRates(p.IMRBps, p.MMRBps); err != nil {
			return fmt.Errorf("instrument %s: %w", name, err)
		}
	}
	if r.LiqBandBps == 0 || r.LiqBandBps >= fpmath.BpsDenominator {
		return fmt.Errorf("%w: liq_band_bps must be in (0, 10000), got %d", ErrInvalidRegistry, r.LiqBandBps)
	}
	if r.PreliqBandBps == 0 || r.PreliqBandBps > r.LiqBandBps {
		return fmt.Errorf("%w: preliq_band_bps (%d) must be in (0, liq_band_bps]", ErrInvalidRegistry, r.PreliqBandBps)
	}
	if r.PreliqBuffer < 0 {
		return fmt.Errorf("%w: preliq_buffer must be >= 0, got %d", ErrInvalidRegistry, r.PreliqBuffer)
	}
	if r.CapPerVenue == 0 {
		return fmt.Errorf("%w: cap_per_venue must be > 0", ErrInvalidRegistry)
	}
	if r.CooldownSecs < 0 || r.MaxPriceAgeSecs < 0 {
		return fmt.Errorf("%w: durations must be >= 0", ErrInvalidRegistry)
	}
	seen := make(map[string]bool, len(r.Venues))
	for _, v := range r.Venues {
		key := v.ID + "/" + v.Instrument
		if v.ID == "" || v.Instrument == "" {
			return fmt.Errorf("%w: venue entry needs id and instrument", ErrInvalidRegistry)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate venue %s", ErrInvalidRegistry, key)
		}
		seen[key] = true
	}
	return nil
}

func validateRates(imr, mmr uint64) error {
	if mmr == 0 {
		return fmt.Errorf("%w: mmr_bps must be > 0", ErrInvalidRegistry)
	}
	if imr <= mmr {
		return fmt.Errorf("%w: imr_bps (%d) must be > mmr_bps (%d)", ErrInvalidRegistry, imr, mmr)
	}
	if imr >= fpmath.BpsDenominator {
		return fmt.Errorf("%w: imr_bps must be < 10000, got %d", ErrInvalidRegistry, imr)
	}
	return nil
}

// MMRFor returns the maintenance rate for an instrument.
func (r *Registry) MMRFor(instrument string) uint64 {
	if p, ok := r.Instruments[instrument]; ok {
		return p.MMRBps
	}
	return r.MMRBps
}

// IMRFor returns the initial margin rate for an instrument.
func (r *Registry) IMRFor(instrument string) uint64 {
	if p, ok := r.Instruments[instrument]; ok {
		return p.IMRBps
	}
	return r.IMRBps
}

// ActiveVenues returns the active venue entries in registry order.
func (r *Registry) ActiveVenues() []VenueEntry {
	out := make([]VenueEntry, 0, len(r.Venues))
	for _, v := range r.Venues {
		if v.Active {
			out = append(out, v)
		}
	}
	return out
}
