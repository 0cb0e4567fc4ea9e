package liquidation

import (
	fpmath "MarginLedger/internal/math"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State tracks liquidation progress.
type State int32

const (
	StateHealthy State = iota
	StateAtRisk
	StateInLiquidation
	StatePartiallyLiquidated
	StateClosed
	StateBankrupt
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateAtRisk:
		return "AtRisk"
	case StateInLiquidation:
		return "InLiquidation"
	case StatePartiallyLiquidated:
		return "PartiallyLiquidated"
	case StateClosed:
		return "Closed"
	case StateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateHealthy:             {StateAtRisk},
	StateAtRisk:              {StateHealthy, StateInLiquidation},
	StateInLiquidation:       {StatePartiallyLiquidated, StateClosed, StateHealthy},
	StatePartiallyLiquidated: {StatePartiallyLiquidated, StateClosed, StateHealthy},
	StateClosed:              {StateBankrupt, StateHealthy, StateInLiquidation},
	StateBankrupt:            {StateHealthy, StateInLiquidation},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Fill is a venue execution report.
type Fill struct {
	FilledQty uint64
	AvgPrice  int64
	Notional  uint64
	Fee       uint64
}

// Venue executes reduce-only orders. Execute returns ErrInsufficientLiquidity
// or ErrLimitViolated when it cannot fill within the limit.
type Venue interface {
	ID() string
	Quote(ctx context.Context, instrument string) (int64, error)
	Execute(ctx context.Context, instrument string, side Side, qty uint64, limit int64) (Fill, error)
}

// PriceSnapshot is a set of oracle prices observed at Timestamp (unix seconds).
type PriceSnapshot struct {
	Prices    Prices
	Timestamp int64
}

// PriceFeed supplies oracle prices.
type PriceFeed interface {
	Snapshot(ctx context.Context) (PriceSnapshot, error)
}

// SplitResult is the outcome of one split.
type SplitResult struct {
	Split    Split
	Fill     Fill
	Realized int64
	Err      error
}

// Result summarizes a liquidation run. Realized and Fees are to be settled
// into the account's ledger PnL by the caller.
type Result struct {
	LiquidationID uuid.UUID
	Account       int
	Plan          *Plan
	Splits        []SplitResult
	Realized      int64
	Fees          uint64
	Notional      uint64
	PostHealth    int64
	PostMode      Mode
	State         State
	Prices        Prices
}

// Active is a liquidation that has not recovered yet.
type Active struct {
	LiquidationID uuid.UUID
	Account       int
	Mode          Mode
	TriggeredAt   int64
	InitialQty    uint64
	RemainingQty  uint64
	State         State
}

// Executor plans and runs liquidations against venues.
type Executor struct {
	mu     sync.Mutex
	reg    *Registry
	feed   PriceFeed
	venues map[string]Venue
	active map[int]*Active // account -> liquidation
	logger zerolog.Logger
}

func NewExecutor(reg *Registry, feed PriceFeed, venues []Venue, logger zerolog.Logger) *Executor {
	m := make(map[string]Venue, len(venues))
	for _, v := range venues {
		m[v.ID()] = v
	}
	return &Executor{
		reg:    reg,
		feed:   feed,
		venues: m,
		active: make(map[int]*Active),
		logger: logger,
	}
}

// Registry returns the policy in use.
func (e *Executor) Registry() *Registry { return e.reg }

// Prices returns a fresh oracle snapshot or ErrStalePrice.
func (e *Executor) Prices(ctx context.Context, now int64) (Prices, error) {
	snap, err := e.feed.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("price snapshot: %w", err)
	}
	if e.reg.MaxPriceAgeSecs > 0 && now-snap.Timestamp > e.reg.MaxPriceAgeSecs {
		return nil, fmt.Errorf("%w: observed at %d, now %d", ErrStalePrice, snap.Timestamp, now)
	}
	return snap.Prices, nil
}

// Quotes collects marks from every active venue in registry order.
func (e *Executor) Quotes(ctx context.Context) []VenueQuote {
	var quotes []VenueQuote
	for _, entry := range e.reg.ActiveVenues() {
		v, ok := e.venues[entry.ID]
		if !ok {
			continue
		}
		mark, err := v.Quote(ctx, entry.Instrument)
		if err != nil {
			e.logger.Warn().Err(err).Str("venue", entry.ID).Str("instrument", entry.Instrument).Msg("quote unavailable")
			continue
		}
		quotes = append(quotes, VenueQuote{Venue: entry.ID, Instrument: entry.Instrument, Mark: mark})
	}
	return quotes
}

// Liquidate plans and executes a reduce-only liquidation of p, mutating its
// exposures and LastLiquidationTs. ledgerEquity is principal + pnl before
// the run.
func (e *Executor) Liquidate(
	ctx context.Context,
	account int,
	ledgerEquity int64,
	p *Portfolio,
	forcePre bool,
	now int64,
) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prices, err := e.Prices(ctx, now)
	if err != nil {
		return nil, err
	}
	plan, err := PlanLiquidation(ledgerEquity, p, e.reg, prices, e.Quotes(ctx), forcePre, now)
	if err != nil {
		return nil, err
	}

	liq := e.trigger(account, plan, now)
	res := &Result{
		LiquidationID: liq.LiquidationID,
		Account:       account,
		Plan:          plan,
		Prices:        prices,
	}

	for _, split := range plan.Splits {
		sr := e.executeSplit(ctx, p, split)
		res.Splits = append(res.Splits, sr)
		if sr.Err != nil {
			e.logger.Warn().Err(sr.Err).
				Str("liquidation_id", liq.LiquidationID.String()).
				Str("venue", split.Venue).
				Msg("split rejected")
			continue
		}
		res.Realized = fpmath.AddI64(res.Realized, sr.Realized)
		res.Fees = fpmath.AddU64(res.Fees, sr.Fill.Fee)
		res.Notional = fpmath.AddU64(res.Notional, sr.Fill.Notional)
		if err := e.recordFill(liq, sr.Fill.FilledQty); err != nil {
			return nil, err
		}
	}

	p.LastLiquidationTs = now
	postEquity := fpmath.SubI64(fpmath.AddI64(ledgerEquity, res.Realized), fpmath.ToSigned(res.Fees))
	res.PostHealth = PortfolioHealth(postEquity, p, prices, e.reg)
	res.PostMode = DetermineMode(res.PostHealth, e.reg.PreliqBuffer)
	if res.PostMode == ModeHealthy {
		e.recover(liq)
	}
	res.State = liq.State

	e.logger.Info().
		Str("liquidation_id", liq.LiquidationID.String()).
		Int("account", account).
		Str("mode", plan.Mode.String()).
		Int64("health", plan.Health).
		Int64("post_health", res.PostHealth).
		Int("splits", len(plan.Splits)).
		Str("state", res.State.String()).
		Msg("liquidation executed")
	return res, nil
}

func (e *Executor) trigger(account int, plan *Plan, now int64) *Active {
	liq, ok := e.active[account]
	if !ok {
		liq = &Active{
			LiquidationID: uuid.New(),
			Account:       account,
			TriggeredAt:   now,
			State:         StateAtRisk,
		}
		e.active[account] = liq
	}
	liq.Mode = plan.Mode
	liq.InitialQty = fpmath.AddU64(liq.InitialQty, plan.ExpectedReduction)
	liq.RemainingQty = fpmath.AddU64(liq.RemainingQty, plan.ExpectedReduction)
	return liq
}

func (e *Executor) recordFill(liq *Active, filled uint64) error {
	switch liq.State {
	case StateAtRisk, StateClosed, StateBankrupt:
		liq.State = StateInLiquidation
	}
	if filled > liq.RemainingQty {
		return fmt.Errorf("liquidation %s overfilled: remaining %d, filled %d", liq.LiquidationID, liq.RemainingQty, filled)
	}
	liq.RemainingQty -= filled

	next := StatePartiallyLiquidated
	if liq.RemainingQty == 0 {
		next = StateClosed
	}
	if !liq.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid liquidation transition: %s -> %s", liq.State, next)
	}
	liq.State = next
	return nil
}

func (e *Executor) recover(liq *Active) {
	if liq.State.CanTransitionTo(StateHealthy) {
		liq.State = StateHealthy
	}
	delete(e.active, liq.Account)
}

// MarkBankrupt records that a closed liquidation left negative equity.
func (e *Executor) MarkBankrupt(account int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if liq, ok := e.active[account]; ok && liq.State.CanTransitionTo(StateBankrupt) {
		liq.State = StateBankrupt
	}
}

// Resolve clears an account's active liquidation once its debt is settled.
func (e *Executor) Resolve(account int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if liq, ok := e.active[account]; ok {
		e.recover(liq)
	}
}

// ActiveLiquidation returns the in-flight liquidation for an account.
func (e *Executor) ActiveLiquidation(account int) (Active, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	liq, ok := e.active[account]
	if !ok {
		return Active{}, false
	}
	return *liq, true
}

func (e *Executor) executeSplit(ctx context.Context, p *Portfolio, split Split) SplitResult {
	sr := SplitResult{Split: split}
	v, ok := e.venues[split.Venue]
	if !ok {
		sr.Err = fmt.Errorf("%w: %s", ErrUnknownVenue, split.Venue)
		return sr
	}
	fill, err := v.Execute(ctx, split.Instrument, split.Side, split.Qty, split.LimitPrice)
	if err != nil {
		sr.Err = err
		return sr
	}
	if fill.FilledQty == 0 {
		sr.Err = ErrInsufficientLiquidity
		return sr
	}
	if fill.FilledQty > split.Qty {
		sr.Err = fmt.Errorf("venue %s overfilled reduce-only order: %d > %d", split.Venue, fill.FilledQty, split.Qty)
		return sr
	}
	if (split.Side == SideSell && fill.AvgPrice < split.LimitPrice) ||
		(split.Side == SideBuy && fill.AvgPrice > split.LimitPrice) {
		sr.Err = fmt.Errorf("%w: avg %d, limit %d", ErrLimitViolated, fill.AvgPrice, split.LimitPrice)
		return sr
	}

	for i := range p.Exposures {
		exp := &p.Exposures[i]
		if exp.Venue != split.Venue || exp.Instrument != split.Instrument || exp.Qty == 0 {
			continue
		}
		filled := fpmath.MinU64(fill.FilledQty, fpmath.Abs(exp.Qty))
		sr.Realized = fpmath.ComputeRealizedPnL(sideSign(exp.Qty), fill.AvgPrice, exp.EntryPrice, filled)
		if exp.Qty > 0 {
			exp.Qty -= int64(filled)
		} else {
			exp.Qty += int64(filled)
		}
		fill.FilledQty = filled
		break
	}
	sr.Fill = fill
	return sr
}

// IsVenueRejection reports whether err is a venue refusing a split.
func IsVenueRejection(err error) bool {
	return errors.Is(err, ErrInsufficientLiquidity) || errors.Is(err, ErrLimitViolated)
}
