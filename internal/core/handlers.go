package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/liquidation"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/vesting"
	"MarginLedger/internal/withdrawal"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Handlers mutate the candidate state st only. Any error discards it.

func (e *Engine) account(st *engineState, idx int) (*ledger.Account, error) {
	a := st.Ledger.Account(idx)
	if a == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, idx)
	}
	return a, nil
}

// touch runs haircut catch-up and time vesting on one account. Positive pnl
// removed by the catch-up leaves the vault; the amount is returned.
func (e *Engine) touch(st *engineState, idx int) uint64 {
	t := vesting.Touch(&st.Ledger.Accounts[idx], &st.Haircut, e.cfg.Vesting, st.Ledger.Step)
	if t.HaircutRemoved == 0 {
		return 0
	}
	return st.Ledger.AbsorbHaircut(t.HaircutRemoved)
}

func (e *Engine) touchAll(st *engineState) uint64 {
	var removed uint64
	for i := range st.Ledger.Accounts {
		removed = fpmath.AddU64(removed, e.touch(st, i))
	}
	return removed
}

func (e *Engine) handleOpenAccount(st *engineState, res *Result) error {
	res.Account = st.Ledger.OpenAccount(st.Haircut.PnLIndex)
	st.UserBuckets = append(st.UserBuckets, withdrawal.UserBucket{})
	st.Portfolios = append(st.Portfolios, liquidation.Portfolio{})
	return nil
}

func (e *Engine) handleDeposit(st *engineState, c *event.Deposit, res *Result) error {
	if _, err := e.account(st, c.Account); err != nil {
		return err
	}
	if c.Amount == 0 {
		return fmt.Errorf("%w: deposit of zero", ErrInvalidAmount)
	}
	e.touch(st, c.Account)
	res.Moved = st.Ledger.Deposit(c.Account, c.Amount)
	return nil
}

func (e *Engine) handleWithdrawPrincipal(st *engineState, c *event.WithdrawPrincipal, res *Result) error {
	if _, err := e.account(st, c.Account); err != nil {
		return err
	}
	if c.Amount == 0 {
		return fmt.Errorf("%w: withdrawal of zero", ErrInvalidAmount)
	}
	e.touch(st, c.Account)
	res.Moved = st.Ledger.WithdrawPrincipal(c.Account, c.Amount)
	return nil
}

// --- Withdrawals ---

func (e *Engine) limiter(st *engineState) *withdrawal.Limiter {
	l := withdrawal.NewLimiter(e.cfg.Withdrawal, e.cfg.Thresholds)
	l.Emergency = st.Emergency
	return l
}

// payOut plans amount through the limiter and moves the immediate part out
// of the vault, vested pnl first. Returns the plan and the amount paid.
func (e *Engine) payOut(st *engineState, idx int, amount uint64, nowSecs int64) (withdrawal.Plan, uint64) {
	e.touch(st, idx)
	plan := e.limiter(st).Plan(&st.Ledger.Accounts[idx], &st.UserBuckets[idx], &st.Global,
		amount, st.Ledger.Vault, nowSecs)
	paid := st.Ledger.WithdrawVested(idx, plan.PnLPortion)
	paid = fpmath.AddU64(paid, st.Ledger.WithdrawPrincipal(idx, plan.PrincipalPortion))
	return plan, paid
}

// enqueue parks amount for a later drain, earmarking vested pnl toward it.
func (e *Engine) enqueue(st *engineState, idx int, id uuid.UUID, amount uint64, eta int64) {
	a := &st.Ledger.Accounts[idx]
	st.Pending = append(st.Pending, PendingWithdrawal{
		ID:       id,
		Account:  idx,
		Amount:   amount,
		Reserved: fpmath.MinU64(amount, vesting.VestedPositive(a)),
		EtaSecs:  eta,
	})
	st.Ledger.Reserve(idx, st.reservedFor(idx))
}

func (e *Engine) handleRequestWithdrawal(st *engineState, c *event.RequestWithdrawal, res *Result) error {
	if _, err := e.account(st, c.Account); err != nil {
		return err
	}
	if c.Amount == 0 {
		return fmt.Errorf("%w: withdrawal of zero", ErrInvalidAmount)
	}
	plan, paid := e.payOut(st, c.Account, c.Amount, c.At())
	if plan.Queued > 0 {
		e.enqueue(st, c.Account, uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.IdempotencyKey())),
			plan.Queued, fpmath.AddI64(c.At(), plan.EtaSecs))
	}
	res.Withdrawal = &plan
	res.Moved = paid

	if e.metrics != nil {
		e.metrics.WithdrawImmediate.Add(float64(paid))
		e.metrics.WithdrawQueued.Add(float64(plan.Queued))
	}
	return nil
}

// handleDrainWithdrawals retries every queued item whose eta has passed, in
// queue order. What the limiter still refuses is queued again at the back.
func (e *Engine) handleDrainWithdrawals(st *engineState, c *event.DrainWithdrawals, res *Result) error {
	now := c.At()
	var due, rest []PendingWithdrawal
	for _, p := range st.Pending {
		if p.EtaSecs <= now && st.Ledger.Account(p.Account) != nil {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	if len(due) == 0 {
		return nil
	}

	// release the reservations of due items before they compete for pnl
	st.Pending = rest
	for _, p := range due {
		st.Ledger.Reserve(p.Account, st.reservedFor(p.Account))
	}

	for _, p := range due {
		plan, paid := e.payOut(st, p.Account, p.Amount, now)
		res.Moved = fpmath.AddU64(res.Moved, paid)
		if plan.Queued > 0 {
			e.enqueue(st, p.Account, p.ID, plan.Queued, fpmath.AddI64(now, plan.EtaSecs))
		}
	}
	if e.metrics != nil {
		e.metrics.WithdrawImmediate.Add(float64(res.Moved))
	}
	return nil
}

func (e *Engine) handleWithdrawPnL(st *engineState, c *event.WithdrawPnL, res *Result) error {
	if _, err := e.account(st, c.Account); err != nil {
		return err
	}
	if c.Amount == 0 {
		return fmt.Errorf("%w: withdrawal of zero", ErrInvalidAmount)
	}
	e.touch(st, c.Account)
	res.Moved = st.Ledger.WithdrawPnL(c.Account, c.Amount, st.Ledger.Step)
	return nil
}

// --- Trading ---

// settleFees books a venue fee against custody and charges it to the account.
func (e *Engine) settleFees(st *engineState, idx int, fee uint64) {
	if fee == 0 {
		return
	}
	st.Ledger.ChargeFee(idx, st.Ledger.RecordVenueFee(fee))
}

// skim moves the insurance share of notional out of the account's pnl into
// the fund. The fund is credited first so the vault never dips.
func (e *Engine) skim(st *engineState, idx int, notional uint64) uint64 {
	accrual := st.Insurance.AccrueFromFill(notional, e.cfg.Insurance)
	if accrual == 0 {
		return 0
	}
	st.Ledger.AccrueInsurance(accrual)
	st.Ledger.TradeSettle(idx, -fpmath.ToSigned(accrual))
	return accrual
}

func (e *Engine) handleTradeFill(st *engineState, c *event.TradeFill, res *Result) error {
	if _, err := e.account(st, c.Account); err != nil {
		return err
	}
	if c.Qty == 0 || c.Price <= 0 {
		return fmt.Errorf("%w: fill qty=%d price=%d", ErrInvalidAmount, c.Qty, c.Price)
	}
	if c.Venue == "" || c.Instrument == "" {
		return fmt.Errorf("%w: fill without venue or instrument", ErrInvalidAmount)
	}
	e.touch(st, c.Account)

	realized := st.Portfolios[c.Account].ApplyFill(c.Venue, c.Instrument, c.Qty, c.Price)
	st.Ledger.TradeSettle(c.Account, realized)
	e.settleFees(st, c.Account, c.Fee)
	e.skim(st, c.Account, fpmath.ComputeNotional(c.Qty, c.Price))
	res.Realized = realized
	return nil
}

func (e *Engine) handleTick(st *engineState, c *event.Tick) error {
	if c.Steps == 0 {
		return fmt.Errorf("%w: tick of zero steps", ErrInvalidAmount)
	}
	st.Ledger.Tick(c.Steps)
	return nil
}

// --- Loss absorption ---

// badDebt is the magnitude of negative equity across all accounts.
func badDebt(st *engineState) uint64 {
	var total uint64
	for i := range st.Ledger.Accounts {
		if eq := st.Ledger.Accounts[i].Equity(); eq < 0 {
			total = fpmath.AddU64(total, fpmath.Abs(eq))
		}
	}
	return total
}

// forgiveBadDebt spends pool, already removed from winners and the vault, on
// negative equity in account order. Whatever no debtor needs stays out of the
// vault. Returns the debt forgiven.
func (e *Engine) forgiveBadDebt(st *engineState, pool uint64) uint64 {
	remaining := pool
	var forgiven uint64
	for i := range st.Ledger.Accounts {
		if remaining == 0 {
			break
		}
		eq := st.Ledger.Accounts[i].Equity()
		if eq >= 0 {
			continue
		}
		got := st.Ledger.ForgiveDebt(i, fpmath.MinU64(fpmath.Abs(eq), remaining))
		remaining -= got
		forgiven += got
	}
	st.Insurance.ReduceUncovered(forgiven)
	return forgiven
}

func (e *Engine) handleSocializeLosses(st *engineState, c *event.SocializeLosses, res *Result) error {
	if c.Deficit == 0 {
		return fmt.Errorf("%w: deficit of zero", ErrInvalidAmount)
	}
	// catch-up first so shares are computed on current pnl
	if removed := e.touchAll(st); removed > 0 {
		e.forgiveBadDebt(st, removed)
	}

	sr := st.Ledger.SocializeLosses(c.Deficit)
	res.Moved = e.forgiveBadDebt(st, sr.Collected)
	res.Socialize = &sr

	if e.metrics != nil {
		e.metrics.Socialized.Add(float64(sr.Collected))
		e.metrics.SocializeResidue.Add(float64(sr.Residual()))
	}
	return nil
}

// handleGlobalHaircut lowers the pnl index to cover min(shortfall, bad debt)
// and applies it to every account at once.
func (e *Engine) handleGlobalHaircut(st *engineState, c *event.GlobalHaircut, res *Result) error {
	if c.Shortfall == 0 {
		return fmt.Errorf("%w: shortfall of zero", ErrInvalidAmount)
	}
	if removed := e.touchAll(st); removed > 0 {
		e.forgiveBadDebt(st, removed)
	}

	res.HaircutKeep = vesting.FPOne
	shortfall := fpmath.MinU64(c.Shortfall, badDebt(st))
	if shortfall == 0 {
		return nil
	}
	res.HaircutKeep = st.Haircut.Apply(shortfall, ledger.SumPositivePnL(&st.Ledger), c.At())
	if res.HaircutKeep == vesting.FPOne {
		return nil
	}
	res.Moved = e.forgiveBadDebt(st, e.touchAll(st))

	e.logger.Info().
		Uint64("shortfall", shortfall).
		Uint64("keep", res.HaircutKeep).
		Uint64("index", st.Haircut.PnLIndex).
		Uint64("forgiven", res.Moved).
		Msg("global haircut applied")
	return nil
}

// --- Liquidation ---

func (e *Engine) handleLiquidate(ctx context.Context, st *engineState, c *event.Liquidate, res *Result) error {
	a, err := e.account(st, c.Account)
	if err != nil {
		return err
	}
	e.touch(st, c.Account)
	p := &st.Portfolios[c.Account]

	outcome := c.Outcome
	executed := outcome == nil
	if executed {
		if e.executor == nil {
			return ErrNoExecutor
		}
		lr, err := e.executor.Liquidate(ctx, c.Account, a.Equity(), p, c.ForcePreLiq, c.At())
		if err != nil {
			return err
		}
		res.Liquidation = lr
		outcome = newOutcome(lr, p)
		e.observeLiquidation(lr)
	} else {
		p.Exposures = exposuresFrom(outcome.Exposures)
		p.LastLiquidationTs = outcome.LastLiquidationTs
	}

	st.Ledger.TradeSettle(c.Account, outcome.Realized)
	e.settleFees(st, c.Account, outcome.Fees)
	e.skim(st, c.Account, outcome.Notional)
	res.Realized = outcome.Realized

	outcome.Bankrupt = false
	if eq := a.Equity(); eq < 0 {
		debt := fpmath.Abs(eq)
		payout, uncovered := st.Insurance.SettleBadDebt(debt, outcome.Notional, e.cfg.Insurance, c.At())
		res.Moved = st.Ledger.CoverFromInsurance(c.Account, payout)
		outcome.Bankrupt = uncovered > 0
		if e.metrics != nil {
			e.metrics.LiquidationBadDebt.Add(float64(debt))
			e.metrics.InsurancePayouts.Add(float64(payout))
		}
	}
	if executed && outcome.Bankrupt {
		e.executor.MarkBankrupt(c.Account)
	}

	// logged payload carries the outcome so replay skips the venues
	c.Outcome = outcome
	return nil
}

func newOutcome(lr *liquidation.Result, p *liquidation.Portfolio) *event.LiquidationOutcome {
	out := &event.LiquidationOutcome{
		LiquidationID:     lr.LiquidationID.String(),
		Mode:              lr.Plan.Mode.String(),
		Realized:          lr.Realized,
		Fees:              lr.Fees,
		Notional:          lr.Notional,
		LastLiquidationTs: p.LastLiquidationTs,
	}
	for _, x := range p.Exposures {
		out.Exposures = append(out.Exposures, event.ExposureState{
			Venue:      x.Venue,
			Instrument: x.Instrument,
			Qty:        x.Qty,
			EntryPrice: x.EntryPrice,
		})
	}
	return out
}

func exposuresFrom(in []event.ExposureState) []liquidation.Exposure {
	out := make([]liquidation.Exposure, 0, len(in))
	for _, x := range in {
		out = append(out, liquidation.Exposure{
			Venue:      x.Venue,
			Instrument: x.Instrument,
			Qty:        x.Qty,
			EntryPrice: x.EntryPrice,
		})
	}
	return out
}

func (e *Engine) observeLiquidation(lr *liquidation.Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.LiquidationTriggered.WithLabelValues(lr.Plan.Mode.String()).Inc()
	for _, sr := range lr.Splits {
		outcome := "filled"
		switch {
		case liquidation.IsVenueRejection(sr.Err):
			outcome = "rejected"
		case sr.Err != nil:
			outcome = "error"
		}
		e.metrics.LiquidationSplits.WithLabelValues(outcome).Inc()
	}
}

// --- Insurance governance ---

func (e *Engine) handleInsuranceTopUp(st *engineState, c *event.InsuranceTopUp, res *Result) error {
	if c.Amount == 0 {
		return fmt.Errorf("%w: top-up of zero", ErrInvalidAmount)
	}
	st.Insurance.TopUp(c.Amount)
	res.Moved = st.Ledger.InsuranceTopUp(c.Amount)
	return nil
}

func (e *Engine) handleInsuranceWithdraw(st *engineState, c *event.InsuranceWithdraw, res *Result) error {
	if c.Amount == 0 || c.Amount > st.Ledger.Vault {
		return fmt.Errorf("%w: insurance withdrawal %d, vault %d", ErrInvalidAmount, c.Amount, st.Ledger.Vault)
	}
	if err := st.Insurance.WithdrawSurplus(c.Amount); err != nil {
		return err
	}
	res.Moved = st.Ledger.InsuranceWithdraw(c.Amount)
	return nil
}

func (e *Engine) handleSetEmergency(st *engineState, c *event.SetEmergency) error {
	if !c.Active {
		st.Emergency = withdrawal.DefaultEmergency()
		return nil
	}
	if c.ExitMultiplierBps > fpmath.BpsDenominator {
		return fmt.Errorf("%w: exit multiplier %d bps", ErrInvalidAmount, c.ExitMultiplierBps)
	}
	st.Emergency = withdrawal.Emergency{
		Active:            true,
		ExitMultiplierBps: c.ExitMultiplierBps,
		ExpiresAtSecs:     c.ExpiresAt,
	}
	e.logger.Warn().
		Uint64("exit_multiplier_bps", c.ExitMultiplierBps).
		Int64("expires_at", c.ExpiresAt).
		Msg("emergency withdrawal mode on")
	return nil
}
