package insurance

import (
	fpmath "MarginLedger/internal/math"
	"errors"
	"fmt"
)

const secondsPerDay = 86_400

var (
	ErrUncoveredBadDebt = errors.New("uncovered bad debt outstanding")
	ErrInsufficientFund = errors.New("insufficient insurance balance")
	ErrInvalidParams    = errors.New("invalid insurance params")
)

// Params bound how the fund is fed and how much it may pay out.
type Params struct {
	FeeBpsToInsurance       uint64 // skim of fill notional
	MaxPayoutBpsOfEvent     uint64 // per-event cap, share of event notional
	MaxDailyPayoutBpsOfFund uint64 // share of the day-start balance
	CooloffSecs             int64  // minimum gap between payouts; 0 disables
}

func DefaultParams() Params {
	return Params{
		FeeBpsToInsurance:       10,
		MaxPayoutBpsOfEvent:     50,
		MaxDailyPayoutBpsOfFund: 300,
	}
}

func (p Params) Validate() error {
	if p.FeeBpsToInsurance > fpmath.BpsDenominator ||
		p.MaxPayoutBpsOfEvent > fpmath.BpsDenominator ||
		p.MaxDailyPayoutBpsOfFund > fpmath.BpsDenominator {
		return fmt.Errorf("%w: basis points above %d", ErrInvalidParams, fpmath.BpsDenominator)
	}
	if p.CooloffSecs < 0 {
		return fmt.Errorf("%w: negative cool-off %d", ErrInvalidParams, p.CooloffSecs)
	}
	return nil
}

// State tracks the insurance fund balance and its payout budget. Balance
// mirrors the ledger's insurance_fund.
type State struct {
	Balance          uint64
	LastPayoutTs     int64
	DailyPayoutAccum uint64
	TotalPayouts     uint64
	TotalAccrued     uint64
	UncoveredBadDebt uint64
	LastDay          int64
	DayStartBalance  uint64
}

// AccrueFromFill adds the fee skim of notional to the fund and returns it.
func (s *State) AccrueFromFill(notional uint64, p Params) uint64 {
	accrual := fpmath.Bps(notional, p.FeeBpsToInsurance)
	s.Balance = fpmath.AddU64(s.Balance, accrual)
	s.TotalAccrued = fpmath.AddU64(s.TotalAccrued, accrual)
	return accrual
}

// SettleBadDebt pays toward badDebt up to min(balance, per-event cap,
// remaining daily cap). Nothing is paid within CooloffSecs of the previous
// payout. The unpaid part is added to UncoveredBadDebt.
func (s *State) SettleBadDebt(badDebt, eventNotional uint64, p Params, now int64) (payout, uncovered uint64) {
	day := now / secondsPerDay
	if day > s.LastDay {
		s.DailyPayoutAccum = 0
		s.LastDay = day
		s.DayStartBalance = s.Balance
	}
	if s.DayStartBalance == 0 && s.Balance > 0 {
		s.DayStartBalance = s.Balance
	}

	dailyLeft := fpmath.SubU64(fpmath.Bps(s.DayStartBalance, p.MaxDailyPayoutBpsOfFund), s.DailyPayoutAccum)
	perEvent := fpmath.Bps(eventNotional, p.MaxPayoutBpsOfEvent)
	maxAllowed := fpmath.MinU64(s.Balance, fpmath.MinU64(perEvent, dailyLeft))
	if s.coolingOff(now, p) {
		maxAllowed = 0
	}

	payout = fpmath.MinU64(badDebt, maxAllowed)
	if payout > 0 {
		s.Balance -= payout
		s.DailyPayoutAccum = fpmath.AddU64(s.DailyPayoutAccum, payout)
		s.TotalPayouts = fpmath.AddU64(s.TotalPayouts, payout)
		s.LastPayoutTs = now
	}

	uncovered = badDebt - payout
	s.UncoveredBadDebt = fpmath.AddU64(s.UncoveredBadDebt, uncovered)
	return payout, uncovered
}

func (s *State) coolingOff(now int64, p Params) bool {
	if p.CooloffSecs == 0 || s.TotalPayouts == 0 {
		return false
	}
	return now < fpmath.AddI64(s.LastPayoutTs, p.CooloffSecs)
}

// TopUp is a governance deposit into the fund.
func (s *State) TopUp(amount uint64) {
	s.Balance = fpmath.AddU64(s.Balance, amount)
	s.TotalAccrued = fpmath.AddU64(s.TotalAccrued, amount)
}

// WithdrawSurplus is a governance withdrawal. It is refused while any bad debt is uncovered.
func (s *State) WithdrawSurplus(amount uint64) error {
	if s.UncoveredBadDebt > 0 {
		return fmt.Errorf("%w: %d", ErrUncoveredBadDebt, s.UncoveredBadDebt)
	}
	if s.Balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFund, s.Balance, amount)
	}
	s.Balance -= amount
	return nil
}

// ReduceUncovered records bad debt recovered by socialization or a global
// haircut and returns the amount cleared.
func (s *State) ReduceUncovered(amount uint64) uint64 {
	cleared := fpmath.MinU64(amount, s.UncoveredBadDebt)
	s.UncoveredBadDebt -= cleared
	return cleared
}
