package ledger

import (
	fpmath "MarginLedger/internal/math"
)

// Every transition comes in two forms: a pure function taking and returning a
// State value, and an in-place method on *State used by the engine. Both are
// no-ops when the state is not authorized or the account index is unknown.
// The methods return the amount actually moved.

func (s *State) mutable(user int) *Account {
	if !s.Authorized {
		return nil
	}
	return s.Account(user)
}

// Deposit credits amount to principal and vault.
func Deposit(s State, user int, amount uint64) State {
	c := s.Clone()
	c.Deposit(user, amount)
	return c
}

func (s *State) Deposit(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	a.Principal = fpmath.AddU64(a.Principal, amount)
	s.Vault = fpmath.AddU64(s.Vault, amount)
	return amount
}

// WithdrawPrincipal removes min(amount, principal) from principal and vault.
// Custody never pays out more than the vault holds.
func WithdrawPrincipal(s State, user int, amount uint64) State {
	c := s.Clone()
	c.WithdrawPrincipal(user, amount)
	return c
}

func (s *State) WithdrawPrincipal(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	actual := fpmath.MinU64(amount, fpmath.MinU64(a.Principal, s.Vault))
	a.Principal -= actual
	s.Vault -= actual
	return actual
}

// TradeSettle books a signed realized PnL and moves the vault by the same amount.
func TradeSettle(s State, user int, realized int64) State {
	c := s.Clone()
	c.TradeSettle(user, realized)
	return c
}

func (s *State) TradeSettle(user int, realized int64) int64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	a.PnL = fpmath.AddI64(a.PnL, realized)
	if realized > 0 {
		s.Vault = fpmath.AddU64(s.Vault, uint64(realized))
	} else {
		s.Vault = fpmath.SubU64(s.Vault, fpmath.Abs(realized))
	}
	a.clampVested()
	return realized
}

// WithdrawPnL removes positive PnL under the linear warm-up throttle: at most
// (currentStep - WarmupStart) * WarmupSlope, and never more than the effective
// positive PnL.
func WithdrawPnL(s State, user int, amount uint64, currentStep uint64) State {
	c := s.Clone()
	c.WithdrawPnL(user, amount, currentStep)
	return c
}

func (s *State) WithdrawPnL(user int, amount uint64, currentStep uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	elapsed := fpmath.SubU64(currentStep, a.WarmupStart)
	limit := fpmath.MinU64(fpmath.MulU64(elapsed, s.WarmupSlope), a.EffectivePositivePnL())
	actual := fpmath.MinU64(amount, fpmath.MinU64(limit, s.Vault))
	if actual == 0 {
		return 0
	}
	a.PnL -= int64(actual)
	a.clampVested()
	s.Vault -= actual
	return actual
}

// Tick advances the ledger ordering clock.
func Tick(s State, steps uint64) State {
	c := s.Clone()
	c.Tick(steps)
	return c
}

func (s *State) Tick(steps uint64) {
	if !s.Authorized {
		return
	}
	s.Step = fpmath.AddU64(s.Step, steps)
}

// MatcherNoise models venue activity that does not touch the ledger.
func MatcherNoise(s State) State {
	return s
}

// WithdrawVested removes vested PnL, bounded by vested and effective positive PnL.
func (s *State) WithdrawVested(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	actual := fpmath.MinU64(fpmath.MinU64(amount, s.Vault), fpmath.MinU64(fpmath.ClampPos(a.VestedPnL), a.EffectivePositivePnL()))
	if actual == 0 {
		return 0
	}
	a.PnL -= int64(actual)
	a.VestedPnL -= int64(actual)
	s.Vault -= actual
	return actual
}

// Reserve earmarks up to amount of positive PnL for a pending withdrawal.
func (s *State) Reserve(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	a.ReservedPnL = fpmath.MinU64(amount, fpmath.ClampPos(a.PnL))
	return a.ReservedPnL
}

// AccrueInsurance books a fee skim into the insurance fund.
func (s *State) AccrueInsurance(amount uint64) uint64 {
	if !s.Authorized {
		return 0
	}
	s.InsuranceFund = fpmath.AddU64(s.InsuranceFund, amount)
	s.Vault = fpmath.AddU64(s.Vault, amount)
	return amount
}

// InsuranceTopUp adds governance funds to the insurance fund.
func (s *State) InsuranceTopUp(amount uint64) uint64 {
	return s.AccrueInsurance(amount)
}

// InsuranceWithdraw removes up to amount from the insurance fund and vault.
func (s *State) InsuranceWithdraw(amount uint64) uint64 {
	if !s.Authorized {
		return 0
	}
	actual := fpmath.MinU64(amount, fpmath.MinU64(s.InsuranceFund, s.Vault))
	s.InsuranceFund -= actual
	s.Vault -= actual
	return actual
}

// CoverFromInsurance pays the insurance fund toward an account's negative PnL.
func (s *State) CoverFromInsurance(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	actual := fpmath.MinU64(amount, fpmath.MinU64(a.Debt(), s.InsuranceFund))
	if actual == 0 {
		return 0
	}
	a.PnL += int64(actual)
	s.InsuranceFund -= actual
	return actual
}

// ForgiveDebt credits an account's negative PnL with funds already taken out of
// the vault from winners.
func (s *State) ForgiveDebt(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	actual := fpmath.MinU64(amount, a.Debt())
	if actual == 0 {
		return 0
	}
	a.PnL += int64(actual)
	s.Vault = fpmath.AddU64(s.Vault, actual)
	return actual
}

// AbsorbHaircut removes from the vault the positive PnL taken by a global
// haircut catch-up.
func (s *State) AbsorbHaircut(amount uint64) uint64 {
	if !s.Authorized {
		return 0
	}
	actual := fpmath.MinU64(amount, s.Vault)
	s.Vault -= actual
	return actual
}

// RecordVenueFee books a fee the venue has already taken out of custody. It
// stays outstanding until charged to an account.
func (s *State) RecordVenueFee(amount uint64) uint64 {
	if !s.Authorized {
		return 0
	}
	actual := fpmath.MinU64(amount, s.Vault)
	s.Vault -= actual
	s.FeesOutstanding = fpmath.AddU64(s.FeesOutstanding, actual)
	return actual
}

// ChargeFee debits up to amount of outstanding fees from an account's pnl.
func (s *State) ChargeFee(user int, amount uint64) uint64 {
	a := s.mutable(user)
	if a == nil {
		return 0
	}
	actual := fpmath.MinU64(amount, s.FeesOutstanding)
	if actual == 0 {
		return 0
	}
	a.PnL = fpmath.SubI64(a.PnL, int64(actual))
	a.clampVested()
	s.FeesOutstanding -= actual
	return actual
}
