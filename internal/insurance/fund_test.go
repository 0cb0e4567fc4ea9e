package insurance_test

import (
	"MarginLedger/internal/insurance"
	"errors"
	"testing"
)

func noDailyCap() insurance.Params {
	p := insurance.DefaultParams()
	p.MaxDailyPayoutBpsOfFund = 10_000
	return p
}

func TestAccrueFromFill(t *testing.T) {
	var s insurance.State
	if got := s.AccrueFromFill(1_000_000, insurance.DefaultParams()); got != 1_000 {
		t.Errorf("accrual: got %d, want 1000", got)
	}
	if s.Balance != 1_000 || s.TotalAccrued != 1_000 {
		t.Errorf("got balance=%d accrued=%d, want 1000/1000", s.Balance, s.TotalAccrued)
	}
}

func TestSettleBadDebt_FullCoverage(t *testing.T) {
	s := insurance.State{Balance: 10_000}
	payout, uncovered := s.SettleBadDebt(5_000, 1_000_000, noDailyCap(), 1_000)
	if payout != 5_000 || uncovered != 0 {
		t.Errorf("got payout=%d uncovered=%d, want 5000/0", payout, uncovered)
	}
	if s.Balance != 5_000 || s.TotalPayouts != 5_000 || s.UncoveredBadDebt != 0 {
		t.Errorf("got %+v", s)
	}
}

func TestSettleBadDebt_BalanceLimit(t *testing.T) {
	s := insurance.State{Balance: 3_000}
	payout, uncovered := s.SettleBadDebt(5_000, 1_000_000, noDailyCap(), 1_000)
	if payout != 3_000 || uncovered != 2_000 {
		t.Errorf("got payout=%d uncovered=%d, want 3000/2000", payout, uncovered)
	}
	if s.Balance != 0 || s.UncoveredBadDebt != 2_000 {
		t.Errorf("got balance=%d uncovered=%d", s.Balance, s.UncoveredBadDebt)
	}
}

func TestSettleBadDebt_PerEventCap(t *testing.T) {
	s := insurance.State{Balance: 100_000}
	payout, uncovered := s.SettleBadDebt(10_000, 1_000_000, noDailyCap(), 1_000)
	if payout != 5_000 || uncovered != 5_000 {
		t.Errorf("got payout=%d uncovered=%d, want 5000/5000", payout, uncovered)
	}
	if s.Balance != 95_000 {
		t.Errorf("got balance %d, want 95000", s.Balance)
	}
}

func TestSettleBadDebt_DailyCap(t *testing.T) {
	s := insurance.State{Balance: 100_000}
	p := insurance.DefaultParams()

	if payout, _ := s.SettleBadDebt(2_000, 1_000_000, p, 1_000); payout != 2_000 {
		t.Errorf("first: got %d, want 2000", payout)
	}
	payout, uncovered := s.SettleBadDebt(2_000, 1_000_000, p, 1_000)
	if payout != 1_000 || uncovered != 1_000 {
		t.Errorf("second: got payout=%d uncovered=%d, want 1000/1000", payout, uncovered)
	}
	if s.DailyPayoutAccum != 3_000 {
		t.Errorf("accum: got %d, want 3000", s.DailyPayoutAccum)
	}
}

func TestSettleBadDebt_DailyCapResets(t *testing.T) {
	s := insurance.State{Balance: 100_000}
	p := insurance.DefaultParams()

	s.SettleBadDebt(2_000, 1_000_000, p, 1_000)
	payout, _ := s.SettleBadDebt(2_000, 1_000_000, p, 87_400)
	if payout != 2_000 || s.DailyPayoutAccum != 2_000 {
		t.Errorf("got payout=%d accum=%d, want 2000/2000", payout, s.DailyPayoutAccum)
	}
}

func TestSettleBadDebt_Cooloff(t *testing.T) {
	s := insurance.State{Balance: 100_000}
	p := noDailyCap()
	p.CooloffSecs = 600

	if payout, _ := s.SettleBadDebt(1_000, 1_000_000, p, 1_000); payout != 1_000 {
		t.Fatalf("first: got %d, want 1000", payout)
	}
	payout, uncovered := s.SettleBadDebt(1_000, 1_000_000, p, 1_599)
	if payout != 0 || uncovered != 1_000 {
		t.Errorf("inside cool-off: got payout=%d uncovered=%d, want 0/1000", payout, uncovered)
	}
	if s.LastPayoutTs != 1_000 || s.Balance != 99_000 {
		t.Errorf("got last=%d balance=%d, want 1000/99000", s.LastPayoutTs, s.Balance)
	}
	if payout, _ := s.SettleBadDebt(1_000, 1_000_000, p, 1_600); payout != 1_000 {
		t.Errorf("after cool-off: got %d, want 1000", payout)
	}
	if s.UncoveredBadDebt != 1_000 {
		t.Errorf("uncovered: got %d, want 1000", s.UncoveredBadDebt)
	}
}

func TestTopUp(t *testing.T) {
	var s insurance.State
	s.TopUp(50_000)
	if s.Balance != 50_000 || s.TotalAccrued != 50_000 {
		t.Errorf("got %+v", s)
	}
}

func TestWithdrawSurplus(t *testing.T) {
	s := insurance.State{Balance: 100_000}
	if err := s.WithdrawSurplus(30_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Balance != 70_000 {
		t.Errorf("got balance %d, want 70000", s.Balance)
	}

	s.UncoveredBadDebt = 1_000
	if err := s.WithdrawSurplus(1); !errors.Is(err, insurance.ErrUncoveredBadDebt) {
		t.Errorf("got %v, want ErrUncoveredBadDebt", err)
	}

	s.UncoveredBadDebt = 0
	if err := s.WithdrawSurplus(1_000_000); !errors.Is(err, insurance.ErrInsufficientFund) {
		t.Errorf("got %v, want ErrInsufficientFund", err)
	}
}

func TestReduceUncovered(t *testing.T) {
	s := insurance.State{UncoveredBadDebt: 500}
	if got := s.ReduceUncovered(800); got != 500 || s.UncoveredBadDebt != 0 {
		t.Errorf("got cleared=%d left=%d, want 500/0", got, s.UncoveredBadDebt)
	}
}

func TestParams_Validate(t *testing.T) {
	if err := insurance.DefaultParams().Validate(); err != nil {
		t.Errorf("defaults rejected: %v", err)
	}
	p := insurance.DefaultParams()
	p.FeeBpsToInsurance = 20_000
	if err := p.Validate(); !errors.Is(err, insurance.ErrInvalidParams) {
		t.Errorf("got %v, want ErrInvalidParams", err)
	}

	p = insurance.DefaultParams()
	p.CooloffSecs = -1
	if err := p.Validate(); !errors.Is(err, insurance.ErrInvalidParams) {
		t.Errorf("negative cool-off: got %v, want ErrInvalidParams", err)
	}
}
