package ledger_test

import (
	"MarginLedger/internal/ledger"
	"math/rand"
	"testing"
)

// newLedger opens n accounts on an empty authorized ledger.
func newLedger(n int) ledger.State {
	s := ledger.NewState()
	for i := 0; i < n; i++ {
		s.OpenAccount(0)
	}
	return s
}

func mustConserve(t *testing.T, s ledger.State) {
	t.Helper()
	if err := ledger.ValidateConservation(&s); err != nil {
		t.Fatalf("conservation: %v", err)
	}
	if err := ledger.ValidateVested(&s); err != nil {
		t.Fatalf("vested: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	if got := ledger.UserKey(3, ledger.FieldPnL).AccountPath(); got != "user:3:pnl" {
		t.Errorf("got %q, want %q", got, "user:3:pnl")
	}
	if got := ledger.SystemKey(ledger.FieldVault).AccountPath(); got != "system:vault" {
		t.Errorf("got %q, want %q", got, "system:vault")
	}
	if got := ledger.SystemKey(ledger.FieldInsurance).AccountPath(); got != "system:insurance_fund" {
		t.Errorf("got %q, want %q", got, "system:insurance_fund")
	}
}

// ============================================================================
// Test: basic transitions
// ============================================================================

func TestDeposit_CreditsPrincipalAndVault(t *testing.T) {
	s := ledger.Deposit(newLedger(1), 0, 1_000)
	if s.Accounts[0].Principal != 1_000 || s.Vault != 1_000 {
		t.Errorf("got principal=%d vault=%d, want 1000/1000", s.Accounts[0].Principal, s.Vault)
	}
	mustConserve(t, s)
}

func TestDeposit_UnknownAccountIsNoop(t *testing.T) {
	before := newLedger(1)
	after := ledger.Deposit(before, 7, 1_000)
	if !ledger.BalancesUnchanged(&before, &after) {
		t.Error("deposit to unknown account should not change balances")
	}
}

func TestWithdrawPrincipal_NeverOverWithdraws(t *testing.T) {
	s := ledger.Deposit(newLedger(1), 0, 1_000)
	s = ledger.WithdrawPrincipal(s, 0, 5_000)
	if s.Accounts[0].Principal != 0 || s.Vault != 0 {
		t.Errorf("got principal=%d vault=%d, want 0/0", s.Accounts[0].Principal, s.Vault)
	}
	mustConserve(t, s)
}

func TestTradeSettle_SignedVaultMovement(t *testing.T) {
	s := ledger.Deposit(newLedger(1), 0, 1_000)
	s = ledger.TradeSettle(s, 0, 500)
	if s.Vault != 1_500 {
		t.Errorf("got vault %d, want 1500", s.Vault)
	}
	s = ledger.TradeSettle(s, 0, -700)
	if s.Accounts[0].PnL != -200 || s.Vault != 800 {
		t.Errorf("got pnl=%d vault=%d, want -200/800", s.Accounts[0].PnL, s.Vault)
	}
	if s.Accounts[0].Principal != 1_000 {
		t.Errorf("trade settle changed principal: %d", s.Accounts[0].Principal)
	}
	mustConserve(t, s)
}

func TestTradeSettle_LossClampsVested(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(1), 0, 1_000), 0, 500)
	s.Accounts[0].VestedPnL = 400
	s = ledger.TradeSettle(s, 0, -300)
	if s.Accounts[0].VestedPnL != 200 {
		t.Errorf("got vested %d, want 200", s.Accounts[0].VestedPnL)
	}
}

func TestPureTransition_DoesNotAliasInput(t *testing.T) {
	before := ledger.Deposit(newLedger(1), 0, 1_000)
	_ = ledger.Deposit(before, 0, 1_000)
	if before.Accounts[0].Principal != 1_000 {
		t.Errorf("input state mutated: principal=%d", before.Accounts[0].Principal)
	}
}

// ============================================================================
// Test: loss socialization
// ============================================================================

func TestSocialize_SingleWinner(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(1), 0, 1_000), 0, 500)
	if s.Vault != 1_500 {
		t.Fatalf("setup vault %d", s.Vault)
	}
	s = ledger.SocializeLosses(s, 100)
	a := s.Accounts[0]
	if a.PnL != 400 || s.Vault != 1_400 || a.Principal != 1_000 {
		t.Errorf("got pnl=%d vault=%d principal=%d, want 400/1400/1000", a.PnL, s.Vault, a.Principal)
	}
	mustConserve(t, s)
}

func TestSocialize_CappedAtWinnings(t *testing.T) {
	s := newLedger(2)
	s = ledger.TradeSettle(ledger.Deposit(s, 0, 1_000), 0, 300)
	s = ledger.TradeSettle(ledger.Deposit(s, 1, 1_000), 1, -200)
	before := s.Clone()

	s = ledger.SocializeLosses(s, 1_000)
	if s.Accounts[0].PnL != 0 {
		t.Errorf("winner: got pnl %d, want 0", s.Accounts[0].PnL)
	}
	if s.Accounts[1].PnL != -200 {
		t.Errorf("loser: got pnl %d, want -200", s.Accounts[1].PnL)
	}
	if got := ledger.TotalHaircut(&before, &s); got != 300 {
		t.Errorf("total haircut: got %d, want 300", got)
	}
	if !ledger.WinnersOnlyHaircut(&before, &s) {
		t.Error("a non-winner was charged")
	}
	mustConserve(t, s)
}

func TestSocialize_FloorRoundingLeavesResidual(t *testing.T) {
	s := newLedger(2)
	s = ledger.TradeSettle(s, 0, 100)
	s = ledger.TradeSettle(s, 1, 200)

	res := s.SocializeLosses(100)
	if res.Shares[0] != 33 || res.Shares[1] != 66 {
		t.Errorf("got shares %v, want [33 66]", res.Shares)
	}
	if res.Collected != 99 || res.Residual() != 1 {
		t.Errorf("got collected=%d residual=%d, want 99/1", res.Collected, res.Residual())
	}
	mustConserve(t, s)
}

func TestSocialize_SkipsReservedPnL(t *testing.T) {
	s := ledger.TradeSettle(newLedger(1), 0, 500)
	s.Reserve(0, 200)
	s.SocializeLosses(1_000)
	a := s.Accounts[0]
	if a.PnL != 200 || a.ReservedPnL != 200 {
		t.Errorf("got pnl=%d reserved=%d, want 200/200", a.PnL, a.ReservedPnL)
	}
	mustConserve(t, s)
}

func TestSocialize_NoWinnersIsNoop(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(1), 0, 1_000), 0, -100)
	before := s.Clone()
	res := s.SocializeLosses(50)
	if res.Collected != 0 || !ledger.BalancesUnchanged(&before, &s) {
		t.Error("socialize without winners should change nothing")
	}
}

// ============================================================================
// Test: authorization gate
// ============================================================================

func TestUnauthorized_AllMutationsAreNoops(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(2), 0, 1_000), 0, 500)
	s.Authorized = false
	before := s.Clone()

	s = ledger.Deposit(s, 0, 100)
	s = ledger.WithdrawPrincipal(s, 0, 100)
	s = ledger.SocializeLosses(s, 100)
	s = ledger.TradeSettle(s, 1, 100)
	s = ledger.WithdrawPnL(s, 0, 100, 1_000)
	s = ledger.Tick(s, 10)

	if !ledger.BalancesUnchanged(&before, &s) {
		t.Error("unauthorized transitions changed balances")
	}
	if s.Step != before.Step {
		t.Errorf("unauthorized tick advanced step to %d", s.Step)
	}
}

// ============================================================================
// Test: warm-up throttle
// ============================================================================

func TestWithdrawPnL_BoundedBySlopeAndEffectivePnL(t *testing.T) {
	s := ledger.TradeSettle(newLedger(1), 0, 10_000_000)
	s = ledger.Tick(s, 3)

	after := ledger.WithdrawPnL(s, 0, 10_000_000, s.Step)
	if removed := s.Accounts[0].PnL - after.Accounts[0].PnL; removed != 3_000_000 {
		t.Errorf("got removed %d, want 3_000_000", removed)
	}
	mustConserve(t, after)

	after = ledger.WithdrawPnL(after, 0, 10_000_000, 100)
	if after.Accounts[0].PnL != 0 {
		t.Errorf("got pnl %d, want 0", after.Accounts[0].PnL)
	}
	mustConserve(t, after)
}

func TestWithdrawPnL_ZeroElapsedRemovesNothing(t *testing.T) {
	s := ledger.TradeSettle(newLedger(1), 0, 10_000)
	after := ledger.WithdrawPnL(s, 0, 10_000, s.Step)
	if !ledger.BalancesUnchanged(&s, &after) {
		t.Error("withdraw at warm-up start should be a no-op")
	}
}

// ============================================================================
// Test: matcher noise
// ============================================================================

func TestMatcherNoise_LeavesBalances(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(2), 0, 1_000), 1, -50)
	after := ledger.MatcherNoise(s)
	if !ledger.BalancesUnchanged(&s, &after) {
		t.Error("matcher noise changed balances")
	}
}

// ============================================================================
// Test: insurance and debt movements
// ============================================================================

func TestCoverFromInsurance_BoundedByFund(t *testing.T) {
	s := ledger.TradeSettle(ledger.Deposit(newLedger(1), 0, 1_000), 0, -200)
	s.AccrueInsurance(150)
	if got := s.CoverFromInsurance(0, 1_000); got != 150 {
		t.Errorf("got cover %d, want 150", got)
	}
	if s.Accounts[0].PnL != -50 || s.InsuranceFund != 0 {
		t.Errorf("got pnl=%d fund=%d, want -50/0", s.Accounts[0].PnL, s.InsuranceFund)
	}
	mustConserve(t, s)
}

func TestSocializeThenForgive_ClearsDebt(t *testing.T) {
	s := newLedger(2)
	s = ledger.TradeSettle(ledger.Deposit(s, 0, 1_000), 0, 400)
	s = ledger.TradeSettle(ledger.Deposit(s, 1, 100), 1, -300)

	res := s.SocializeLosses(s.Accounts[1].Debt())
	s.ForgiveDebt(1, res.Collected)
	if s.Accounts[0].PnL != 100 || s.Accounts[1].PnL != 0 {
		t.Errorf("got pnl %d/%d, want 100/0", s.Accounts[0].PnL, s.Accounts[1].PnL)
	}
	mustConserve(t, s)
}

func TestWithdrawVested_BoundedByVestedAndReserved(t *testing.T) {
	s := ledger.TradeSettle(newLedger(1), 0, 500)
	s.Accounts[0].VestedPnL = 400
	s.Reserve(0, 200)
	if got := s.WithdrawVested(0, 1_000); got != 300 {
		t.Errorf("got %d, want 300", got)
	}
	mustConserve(t, s)
}

func TestInsuranceWithdraw_Bounded(t *testing.T) {
	s := newLedger(0)
	s.InsuranceTopUp(500)
	if got := s.InsuranceWithdraw(800); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
	mustConserve(t, s)
}

func TestVenueFee_OutstandingUntilCharged(t *testing.T) {
	s := newLedger(1)
	s.Deposit(0, 1_000)

	if got := s.RecordVenueFee(30); got != 30 {
		t.Errorf("got %d, want %d", got, 30)
	}
	if s.FeesOutstanding != 30 || s.Vault != 970 {
		t.Errorf("got fees %d vault %d, want 30 970", s.FeesOutstanding, s.Vault)
	}
	mustConserve(t, s)

	if got := s.ChargeFee(0, 50); got != 30 {
		t.Errorf("got %d, want %d", got, 30)
	}
	if s.FeesOutstanding != 0 || s.Accounts[0].PnL != -30 {
		t.Errorf("got fees %d pnl %d, want 0 -30", s.FeesOutstanding, s.Accounts[0].PnL)
	}
	mustConserve(t, s)
}

// ============================================================================
// Test: conservation over random sequences
// ============================================================================

func TestConservation_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		s := newLedger(4)
		for step := 0; step < 200; step++ {
			before := s.Clone()
			u := rng.Intn(4)
			amt := uint64(rng.Intn(10_000))
			switch rng.Intn(9) {
			case 0:
				s.Deposit(u, amt)
			case 1:
				s.WithdrawPrincipal(u, amt)
			case 2:
				s.TradeSettle(u, int64(amt))
			case 3:
				// losses cannot exceed custody
				loss := amt
				if loss > s.Vault {
					loss = s.Vault
				}
				s.TradeSettle(u, -int64(loss))
			case 4:
				s.WithdrawPnL(u, amt, s.Step)
			case 5:
				s.SocializeLosses(amt)
				if !ledger.PrincipalsUnchanged(&before, &s) || !ledger.WinnersOnlyHaircut(&before, &s) {
					t.Fatalf("run %d step %d: socialization touched principal or losers", run, step)
				}
				if ledger.TotalHaircut(&before, &s) > min(amt, ledger.SumEffectiveWinners(&before)) {
					t.Fatalf("run %d step %d: over-collected", run, step)
				}
			case 6:
				s.Tick(uint64(rng.Intn(5)))
			case 7:
				s.AccrueInsurance(amt / 100)
			case 8:
				s.CoverFromInsurance(u, amt)
			}
			mustConserve(t, s)
		}
	}
}

// ============================================================================
// Test: journal
// ============================================================================

func TestJournalGenerator_DepositDiff(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)
	before := newLedger(1)
	after := ledger.Deposit(before, 0, 1_000)

	batch := jg.Generate(&before, &after, "evt-1", ledger.JournalTypeDeposit, 0)
	if batch == nil {
		t.Fatal("expected a batch")
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("got %d journals, want 2", len(batch.Journals))
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}
	if jg.Sequence() != 2 {
		t.Errorf("got sequence %d, want 2", jg.Sequence())
	}
}

func TestJournalGenerator_NoChangeNoBatch(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)
	s := newLedger(1)
	if batch := jg.Generate(&s, &s, "evt-1", ledger.JournalTypeDeposit, 0); batch != nil {
		t.Error("expected nil batch for unchanged state")
	}
	if jg.Sequence() != 1 {
		t.Errorf("sequence advanced to %d", jg.Sequence())
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	b := &ledger.Batch{}
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBalanceTracker_ReplayMatchesLiveState(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)
	bt := ledger.NewBalanceTracker()
	s := newLedger(0)

	apply := func(fn func(*ledger.State)) {
		before := s.Clone()
		fn(&s)
		if batch := jg.Generate(&before, &s, "ref", ledger.JournalTypeTradeSettle, 0); batch != nil {
			if err := bt.ApplyBatch(batch); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
	}

	apply(func(s *ledger.State) { s.OpenAccount(0); s.OpenAccount(0) })
	apply(func(s *ledger.State) { s.Deposit(0, 1_000) })
	apply(func(s *ledger.State) { s.TradeSettle(0, 400) })
	apply(func(s *ledger.State) { s.TradeSettle(1, -50) })
	apply(func(s *ledger.State) { s.AccrueInsurance(20) })
	apply(func(s *ledger.State) { s.SocializeLosses(100) })

	if err := bt.Matches(&s); err != nil {
		t.Errorf("replay mismatch: %v", err)
	}
}

func TestBalanceTracker_SeedMatchesState(t *testing.T) {
	s := newLedger(2)
	s.Deposit(0, 500)
	s.TradeSettle(1, -20)
	s.AccrueInsurance(7)

	bt := ledger.NewBalanceTracker()
	bt.Seed(&s)
	if err := bt.Matches(&s); err != nil {
		t.Errorf("seeded tracker: %v", err)
	}
	if got := bt.GetBalance(ledger.UserKey(1, ledger.FieldPnL)); got != -20 {
		t.Errorf("got %d, want -20", got)
	}
}
