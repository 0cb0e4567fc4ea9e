package ledger

import (
	"fmt"
)

// BalanceTracker rebuilds balances by replaying journal batches. Replaying
// every batch from an empty ledger must reproduce the live state.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		bt.balances[j.Account] += j.Delta
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// Matches reports the first balance that differs from s, if any.
func (bt *BalanceTracker) Matches(s *State) error {
	check := func(key AccountKey, want int64) error {
		if got := bt.balances[key]; got != want {
			return fmt.Errorf("%s: replayed %d, live %d", key.AccountPath(), got, want)
		}
		return nil
	}
	for i := range s.Accounts {
		a := &s.Accounts[i]
		for _, c := range []struct {
			f AccountField
			v int64
		}{
			{FieldPrincipal, int64(a.Principal)},
			{FieldPnL, a.PnL},
			{FieldVested, a.VestedPnL},
			{FieldReserved, int64(a.ReservedPnL)},
		} {
			if err := check(UserKey(i, c.f), c.v); err != nil {
				return err
			}
		}
	}
	if err := check(SystemKey(FieldVault), int64(s.Vault)); err != nil {
		return err
	}
	if err := check(SystemKey(FieldInsurance), int64(s.InsuranceFund)); err != nil {
		return err
	}
	return check(SystemKey(FieldFees), int64(s.FeesOutstanding))
}

// Seed replaces every balance with the values held in s (snapshot restore).
func (bt *BalanceTracker) Seed(s *State) {
	bt.balances = make(map[AccountKey]int64, len(s.Accounts)*4+3)
	for i := range s.Accounts {
		a := &s.Accounts[i]
		bt.balances[UserKey(i, FieldPrincipal)] = int64(a.Principal)
		bt.balances[UserKey(i, FieldPnL)] = a.PnL
		bt.balances[UserKey(i, FieldVested)] = a.VestedPnL
		bt.balances[UserKey(i, FieldReserved)] = int64(a.ReservedPnL)
	}
	bt.balances[SystemKey(FieldVault)] = int64(s.Vault)
	bt.balances[SystemKey(FieldInsurance)] = int64(s.InsuranceFund)
	bt.balances[SystemKey(FieldFees)] = int64(s.FeesOutstanding)
}
