package ledger

import (
	fpmath "MarginLedger/internal/math"
	"fmt"
)

// ValidateConservation checks Vault == Σ principal + Σ pnl + insurance - fees.
// The sum is signed: a losing account's negative pnl is value the vault already
// paid out. With no negative pnl this equals the Σ max(0, pnl) form. The sum is
// exact, so saturation cannot mask a violation.
func ValidateConservation(s *State) error {
	expected := fpmath.NewWideSum()
	defer expected.Close()
	for i := range s.Accounts {
		expected.AddU64(s.Accounts[i].Principal).AddI64(s.Accounts[i].PnL)
	}
	expected.AddU64(s.InsuranceFund).SubU64(s.FeesOutstanding)
	if !expected.EqualU64(s.Vault) {
		return fmt.Errorf("%w: vault=%d expected=%s", ErrConservation, s.Vault, expected.String())
	}
	return nil
}

// ConservationOK is the boolean form of ValidateConservation.
func ConservationOK(s *State) bool {
	return ValidateConservation(s) == nil
}

// ValidateVested checks vested <= max(0, pnl) for every account.
func ValidateVested(s *State) error {
	for i := range s.Accounts {
		a := &s.Accounts[i]
		if a.VestedPnL > 0 && a.VestedPnL > a.PnL {
			return fmt.Errorf("%w: account %d vested=%d pnl=%d", ErrVestedAbovePnL, i, a.VestedPnL, a.PnL)
		}
	}
	return nil
}

// PrincipalsUnchanged reports whether every account present in before has the same principal in after.
func PrincipalsUnchanged(before, after *State) bool {
	if len(after.Accounts) < len(before.Accounts) {
		return false
	}
	for i := range before.Accounts {
		if before.Accounts[i].Principal != after.Accounts[i].Principal {
			return false
		}
	}
	return true
}

// BalancesUnchanged reports whether the vault and every (principal, pnl) pair are identical.
func BalancesUnchanged(before, after *State) bool {
	if before.Vault != after.Vault || len(before.Accounts) != len(after.Accounts) {
		return false
	}
	for i := range before.Accounts {
		if before.Accounts[i].Principal != after.Accounts[i].Principal ||
			before.Accounts[i].PnL != after.Accounts[i].PnL {
			return false
		}
	}
	return true
}

// WinnersOnlyHaircut reports whether only accounts with positive pnl in before lost pnl in after.
func WinnersOnlyHaircut(before, after *State) bool {
	for i := range before.Accounts {
		if after.Accounts[i].PnL < before.Accounts[i].PnL && before.Accounts[i].PnL <= 0 {
			return false
		}
	}
	return true
}

// TotalHaircut is Σ (pnl_before - pnl_after) over accounts whose pnl fell.
func TotalHaircut(before, after *State) uint64 {
	var total uint64
	for i := range before.Accounts {
		if after.Accounts[i].PnL < before.Accounts[i].PnL {
			total = fpmath.AddU64(total, fpmath.Abs(fpmath.SubI64(before.Accounts[i].PnL, after.Accounts[i].PnL)))
		}
	}
	return total
}

// SumEffectiveWinners is Σ effective positive pnl.
func SumEffectiveWinners(s *State) uint64 {
	var total uint64
	for i := range s.Accounts {
		total = fpmath.AddU64(total, s.Accounts[i].EffectivePositivePnL())
	}
	return total
}

// SumPositivePnL is Σ max(0, pnl).
func SumPositivePnL(s *State) uint64 {
	var total uint64
	for i := range s.Accounts {
		total = fpmath.AddU64(total, fpmath.ClampPos(s.Accounts[i].PnL))
	}
	return total
}
