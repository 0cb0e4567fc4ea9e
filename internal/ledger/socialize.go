package ledger

import (
	fpmath "MarginLedger/internal/math"
)

// SocializeResult reports how a deficit was spread.
type SocializeResult struct {
	Requested    uint64
	TotalWinners uint64 // Σ effective positive pnl before the call
	Collected    uint64 // sum of shares actually taken
	Shares       []uint64
}

// Residual is the part of the deficit that stayed unsocialized, from
// insufficient winnings or floor rounding.
func (r SocializeResult) Residual() uint64 {
	return fpmath.SubU64(r.Requested, r.Collected)
}

// SocializeLosses spreads deficit across accounts in proportion to their
// effective positive PnL.
func SocializeLosses(s State, deficit uint64) State {
	c := s.Clone()
	c.SocializeLosses(deficit)
	return c
}

// SocializeLosses takes from each winner floor(eff_i * haircut / total) where
// haircut = min(deficit, total). The haircut is also bounded by the vault,
// which only binds when custody already holds less than the winners claim.
// Shares come out of pnl and the vault only; reserved pnl and principal are
// never touched. Iteration is in account order.
func (s *State) SocializeLosses(deficit uint64) SocializeResult {
	res := SocializeResult{Requested: deficit}
	if !s.Authorized || deficit == 0 {
		return res
	}

	eff := make([]uint64, len(s.Accounts))
	var total uint64
	for i := range s.Accounts {
		eff[i] = s.Accounts[i].EffectivePositivePnL()
		total = fpmath.AddU64(total, eff[i])
	}
	res.TotalWinners = total
	if total == 0 {
		return res
	}

	haircut := fpmath.MinU64(deficit, fpmath.MinU64(total, s.Vault))
	if haircut == 0 {
		return res
	}
	remaining := haircut
	res.Shares = make([]uint64, len(s.Accounts))
	for i := range s.Accounts {
		if eff[i] == 0 || remaining == 0 {
			continue
		}
		share := fpmath.MulDiv(eff[i], haircut, total)
		share = fpmath.MinU64(share, fpmath.MinU64(eff[i], remaining))
		if share == 0 {
			continue
		}
		a := &s.Accounts[i]
		a.PnL -= int64(share)
		a.clampVested()
		s.Vault -= share
		remaining -= share
		res.Shares[i] = share
		res.Collected += share
	}
	return res
}
