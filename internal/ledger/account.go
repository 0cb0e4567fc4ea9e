package ledger

import (
	fpmath "MarginLedger/internal/math"
	"fmt"
)

// DefaultWarmupSlope is the per-step PnL withdrawal allowance of the warm-up throttle.
const DefaultWarmupSlope uint64 = 1_000_000

// Account is one user's record in the ledger.
type Account struct {
	Principal         uint64 // changed only by deposit / principal withdrawal
	PnL               int64
	VestedPnL         int64 // never above PnL; follows PnL down through losses
	ReservedPnL       uint64
	HaircutCheckpoint uint64 // global haircut index last applied to this account
	LastTouchStep     uint64
	WarmupStart       uint64
}

// EffectivePositivePnL is max(0, pnl) - reserved, floored at zero.
func (a *Account) EffectivePositivePnL() uint64 {
	return fpmath.SubU64(fpmath.ClampPos(a.PnL), a.ReservedPnL)
}

// Equity is principal + pnl.
func (a *Account) Equity() int64 {
	return fpmath.AddI64(fpmath.ToSigned(a.Principal), a.PnL)
}

// Debt is the magnitude of a negative pnl.
func (a *Account) Debt() uint64 {
	if a.PnL >= 0 {
		return 0
	}
	return fpmath.Abs(a.PnL)
}

func (a *Account) clampVested() {
	if a.VestedPnL > a.PnL {
		a.VestedPnL = a.PnL
	}
}

// State is the whole ledger: every account plus the aggregate custody balance.
type State struct {
	Vault           uint64
	InsuranceFund   uint64
	FeesOutstanding uint64
	Accounts        []Account
	Step            uint64 // ordering clock
	WarmupSlope     uint64
	Authorized      bool
}

// NewState returns an empty, authorized ledger.
func NewState() State {
	return State{
		WarmupSlope: DefaultWarmupSlope,
		Authorized:  true,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Accounts = make([]Account, len(s.Accounts))
	copy(c.Accounts, s.Accounts)
	return c
}

// Account returns a pointer to the account at index user, or nil if unknown.
func (s *State) Account(user int) *Account {
	if user < 0 || user >= len(s.Accounts) {
		return nil
	}
	return &s.Accounts[user]
}

// OpenAccount appends a fresh account and returns its index.
func (s *State) OpenAccount(haircutIndex uint64) int {
	s.Accounts = append(s.Accounts, Account{
		HaircutCheckpoint: haircutIndex,
		LastTouchStep:     s.Step,
		WarmupStart:       s.Step,
	})
	return len(s.Accounts) - 1
}

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// AccountField identifies which balance of an account a journal entry moves.
type AccountField uint8

const (
	FieldPrincipal AccountField = iota
	FieldPnL
	FieldVested
	FieldReserved
	FieldVault
	FieldInsurance
	FieldFees
)

// AccountKey addresses one balance in the ledger.
type AccountKey struct {
	Scope AccountScope
	Index int
	Field AccountField
}

func UserKey(index int, field AccountField) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Index: index, Field: field}
}

func SystemKey(field AccountField) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Field: field}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%d:%s", k.Index, k.Field)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.Field)
	}
	return "unknown"
}

func (f AccountField) String() string {
	switch f {
	case FieldPrincipal:
		return "principal"
	case FieldPnL:
		return "pnl"
	case FieldVested:
		return "vested_pnl"
	case FieldReserved:
		return "reserved_pnl"
	case FieldVault:
		return "vault"
	case FieldInsurance:
		return "insurance_fund"
	case FieldFees:
		return "fees_outstanding"
	default:
		return "unknown"
	}
}
