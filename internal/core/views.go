package core

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/vesting"
	"MarginLedger/internal/withdrawal"
	"fmt"
)

// AccountView is a read-only copy of one account for queries.
type AccountView struct {
	Index        int
	Account      ledger.Account
	Equity       int64
	Withdrawable uint64
	Bucket       withdrawal.UserBucket
	Portfolio    liquidation.Portfolio
	Pending      []PendingWithdrawal
}

// Account returns a view of account idx.
func (e *Engine) Account(idx int) (AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.st.Ledger.Account(idx)
	if a == nil {
		return AccountView{}, fmt.Errorf("%w: %d", ErrUnknownAccount, idx)
	}
	v := AccountView{
		Index:        idx,
		Account:      *a,
		Equity:       a.Equity(),
		Withdrawable: vesting.Withdrawable(a),
		Bucket:       e.st.UserBuckets[idx],
		Portfolio:    *e.st.Portfolios[idx].Clone(),
	}
	for _, p := range e.st.Pending {
		if p.Account == idx {
			v.Pending = append(v.Pending, p)
		}
	}
	return v, nil
}

// AccountCount returns the number of open accounts.
func (e *Engine) AccountCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.st.Ledger.Accounts)
}

// Globals returns the system-wide record.
func (e *Engine) Globals() GlobalRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.globalRecord()
}

// Pending returns the withdrawal queue in drain order.
func (e *Engine) Pending() []PendingWithdrawal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PendingWithdrawal(nil), e.st.Pending...)
}

// Records returns every persisted record of the current state.
func (e *Engine) Records() ([]AccountRecord, GlobalRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AccountRecord, len(e.st.Ledger.Accounts))
	for i := range out {
		out[i] = e.st.accountRecord(i)
	}
	return out, e.st.globalRecord()
}

// Conserved reports whether the live ledger satisfies conservation.
func (e *Engine) Conserved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledger.ConservationOK(&e.st.Ledger)
}
