package core

import (
	"MarginLedger/internal/insurance"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/vesting"
	"MarginLedger/internal/withdrawal"
	"encoding/binary"

	"github.com/google/uuid"
)

// PendingWithdrawal is the queued part of a rate-limited withdrawal.
type PendingWithdrawal struct {
	ID       uuid.UUID `json:"id"`
	Account  int       `json:"account"`
	Amount   uint64    `json:"amount"`
	Reserved uint64    `json:"reserved"` // pnl earmarked for this item
	EtaSecs  int64     `json:"eta_secs"` // unix seconds
}

// engineState is everything a command may mutate. A command runs against a
// clone and the clone replaces the live state only if every post-check holds.
type engineState struct {
	Ledger      ledger.State
	Haircut     vesting.GlobalHaircut
	Insurance   insurance.State
	Emergency   withdrawal.Emergency
	UserBuckets []withdrawal.UserBucket
	Global      withdrawal.GlobalBucket
	Portfolios  []liquidation.Portfolio
	Pending     []PendingWithdrawal
}

func newEngineState(cfg Config) engineState {
	l := ledger.NewState()
	l.WarmupSlope = cfg.WarmupSlope
	h := vesting.NewGlobalHaircut()
	h.MaxPerEventBps = cfg.MaxHaircutPerEventBps
	h.MaxPerDayBps = cfg.MaxHaircutPerDayBps
	return engineState{
		Ledger:    l,
		Haircut:   h,
		Emergency: withdrawal.DefaultEmergency(),
	}
}

func (s *engineState) clone() engineState {
	c := *s
	c.Ledger = s.Ledger.Clone()
	c.UserBuckets = append([]withdrawal.UserBucket(nil), s.UserBuckets...)
	c.Pending = append([]PendingWithdrawal(nil), s.Pending...)
	c.Portfolios = make([]liquidation.Portfolio, len(s.Portfolios))
	for i := range s.Portfolios {
		c.Portfolios[i] = *s.Portfolios[i].Clone()
	}
	return c
}

func (s *engineState) reservedFor(account int) uint64 {
	var total uint64
	for _, p := range s.Pending {
		if p.Account == account {
			total += p.Reserved
		}
	}
	return total
}

// --- Records ---

// AccountRecord is the persisted per-account state.
type AccountRecord struct {
	Index   int
	Account ledger.Account
	Bucket  withdrawal.UserBucket
}

// GlobalRecord is the persisted system-wide state.
type GlobalRecord struct {
	Vault           uint64
	InsuranceFund   uint64
	FeesOutstanding uint64
	Step            uint64
	WarmupSlope     uint64
	AccountCount    uint64
	Haircut         vesting.GlobalHaircut
	Insurance       insurance.State
	Emergency       withdrawal.Emergency
	Global          withdrawal.GlobalBucket
}

func (s *engineState) globalRecord() GlobalRecord {
	return GlobalRecord{
		Vault:           s.Ledger.Vault,
		InsuranceFund:   s.Ledger.InsuranceFund,
		FeesOutstanding: s.Ledger.FeesOutstanding,
		Step:            s.Ledger.Step,
		WarmupSlope:     s.Ledger.WarmupSlope,
		AccountCount:    uint64(len(s.Ledger.Accounts)),
		Haircut:         s.Haircut,
		Insurance:       s.Insurance,
		Emergency:       s.Emergency,
		Global:          s.Global,
	}
}

func (s *engineState) accountRecord(i int) AccountRecord {
	return AccountRecord{Index: i, Account: s.Ledger.Accounts[i], Bucket: s.UserBuckets[i]}
}

// changedAccounts returns the records of accounts that differ between before and after.
func changedAccounts(before, after *engineState) []AccountRecord {
	var out []AccountRecord
	for i := range after.Ledger.Accounts {
		if i < len(before.Ledger.Accounts) &&
			before.Ledger.Accounts[i] == after.Ledger.Accounts[i] &&
			before.UserBuckets[i] == after.UserBuckets[i] {
			continue
		}
		out = append(out, after.accountRecord(i))
	}
	return out
}

// --- Digest ---

// digest is the canonical little-endian encoding of the full state. Two
// engines that applied the same commands produce identical digests.
func (s *engineState) digest() []byte {
	buf := make([]byte, 0, 256+len(s.Ledger.Accounts)*96)
	u := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }
	i := func(v int64) { u(uint64(v)) }
	b := func(v bool) {
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	str := func(v string) {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}

	l := &s.Ledger
	u(l.Vault)
	u(l.InsuranceFund)
	u(l.FeesOutstanding)
	u(l.Step)
	u(l.WarmupSlope)
	b(l.Authorized)

	u(uint64(len(l.Accounts)))
	for n := range l.Accounts {
		a := &l.Accounts[n]
		u(a.Principal)
		i(a.PnL)
		i(a.VestedPnL)
		u(a.ReservedPnL)
		u(a.HaircutCheckpoint)
		u(a.LastTouchStep)
		u(a.WarmupStart)

		ub := &s.UserBuckets[n]
		u(ub.AmountUsed)
		i(ub.WindowStartSecs)
		u(ub.FreePnLUsedToday)
		u(ub.FastLaneUsedToday)
		i(ub.LastResetDay)

		p := &s.Portfolios[n]
		i(p.LastLiquidationTs)
		u(uint64(len(p.Exposures)))
		for _, e := range p.Exposures {
			str(e.Venue)
			str(e.Instrument)
			i(e.Qty)
			i(e.EntryPrice)
		}
	}

	h := &s.Haircut
	u(h.PnLIndex)
	u(h.LastEventID)
	u(h.CumulativeHaircut)
	u(h.Day)
	u(h.DayStartIndex)

	ins := &s.Insurance
	u(ins.Balance)
	i(ins.LastPayoutTs)
	u(ins.DailyPayoutAccum)
	u(ins.TotalPayouts)
	u(ins.TotalAccrued)
	u(ins.UncoveredBadDebt)
	i(ins.LastDay)
	u(ins.DayStartBalance)

	b(s.Emergency.Active)
	u(s.Emergency.ExitMultiplierBps)
	i(s.Emergency.ExpiresAtSecs)
	u(s.Global.AmountUsed)
	i(s.Global.WindowStartSecs)

	u(uint64(len(s.Pending)))
	for _, p := range s.Pending {
		buf = append(buf, p.ID[:]...)
		u(uint64(p.Account))
		u(p.Amount)
		u(p.Reserved)
		i(p.EtaSecs)
	}
	return buf
}

// --- Snapshot ---

// SnapshotState is the serializable engine state used for warm restart.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"` // last applied
	StateHash       [32]byte                `json:"state_hash"`
	PrevHash        [32]byte                `json:"prev_hash"`
	Ledger          ledger.State            `json:"ledger"`
	Haircut         vesting.GlobalHaircut   `json:"haircut"`
	Insurance       insurance.State         `json:"insurance"`
	Emergency       withdrawal.Emergency    `json:"emergency"`
	UserBuckets     []withdrawal.UserBucket `json:"user_buckets"`
	Global          withdrawal.GlobalBucket `json:"global_bucket"`
	Portfolios      []liquidation.Portfolio `json:"portfolios"`
	Pending         []PendingWithdrawal     `json:"pending"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	JournalSequence int64                   `json:"journal_sequence"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

func (s *engineState) toSnapshot() SnapshotState {
	c := s.clone()
	return SnapshotState{
		Ledger:      c.Ledger,
		Haircut:     c.Haircut,
		Insurance:   c.Insurance,
		Emergency:   c.Emergency,
		UserBuckets: c.UserBuckets,
		Global:      c.Global,
		Portfolios:  c.Portfolios,
		Pending:     c.Pending,
	}
}

func fromSnapshot(snap *SnapshotState) engineState {
	s := engineState{
		Ledger:      snap.Ledger,
		Haircut:     snap.Haircut,
		Insurance:   snap.Insurance,
		Emergency:   snap.Emergency,
		UserBuckets: snap.UserBuckets,
		Global:      snap.Global,
		Portfolios:  snap.Portfolios,
		Pending:     snap.Pending,
	}
	n := len(s.Ledger.Accounts)
	for len(s.UserBuckets) < n {
		s.UserBuckets = append(s.UserBuckets, withdrawal.UserBucket{})
	}
	for len(s.Portfolios) < n {
		s.Portfolios = append(s.Portfolios, liquidation.Portfolio{})
	}
	return s.clone()
}
