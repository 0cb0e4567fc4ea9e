package persistence

import (
	"MarginLedger/internal/core"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Record layout version. Bumping it invalidates every stored record.
const recordVersion byte = 1

const (
	// AccountRecordSize is the encoded size of one account record:
	// version byte, 7 ledger words, 5 bucket words.
	AccountRecordSize = 1 + 12*8

	// GlobalRecordSize is the encoded size of the global record:
	// version byte, 25 words, emergency flag.
	GlobalRecordSize = 1 + 25*8 + 1
)

const (
	GlobalRecordKey     = "global"
	accountRecordPrefix = "account/"
)

// Record is one fixed-size state record addressed by key.
type Record struct {
	Key      string
	Sequence int64 // command that last wrote it
	Data     []byte
}

// RecordStore loads and atomically commits state records.
type RecordStore interface {
	Load(ctx context.Context) ([]Record, error)
	// Commit writes every record or none.
	Commit(ctx context.Context, records []Record) error
}

// AccountRecordKey returns the record key of account idx.
func AccountRecordKey(idx int) string {
	return accountRecordPrefix + strconv.Itoa(idx)
}

// ParseAccountRecordKey returns the account index of an account key.
func ParseAccountRecordKey(key string) (int, bool) {
	s, ok := strings.CutPrefix(key, accountRecordPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// --- Codec ---

type recordWriter struct{ buf []byte }

func (w *recordWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *recordWriter) i64(v int64)  { w.u64(uint64(v)) }
func (w *recordWriter) flag(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

type recordReader struct {
	buf []byte
	off int
}

func (r *recordReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}
func (r *recordReader) i64() int64 { return int64(r.u64()) }
func (r *recordReader) flag() bool {
	v := r.buf[r.off] != 0
	r.off++
	return v
}

func checkLayout(data []byte, size int) error {
	if len(data) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrRecordSize, len(data), size)
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: version %d", ErrRecordVersion, data[0])
	}
	return nil
}

// EncodeAccount encodes an account record.
func EncodeAccount(rec core.AccountRecord) []byte {
	w := recordWriter{buf: make([]byte, 0, AccountRecordSize)}
	w.buf = append(w.buf, recordVersion)

	a := &rec.Account
	w.u64(a.Principal)
	w.i64(a.PnL)
	w.i64(a.VestedPnL)
	w.u64(a.ReservedPnL)
	w.u64(a.HaircutCheckpoint)
	w.u64(a.LastTouchStep)
	w.u64(a.WarmupStart)

	b := &rec.Bucket
	w.u64(b.AmountUsed)
	w.i64(b.WindowStartSecs)
	w.u64(b.FreePnLUsedToday)
	w.u64(b.FastLaneUsedToday)
	w.i64(b.LastResetDay)
	return w.buf
}

// DecodeAccount decodes the record of account idx.
func DecodeAccount(idx int, data []byte) (core.AccountRecord, error) {
	if err := checkLayout(data, AccountRecordSize); err != nil {
		return core.AccountRecord{}, fmt.Errorf("account %d: %w", idx, err)
	}
	r := recordReader{buf: data, off: 1}
	var rec core.AccountRecord
	rec.Index = idx

	a := &rec.Account
	a.Principal = r.u64()
	a.PnL = r.i64()
	a.VestedPnL = r.i64()
	a.ReservedPnL = r.u64()
	a.HaircutCheckpoint = r.u64()
	a.LastTouchStep = r.u64()
	a.WarmupStart = r.u64()

	b := &rec.Bucket
	b.AmountUsed = r.u64()
	b.WindowStartSecs = r.i64()
	b.FreePnLUsedToday = r.u64()
	b.FastLaneUsedToday = r.u64()
	b.LastResetDay = r.i64()
	return rec, nil
}

// EncodeGlobal encodes the global record.
func EncodeGlobal(g core.GlobalRecord) []byte {
	w := recordWriter{buf: make([]byte, 0, GlobalRecordSize)}
	w.buf = append(w.buf, recordVersion)

	w.u64(g.Vault)
	w.u64(g.InsuranceFund)
	w.u64(g.FeesOutstanding)
	w.u64(g.Step)
	w.u64(g.WarmupSlope)
	w.u64(g.AccountCount)

	h := &g.Haircut
	w.u64(h.PnLIndex)
	w.u64(h.LastEventID)
	w.u64(h.CumulativeHaircut)
	w.u64(h.MaxPerEventBps)
	w.u64(h.MaxPerDayBps)
	w.u64(h.Day)
	w.u64(h.DayStartIndex)

	ins := &g.Insurance
	w.u64(ins.Balance)
	w.i64(ins.LastPayoutTs)
	w.u64(ins.DailyPayoutAccum)
	w.u64(ins.TotalPayouts)
	w.u64(ins.TotalAccrued)
	w.u64(ins.UncoveredBadDebt)
	w.i64(ins.LastDay)
	w.u64(ins.DayStartBalance)

	w.u64(g.Emergency.ExitMultiplierBps)
	w.i64(g.Emergency.ExpiresAtSecs)
	w.u64(g.Global.AmountUsed)
	w.i64(g.Global.WindowStartSecs)
	w.flag(g.Emergency.Active)
	return w.buf
}

// DecodeGlobal decodes the global record.
func DecodeGlobal(data []byte) (core.GlobalRecord, error) {
	if err := checkLayout(data, GlobalRecordSize); err != nil {
		return core.GlobalRecord{}, fmt.Errorf("global: %w", err)
	}
	r := recordReader{buf: data, off: 1}
	var g core.GlobalRecord

	g.Vault = r.u64()
	g.InsuranceFund = r.u64()
	g.FeesOutstanding = r.u64()
	g.Step = r.u64()
	g.WarmupSlope = r.u64()
	g.AccountCount = r.u64()

	h := &g.Haircut
	h.PnLIndex = r.u64()
	h.LastEventID = r.u64()
	h.CumulativeHaircut = r.u64()
	h.MaxPerEventBps = r.u64()
	h.MaxPerDayBps = r.u64()
	h.Day = r.u64()
	h.DayStartIndex = r.u64()

	ins := &g.Insurance
	ins.Balance = r.u64()
	ins.LastPayoutTs = r.i64()
	ins.DailyPayoutAccum = r.u64()
	ins.TotalPayouts = r.u64()
	ins.TotalAccrued = r.u64()
	ins.UncoveredBadDebt = r.u64()
	ins.LastDay = r.i64()
	ins.DayStartBalance = r.u64()

	g.Emergency.ExitMultiplierBps = r.u64()
	g.Emergency.ExpiresAtSecs = r.i64()
	g.Global.AmountUsed = r.u64()
	g.Global.WindowStartSecs = r.i64()
	g.Emergency.Active = r.flag()
	return g, nil
}

// OutputRecords returns the records written by one applied command.
func OutputRecords(out core.Output) []Record {
	seq := out.Envelope.Sequence
	recs := make([]Record, 0, len(out.Accounts)+1)
	for _, a := range out.Accounts {
		recs = append(recs, Record{Key: AccountRecordKey(a.Index), Sequence: seq, Data: EncodeAccount(a)})
	}
	return append(recs, Record{Key: GlobalRecordKey, Sequence: seq, Data: EncodeGlobal(out.Globals)})
}

// latestRecords keeps the last write per key, preserving first-seen order.
func latestRecords(outs []core.Output) []Record {
	pos := make(map[string]int)
	var recs []Record
	for _, out := range outs {
		for _, r := range OutputRecords(out) {
			if i, ok := pos[r.Key]; ok {
				recs[i] = r
				continue
			}
			pos[r.Key] = len(recs)
			recs = append(recs, r)
		}
	}
	return recs
}

// VerifyRecords checks that stored records equal the engine's live state.
// An empty store passes; it means records were never written.
func VerifyRecords(ctx context.Context, store RecordStore, eng *core.Engine) error {
	stored, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}

	accounts, global := eng.Records()
	want := make(map[string][]byte, len(accounts)+1)
	for _, a := range accounts {
		want[AccountRecordKey(a.Index)] = EncodeAccount(a)
	}
	want[GlobalRecordKey] = EncodeGlobal(global)

	if len(stored) != len(want) {
		return fmt.Errorf("%w: %d stored records, engine has %d", ErrRecordMismatch, len(stored), len(want))
	}
	for _, r := range stored {
		w, ok := want[r.Key]
		if !ok {
			return fmt.Errorf("%w: unexpected key %q", ErrRecordMismatch, r.Key)
		}
		if !bytes.Equal(w, r.Data) {
			return fmt.Errorf("%w: %s differs", ErrRecordMismatch, r.Key)
		}
	}
	return nil
}
