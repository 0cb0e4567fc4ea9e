package persistence_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/withdrawal"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	S  = 1_000_000
	t0 = int64(1_700_000_000)
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.Output
	store   *persistence.MemoryStore
}

func newHarness(t *testing.T) *harness {
	persist := make(chan core.Output, 1024)
	return &harness{
		t:       t,
		engine:  core.NewEngine(core.DefaultConfig(), persist, nil, nil, nil, zerolog.Nop()),
		persist: persist,
		store:   persistence.NewMemoryStore(),
	}
}

func (h *harness) apply(cmds ...event.Command) {
	h.t.Helper()
	for _, cmd := range cmds {
		_, err := h.engine.Process(context.Background(), cmd)
		require.NoError(h.t, err, "%s", cmd.CommandType())
	}
}

// flush moves every pending output into the store.
func (h *harness) flush() {
	h.t.Helper()
	var outs []core.Output
	for {
		select {
		case o := <-h.persist:
			outs = append(outs, o)
		default:
			require.NoError(h.t, h.store.WriteOutputs(context.Background(), outs))
			return
		}
	}
}

func meta() event.Meta { return event.NewMeta(t0) }

func scenario() []event.Command {
	return []event.Command{
		&event.OpenAccount{Meta: meta()},
		&event.OpenAccount{Meta: meta()},
		&event.Deposit{Meta: meta(), Account: 0, Amount: 1_000 * S},
		&event.Deposit{Meta: meta(), Account: 1, Amount: 500 * S},
		&event.TradeFill{Meta: meta(), Account: 0, Venue: "v1", Instrument: "BTC", Qty: S, Price: 1_000 * S},
		&event.TradeFill{Meta: meta(), Account: 0, Venue: "v1", Instrument: "BTC", Qty: -S, Price: 1_100 * S},
		&event.Tick{Meta: meta(), Steps: 1_000},
		&event.RequestWithdrawal{Meta: meta(), Account: 1, Amount: 200 * S},
	}
}

func recoverInto(t *testing.T, store *persistence.MemoryStore, events persistence.EventSource) (*core.Engine, int, error) {
	t.Helper()
	eng := core.NewEngine(core.DefaultConfig(), nil, nil, nil, nil, zerolog.Nop())
	n, err := persistence.NewRecovery(store, events, store, nil, zerolog.Nop()).Run(context.Background(), eng)
	return eng, n, err
}

// ============================================================================
// Test: record codec
// ============================================================================

func TestAccountRecord_FixedSize(t *testing.T) {
	rec := core.AccountRecord{
		Index:   7,
		Account: ledger.Account{Principal: 5 * S, PnL: -3 * S, VestedPnL: -3 * S, WarmupStart: 12},
		Bucket:  withdrawal.UserBucket{AmountUsed: S, WindowStartSecs: t0, LastResetDay: t0 / 86_400},
	}
	data := persistence.EncodeAccount(rec)
	require.Len(t, data, persistence.AccountRecordSize)

	got, err := persistence.DecodeAccount(7, data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = persistence.DecodeAccount(7, data[:len(data)-1])
	assert.ErrorIs(t, err, persistence.ErrRecordSize)

	data[0] = 99
	_, err = persistence.DecodeAccount(7, data)
	assert.ErrorIs(t, err, persistence.ErrRecordVersion)
}

func TestGlobalRecord_FixedSize(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	_, g := h.engine.Records()

	data := persistence.EncodeGlobal(g)
	require.Len(t, data, persistence.GlobalRecordSize)
	got, err := persistence.DecodeGlobal(data)
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestAccountRecordKey(t *testing.T) {
	idx, ok := persistence.ParseAccountRecordKey(persistence.AccountRecordKey(42))
	assert.True(t, ok)
	assert.Equal(t, 42, idx)

	_, ok = persistence.ParseAccountRecordKey(persistence.GlobalRecordKey)
	assert.False(t, ok)
	_, ok = persistence.ParseAccountRecordKey("account/-1")
	assert.False(t, ok)
}

// ============================================================================
// Test: memory store
// ============================================================================

func TestMemoryStore_WritesLogAndLatestRecords(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()

	events := h.store.Events()
	require.Len(t, events, len(scenario()))
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.NotEmpty(t, h.store.Journals())

	recs, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3) // global + two accounts
	require.NoError(t, persistence.VerifyRecords(context.Background(), h.store, h.engine))

	// Re-delivered outputs are ignored.
	before := len(h.store.Events())
	h.apply(&event.Deposit{Meta: meta(), Account: 0, Amount: S})
	out := <-h.persist
	require.NoError(t, h.store.WriteOutputs(context.Background(), []core.Output{out, out}))
	assert.Len(t, h.store.Events(), before+1)

	last, err := h.store.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(scenario())+1), last)
}

// ============================================================================
// Test: recovery
// ============================================================================

func TestRecovery_ReplayFromGenesis(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()

	eng, n, err := recoverInto(t, h.store, h.store)
	require.NoError(t, err)
	assert.Equal(t, len(scenario()), n)
	assert.Equal(t, h.engine.StateHash(), eng.StateHash())
	assert.Equal(t, h.engine.Sequence(), eng.Sequence())
	assert.Equal(t, h.engine.Pending(), eng.Pending())
}

func TestRecovery_FromSnapshot(t *testing.T) {
	h := newHarness(t)
	cmds := scenario()
	h.apply(cmds[:5]...)

	snapper := persistence.NewSnapshotter(h.engine, h.store, core.DefaultConfig(), 1, nil, zerolog.Nop())
	snap, err := snapper.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Sequence)

	h.apply(cmds[5:]...)
	h.flush()

	eng, n, err := recoverInto(t, h.store, h.store)
	require.NoError(t, err)
	assert.Equal(t, len(cmds)-5, n)
	assert.Equal(t, h.engine.StateHash(), eng.StateHash())

	// Commands logged before the snapshot are still recognised as applied.
	res, err := eng.Process(context.Background(), cmds[2])
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestRecovery_UnverifiedSnapshotIgnored(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()
	require.NoError(t, h.store.SaveSnapshot(context.Background(), h.engine.Snapshot()))

	_, n, err := recoverInto(t, h.store, h.store)
	require.NoError(t, err)
	assert.Equal(t, len(scenario()), n, "unverified snapshot must not be used")
}

type tamperedSource struct {
	inner persistence.EventSource
	seq   int64
}

func (s tamperedSource) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	rows, err := s.inner.LoadEventsFrom(ctx, from, limit)
	for i := range rows {
		if rows[i].Sequence == s.seq {
			h := append([]byte(nil), rows[i].StateHash...)
			h[0] ^= 0xff
			rows[i].StateHash = h
		}
	}
	return rows, err
}

func TestRecovery_DetectsTamperedHash(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()

	_, _, err := recoverInto(t, h.store, tamperedSource{inner: h.store, seq: 4})
	assert.ErrorIs(t, err, persistence.ErrHashMismatch)
}

func TestRecovery_DetectsRecordDrift(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()

	bogus := persistence.EncodeAccount(core.AccountRecord{Index: 0, Account: ledger.Account{Principal: 1}})
	require.NoError(t, h.store.Commit(context.Background(), []persistence.Record{
		{Key: persistence.AccountRecordKey(0), Sequence: 1_000, Data: bogus},
	}))

	_, _, err := recoverInto(t, h.store, h.store)
	assert.ErrorIs(t, err, persistence.ErrRecordMismatch)
}

func TestRecovery_DetectsTruncatedLog(t *testing.T) {
	h := newHarness(t)
	h.apply(scenario()...)
	h.flush()
	h.store.Truncate(6)

	// The records were written at sequence 8 and no longer match.
	_, n, err := recoverInto(t, h.store, h.store)
	assert.Equal(t, 6, n)
	assert.ErrorIs(t, err, persistence.ErrRecordMismatch)
}

// ============================================================================
// Test: persistence worker
// ============================================================================

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	h := newHarness(t)
	h.store.FailWrites = 1

	w := persistence.NewPersistenceWorker(h.store, h.persist, 4, 5*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	h.apply(scenario()...)
	close(h.persist)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Len(t, h.store.Events(), len(scenario()))
	require.NoError(t, persistence.VerifyRecords(context.Background(), h.store, h.engine))
}
