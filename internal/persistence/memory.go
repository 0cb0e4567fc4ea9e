package persistence

import (
	"MarginLedger/internal/core"
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-process backend implementing every persistence
// interface. Used by tests and by MARGIN_STORE=memory.
type MemoryStore struct {
	mu        sync.Mutex
	events    []EventRow
	journals  []JournalRow
	records   map[string]Record
	snapshots map[int64]memorySnapshot

	// FailWrites makes the next n WriteOutputs calls fail.
	FailWrites int
}

type memorySnapshot struct {
	data     []byte
	verified bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		snapshots: make(map[int64]memorySnapshot),
	}
}

func (m *MemoryStore) WriteOutputs(_ context.Context, outs []core.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites > 0 {
		m.FailWrites--
		return errMemoryWrite
	}
	last := int64(0)
	if n := len(m.events); n > 0 {
		last = m.events[n-1].Sequence
	}
	for _, out := range outs {
		if out.Envelope.Sequence <= last {
			continue
		}
		m.events = append(m.events, EventRowFrom(out.Envelope))
		m.journals = append(m.journals, JournalRowsFrom(out.Batch)...)
		last = out.Envelope.Sequence
	}
	m.commitLocked(latestRecords(outs))
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitLocked(records)
	return nil
}

func (m *MemoryStore) commitLocked(records []Record) {
	for _, r := range records {
		if old, ok := m.records[r.Key]; ok && old.Sequence > r.Sequence {
			continue
		}
		r.Data = append([]byte(nil), r.Data...)
		m.records[r.Key] = r
	}
}

func (m *MemoryStore) LoadEventsFrom(_ context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Sequence >= fromSequence })
	end := min(i+limit, len(m.events))
	return append([]EventRow(nil), m.events[i:end]...), nil
}

// GetLatestSequence returns the last logged sequence, zero when empty.
func (m *MemoryStore) GetLatestSequence(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.events); n > 0 {
		return m.events[n-1].Sequence, nil
	}
	return 0, nil
}

// Events returns a copy of the command log.
func (m *MemoryStore) Events() []EventRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRow(nil), m.events...)
}

// Journals returns a copy of the journal log.
func (m *MemoryStore) Journals() []JournalRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JournalRow(nil), m.journals...)
}

// Truncate drops every event after sequence.
func (m *MemoryStore) Truncate(sequence int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Sequence > sequence })
	m.events = m.events[:i]
}

// SaveSnapshot stores the snapshot as JSON, the same encoding Postgres uses.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Sequence] = memorySnapshot{data: data}
	return nil
}

func (m *MemoryStore) LoadLatestSnapshot(_ context.Context) (*core.SnapshotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := int64(-1)
	for seq, s := range m.snapshots {
		if s.verified && seq > best {
			best = seq
		}
	}
	if best < 0 {
		return nil, nil
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(m.snapshots[best].data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snapshots[sequence]; ok {
		s.verified = true
		m.snapshots[sequence] = s
	}
	return nil
}
