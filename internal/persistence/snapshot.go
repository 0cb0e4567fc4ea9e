package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SnapshotStore saves and loads engine snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error
	// LoadLatestSnapshot returns the newest verified snapshot, or nil on cold start.
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// EventSource reads the command log in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// snapshotFormatVersion v1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

// SnapshotManager keeps snapshots in event_log.snapshots and reads the
// command log for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an unverified snapshot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data))
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, partition_key, payload,
		       state_hash, prev_hash, command_ts, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Partition, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// --- Snapshotter ---

// Snapshotter periodically captures the engine state. A snapshot is
// marked verified only after it restores cleanly into a scratch engine.
type Snapshotter struct {
	engine   *core.Engine
	store    SnapshotStore
	verify   func(*core.SnapshotState) error
	interval int64 // commands between snapshots
	lastSeq  int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotter(
	engine *core.Engine,
	store SnapshotStore,
	cfg core.Config,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		engine: engine,
		store:  store,
		verify: func(snap *core.SnapshotState) error {
			return core.NewEngine(cfg, nil, nil, nil, nil, zerolog.Nop()).Restore(snap)
		},
		interval: interval,
		lastSeq:  engine.Sequence(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Take captures, stores and verifies one snapshot.
func (s *Snapshotter) Take(ctx context.Context) (*core.SnapshotState, error) {
	start := time.Now()
	snap := s.engine.Snapshot()

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.verify(snap); err != nil {
		return nil, fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	if err := s.store.MarkVerified(ctx, snap.Sequence); err != nil {
		return nil, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		if data, err := json.Marshal(snap); err == nil {
			s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		}
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Dur("took", time.Since(start)).Msg("snapshot taken")
	return snap, nil
}

// Run checks every poll whether interval commands have been applied since
// the last snapshot and takes one if so.
func (s *Snapshotter) Run(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.engine.Sequence()-s.lastSeq < s.interval {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
