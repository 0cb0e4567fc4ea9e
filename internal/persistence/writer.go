package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OutputWriter durably stores a batch of engine outputs.
type OutputWriter interface {
	WriteOutputs(ctx context.Context, outs []core.Output) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Partition      string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // unix seconds, from the command
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string
	Sequence    int64
	Account     string
	Delta       int64
	JournalType int32
	Timestamp   int64
}

// EventRowFrom converts an envelope to its log row.
func EventRowFrom(env *event.Envelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// JournalRowsFrom converts a journal batch to log rows. A nil batch yields none.
func JournalRowsFrom(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:   j.JournalID,
			BatchID:     j.BatchID,
			EventRef:    j.EventRef,
			Sequence:    j.Sequence,
			Account:     j.Account.AccountPath(),
			Delta:       j.Delta,
			JournalType: int32(j.JournalType),
			Timestamp:   j.Timestamp,
		})
	}
	return rows
}

// EventLogWriter writes events, journals and state records to Postgres.
// One batch of outputs lands in one transaction.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteOutputs writes the events, journals and latest records of outs atomically.
func (w *EventLogWriter) WriteOutputs(ctx context.Context, outs []core.Output) error {
	if len(outs) == 0 {
		return nil
	}
	events := make([]EventRow, 0, len(outs))
	var journals []JournalRow
	for _, out := range outs {
		events = append(events, EventRowFrom(out.Envelope))
		journals = append(journals, JournalRowsFrom(out.Batch)...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := writeEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := writeJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := upsertRecords(ctx, tx, latestRecords(outs)); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return tx.Commit()
}

// writeEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func writeEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, partition_key, payload, state_hash, prev_hash, command_ts, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Partition,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// writeJournalBatch writes a batch of journal entries to event_log.journal.
func writeJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, account_path, delta, journal_type, journal_ts)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*8)

	for i, j := range journals {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.Account, j.Delta, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// upsertRecords writes each record, replacing older versions of the same key.
func upsertRecords(ctx context.Context, db execer, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO state.records (record_key, sequence, data) VALUES `

	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*3)
	for i, r := range records {
		base := i * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, r.Key, r.Sequence, r.Data)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (record_key) DO UPDATE
		SET sequence = EXCLUDED.sequence, data = EXCLUDED.data, updated_at = NOW()
		WHERE state.records.sequence <= EXCLUDED.sequence`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
