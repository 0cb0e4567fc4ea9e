package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRecordStore keeps state records in state.records.
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// Load returns every stored record ordered by key.
func (s *PostgresRecordStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, sequence, data FROM state.records ORDER BY record_key
	`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Sequence, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Commit upserts records in one transaction.
func (s *PostgresRecordStore) Commit(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertRecords(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}
