package query

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/liquidation"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNoPriceFeed = errors.New("margin queries need a price feed")
	ErrNoDatabase  = errors.New("journal history needs the event log database")
)

// StateSource is the read side of the engine.
type StateSource interface {
	Account(idx int) (core.AccountView, error)
	AccountCount() int
	Globals() core.GlobalRecord
	Pending() []core.PendingWithdrawal
	Sequence() int64
	StateHash() [32]byte
	Conserved() bool
	VerifyJournals() error
}

// QueryService serves reads from the live engine state, derives margin
// metrics from oracle prices and reads history from the Postgres event log.
// Every response carries as_of_sequence.
type QueryService struct {
	src  StateSource
	db   *sql.DB // optional
	feed liquidation.PriceFeed
	reg  *liquidation.Registry
}

func NewQueryService(src StateSource, db *sql.DB, feed liquidation.PriceFeed, reg *liquidation.Registry) *QueryService {
	return &QueryService{src: src, db: db, feed: feed, reg: reg}
}

// GetAccount returns one account's balances, exposures and queued withdrawals.
func (qs *QueryService) GetAccount(_ context.Context, idx int) (*AccountResponse, error) {
	seq := qs.src.Sequence()
	v, err := qs.src.Account(idx)
	if err != nil {
		return nil, err
	}

	resp := &AccountResponse{
		Index:        idx,
		Principal:    v.Account.Principal,
		PnL:          v.Account.PnL,
		VestedPnL:    v.Account.VestedPnL,
		ReservedPnL:  v.Account.ReservedPnL,
		Equity:       v.Equity,
		Withdrawable: v.Withdrawable,
		WindowUsed:   v.Bucket.AmountUsed,
		AsOfSequence: seq,
	}
	for _, e := range v.Portfolio.Exposures {
		if e.Qty == 0 {
			continue
		}
		resp.Exposures = append(resp.Exposures, ExposureResponse(e))
	}
	for _, p := range v.Pending {
		resp.Pending = append(resp.Pending, pendingResponse(p))
	}
	return resp, nil
}

// GetMargin marks the account's exposures to the current oracle prices.
func (qs *QueryService) GetMargin(ctx context.Context, idx int) (*MarginResponse, error) {
	if qs.feed == nil || qs.reg == nil {
		return nil, ErrNoPriceFeed
	}
	seq := qs.src.Sequence()
	v, err := qs.src.Account(idx)
	if err != nil {
		return nil, err
	}
	snap, err := qs.feed.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("price snapshot: %w", err)
	}

	p := &v.Portfolio
	maint := liquidation.MaintenanceRequirement(p, snap.Prices, qs.reg)
	equity := liquidation.Equity(v.Equity, p, snap.Prices)
	health := liquidation.Health(equity, maint)
	mode := liquidation.DetermineMode(health, qs.reg.PreliqBuffer)
	return &MarginResponse{
		Index:          idx,
		LedgerEquity:   v.Equity,
		UnrealizedPnL:  liquidation.UnrealizedPnL(p, snap.Prices),
		Equity:         equity,
		TotalNotional:  liquidation.TotalNotional(p, snap.Prices),
		Maintenance:    maint,
		Initial:        liquidation.InitialRequirement(p, snap.Prices, qs.reg),
		Health:         health,
		Mode:           mode.String(),
		IsLiquidatable: mode != liquidation.ModeHealthy,
		PriceTimestamp: snap.Timestamp,
		AsOfSequence:   seq,
	}, nil
}

// GetSystem returns the global ledger state.
func (qs *QueryService) GetSystem(_ context.Context) (*SystemResponse, error) {
	g := qs.src.Globals()
	hash := qs.src.StateHash()
	return &SystemResponse{
		Vault:            g.Vault,
		InsuranceFund:    g.InsuranceFund,
		FeesOutstanding:  g.FeesOutstanding,
		Step:             g.Step,
		HaircutIndex:     g.Haircut.PnLIndex,
		UncoveredBadDebt: g.Insurance.UncoveredBadDebt,
		EmergencyActive:  g.Emergency.Active,
		AccountCount:     int(g.AccountCount),
		PendingCount:     len(qs.src.Pending()),
		Conserved:        qs.src.Conserved(),
		Sequence:         qs.src.Sequence(),
		StateHash:        hex.EncodeToString(hash[:]),
	}, nil
}

// ListPending returns queued withdrawals in drain order, optionally for one account.
func (qs *QueryService) ListPending(_ context.Context, account *int) ([]PendingResponse, error) {
	out := []PendingResponse{}
	for _, p := range qs.src.Pending() {
		if account != nil && p.Account != *account {
			continue
		}
		out = append(out, pendingResponse(p))
	}
	return out, nil
}

// GetJournalHistory returns an account's journal entries, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	idx int,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	accountPrefix := fmt.Sprintf("user:%d:%%", idx)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       account_path, delta, journal_type, journal_ts
		FROM event_log.journal
		WHERE account_path LIKE $1
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, account_path"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.Account, &e.Delta, &jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks conservation, the journal replay and, when the
// event log is available, hash chain continuity.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		Conserved:     qs.src.Conserved(),
		JournalsMatch: qs.src.VerifyJournals() == nil,
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash <> e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = report.Conserved && report.JournalsMatch && len(report.HashChainBreaks) == 0
	return report, nil
}

func pendingResponse(p core.PendingWithdrawal) PendingResponse {
	return PendingResponse{
		ID:       p.ID.String(),
		Account:  p.Account,
		Amount:   p.Amount,
		Reserved: p.Reserved,
		EtaSecs:  p.EtaSecs,
	}
}
