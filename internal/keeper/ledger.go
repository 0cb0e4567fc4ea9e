package keeper

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the slice of *core.Engine the in-process keeper uses.
type Engine interface {
	AccountCount() int
	Account(idx int) (core.AccountView, error)
	Process(ctx context.Context, cmd event.Command) (*core.Result, error)
}

// EngineLedger runs the keeper inside the ledger process.
type EngineLedger struct {
	eng Engine
}

func NewEngineLedger(eng Engine) *EngineLedger {
	return &EngineLedger{eng: eng}
}

func (l *EngineLedger) Accounts(_ context.Context) ([]AccountState, error) {
	n := l.eng.AccountCount()
	out := make([]AccountState, 0, n)
	for i := 0; i < n; i++ {
		v, err := l.eng.Account(i)
		if err != nil {
			return nil, err
		}
		out = append(out, AccountState{Index: i, LedgerEquity: v.Equity, Portfolio: v.Portfolio})
	}
	return out, nil
}

func (l *EngineLedger) Liquidate(ctx context.Context, account int, forcePre bool, now int64) error {
	_, err := l.eng.Process(ctx, &event.Liquidate{Meta: event.NewMeta(now), Account: account, ForcePreLiq: forcePre})
	return err
}

// RemoteLedger drives a ledger process over its gRPC API.
type RemoteLedger struct {
	conn grpc.ClientConnInterface
}

func NewRemoteLedger(conn grpc.ClientConnInterface) *RemoteLedger {
	return &RemoteLedger{conn: conn}
}

func (l *RemoteLedger) invoke(ctx context.Context, method string, in, out any) error {
	return l.conn.Invoke(ctx, "/"+server.ServiceName+"/"+method, in, out,
		grpc.CallContentSubtype(server.CodecName))
}

func (l *RemoteLedger) Accounts(ctx context.Context) ([]AccountState, error) {
	var sys query.SystemResponse
	if err := l.invoke(ctx, "GetSystem", &server.Empty{}, &sys); err != nil {
		return nil, fmt.Errorf("get system: %w", err)
	}
	out := make([]AccountState, 0, sys.AccountCount)
	for i := 0; i < sys.AccountCount; i++ {
		var acct query.AccountResponse
		if err := l.invoke(ctx, "GetAccount", &server.AccountRequest{Index: i}, &acct); err != nil {
			return nil, fmt.Errorf("get account %d: %w", i, err)
		}
		st := AccountState{Index: i, LedgerEquity: acct.Equity}
		for _, e := range acct.Exposures {
			st.Portfolio.Exposures = append(st.Portfolio.Exposures, liquidation.Exposure(e))
		}
		out = append(out, st)
	}
	return out, nil
}

func (l *RemoteLedger) Liquidate(ctx context.Context, account int, forcePre bool, now int64) error {
	cmd, err := json.Marshal(&event.Liquidate{Meta: event.NewMeta(now), Account: account, ForcePreLiq: forcePre})
	if err != nil {
		return err
	}
	var resp ingestion.SubmitResponse
	err = l.invoke(ctx, "Submit", &ingestion.SubmitRequest{
		CommandType: event.CommandTypeLiquidate.String(),
		Command:     cmd,
	}, &resp)
	return remoteError(err)
}

// remoteError restores the liquidation sentinels the keeper branches on.
func remoteError(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return err
	}
	for _, sentinel := range []error{liquidation.ErrCooldown, liquidation.ErrPortfolioHealthy} {
		if strings.Contains(st.Message(), sentinel.Error()) {
			return fmt.Errorf("%w: %s", sentinel, st.Message())
		}
	}
	return err
}
