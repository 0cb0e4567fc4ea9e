package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/query"
	"context"
	"encoding/hex"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "margin.v1.MarginLedger"

const (
	defaultJournalPage = 100
	maxJournalPage     = 500
)

// AccountRequest selects one account.
type AccountRequest struct {
	Index int `json:"index"`
}

// PendingRequest optionally filters queued withdrawals by account.
type PendingRequest struct {
	Account *int `json:"account,omitempty"`
}

type PendingList struct {
	Items        []query.PendingResponse `json:"items"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

// JournalsRequest pages an account's journal history backwards.
type JournalsRequest struct {
	Index          int    `json:"index"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalList struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}

// SnapshotResponse describes a verified snapshot taken on request.
type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

// EventLogInfo compares the engine position with the durable log.
type EventLogInfo struct {
	EngineSequence    int64  `json:"engine_sequence"`
	PersistedSequence int64  `json:"persisted_sequence"`
	StateHash         string `json:"state_hash"`
}

// Snapshotter takes a verified snapshot.
type Snapshotter interface {
	Take(ctx context.Context) (*core.SnapshotState, error)
}

// LogPosition reports the last durable sequence.
type LogPosition interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// MarginLedgerServer is the unary API served over gRPC and HTTP.
type MarginLedgerServer interface {
	Submit(context.Context, *ingestion.SubmitRequest) (*ingestion.SubmitResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	GetMargin(context.Context, *AccountRequest) (*query.MarginResponse, error)
	GetSystem(context.Context, *Empty) (*query.SystemResponse, error)
	ListPending(context.Context, *PendingRequest) (*PendingList, error)
	ListJournals(context.Context, *JournalsRequest) (*JournalList, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfo, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

// ledgerService implements MarginLedgerServer on the query and ingest services.
type ledgerService struct {
	qs        *query.QueryService
	ingest    *ingestion.GRPCIngestService
	snapshots Snapshotter // optional
	log       LogPosition // optional
}

func (s *ledgerService) Submit(ctx context.Context, req *ingestion.SubmitRequest) (*ingestion.SubmitResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "command submission is disabled")
	}
	if req.CommandType == "" {
		return nil, status.Error(codes.InvalidArgument, "command_type is required")
	}
	return s.ingest.Submit(ctx, req)
}

func (s *ledgerService) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	resp, err := s.qs.GetAccount(ctx, req.Index)
	if err != nil {
		return nil, statusOf(err)
	}
	return resp, nil
}

func (s *ledgerService) GetMargin(ctx context.Context, req *AccountRequest) (*query.MarginResponse, error) {
	resp, err := s.qs.GetMargin(ctx, req.Index)
	if err != nil {
		return nil, statusOf(err)
	}
	return resp, nil
}

func (s *ledgerService) GetSystem(ctx context.Context, _ *Empty) (*query.SystemResponse, error) {
	resp, err := s.qs.GetSystem(ctx)
	if err != nil {
		return nil, statusOf(err)
	}
	return resp, nil
}

func (s *ledgerService) ListPending(ctx context.Context, req *PendingRequest) (*PendingList, error) {
	sys, err := s.qs.GetSystem(ctx)
	if err != nil {
		return nil, statusOf(err)
	}
	items, err := s.qs.ListPending(ctx, req.Account)
	if err != nil {
		return nil, statusOf(err)
	}
	return &PendingList{Items: items, AsOfSequence: sys.Sequence}, nil
}

func (s *ledgerService) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalList, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxJournalPage {
		limit = defaultJournalPage
	}
	entries, err := s.qs.GetJournalHistory(ctx, req.Index, limit, req.BeforeSequence)
	if err != nil {
		return nil, statusOf(err)
	}
	return &JournalList{Entries: entries}, nil
}

func (s *ledgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are disabled")
	}
	snap, err := s.snapshots.Take(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: snap.Sequence, StateHash: hex.EncodeToString(snap.StateHash[:])}, nil
}

func (s *ledgerService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	sys, err := s.qs.GetSystem(ctx)
	if err != nil {
		return nil, statusOf(err)
	}
	info := &EventLogInfo{EngineSequence: sys.Sequence, StateHash: sys.StateHash}
	if s.log != nil {
		if info.PersistedSequence, err = s.log.GetLatestSequence(ctx); err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
	}
	return info, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

// statusOf maps query errors onto gRPC statuses.
func statusOf(err error) error {
	switch {
	case errors.Is(err, query.ErrNoPriceFeed), errors.Is(err, query.ErrNoDatabase):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, liquidation.ErrStalePrice), errors.Is(err, liquidation.ErrNoPrice):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(ingestion.CodeOf(err), err.Error())
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

func unary[Req, Resp any](method string, call func(MarginLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarginLedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarginLedgerServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarginLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", MarginLedgerServer.Submit),
		unary("GetAccount", MarginLedgerServer.GetAccount),
		unary("GetMargin", MarginLedgerServer.GetMargin),
		unary("GetSystem", MarginLedgerServer.GetSystem),
		unary("ListPending", MarginLedgerServer.ListPending),
		unary("ListJournals", MarginLedgerServer.ListJournals),
		unary("TakeSnapshot", MarginLedgerServer.TakeSnapshot),
		unary("GetEventLogInfo", MarginLedgerServer.GetEventLogInfo),
		unary("VerifyIntegrity", MarginLedgerServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "margin/v1/ledger",
}

// RegisterMarginLedgerServer registers srv on s.
func RegisterMarginLedgerServer(s grpc.ServiceRegistrar, srv MarginLedgerServer) {
	s.RegisterService(&serviceDesc, srv)
}
