package ingestion

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/insurance"
	"MarginLedger/internal/liquidation"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SubmitRequest is the admin submission of one command.
type SubmitRequest struct {
	CommandType string          `json:"command_type"`
	Command     json.RawMessage `json:"command"`
}

// SubmitResponse reports how the engine handled a submission.
type SubmitResponse struct {
	Sequence  int64           `json:"sequence"`
	Duplicate bool            `json:"duplicate"`
	StateHash string          `json:"state_hash"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// GRPCIngestService accepts commands over gRPC and HTTP. It is meant for
// admin operations and manual injection; NATS carries production flow.
type GRPCIngestService struct {
	proc Processor
}

func NewGRPCIngestService(proc Processor) *GRPCIngestService {
	return &GRPCIngestService{proc: proc}
}

// Submit parses and applies one command. Errors carry gRPC status codes.
func (s *GRPCIngestService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	cmd, err := ParseCommand(req.CommandType, req.Command)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.proc.Process(ctx, cmd)
	if err != nil {
		return nil, status.Error(CodeOf(err), err.Error())
	}

	resp := &SubmitResponse{
		Sequence:  res.Sequence,
		Duplicate: res.Duplicate,
		StateHash: hex.EncodeToString(res.StateHash[:]),
	}
	if !res.Duplicate {
		if data, err := json.Marshal(res); err == nil {
			resp.Result = data
		}
	}
	return resp, nil
}

// CodeOf maps engine errors to gRPC status codes.
func CodeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, core.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrUnknownAccount):
		return codes.NotFound
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrUnknownCommand):
		return codes.InvalidArgument
	case errors.Is(err, liquidation.ErrPortfolioHealthy), errors.Is(err, liquidation.ErrCooldown),
		errors.Is(err, insurance.ErrInsufficientFund), errors.Is(err, insurance.ErrUncoveredBadDebt):
		return codes.FailedPrecondition
	case errors.Is(err, liquidation.ErrStalePrice), errors.Is(err, liquidation.ErrNoPrice),
		errors.Is(err, core.ErrNoExecutor):
		return codes.Unavailable
	case errors.Is(err, core.ErrInvariant):
		return codes.Internal
	default:
		return codes.Unknown
	}
}
