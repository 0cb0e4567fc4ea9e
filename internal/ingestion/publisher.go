package ingestion

import (
	"MarginLedger/internal/core"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream = "MARGIN_LEDGER_EVENTS"
	OutboundPrefix = "margin.ledger.events."
)

// Publisher is the slice of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// AppliedCommand is the outbound notification for one applied command.
type AppliedCommand struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      string          `json:"partition"`
	Timestamp      int64           `json:"timestamp"`
	StateHash      string          `json:"state_hash"`
	Command        json.RawMessage `json:"command"`
	Journals       int             `json:"journals"`
	Accounts       []AccountChange `json:"accounts,omitempty"`
	Vault          uint64          `json:"vault"`
	InsuranceFund  uint64          `json:"insurance_fund"`
}

// AccountChange is the post-command balance of one touched account.
type AccountChange struct {
	Index     int    `json:"index"`
	Principal uint64 `json:"principal"`
	PnL       int64  `json:"pnl"`
	VestedPnL int64  `json:"vested_pnl"`
}

// OutboundPublisher publishes applied commands for downstream consumers.
// The engine feeds it with non-blocking sends; consumers that miss a
// message can read the event log directly.
type OutboundPublisher struct {
	js     Publisher
	in     <-chan core.Output
	logger zerolog.Logger
}

func NewOutboundPublisher(js Publisher, in <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, in: in, logger: logger}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-op.in:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// NewAppliedCommand builds the outbound message for out.
func NewAppliedCommand(out core.Output) AppliedCommand {
	env := out.Envelope
	msg := AppliedCommand{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Timestamp:      env.Timestamp,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Command:        json.RawMessage(env.Payload),
		Vault:          out.Globals.Vault,
		InsuranceFund:  out.Globals.InsuranceFund,
	}
	if out.Batch != nil {
		msg.Journals = len(out.Batch.Journals)
	}
	for _, a := range out.Accounts {
		msg.Accounts = append(msg.Accounts, AccountChange{
			Index:     a.Index,
			Principal: a.Account.Principal,
			PnL:       a.Account.PnL,
			VestedPnL: a.Account.VestedPnL,
		})
	}
	return msg
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	msg := NewAppliedCommand(out)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal applied command: %w", err)
	}
	// The sequence doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, OutboundPrefix+msg.CommandType, data,
		jetstream.WithMsgID(fmt.Sprintf("%d", msg.Sequence)))
	return err
}
