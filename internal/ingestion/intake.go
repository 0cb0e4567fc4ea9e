package ingestion

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Processor applies a command. *core.Engine implements it.
type Processor interface {
	Process(ctx context.Context, cmd event.Command) (*core.Result, error)
}

// Intake decodes raw commands and hands them to the engine one at a time.
type Intake struct {
	proc    Processor
	in      <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIntake(proc Processor, in <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *Intake {
	return &Intake{proc: proc, in: in, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (it *Intake) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-it.in:
			if !ok {
				return nil
			}
			it.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it with the broker. Engine
// rejections are deterministic, so they are acknowledged rather than
// redelivered.
func (it *Intake) Handle(ctx context.Context, raw RawCommand) string {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		it.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed command")
		settle(raw.Term)
		return it.count("malformed")
	}

	res, err := it.proc.Process(ctx, cmd)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		settle(raw.Nak)
		return it.count("retry")
	case err != nil:
		it.logger.Info().Err(err).Str("command", cmd.CommandType().String()).
			Str("key", cmd.IdempotencyKey()).Msg("command rejected")
		settle(raw.Ack)
		return it.count("rejected")
	case res.Duplicate:
		settle(raw.Ack)
		return it.count("duplicate")
	}

	settle(raw.Ack)
	if it.metrics != nil && !raw.Received.IsZero() {
		it.metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).
			Observe(time.Since(raw.Received).Seconds())
	}
	return it.count("applied")
}

func (it *Intake) count(result string) string {
	if it.metrics != nil {
		it.metrics.IngestMessages.WithLabelValues(result).Inc()
	}
	return result
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
