package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes outputs.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no command is lost.
type PersistenceWorker struct {
	writer       OutputWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	writer OutputWriter,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Returns when ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.Output, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("outputs", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one final attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outs []core.Output) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("outputs", len(outs)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), outs)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, outs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outs []core.Output) error {
	start := time.Now()
	if err := pw.writer.WriteOutputs(ctx, outs); err != nil {
		return err
	}

	if pw.metrics != nil {
		journals := 0
		for _, o := range outs {
			if o.Batch != nil {
				journals += len(o.Batch.Journals)
			}
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(outs)))
		pw.metrics.PersistEventsWritten.Add(float64(len(outs)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistRecordsWritten.Add(float64(len(latestRecords(outs))))
		pw.metrics.PersistLastSequence.Set(float64(outs[len(outs)-1].Envelope.Sequence))
	}
	return nil
}
