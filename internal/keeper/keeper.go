package keeper

import (
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AccountState is what the keeper needs to price one account.
type AccountState struct {
	Index        int
	LedgerEquity int64
	Portfolio    liquidation.Portfolio
}

// Ledger is the keeper's view of the margin engine: a way to list accounts
// and a way to ask for a liquidation.
type Ledger interface {
	Accounts(ctx context.Context) ([]AccountState, error)
	Liquidate(ctx context.Context, account int, forcePre bool, now int64) error
}

type Config struct {
	PollInterval time.Duration
	Threshold    int64 // hard liquidation at or below this health
	MaxBatch     int
	SubmitRate   rate.Limit
	SubmitBurst  int
	Preliq       bool // also submit pre-liquidation candidates
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Threshold:    0,
		MaxBatch:     5,
		SubmitRate:   10,
		SubmitBurst:  5,
		Preliq:       true,
	}
}

// Candidate is an account selected for submission.
type Candidate struct {
	AccountHealth
	ForcePre bool
}

// Keeper monitors account health and submits liquidations for accounts
// that fall below maintenance.
type Keeper struct {
	ledger  Ledger
	feed    liquidation.PriceFeed
	reg     *liquidation.Registry
	cfg     Config
	queue   *HealthQueue
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(ledger Ledger, feed liquidation.PriceFeed, reg *liquidation.Registry, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	return &Keeper{
		ledger:  ledger,
		feed:    feed,
		reg:     reg,
		cfg:     cfg,
		queue:   NewHealthQueue(),
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Queue exposes the health queue for inspection.
func (k *Keeper) Queue() *HealthQueue { return k.queue }

// Scan reprices every account and refreshes the queue. Flat accounts leave it.
func (k *Keeper) Scan(ctx context.Context) error {
	now := k.now().Unix()
	snap, err := k.feed.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("price snapshot: %w", err)
	}
	if k.reg.MaxPriceAgeSecs > 0 && now-snap.Timestamp > k.reg.MaxPriceAgeSecs {
		return fmt.Errorf("%w: observed at %d, now %d", liquidation.ErrStalePrice, snap.Timestamp, now)
	}

	accounts, err := k.ledger.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for i := range accounts {
		a := &accounts[i]
		if a.Portfolio.IsFlat() {
			k.queue.Remove(a.Index)
			continue
		}
		maint := liquidation.MaintenanceRequirement(&a.Portfolio, snap.Prices, k.reg)
		equity := liquidation.Equity(a.LedgerEquity, &a.Portfolio, snap.Prices)
		k.queue.Push(AccountHealth{
			Account:     a.Index,
			Health:      liquidation.Health(equity, maint),
			Equity:      equity,
			Maintenance: maint,
			UpdatedAt:   now,
		})
	}

	if k.metrics != nil {
		k.metrics.KeeperQueueSize.Set(float64(k.queue.Len()))
	}
	if worst, ok := k.queue.Peek(); ok {
		k.logger.Debug().Int("queue", k.queue.Len()).Int("account", worst.Account).
			Int64("health", worst.Health).Msg("health scan")
	}
	return nil
}

// Candidates selects up to MaxBatch accounts: hard liquidations first, then
// the pre-liquidation zone, each worst first.
func (k *Keeper) Candidates() []Candidate {
	var out []Candidate
	seen := make(map[int]bool)
	add := func(h AccountHealth, forcePre bool, mode string) {
		if seen[h.Account] || len(out) >= k.cfg.MaxBatch {
			return
		}
		seen[h.Account] = true
		out = append(out, Candidate{AccountHealth: h, ForcePre: forcePre})
		if k.metrics != nil {
			k.metrics.KeeperCandidates.WithLabelValues(mode).Inc()
		}
	}

	for _, h := range k.queue.Liquidatable(k.cfg.Threshold) {
		add(h, false, "hard")
	}
	if k.cfg.Preliq {
		for _, h := range k.queue.PreliqCandidates(k.reg.PreliqBuffer) {
			add(h, true, "pre")
		}
	}
	return out
}

// Submit sends each candidate to the ledger, paced by the rate limiter.
// Accounts that were liquidated leave the queue until the next scan.
func (k *Keeper) Submit(ctx context.Context, cands []Candidate) (int, error) {
	submitted := 0
	for _, c := range cands {
		if err := k.limiter.Wait(ctx); err != nil {
			return submitted, err
		}
		err := k.ledger.Liquidate(ctx, c.Account, c.ForcePre, k.now().Unix())
		switch {
		case err == nil:
			submitted++
			k.queue.Remove(c.Account)
			k.count("submitted")
			k.logger.Info().Int("account", c.Account).Int64("health", c.Health).
				Bool("pre", c.ForcePre).Msg("liquidation submitted")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return submitted, err
		case errors.Is(err, liquidation.ErrPortfolioHealthy), errors.Is(err, liquidation.ErrCooldown):
			k.count("skipped")
			k.logger.Debug().Err(err).Int("account", c.Account).Msg("liquidation skipped")
		default:
			k.count("failed")
			k.logger.Error().Err(err).Int("account", c.Account).Msg("liquidation failed")
		}
	}
	return submitted, nil
}

// RunOnce scans and submits one batch.
func (k *Keeper) RunOnce(ctx context.Context) (int, error) {
	if err := k.Scan(ctx); err != nil {
		return 0, err
	}
	cands := k.Candidates()
	if len(cands) == 0 {
		return 0, nil
	}
	k.logger.Info().Int("candidates", len(cands)).Msg("accounts need liquidation")
	return k.Submit(ctx, cands)
}

// Run polls until ctx is cancelled. Scan errors are logged and retried on
// the next tick.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				k.logger.Warn().Err(err).Msg("keeper pass failed")
			}
		}
	}
}

func (k *Keeper) count(result string) {
	if k.metrics != nil {
		k.metrics.KeeperSubmissions.WithLabelValues(result).Inc()
	}
}
