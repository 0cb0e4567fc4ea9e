package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/insurance"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/vesting"
	"MarginLedger/internal/withdrawal"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the engine's economic parameters.
type Config struct {
	Vesting               vesting.Params
	Withdrawal            withdrawal.Params
	Thresholds            withdrawal.Thresholds
	Insurance             insurance.Params
	WarmupSlope           uint64
	MaxHaircutPerEventBps uint64
	MaxHaircutPerDayBps   uint64
	LRUCapacity           int
}

func DefaultConfig() Config {
	h := vesting.NewGlobalHaircut()
	return Config{
		Vesting:               vesting.DefaultParams(),
		Withdrawal:            withdrawal.DefaultParams(),
		Thresholds:            withdrawal.DefaultThresholds(),
		Insurance:             insurance.DefaultParams(),
		WarmupSlope:           ledger.DefaultWarmupSlope,
		MaxHaircutPerEventBps: h.MaxPerEventBps,
		MaxHaircutPerDayBps:   h.MaxPerDayBps,
		LRUCapacity:           1_000_000,
	}
}

func (c Config) Validate() error {
	if err := c.Withdrawal.Validate(); err != nil {
		return err
	}
	if err := c.Insurance.Validate(); err != nil {
		return err
	}
	if c.LRUCapacity <= 0 {
		return fmt.Errorf("lru capacity must be positive, got %d", c.LRUCapacity)
	}
	return nil
}

// Output is everything persistence and publishers need for one applied command.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch // nil when no balance moved
	Accounts []AccountRecord
	Globals  GlobalRecord
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence    int64
	Duplicate   bool
	StateHash   [32]byte
	Account     int // OpenAccount
	Withdrawal  *withdrawal.Plan
	Socialize   *ledger.SocializeResult
	Liquidation *liquidation.Result
	HaircutKeep uint64
	Moved       uint64
	Realized    int64
}

// Engine is the single-owner state machine. Commands are applied one at a
// time under mu; a rejected command leaves the state untouched.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	st       engineState
	sequence int64    // next sequence to assign
	prevHash [32]byte // chain tip before the last applied command

	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	auth              Authorizer
	executor          *liquidation.Executor

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewEngine(
	cfg Config,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:               cfg,
		st:                newEngineState(cfg),
		sequence:          1,
		hasher:            NewStateHasher(),
		balanceTracker:    ledger.NewBalanceTracker(),
		journalGen:        ledger.NewJournalGenerator(1),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		auth:              AllowAll,
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// SetAuthorizer replaces the default AllowAll policy.
func (e *Engine) SetAuthorizer(a Authorizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = a
}

// SetExecutor wires the liquidation executor used by Liquidate commands.
func (e *Engine) SetExecutor(x *liquidation.Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executor = x
}

// Process applies one command.
func (e *Engine) Process(ctx context.Context, cmd event.Command) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apply(ctx, cmd, true)
}

// Replay applies a logged command during recovery. Nothing is emitted and
// the Postgres dedup tier is not consulted.
func (e *Engine) Replay(ctx context.Context, cmd event.Command) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apply(ctx, cmd, false)
}

func (e *Engine) apply(ctx context.Context, cmd event.Command, live bool) (*Result, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: idempotency
	if live && e.idempotency.IsDuplicate(cmdType, key) {
		if err := e.sequenceValidator.Check(cmd.Partition(), cmd.SourceSequence(), true); err != nil {
			return nil, e.reject(cmdType, "sequence", err)
		}
		e.rejected(cmdType, "duplicate")
		return &Result{Duplicate: true, StateHash: e.hasher.GetPrevHash()}, nil
	}

	// Step 2: ordering
	if err := e.sequenceValidator.Check(cmd.Partition(), cmd.SourceSequence(), false); err != nil {
		return nil, e.reject(cmdType, "sequence", err)
	}

	// Step 3: authorization
	if !e.auth.Authorized(cmd) {
		return nil, e.reject(cmdType, "unauthorized", fmt.Errorf("%w: %s", ErrUnauthorized, cmdType))
	}

	// Step 4: apply to a clone
	before := &e.st
	next := e.st.clone()
	next.Ledger.Authorized = true
	res := &Result{}
	journalType, err := e.dispatch(ctx, &next, cmd, res)
	if err != nil {
		return nil, e.reject(cmdType, reasonOf(err), err)
	}

	// Step 5: post-checks
	if err := e.postCheck(&next); err != nil {
		e.logger.Error().Err(err).Str("command", cmdType).Str("key", key).Msg("post-check failed, command discarded")
		e.dropLiquidation(cmd, res, "invariant")
		return nil, e.reject(cmdType, "invariant", fmt.Errorf("%w: %v", ErrInvariant, err))
	}

	// Step 6: journals
	batch := e.journalGen.Generate(&before.Ledger, &next.Ledger, key, journalType, cmd.At())
	if batch != nil {
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			e.dropLiquidation(cmd, res, "journal")
			return nil, e.reject(cmdType, "journal", err)
		}
	}

	// Step 7: commit and extend the hash chain
	payload, err := event.Encode(cmd)
	if err != nil {
		e.dropLiquidation(cmd, res, "encode")
		return nil, e.reject(cmdType, "encode", err)
	}
	accounts := changedAccounts(before, &next)
	e.st = next

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	e.prevHash = prevHash
	stateHash := e.hasher.ComputeHash(e.sequence, e.st.digest())
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: key,
		CommandType:    cmd.CommandType(),
		Partition:      cmd.Partition(),
		Timestamp:      cmd.At(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	res.Sequence = e.sequence
	res.StateHash = stateHash
	e.sequence++
	e.sequenceValidator.Advance(cmd.Partition(), cmd.SourceSequence())

	// Step 8: emit
	if live {
		out := Output{Envelope: env, Batch: batch, Accounts: accounts, Globals: e.st.globalRecord()}

		// blocking: persistence must see every command
		if e.persistChan != nil {
			e.persistChan <- out
		}
		select {
		case e.publishChan <- out:
		default:
			if e.publishChan != nil && e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 9: mark processed
	e.idempotency.MarkProcessed(cmdType, key)
	e.observe(cmdType, batch, start)
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, st *engineState, cmd event.Command, res *Result) (ledger.JournalType, error) {
	switch c := cmd.(type) {
	case *event.OpenAccount:
		return ledger.JournalTypeDeposit, e.handleOpenAccount(st, res)
	case *event.Deposit:
		return ledger.JournalTypeDeposit, e.handleDeposit(st, c, res)
	case *event.WithdrawPrincipal:
		return ledger.JournalTypeWithdrawPrincipal, e.handleWithdrawPrincipal(st, c, res)
	case *event.RequestWithdrawal:
		return ledger.JournalTypeWithdrawPnL, e.handleRequestWithdrawal(st, c, res)
	case *event.DrainWithdrawals:
		return ledger.JournalTypeWithdrawPnL, e.handleDrainWithdrawals(st, c, res)
	case *event.TradeFill:
		return ledger.JournalTypeTradeSettle, e.handleTradeFill(st, c, res)
	case *event.WithdrawPnL:
		return ledger.JournalTypeWithdrawPnL, e.handleWithdrawPnL(st, c, res)
	case *event.Tick:
		return ledger.JournalTypeVesting, e.handleTick(st, c)
	case *event.MatcherNoise:
		return ledger.JournalTypeTradeSettle, nil
	case *event.SocializeLosses:
		return ledger.JournalTypeSocialization, e.handleSocializeLosses(st, c, res)
	case *event.GlobalHaircut:
		return ledger.JournalTypeHaircut, e.handleGlobalHaircut(st, c, res)
	case *event.Liquidate:
		return ledger.JournalTypeLiquidation, e.handleLiquidate(ctx, st, c, res)
	case *event.InsuranceTopUp:
		return ledger.JournalTypeInsuranceGovernance, e.handleInsuranceTopUp(st, c, res)
	case *event.InsuranceWithdraw:
		return ledger.JournalTypeInsuranceGovernance, e.handleInsuranceWithdraw(st, c, res)
	case *event.SetEmergency:
		return ledger.JournalTypeReserve, e.handleSetEmergency(st, c)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// postCheck verifies the cross-module invariants on a candidate state.
func (e *Engine) postCheck(st *engineState) error {
	if err := ledger.ValidateConservation(&st.Ledger); err != nil {
		return err
	}
	if err := ledger.ValidateVested(&st.Ledger); err != nil {
		return err
	}
	if st.Insurance.Balance != st.Ledger.InsuranceFund {
		return fmt.Errorf("insurance balance %d does not mirror ledger fund %d",
			st.Insurance.Balance, st.Ledger.InsuranceFund)
	}
	n := len(st.Ledger.Accounts)
	if len(st.UserBuckets) != n || len(st.Portfolios) != n {
		return fmt.Errorf("per-account state out of step: %d accounts, %d buckets, %d portfolios",
			n, len(st.UserBuckets), len(st.Portfolios))
	}
	return nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNoExecutor):
		return "no_executor"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, liquidation.ErrPortfolioHealthy):
		return "healthy"
	case errors.Is(err, liquidation.ErrCooldown):
		return "cooldown"
	case errors.Is(err, liquidation.ErrStalePrice), errors.Is(err, liquidation.ErrNoPrice):
		return "price"
	case errors.Is(err, insurance.ErrUncoveredBadDebt), errors.Is(err, insurance.ErrInsufficientFund):
		return "insurance"
	default:
		return "error"
	}
}

func (e *Engine) reject(cmdType, reason string, err error) error {
	e.rejected(cmdType, reason)
	e.logger.Debug().Err(err).Str("command", cmdType).Str("reason", reason).Msg("command rejected")
	return err
}

func (e *Engine) rejected(cmdType, reason string) {
	if e.metrics != nil {
		e.metrics.CommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func (e *Engine) observe(cmdType string, batch *ledger.Batch, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
	e.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	e.metrics.Sequence.Set(float64(e.sequence - 1))
	if batch != nil {
		e.metrics.Journals.WithLabelValues(batch.Journals[0].JournalType.String()).Add(float64(len(batch.Journals)))
	}
	e.metrics.Vault.Set(float64(e.st.Ledger.Vault))
	e.metrics.InsuranceFund.Set(float64(e.st.Ledger.InsuranceFund))
	e.metrics.UncoveredBadDebt.Set(float64(e.st.Insurance.UncoveredBadDebt))
	e.metrics.HaircutIndex.Set(float64(e.st.Haircut.PnLIndex) / float64(vesting.FPOne))
	e.metrics.PendingWithdrawals.Set(float64(len(e.st.Pending)))
}

// --- Snapshot Restore & Startup Methods ---

// Snapshot captures the current state for persistence.
func (e *Engine) Snapshot() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.st.toSnapshot()
	snap.Sequence = e.sequence - 1
	snap.StateHash = e.hasher.GetPrevHash()
	snap.PrevHash = e.prevHash
	snap.SequenceState = e.sequenceValidator.Partitions()
	snap.JournalSequence = e.journalGen.Sequence()
	snap.IdempotencyKeys = e.idempotency.lru.Keys()
	return &snap
}

// Restore replaces the engine state with snap. The stored hash must match
// the chain tip recomputed from the restored state's digest.
func (e *Engine) Restore(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := fromSnapshot(snap)
	if err := e.postCheck(&st); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrInvariant, err)
	}
	if snap.Sequence > 0 {
		if got := ChainHash(snap.PrevHash, snap.Sequence, st.digest()); got != snap.StateHash {
			return fmt.Errorf("%w: snapshot hash mismatch at sequence %d", ErrInvariant, snap.Sequence)
		}
	}

	e.st = st
	e.sequence = snap.Sequence + 1
	e.prevHash = snap.PrevHash
	e.hasher.SetPrevHash(snap.StateHash)
	if snap.Sequence == 0 {
		e.hasher.SetPrevHash(GenesisHash())
	}
	e.balanceTracker.Seed(&e.st.Ledger)
	e.journalGen = ledger.NewJournalGenerator(snap.JournalSequence)
	e.sequenceValidator.Restore(snap.SequenceState)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// Sequence returns the last applied sequence.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence - 1
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// VerifyJournals checks that replaying every journal reproduces the live ledger.
func (e *Engine) VerifyJournals() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceTracker.Matches(&e.st.Ledger)
}

// dropLiquidation reports a live liquidation whose venue fills were executed
// but whose ledger effects were discarded by a later step. The ledger no
// longer reflects those fills, so the outcome is logged for manual repair.
func (e *Engine) dropLiquidation(cmd event.Command, res *Result, stage string) {
	liq, ok := cmd.(*event.Liquidate)
	if !ok || res.Liquidation == nil || liq.Outcome == nil {
		return
	}
	o := liq.Outcome
	e.logger.Error().
		Str("stage", stage).
		Int("account", liq.Account).
		Str("liquidation_id", o.LiquidationID).
		Str("mode", o.Mode).
		Int64("realized", o.Realized).
		Uint64("fees", o.Fees).
		Uint64("notional", o.Notional).
		Bool("bankrupt", o.Bankrupt).
		Int("exposures", len(o.Exposures)).
		Msg("executed liquidation discarded, ledger missing venue fills")
}
