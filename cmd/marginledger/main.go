package main

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/keeper"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/market"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// storage bundles the backends the process needs, whichever store is used.
type storage struct {
	db        *sql.DB // nil for the memory store
	writer    persistence.OutputWriter
	snapshots persistence.SnapshotStore
	events    persistence.EventSource
	records   persistence.RecordStore
	position  server.LogPosition
	dedup     core.DBIdempotencyChecker
}

func main() {
	logger := observability.NewLogger("marginledger")
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}
	cfg := DefaultConfig()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("marginledger exited")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// --- Storage ---
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store.db != nil {
		defer store.db.Close()
	}

	// --- Liquidation registry ---
	reg := liquidation.DefaultRegistry()
	if cfg.RegistryPath != "" {
		if reg, err = liquidation.LoadRegistry(cfg.RegistryPath); err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		logger.Info().Str("path", cfg.RegistryPath).Int("venues", len(reg.Venues)).Msg("registry loaded")
	}

	// --- Channels ---
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	var publishChan chan core.Output // nil disables publishing
	if cfg.NATSURL != "" {
		publishChan = make(chan core.Output, cfg.PublishChanSize)
	}

	// --- Engine ---
	engineCfg := core.DefaultConfig()
	engineCfg.LRUCapacity = cfg.LRUCapacity
	if err := engineCfg.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	eng := core.NewEngine(engineCfg, persistChan, publishChan, store.dedup, metrics, logger.With().Str("component", "engine").Logger())
	if cfg.LockGlobals {
		eng.SetAuthorizer(core.GovernanceOnly(func(event.Command) bool { return false }))
		logger.Info().Msg("global commands locked")
	}

	// --- Recovery: snapshot + replay + record check ---
	recovery := persistence.NewRecovery(store.snapshots, store.events, store.records, metrics,
		logger.With().Str("component", "recovery").Logger())
	replayed, err := recovery.Run(ctx, eng)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().Int("replayed", replayed).Int64("sequence", eng.Sequence()).
		Hex("state_hash", hashBytes(eng.StateHash())).Msg("state recovered")

	// --- LRU warming ---
	if pg, ok := store.dedup.(*persistence.PostgresIdempotencyChecker); ok {
		keys, err := pg.RecentKeys(ctx, cfg.LRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to warm idempotency LRU")
		} else {
			eng.WarmLRU(keys)
			logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
		}
	}

	// --- NATS ---
	var nc *nats.Conn
	var subscriber *ingestion.NATSSubscriber
	var publisher *ingestion.OutboundPublisher
	rawChan := make(chan ingestion.RawCommand, cfg.IntakeChanSize)
	oracle := market.NewOracleCache()

	if cfg.NATSURL != "" {
		conn, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger.With().Str("component", "nats").Logger())
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "subscriber").Logger())
		publisher = ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())

		if _, err := oracle.Subscribe(nc, market.PriceSubject, logger.With().Str("component", "oracle").Logger()); err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
	} else {
		logger.Warn().Msg("NATS disabled, commands accepted over gRPC/HTTP only")
	}

	// --- Liquidation executor ---
	var requester market.Requester
	if nc != nil {
		requester = nc
	}
	venues := market.Venues(reg, cfg.VenueMode, oracle, requester, cfg.PaperFeeBps)
	eng.SetExecutor(liquidation.NewExecutor(reg, oracle, venues, logger.With().Str("component", "executor").Logger()))
	logger.Info().Str("mode", cfg.VenueMode).Int("venues", len(venues)).Msg("liquidation executor ready")

	// --- Services ---
	snapshotter := persistence.NewSnapshotter(eng, store.snapshots, engineCfg, cfg.SnapshotInterval, metrics,
		logger.With().Str("component", "snapshotter").Logger())
	queryService := query.NewQueryService(eng, store.db, oracle, reg)
	ingestService := ingestion.NewGRPCIngestService(eng)

	readiness := observability.NewReadiness(eng.Sequence)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		IngestService: ingestService,
		Snapshots:     snapshotter,
		LogPosition:   store.position,
		Readiness:     readiness,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
	})

	// --- Start goroutines ---
	// Producers feed the engine and stop first; workers drain its output
	// channels and stop after them.
	errChan := make(chan error, 16)
	var producers, workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(store.writer, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, logger.With().Str("component", "persistence").Logger())
	goRun(&workers, "persistence worker", func() error { return persistWorker.Run(workerCtx) })

	// 2. Outbound publisher
	if publisher != nil {
		goRun(&workers, "outbound publisher", func() error { return publisher.Run(workerCtx) })
	}

	// 3. NATS intake
	if subscriber != nil {
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		intake := ingestion.NewIntake(eng, rawChan, metrics, logger.With().Str("component", "intake").Logger())
		goRun(&producers, "intake", func() error { return intake.Run(ctx) })
	}

	// 4. gRPC server and HTTP gateway
	goRun(&producers, "grpc server", func() error { return grpcServer.StartGRPC(ctx) })
	goRun(&producers, "http gateway", func() error { return grpcServer.StartHTTPGateway(ctx) })

	// 5. Keeper
	if cfg.KeeperEnabled {
		kcfg := keeper.DefaultConfig()
		kcfg.PollInterval = cfg.KeeperPoll
		k := keeper.New(keeper.NewEngineLedger(eng), oracle, reg, kcfg, metrics, logger.With().Str("component", "keeper").Logger())
		goRun(&producers, "keeper", func() error { return k.Run(ctx) })
	}

	// 6. Periodic snapshots
	goRun(&producers, "snapshotter", func() error { return snapshotter.Run(ctx, cfg.SnapshotPoll) })

	// 7. Channel gauges
	goRun(&producers, "channel metrics", func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("intake", len(rawChan), cap(rawChan))
			}
		}
	})

	// 8. Prometheus metrics server
	goRun(&producers, "metrics server", func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })

	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", eng.Sequence()).
		Str("store", cfg.Store).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("MarginLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	producers.Wait()

	// Nothing sends to the engine anymore, so its outputs can be drained.
	close(persistChan)
	if publishChan != nil {
		close(publishChan)
	}
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		stopWorkers()
		workers.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if snap, err := snapshotter.Take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	logger.Info().Msg("MarginLedger shutdown complete")
	return runErr
}

func openStorage(ctx context.Context, cfg Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.Store {
	case "memory":
		mem := persistence.NewMemoryStore()
		logger.Warn().Msg("memory store selected, state is lost on exit")
		return &storage{
			writer:    mem,
			snapshots: mem,
			events:    mem,
			records:   mem,
			position:  mem,
		}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info().Msg("Postgres connected")

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger())
		if err := migrator.Up(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		snapMgr := persistence.NewSnapshotManager(db)
		return &storage{
			db:        db,
			writer:    persistence.NewEventLogWriter(db),
			snapshots: snapMgr,
			events:    snapMgr,
			records:   persistence.NewPostgresRecordStore(db),
			position:  snapMgr,
			dedup:     persistence.NewPostgresIdempotencyChecker(db),
		}, nil

	default:
		return nil, fmt.Errorf("unknown MARGIN_STORE %q", cfg.Store)
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }
