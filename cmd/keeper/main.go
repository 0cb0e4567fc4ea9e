package main

import (
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/keeper"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/market"
	"MarginLedger/internal/observability"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// The keeper runs beside the ledger: prices come from NATS, account state
// and liquidation requests go over the ledger's gRPC API.
func main() {
	_ = godotenv.Load()
	logger := observability.NewLogger("keeper")

	ledgerAddr := envOrDefault("MARGIN_LEDGER_GRPC_ADDR", "localhost:9090")
	natsURL := envOrDefault("MARGIN_NATS_URL", "nats://localhost:4222")
	metricsAddr := envOrDefault("MARGIN_KEEPER_METRICS_ADDR", ":9092")

	cfg := keeper.DefaultConfig()
	if d, err := time.ParseDuration(os.Getenv("MARGIN_KEEPER_POLL")); err == nil {
		cfg.PollInterval = d
	}
	if n, err := strconv.Atoi(os.Getenv("MARGIN_KEEPER_MAX_BATCH")); err == nil {
		cfg.MaxBatch = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("MARGIN_KEEPER_SUBMIT_RATE"), 64); err == nil {
		cfg.SubmitRate = rate.Limit(f)
	}

	reg := liquidation.DefaultRegistry()
	if path := os.Getenv("MARGIN_REGISTRY_FILE"); path != "" {
		var err error
		if reg, err = liquidation.LoadRegistry(path); err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("load registry")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nc, _, err := ingestion.ConnectNATS(natsURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	oracle := market.NewOracleCache()
	if _, err := oracle.Subscribe(nc, market.PriceSubject, logger); err != nil {
		logger.Fatal().Err(err).Msg("oracle subscribe")
	}

	conn, err := grpc.NewClient(ledgerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal().Err(err).Str("addr", ledgerAddr).Msg("ledger client")
	}
	defer conn.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	k := keeper.New(keeper.NewRemoteLedger(conn), oracle, reg, cfg, metrics, logger)
	logger.Info().Str("ledger", ledgerAddr).Dur("poll", cfg.PollInterval).Msg("keeper started")

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("keeper stopped")
	}
	logger.Info().Msg("keeper shutdown complete")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
