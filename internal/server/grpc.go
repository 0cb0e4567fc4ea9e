package server

import (
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	grpcAddr   string
	httpAddr   string
	service    MarginLedgerServer
	readiness  *observability.Readiness
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// ServerDeps holds everything the services need.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService // nil disables Submit
	Snapshots     Snapshotter                  // nil disables TakeSnapshot
	LogPosition   LogPosition
	Readiness     *observability.Readiness
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with all services registered. The
// health service reports NOT_SERVING until SetServing(true).
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		service: &ledgerService{
			qs:        deps.QueryService,
			ingest:    deps.IngestService,
			snapshots: deps.Snapshots,
			log:       deps.LogPosition,
		},
		readiness: deps.Readiness,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary))
	RegisterMarginLedgerServer(s.grpcServer, s.service)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips both the gRPC health status and /readyz.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if s.readiness != nil {
		s.readiness.Set(serving, "draining")
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API and health endpoints until ctx
// is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observeUnary records request metrics and logs failures.
func (s *GRPCServer) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(methodName(info.FullMethod), start, err)
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		code := status.Code(err)
		s.logger.Debug().Err(err).Str("endpoint", endpoint).Str("code", code.String()).Msg("request failed")
		if s.metrics != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, result).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
