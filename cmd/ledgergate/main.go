package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/ledgergate/internal/config"
	"github.com/jmerrifield20/ledgergate/internal/gateway/handler"
	"github.com/jmerrifield20/ledgergate/internal/gateway/service"
	"github.com/jmerrifield20/ledgergate/internal/health"
	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

// healthService is the gRPC health service name reported for the gateway.
const healthService = "ledgergate.Gateway"

func main() {
	cfg, err := config.Load(os.Getenv("LEDGERGATE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgergate: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgergate: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgergate exited with error", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledger store ──────────────────────────────────────────────────────────
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close ledger store", zap.Error(err))
		}
	}()

	logger.Info("ledger store ready",
		zap.String("driver", cfg.Store.Driver),
		zap.String("bookkeeper", cfg.Bookkeeper.ConnectionString()),
		zap.String("digest", string(cfg.Bookkeeper.Digest())),
		zap.Int("ensemble", cfg.Bookkeeper.EnsembleSize),
		zap.Int("write_quorum", cfg.Bookkeeper.WriteQuorumSize),
		zap.Int("ack_quorum", cfg.Bookkeeper.AckQuorumSize),
	)

	// ── Service ───────────────────────────────────────────────────────────────
	svc := service.NewLedgerService(store, service.NewHandleRegistry(), service.Options{
		EnsembleSize:    cfg.Bookkeeper.EnsembleSize,
		WriteQuorumSize: cfg.Bookkeeper.WriteQuorumSize,
		AckQuorumSize:   cfg.Bookkeeper.AckQuorumSize,
		Digest:          cfg.Bookkeeper.Digest(),
		Password:        []byte(cfg.Bookkeeper.Password),
		EntryNotFound:   cfg.Bookkeeper.Policy(),
	}, logger)

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	// ── Store health checker ──────────────────────────────────────────────────
	checker := health.New(store, health.Config{
		CheckInterval: cfg.Health.Interval,
		ProbeTimeout:  cfg.Health.Timeout,
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)
	checker.SetStatusHook(func(serving bool) {
		st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if serving {
			st = grpc_health_v1.HealthCheckResponse_SERVING
		}
		healthSvc.SetServingStatus(healthService, st)
		healthSvc.SetServingStatus("", st)
	})
	go checker.Start(ctx)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	// CORS
	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(handler.BodyLimit(cfg.Server.MaxBodyBytes))

	// Per-IP rate limiting
	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}

	router.Use(handler.RequestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", handler.Healthz(checker))
	router.GET("/metrics", handler.MetricsHandler())

	ledgerHandler := handler.NewLedgerHandler(svc, logger)
	ledgerHandler.Register(router.Group("/api/bookkeeper"))

	// ── Start servers ─────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("ledgergate HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgergate...")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	if err := svc.Close(shutCtx); err != nil {
		logger.Warn("close owned ledgers", zap.Error(err))
	}

	logger.Info("ledgergate stopped")
	return nil
}

// openStore connects the configured ledger store backend.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (ledgerstore.Client, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return ledgerstore.NewPostgresStore(pool, logger), nil
	case config.DriverSQLite:
		store, err := ledgerstore.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return store, nil
	case config.DriverMemory:
		logger.Warn("using in-memory ledger store; ledgers are lost on restart",
			zap.Int("bookies", cfg.Bookies))
		return ledgerstore.NewMemoryStore(cfg.Bookies), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
