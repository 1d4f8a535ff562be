package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/availability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/executor"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/resolver"
	"github.com/triage-ai/palisade/services/tool_runner/internal/server"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"github.com/triage-ai/palisade/services/tool_runner/internal/tools/builtin"
	"github.com/triage-ai/palisade/services/tool_runner/internal/tools/sqlquery"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOL_RUNNER_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOL_RUNNER_PORT", "50054")
	metricsPort := envOrDefault("TOOL_RUNNER_METRICS_PORT", "9464")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	authCacheTTL := envOrDefaultInt("TOOL_RUNNER_AUTH_CACHE_TTL_S", 30)
	authFailOpen := envOrDefaultBool("TOOL_RUNNER_AUTH_FAIL_OPEN", false)
	grantCacheTTL := envOrDefaultInt("TOOL_RUNNER_GRANT_CACHE_TTL_S", 60)
	grantsDefaultAllow := envOrDefaultBool("TOOL_RUNNER_GRANTS_DEFAULT_ALLOW", true)
	queryDSN := os.Getenv("TOOL_RUNNER_QUERY_DSN")
	querySchema := envOrDefault("TOOL_RUNNER_QUERY_SCHEMA", sqlquery.DefaultSchema)
	queryRowLimit := envOrDefaultInt("TOOL_RUNNER_QUERY_ROW_LIMIT", sqlquery.DefaultRowLimit)

	logger.Info("starting tool runner server",
		zap.String("port", port),
		zap.String("metrics_port", metricsPort),
		zap.Bool("postgres", postgresDSN != ""),
		zap.Bool("clickhouse", clickhouseDSN != ""),
		zap.Bool("sql_query", queryDSN != ""),
	)

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres backs auth and availability grants.
	var db *sql.DB
	if postgresDSN != "" {
		db = mustOpenPostgres(postgresDSN, 10, logger)
		defer func() { _ = db.Close() }()
		logger.Info("postgres connected")
	}

	// The sql query tool gets its own pool, connected as a role that only
	// sees the analytics schema. It never shares the auth pool.
	var queryDB *sql.DB
	if queryDSN != "" {
		queryDB = mustOpenPostgres(queryDSN, 5, logger)
		defer func() { _ = queryDB.Close() }()
		logger.Info("query database connected", zap.String("schema", querySchema))
	}

	var authenticator auth.Authenticator
	var checker availability.Checker = availability.AllowAll{}
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			FailOpen: authFailOpen,
			Logger:   logger,
		})
		checker = availability.NewPostgresChecker(availability.PostgresCheckerConfig{
			DB:           db,
			CacheTTL:     time.Duration(grantCacheTTL) * time.Second,
			DefaultAllow: grantsDefaultAllow,
			Logger:       logger,
		})
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator and no grants (no POSTGRES_DSN)")
	}

	// Capability registry over a static provider table
	reg := registry.New(logger,
		builtin.Provider(),
		sqlquery.Provider(sqlquery.Config{
			DB:       queryDB,
			Schema:   querySchema,
			RowLimit: queryRowLimit,
			Logger:   logger,
		}),
	)
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		logger.Warn("some capabilities were rejected", zap.Error(err))
	}

	res := resolver.New(resolver.Config{
		Catalog:      reg,
		Contextual:   builtin.Contextual(),
		Availability: checker,
		Logger:       logger,
	})
	eng := executor.NewEngine(executor.Config{
		Resolver: res,
		Metrics:  executor.DefaultMetrics(),
		Logger:   logger,
	})

	// Metrics
	var metricsServer *http.Server
	if metricsPort != "0" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + metricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	toolRunnerServer := server.NewToolRunnerServer(eng, res, reg, authenticator, writer, logger)
	server.RegisterToolRunnerServiceServer(grpcServer, toolRunnerServer)

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// Listen
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsServer.Shutdown(ctx)
			cancel()
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("tool runner server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Strings("capabilities", reg.Names()),
	)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func mustOpenPostgres(dsn string, maxOpen int, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	return db
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
