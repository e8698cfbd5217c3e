package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/finger-bridge/internal/auth"
	"github.com/example/finger-bridge/internal/config"
	"github.com/example/finger-bridge/internal/device"
	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/grpcclient"
	"github.com/example/finger-bridge/internal/grpcserver"
	"github.com/example/finger-bridge/internal/handlers"
	"github.com/example/finger-bridge/internal/logging"
	"github.com/example/finger-bridge/internal/matcher"
	"github.com/example/finger-bridge/internal/matching"
	"github.com/example/finger-bridge/internal/metrics"
	"github.com/example/finger-bridge/internal/protocol"
	"github.com/example/finger-bridge/internal/repository"
	"github.com/example/finger-bridge/internal/repository/sqlitestore"
	"github.com/example/finger-bridge/internal/usecase"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	healthcheck := flag.Bool("healthcheck", false, "probe the device health of a running bridge and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	logger, err := logging.NewLoggerWithOptions(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		MaxAge: cfg.Log.MaxAge,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *healthcheck {
		os.Exit(runHealthcheck(cfg, logger))
	}

	hw, err := initHardware(cfg.Device, logger)
	if err != nil {
		logger.Fatal("failed to initialise scanner driver", zap.Error(err))
	}

	if err := run(cfg, hw, logger); err != nil {
		logger.Error("fingerprint bridge failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run wires and serves the bridge until a shutdown signal. Every error after
// the scanner session exists is returned so the session is always closed.
func run(cfg *config.Config, hw device.HardwareDevice, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	templates, logs, closeStore := initStore(ctx, cfg.Store, logger)
	defer closeStore()

	var cache usecase.Cache
	client, err := initRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		cache = usecase.NewRedisCache(client)
	}

	serializer := device.NewSerializer(cfg.Device.LockWait, logger)
	collector := metrics.New(serializer.Waiting)
	session := device.NewSession(hw, logger, device.WithTransitionHook(collector.Transition))
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("scanner close failed", zap.Error(err))
		}
	}()
	if err := session.Connect(); err != nil {
		logger.Warn("scanner not ready at startup, will retry on first operation", zap.Error(err))
	}

	uc := usecase.NewBridgeUseCase(
		session,
		serializer,
		templates,
		logs,
		cache,
		matcher.New(cfg.Matcher.URL, cfg.Matcher.Timeout, logger),
		collector,
		logger,
		usecase.Options{
			Acquisition: fingerprint.AcquisitionParameters{
				TargetFinger:      fingerprint.AnyFinger,
				Duration:          cfg.Device.CaptureDuration,
				QualityThreshold:  cfg.Device.QualityThreshold,
				ContrastThreshold: cfg.Device.ContrastThreshold,
				FeatureFormat:     fingerprint.DefaultFeatureFormat,
			},
			OperationGrace: cfg.Device.OperationGrace,
			CacheTTL:       cfg.Redis.TTL,
			TopCandidates:  cfg.Device.TopCandidates,
		},
	)

	bridgeListener, err := net.Listen("tcp", cfg.Bridge.Addr)
	if err != nil {
		return logging.NewOperationError("bridge.listen", "", fmt.Errorf("listen on %s: %w", cfg.Bridge.Addr, err))
	}
	bridge := protocol.NewServer(uc, logger, protocol.Options{
		ReadTimeout: cfg.Bridge.ReadTimeout,
		MaxLineSize: cfg.Bridge.MaxLineSize,
	})
	go func() {
		if err := bridge.Serve(bridgeListener); err != nil {
			logger.Error("bridge server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := bridge.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge shutdown incomplete", zap.Error(err))
		}
	}()

	if cfg.GRPC.Addr != "" {
		healthServer, err := grpcserver.New(cfg.GRPC.Addr, session.Connected, grpcserver.DefaultPollInterval, logger)
		if err != nil {
			return logging.NewOperationError("grpc.listen", "", err)
		}
		grpcCtx, stopGRPC := context.WithCancel(context.Background())
		grpcDone := make(chan struct{})
		go func() {
			defer close(grpcDone)
			if err := healthServer.Serve(grpcCtx); err != nil {
				logger.Error("health service stopped", zap.Error(err))
			}
		}()
		defer func() {
			stopGRPC()
			<-grpcDone
		}()
	}

	if cfg.HTTP.Addr == "" {
		waitForSignal(logger)
		logger.Info("fingerprint bridge stopping")
		return nil
	}

	if cfg.HTTP.JWTSecret == "" {
		logger.Warn("no JWT secret configured, gateway will reject every authenticated route")
	}
	r := gin.Default()
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.HTTP.JWTSecret, cfg.HTTP.JWTAudience), handlers.Options{
		PartitionAllowed: cfg.PartitionAllowed,
		Partitions:       cfg.Device.Partitions,
		Metrics:          collector.Handler(),
		Logger:           logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("HTTP gateway listening", zap.String("addr", cfg.HTTP.Addr))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		return logging.NewOperationError("http.serve", "", err)
	}
	logger.Info("fingerprint bridge stopping")
	return nil
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := grpcclient.CheckHealth(ctx, cfg.GRPC.Addr, grpcserver.DeviceService, logger); err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		return 1
	}
	return 0
}

func initStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (matching.TemplateStore, usecase.OperationRepository, func()) {
	switch cfg.Driver {
	case "postgres":
		db := initDatabase(ctx, cfg.DSN, logger)
		templates := repository.NewTemplateRepository(db, logger)
		if err := templates.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err), zap.String("table", "fingerprint_templates"))
		}
		logs := repository.NewOperationRepository(db, logger)
		if err := logs.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err), zap.String("table", "operation_logs"))
		}
		return templates, logs, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	default:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err), zap.String("path", cfg.SQLitePath))
		}
		logger.Info("using embedded sqlite store", zap.String("path", cfg.SQLitePath))
		return store, store, func() { _ = store.Close() }
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initRedis returns a nil client when no address is configured.
func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		zapLogger.Info("redis not configured, outcome cache disabled")
		return nil, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("redis.ping", "", err)
	}
	return client, nil
}

func initHardware(cfg config.DeviceConfig, logger *zap.Logger) (device.HardwareDevice, error) {
	switch cfg.Driver {
	case "simulator":
		return device.NewSimulator(device.SimulatorOptions{FrameDir: cfg.FrameDir, Delay: cfg.FrameDelay}, logger)
	default:
		return nil, fmt.Errorf("unsupported device driver %q", cfg.Driver)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := signalSource(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func waitForSignal(logger *zap.Logger) {
	sigCh, stopSignals := signalSource(nil)
	defer stopSignals()
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

// signalSource returns override when set, else a channel fed by SIGINT and SIGTERM.
func signalSource(override <-chan os.Signal) (<-chan os.Signal, func()) {
	if override != nil {
		return override, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
