package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ai-diagnose/internal/config"
	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/grpchealth"
	"github.com/example/ai-diagnose/internal/handlers"
	"github.com/example/ai-diagnose/internal/inference"
	"github.com/example/ai-diagnose/internal/logging"
	"github.com/example/ai-diagnose/internal/repository"
	"github.com/example/ai-diagnose/internal/staging"
	"github.com/example/ai-diagnose/internal/telemetry"
	"github.com/example/ai-diagnose/internal/usecase"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ai-diagnose",
	Short:         "Medical image diagnosis API backed by an external inference process",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Run one image through the pipeline and print the diagnosis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.Version = version
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything a command needs, constructed once from config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	uc      *usecase.DiagnosisUseCase
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, withStores bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	stager := staging.NewStager(cfg.Staging.Dir, logger)
	invoker, err := inference.NewInvoker(inference.Config{
		Command:       cfg.Inference.Command,
		Args:          cfg.Inference.Args,
		Dir:           cfg.Inference.Dir,
		Timeout:       cfg.Inference.Timeout,
		MaxConcurrent: cfg.Inference.MaxConcurrent,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var opts []usecase.Option
	if withStores && cfg.Redis.Addr != "" {
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := initRedis(redisCtx, cfg.Redis.Addr)
		cancel()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(client), cfg.Redis.ResultTTL))
		logger.Info("request status tracking enabled", zap.String("redis_addr", cfg.Redis.Addr))
	}
	if withStores && cfg.Database.DSN != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		repo, closeDB, err := initHistory(dbCtx, cfg.Database.DSN, logger)
		cancel()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, closeDB)
		opts = append(opts, usecase.WithHistory(repo))
		logger.Info("diagnosis history enabled")
	}

	a.uc = usecase.NewDiagnosisUseCase(stager, invoker, logger, opts...)
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Tracing.ServiceName, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	handlers.RegisterRoutes(r, a.uc, handlers.Options{MaxUploadBytes: cfg.Server.MaxUploadBytes})

	var handler http.Handler = r
	if cfg.Tracing.Enabled {
		handler = otelhttp.NewHandler(r, cfg.Tracing.ServiceName)
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g errgroup.Group
	var healthSrv *grpchealth.Server
	if cfg.Server.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		healthSrv = grpchealth.NewServer(logger)
		g.Go(func() error { return healthSrv.Serve(lis) })
	}

	g.Go(func() error {
		logger.Info("diagnosis API listening", zap.String("addr", cfg.Server.Addr))
		err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
		if healthSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			healthSrv.Stop(ctx)
			cancel()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	_, record, err := a.uc.Diagnose(cmd.Context(), &diagnosis.Upload{
		Filename: info.Name(),
		Size:     info.Size(),
		Content:  f,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err != nil {
		_, body := handlers.ErrorResponse(err)
		if encErr := enc.Encode(body); encErr != nil {
			return encErr
		}
		return err
	}
	return enc.Encode(record)
}

func initHistory(ctx context.Context, dsn string, zapLogger *zap.Logger) (*repository.DiagnosisRepository, func(), error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}

	repo := repository.NewDiagnosisRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return repo, func() { _ = sqlDB.Close() }, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
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
