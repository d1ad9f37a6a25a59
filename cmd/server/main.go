package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"kasirinaja/posledger/internal/cache"
	"kasirinaja/posledger/internal/config"
	"kasirinaja/posledger/internal/gateway"
	"kasirinaja/posledger/internal/httpapi"
	"kasirinaja/posledger/internal/jobs"
	"kasirinaja/posledger/internal/logging"
	"kasirinaja/posledger/internal/metrics"
	"kasirinaja/posledger/internal/service"
	"kasirinaja/posledger/internal/store"
	"kasirinaja/posledger/internal/store/memory"
	pgstore "kasirinaja/posledger/internal/store/postgres"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 8 * time.Second
	gatewayTimeout  = 10 * time.Second
)

// backend is what both store implementations provide: persistence for the
// ledger plus the stock operations behind the inventory gateway.
type backend interface {
	store.Repository
	gateway.InventoryGateway
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", slog.Any("error", err))
			}
		}
	}()

	var repo backend
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var (
		carts    cache.CartCache    = cache.NewMemoryCartCache()
		sessions cache.SessionStore = cache.NewMemorySessionStore()
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(startCtx).Err(); err != nil {
			_ = client.Close()
			if cfg.PaymentPollDriver == config.PollDriverAsynq {
				return fmt.Errorf("redis unavailable for the asynq poll driver: %w", err)
			}
			logger.Warn("redis unavailable, using in-memory carts and payment sessions", slog.Any("error", err))
		} else {
			closers = append(closers, client.Close)
			carts = cache.NewRedisCartCache(client)
			sessions = cache.NewRedisSessionStore(client)
			logger.Info("cache: redis", slog.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: in-memory")
	}

	var (
		payments gateway.PaymentGateway
		sandbox  *gateway.SandboxPaymentGateway
	)
	if cfg.PaymentGatewayURL != "" {
		payments = gateway.NewHTTPPaymentGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, gatewayTimeout)
		logger.Info("payment gateway: http", slog.String("url", cfg.PaymentGatewayURL))
	} else {
		sandbox = gateway.NewSandboxPaymentGateway("http://127.0.0.1"+cfg.Address()+"/sandbox/pay", 3)
		payments = sandbox
		logger.Info("payment gateway: sandbox")
	}

	m := metrics.New()
	svc := service.New(repo, repo, payments, carts, sessions, service.Config{
		CartTTL: cfg.CartTTL,
		Payments: service.ReconcilerConfig{
			Method:           cfg.GatewayMethod(),
			PollInterval:     cfg.PaymentPollInterval,
			MaxPolls:         cfg.PaymentMaxPolls,
			MaxDuration:      cfg.PaymentMaxDuration,
			MaxGatewayErrors: cfg.PaymentMaxGatewayErrors,
			Retention:        cfg.PaymentSessionRetention,
		},
	}, logger, m)

	auth := httpapi.NewAuthManager(startCtx, cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	if cfg.SeedAdminPassword != "" {
		if err := auth.EnsureAdmin(startCtx, "admin", cfg.SeedAdminPassword); err != nil {
			return fmt.Errorf("seed admin account: %w", err)
		}
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Production:    cfg.IsProduction(),
		Logger:        logger,
		Metrics:       m,
		Sandbox:       sandbox,
	})

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.PaymentPollDriver {
	case config.PollDriverAsynq:
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		client := jobs.NewClient(redisOpts)
		closers = append(closers, client.Close)

		scheduler := jobs.NewPaymentPollScheduler(client, cfg.PaymentPollInterval, logger)
		svc.Payments.SetScheduler(scheduler)

		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: redisOpts,
			Logger:    logger,
			Handlers: []jobs.TaskHandler{
				{Type: jobs.TaskPaymentPoll, Handler: scheduler.Handler(svc.Payments)},
			},
		})
		if err != nil {
			return fmt.Errorf("create job worker: %w", err)
		}
		g.Go(func() error { return worker.Run(gctx) })
		logger.Info("payment polling: asynq")
	default:
		loop := service.NewLoopScheduler(gctx, svc.Payments, cfg.PaymentPollInterval, logger)
		svc.Payments.SetScheduler(loop)
		g.Go(func() error {
			<-gctx.Done()
			loop.Wait()
			return nil
		})
		logger.Info("payment polling: in-process loop")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("POS ledger listening", slog.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() {
		if cfg.AllowedOrigin == "*" {
			return errors.New("ALLOWED_ORIGIN must name an origin in production")
		}
		if cfg.PaymentGatewayURL == "" {
			return errors.New("PAYMENT_GATEWAY_URL must be set in production")
		}
	}
	return nil
}
