package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papercup-core/internal/audit"
	"papercup-core/internal/auth"
	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
	"papercup-core/internal/config"
	"papercup-core/internal/httpapi"
	"papercup-core/internal/jobs"
	"papercup-core/internal/rates"
	"papercup-core/internal/reporting"
	"papercup-core/internal/telephony"
	"papercup-core/pkg/logger"
	"papercup-core/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Stores and domain services.
	callStore := calls.NewPostgresStore(db)
	lifecycle := calls.NewService(callStore)
	rateSvc := rates.NewService(rates.NewPostgresRepo(db))
	reconciler := billing.NewService(billing.NewPostgresStore(db), rateSvc, cfg.Billing.DefaultRateMinor)
	reports := reporting.NewService(reporting.NewPostgresRepo(db))
	auditLog := audit.NewService(audit.NewPostgresRepo(db))

	// Cap slots outlive a crashed process by at most TTL; keep it above the
	// forced-hangup ceiling so live calls never lose their slot.
	caps := calls.NewRedisCaps(rdb, cfg.Billing.MaxActiveCallsPerUser, cfg.Billing.MaxCallDuration+time.Hour)

	var provider telephony.Provider
	if cfg.Provider.TwilioAccountSID != "" {
		provider = telephony.NewTwilio(telephony.TwilioConfig{
			AccountSID: cfg.Provider.TwilioAccountSID,
			AuthToken:  cfg.Provider.TwilioAuthToken,
			FromNumber: cfg.Provider.TwilioFromNumber,
		})
	} else {
		// Local development without carrier credentials.
		log.Warn("no telephony credentials configured, using fake provider")
		provider = telephony.NewFake()
	}

	queue := jobs.NewRedisQueue(rdb, cfg.Billing.QueueKey)
	producer := jobs.NewProducer(queue)

	worker := jobs.NewWorker(queue, reconciler, caps, log)
	go worker.Run(rootCtx)

	sweeper := jobs.NewSweeper(callStore, producer, provider, cfg.Billing.MaxCallDuration, cfg.Billing.SweepInterval, log)
	go sweeper.Run(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Lifecycle:         lifecycle,
		Billing:           reconciler,
		Rates:             rateSvc,
		Reports:           reports,
		Provider:          provider,
		Caps:              caps,
		Audit:             auditLog,
		StatusCallbackURL: cfg.Provider.StatusCallbackURL,
	}
	webhook := telephony.StatusWebhookHandler{Lifecycle: lifecycle, Queue: producer}

	registerRoutes(r, handlers, webhook, auth.RequireAccessToken(authManager), db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", provider.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
