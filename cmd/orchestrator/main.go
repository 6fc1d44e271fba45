package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/broker"
	"github.com/kenneth/cto-orchestrator/internal/config"
	"github.com/kenneth/cto-orchestrator/internal/controlapi"
	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/cryptoservice"
	"github.com/kenneth/cto-orchestrator/internal/debug"
	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/metrics"
	"github.com/kenneth/cto-orchestrator/internal/middleware"
	"github.com/kenneth/cto-orchestrator/internal/orchestrator"
	"github.com/kenneth/cto-orchestrator/internal/phase"
	"github.com/kenneth/cto-orchestrator/internal/registry"
	"github.com/kenneth/cto-orchestrator/internal/scheduler"
	"github.com/kenneth/cto-orchestrator/internal/store"
	"github.com/kenneth/cto-orchestrator/internal/telemetry"
	"github.com/kenneth/cto-orchestrator/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to orchestrator config YAML")
	flag.Parse()
	if *configPath == "" {
		*configPath = "config.yaml"
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	debug.InitFromLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Fatal("start telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown")
		}
	}()

	m := metrics.NewMetrics()

	db, err := store.Open(ctx, cfg.Postgres.DSN, store.PoolConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: store.DefaultPoolConfig().ConnMaxLifetime,
		ConnMaxIdleTime: store.DefaultPoolConfig().ConnMaxIdleTime,
	})
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	kv := kvstore.NewFromClient(redisClient)
	credStore := credentials.New(kv)
	coordinator := phase.New(kv, logger)

	crypto, err := cryptoservice.New(cryptoservice.Config{BaseURL: cfg.CryptoService.BaseURL})
	if err != nil {
		logger.WithError(err).Fatal("construct crypto service client")
	}

	b := broker.New(cfg.Broker.URL, logger)
	if err := b.Connect(); err != nil {
		logger.WithError(err).Fatal("connect to broker")
	}
	defer b.Close()

	reg := registry.New(logger)

	sched := scheduler.New(reg, b, m, logger, scheduler.WithBudget(cfg.Scheduler.TargetChunksPerCycle))
	go sched.Run(ctx)

	actions := &orchestrator.Actions{
		Registry:        reg,
		ElectionCenters: db.ElectionCenters,
		Guardians:       db.Guardians,
		JobRecords:      db.JobRecords,
		Credentials:     credStore,
		Logger:          logger,
	}

	pool := worker.New(b, kv, reg, coordinator, actions, db.WorkerLogs, m, logger, worker.Config{
		Name:        hostname(),
		Concurrency: cfg.Worker.Concurrency,
	})

	tallyProcessor := &worker.TallyProcessor{Crypto: crypto, ElectionCenters: db.ElectionCenters}
	partialProcessor := &worker.PartialDecryptionProcessor{Crypto: crypto, Credentials: credStore, Decryptions: db.Decryptions}
	compensatedProcessor := worker.WithCompensatedRetry(&worker.CompensatedDecryptionProcessor{Crypto: crypto, Credentials: credStore, CompensatedDecryptions: db.CompensatedDecryptions})
	combineProcessor := &worker.CombineProcessor{Crypto: crypto, ElectionCenters: db.ElectionCenters, Decryptions: db.Decryptions, CompensatedDecryptions: db.CompensatedDecryptions}

	runQueue := func(queue string, processor worker.Processor) {
		go func() {
			if err := pool.Run(ctx, queue, processor); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("queue", queue).Error("worker pool stopped")
			}
		}()
	}
	runQueue(broker.QueueTally, tallyProcessor)
	runQueue(broker.QueuePartialDecryption, partialProcessor)
	runQueue(broker.QueueCompensatedDecrypt, compensatedProcessor)
	runQueue(broker.QueueCombineDecryption, combineProcessor)

	starter := &orchestrator.PhaseStarter{
		Registry:        reg,
		ElectionCenters: db.ElectionCenters,
		JobRecords:      db.JobRecords,
		Logger:          logger,
	}

	readinessChecks := map[string]func(context.Context) error{
		"postgres": db.Ping,
		"redis":    kv.Ping,
		"broker":   b.Ping,
	}

	allowlist := controlapi.NewElectionAllowlist(cfg.ControlAPI.ElectionAllowlist, logger)
	handler := controlapi.NewHandler(starter, db.JobRecords, credStore, allowlist, logger, m, readinessChecks)

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler())

	watcher, err := config.NewWatcher(*configPath, logger, func(c config.Config) {
		if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	})
	if err != nil {
		logger.WithError(err).Warn("start config watcher")
	} else {
		watchStop := make(chan struct{})
		go watcher.Run(watchStop)
		defer func() { close(watchStop); watcher.Close() }()
	}

	srv := &http.Server{
		Addr:              cfg.ControlAPI.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.ControlAPI.Addr).Info("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("control API server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("control API shutdown")
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "orchestrator"
	}
	return h
}
