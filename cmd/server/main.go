package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"brokerage/internal/config"
	"brokerage/internal/db"
	"brokerage/internal/handlers"
	"brokerage/internal/logger"
	"brokerage/internal/notify"
	"brokerage/internal/services"
	"brokerage/internal/store"
	"brokerage/internal/tradingapi"
	"brokerage/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.AppEnv})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	defer database.Close()

	wallets := store.NewWalletStore(database)
	entries := store.NewLedgerStore(database)
	requests := store.NewRequestStore(database)
	transfers := store.NewTransferStore(database)
	reconciliation := store.NewReconciliationStore(database)
	tradingAccounts := store.NewTradingAccountStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)

	hub := websocket.NewHub()
	sinks := []notify.Sink{notify.NewHubSink(hub)}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.RedisChannel))
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := writer.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close failed")
			}
		}()
		sinks = append(sinks, notify.NewKafkaSink(writer))
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyTimeout, sinks...)
	// Deferred after the writers so in-flight events drain before they close.
	defer dispatcher.Wait()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	ledger := services.NewLedgerService(txRunner, wallets, entries)
	platform := tradingapi.NewClient(cfg.TradingAPIURL, cfg.TradingAPIToken, cfg.TradingAPITimeout)
	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		CreditMaxAttempts:  cfg.CreditMaxAttempts,
		CreditRetryBackoff: cfg.CreditRetryBackoff,
		StaleLegAfter:      cfg.StaleLegAfter,
	}, services.OrchestratorDeps{
		TxRunner:        txRunner,
		Ledger:          ledger,
		Wallets:         wallets,
		Requests:        requests,
		Transfers:       transfers,
		Reconciliation:  reconciliation,
		TradingAccounts: tradingAccounts,
		Audit:           audit,
		Platform:        platform,
		Notifier:        dispatcher,
		Metrics:         metrics,
	})

	recoveryCtx, stopRecovery := context.WithCancel(context.Background())
	recoveryDone := make(chan struct{})
	go func() {
		defer close(recoveryDone)
		orchestrator.RunRecovery(recoveryCtx, cfg.RecoveryInterval)
	}()

	handler := handlers.New(handlers.Deps{
		Config:          cfg,
		TxRunner:        txRunner,
		Orchestrator:    orchestrator,
		Ledger:          ledger,
		Wallets:         wallets,
		Entries:         entries,
		Requests:        requests,
		Transfers:       transfers,
		Reconciliation:  reconciliation,
		TradingAccounts: tradingAccounts,
		Admin:           admin,
		Audit:           audit,
		Hub:             hub,
		Gatherer:        registry,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Sagas may retry credits with backoff inside a request.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("brokerage API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stopRecovery()
	<-recoveryDone
}
