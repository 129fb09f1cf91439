package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesabridge/backend/internal/config"
	"github.com/pesabridge/backend/internal/db"
	"github.com/pesabridge/backend/internal/events"
	"github.com/pesabridge/backend/internal/mpesa"
	"github.com/pesabridge/backend/internal/repositories"
	"github.com/pesabridge/backend/internal/retry"
	"github.com/pesabridge/backend/internal/scheduler"
	"github.com/pesabridge/backend/internal/transfer"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	userRepo := repositories.NewUserRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Retry engine
	publisher := events.NewRedisPublisher(rdb, log)
	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:            cfg.MpesaBaseURL,
		ConsumerKey:        cfg.MpesaConsumerKey,
		ConsumerSecret:     cfg.MpesaConsumerSecret,
		Shortcode:          cfg.MpesaShortcode,
		Passkey:            cfg.MpesaPasskey,
		InitiatorName:      cfg.MpesaInitiatorName,
		SecurityCredential: cfg.MpesaSecurityCredential,
		CallbackURL:        cfg.MpesaCallbackURL,
		ResultURL:          cfg.MpesaResultURL,
		TimeoutMS:          cfg.MpesaTimeoutMS,
	}, log)
	transferrer := transfer.NewClient(cfg.WalletEngineURL, cfg.WalletEngineAPIKey, cfg.WalletEngineTimeoutMS, log)
	engine := retry.NewEngine(escrowRepo, userRepo, gateway, transferrer, auditRepo, publisher, retry.Config{
		MaxRetries:      cfg.RetryMaxAttempts,
		AgeWindow:       cfg.RetryAgeWindow,
		GatewayAttempts: cfg.GatewayMaxAttempts,
		BackoffBase:     cfg.GatewayBackoffBase,
		CountryCode:     cfg.CountryCode,
		PlatformWallet:  cfg.PlatformWalletAddress,
		DefaultChain:    cfg.DefaultChain,
		DefaultToken:    cfg.DefaultToken,
	}, log)

	sched := scheduler.New(engine, cfg.RetryInterval, rdb, log)
	sched.Start(ctx)

	log.Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	sched.Stop()
	cancel()
}
