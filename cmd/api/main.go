package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/pesabridge/backend/internal/config"
	"github.com/pesabridge/backend/internal/db"
	"github.com/pesabridge/backend/internal/events"
	apphttp "github.com/pesabridge/backend/internal/http"
	"github.com/pesabridge/backend/internal/http/handlers"
	"github.com/pesabridge/backend/internal/mpesa"
	"github.com/pesabridge/backend/internal/repositories"
	"github.com/pesabridge/backend/internal/retry"
	"github.com/pesabridge/backend/internal/scheduler"
	"github.com/pesabridge/backend/internal/services"
	"github.com/pesabridge/backend/internal/transfer"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// External clients
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

	// Services
	txService := services.NewTransactionService(escrowRepo, userRepo, auditRepo, gateway, transferrer, publisher, cfg, log)
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

	// Handlers
	txHandler := handlers.NewTransactionHandler(txService, log)
	callbackHandler := handlers.NewCallbackHandler(txService, log)
	internalHandler := handlers.NewInternalHandler(sched, userRepo, cfg, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, txHandler, callbackHandler, internalHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
