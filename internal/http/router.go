package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pesabridge/backend/internal/config"
	"github.com/pesabridge/backend/internal/http/handlers"
	"github.com/pesabridge/backend/internal/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	txHandler *handlers.TransactionHandler,
	callbackHandler *handlers.CallbackHandler,
	internalHandler *handlers.InternalHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Gateway callbacks (public, the gateway cannot authenticate)
	api.Post("/callbacks/mpesa/stk", callbackHandler.StkCallback)
	api.Post("/callbacks/mpesa/b2c", callbackHandler.B2CResult)
	api.Post("/callbacks/mpesa/timeout", callbackHandler.Timeout)

	// Rate-limited endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Transactions
	protected.Post("/transactions/deposits", txHandler.CreateDeposit)
	protected.Post("/transactions/withdrawals", txHandler.CreateWithdrawal)
	protected.Get("/transactions", txHandler.ListTransactions)
	protected.Get("/transactions/quote", txHandler.QuoteFee)
	protected.Get("/transactions/:id", txHandler.GetTransaction)
	protected.Get("/transactions/:id/events", txHandler.GetTransactionEvents)

	// Internal operator endpoints, off unless explicitly enabled
	if cfg.InternalAPIEnabled {
		internal := app.Group("/api/internal")
		internal.Post("/retry-transactions", internalHandler.RetryTransactions)
		internal.Post("/dev-token", internalHandler.DevToken)
	}

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
