package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pesabridge/backend/internal/auth"
	"github.com/pesabridge/backend/internal/config"
	"github.com/pesabridge/backend/internal/http/dto"
	"github.com/pesabridge/backend/internal/phone"
	"github.com/pesabridge/backend/internal/repositories"
	"github.com/pesabridge/backend/internal/scheduler"
	"go.uber.org/zap"
)

// InternalHandler serves operator endpoints. The router only mounts these
// when INTERNAL_API_ENABLED is set.
type InternalHandler struct {
	sched    *scheduler.Handle
	userRepo *repositories.UserRepo
	cfg      *config.Config
	log      *zap.Logger
}

func NewInternalHandler(sched *scheduler.Handle, userRepo *repositories.UserRepo, cfg *config.Config, log *zap.Logger) *InternalHandler {
	return &InternalHandler{sched: sched, userRepo: userRepo, cfg: cfg, log: log}
}

// RetryTransactions runs one retry cycle synchronously and reports what it
// reinitiated. Shares the overlap guard with the timer, so a concurrent
// cycle yields zero counts.
func (h *InternalHandler) RetryTransactions(c *fiber.Ctx) error {
	stats := h.sched.RunImmediateRetry(c.Context())
	return c.JSON(dto.RetryCycleResponse{
		DepositsReinitiated:    stats.DepositsReinitiated,
		WithdrawalsReinitiated: stats.WithdrawalsReinitiated,
	})
}

// DevToken upserts a user by phone number and mints a JWT for them.
// Development convenience only.
func (h *InternalHandler) DevToken(c *fiber.Ctx) error {
	var req dto.DevTokenRequest
	if err := c.BodyParser(&req); err != nil || req.PhoneNumber == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "phone_number is required"})
	}

	msisdn, err := phone.Normalize(h.cfg.CountryCode, req.PhoneNumber)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid phone number"})
	}

	user, err := h.userRepo.UpsertByPhone(c.Context(), msisdn, req.WalletAddress)
	if err != nil {
		h.log.Error("dev token upsert failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, user.ID, user.PhoneNumber, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("dev token generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.AuthResponse{Token: token, User: user})
}
