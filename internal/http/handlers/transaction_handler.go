package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/pesabridge/backend/internal/http/dto"
	"github.com/pesabridge/backend/internal/middleware"
	"github.com/pesabridge/backend/internal/services"
	"go.uber.org/zap"
)

type TransactionHandler struct {
	txService *services.TransactionService
	log       *zap.Logger
}

func NewTransactionHandler(txService *services.TransactionService, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{txService: txService, log: log}
}

func (h *TransactionHandler) CreateDeposit(c *fiber.Ctx) error {
	var req dto.CreateDepositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.FiatAmount == "" || req.CryptoAmount == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "fiat_amount and crypto_amount are required"})
	}

	userID := middleware.GetUserID(c)
	rec, err := h.txService.CreateDeposit(c.Context(), userID, services.CreateDepositParams{
		FiatAmount:   req.FiatAmount,
		CryptoAmount: req.CryptoAmount,
		Chain:        req.Chain,
		Token:        req.Token,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *TransactionHandler) CreateWithdrawal(c *fiber.Ctx) error {
	var req dto.CreateWithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.FiatAmount == "" || req.CryptoAmount == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "fiat_amount and crypto_amount are required"})
	}

	userID := middleware.GetUserID(c)
	rec, err := h.txService.CreateWithdrawal(c.Context(), userID, services.CreateWithdrawalParams{
		Direction:        req.Direction,
		FiatAmount:       req.FiatAmount,
		CryptoAmount:     req.CryptoAmount,
		Chain:            req.Chain,
		Token:            req.Token,
		PaybillNumber:    req.PaybillNumber,
		TillNumber:       req.TillNumber,
		AccountReference: req.AccountReference,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *TransactionHandler) GetTransaction(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	rec, err := h.txService.GetTransaction(c.Context(), userID, c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
		}
		h.log.Error("get transaction failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *TransactionHandler) ListTransactions(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	records, err := h.txService.ListTransactions(c.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("list transactions failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: records})
}

func (h *TransactionHandler) GetTransactionEvents(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	logs, err := h.txService.GetTransactionEvents(c.Context(), userID, c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
		}
		h.log.Error("get transaction events failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}

func (h *TransactionHandler) QuoteFee(c *fiber.Ctx) error {
	direction := c.Query("direction")
	amount := c.Query("amount")
	if direction == "" || amount == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "direction and amount are required"})
	}

	fee, err := h.txService.QuoteFee(direction, amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.FeeQuoteResponse{Direction: direction, AmountKES: amount, FeeKES: fee})
}
