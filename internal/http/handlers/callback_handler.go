package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/pesabridge/backend/internal/http/dto"
	"github.com/pesabridge/backend/internal/services"
	"go.uber.org/zap"
)

// CallbackHandler receives Daraja's asynchronous results. The gateway
// retries on non-200, so handlers always acknowledge once the payload has
// been parsed; reconciliation failures are logged and retried internally.
type CallbackHandler struct {
	txService *services.TransactionService
	log       *zap.Logger
}

func NewCallbackHandler(txService *services.TransactionService, log *zap.Logger) *CallbackHandler {
	return &CallbackHandler{txService: txService, log: log}
}

func (h *CallbackHandler) StkCallback(c *fiber.Ctx) error {
	var req dto.StkCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		h.log.Warn("unparseable stk callback", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payload"})
	}

	cb := req.Body.StkCallback
	params := services.StkCallbackParams{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if receipt := asString(item.Value); receipt != "" {
				params.Receipt = &receipt
			}
		}
	}

	if err := h.txService.HandleStkCallback(c.Context(), params); err != nil {
		h.log.Error("stk callback reconciliation failed",
			zap.String("checkout_request_id", cb.CheckoutRequestID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *CallbackHandler) B2CResult(c *fiber.Ctx) error {
	var req dto.B2CResultRequest
	if err := c.BodyParser(&req); err != nil {
		h.log.Warn("unparseable b2c result", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payload"})
	}

	res := req.Result
	params := services.B2CResultParams{
		ConversationID: res.ConversationID,
		ResultCode:     res.ResultCode,
		ResultDesc:     res.ResultDesc,
	}
	if res.TransactionID != "" {
		receipt := res.TransactionID
		params.Receipt = &receipt
	}

	if err := h.txService.HandleB2CResult(c.Context(), params); err != nil {
		h.log.Error("b2c result reconciliation failed",
			zap.String("conversation_id", res.ConversationID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// Timeout is Daraja's queue-timeout notification. Nothing to reconcile; the
// retry cycle will pick the record up once it fails.
func (h *CallbackHandler) Timeout(c *fiber.Ctx) error {
	h.log.Warn("gateway queue timeout notification received")
	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// asString tolerates Daraja's habit of sending numbers where strings are
// documented.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
