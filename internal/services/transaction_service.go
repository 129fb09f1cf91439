package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesabridge/backend/internal/config"
	"github.com/pesabridge/backend/internal/events"
	"github.com/pesabridge/backend/internal/fees"
	"github.com/pesabridge/backend/internal/models"
	"github.com/pesabridge/backend/internal/mpesa"
	"github.com/pesabridge/backend/internal/phone"
	"github.com/pesabridge/backend/internal/repositories"
	"github.com/pesabridge/backend/internal/retry"
	"github.com/pesabridge/backend/internal/transfer"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrInvalidDirection = errors.New("invalid direction")
)

type TransactionService struct {
	escrowRepo  *repositories.EscrowRepo
	userRepo    *repositories.UserRepo
	auditRepo   *repositories.AuditRepo
	gateway     *mpesa.Client
	transferrer *transfer.Client
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
}

func NewTransactionService(
	escrowRepo *repositories.EscrowRepo,
	userRepo *repositories.UserRepo,
	auditRepo *repositories.AuditRepo,
	gateway *mpesa.Client,
	transferrer *transfer.Client,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *TransactionService {
	return &TransactionService{
		escrowRepo:  escrowRepo,
		userRepo:    userRepo,
		auditRepo:   auditRepo,
		gateway:     gateway,
		transferrer: transferrer,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

type CreateDepositParams struct {
	FiatAmount   string
	CryptoAmount string
	Chain        string
	Token        string
}

// CreateDeposit opens a fiat_to_crypto escrow record and pushes the STK
// debit to the user's phone. The crypto leg runs from the callback once the
// fiat settles.
func (s *TransactionService) CreateDeposit(ctx context.Context, userID uuid.UUID, p CreateDepositParams) (*models.EscrowRecord, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	msisdn, err := phone.Normalize(s.cfg.CountryCode, user.PhoneNumber)
	if err != nil {
		return nil, err
	}

	rec := &models.EscrowRecord{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Direction:     models.DirectionFiatToCrypto,
		FiatAmount:    p.FiatAmount,
		CryptoAmount:  p.CryptoAmount,
		Status:        models.EscrowStatusPending,
		Metadata: map[string]any{
			models.MetaChain: orDefault(p.Chain, s.cfg.DefaultChain),
			models.MetaToken: orDefault(p.Token, s.cfg.DefaultToken),
		},
	}
	if err := s.escrowRepo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating escrow record: %w", err)
	}

	var res *mpesa.Result
	err = retry.Do(ctx, s.cfg.GatewayMaxAttempts, s.cfg.GatewayBackoffBase, func() error {
		r, callErr := s.gateway.InitiateDeposit(ctx, msisdn, rec.FiatAmount, rec.TransactionID)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil || !res.Accepted {
		reason := "gateway unavailable"
		if err == nil {
			reason = res.ErrorMessage
		}
		s.log.Warn("deposit initiation failed",
			zap.String("transaction_id", rec.TransactionID), zap.String("reason", reason))
		_ = s.escrowRepo.MarkFailed(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusFailed
		s.publishStatus(ctx, rec)
		return rec, nil // the retry engine owns it from here
	}

	if _, err := s.escrowRepo.RecordGatewayAccept(ctx, rec.TransactionID, res.ProviderReference); err != nil {
		return nil, err
	}
	rec.GatewayReference = &res.ProviderReference

	s.audit(ctx, rec, &userID, "deposit_initiated", map[string]any{"provider_reference": res.ProviderReference})
	s.publishStatus(ctx, rec)
	return rec, nil
}

type CreateWithdrawalParams struct {
	Direction        string // crypto_to_fiat / crypto_to_paybill / crypto_to_till
	FiatAmount       string
	CryptoAmount     string
	Chain            string
	Token            string
	PaybillNumber    string
	TillNumber       string
	AccountReference string
}

// CreateWithdrawal opens a withdrawal escrow record, moves the stablecoin
// into platform custody, then initiates the fiat payout. Failures at either
// leg leave the record failed for the retry engine.
func (s *TransactionService) CreateWithdrawal(ctx context.Context, userID uuid.UUID, p CreateWithdrawalParams) (*models.EscrowRecord, error) {
	switch p.Direction {
	case models.DirectionCryptoToFiat, models.DirectionCryptoToPaybill, models.DirectionCryptoToTill:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, p.Direction)
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	if user.WalletAddress == nil {
		return nil, errors.New("user has no wallet address")
	}
	msisdn, err := phone.Normalize(s.cfg.CountryCode, user.PhoneNumber)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		models.MetaChain: orDefault(p.Chain, s.cfg.DefaultChain),
		models.MetaToken: orDefault(p.Token, s.cfg.DefaultToken),
	}
	if p.PaybillNumber != "" {
		meta[models.MetaPaybillNumber] = p.PaybillNumber
	}
	if p.TillNumber != "" {
		meta[models.MetaTillNumber] = p.TillNumber
	}
	if p.AccountReference != "" {
		meta[models.MetaAccountReference] = p.AccountReference
	}

	rec := &models.EscrowRecord{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Direction:     p.Direction,
		FiatAmount:    p.FiatAmount,
		CryptoAmount:  p.CryptoAmount,
		Status:        models.EscrowStatusPending,
		Metadata:      meta,
	}
	if err := s.escrowRepo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating escrow record: %w", err)
	}

	// Crypto leg: user custody -> platform custody.
	var hash string
	err = retry.Do(ctx, s.cfg.GatewayMaxAttempts, s.cfg.GatewayBackoffBase, func() error {
		h, transferErr := s.transferrer.Transfer(ctx, transfer.Request{
			From:   *user.WalletAddress,
			To:     s.cfg.PlatformWalletAddress,
			Amount: rec.CryptoAmount,
			Chain:  rec.MetaString(models.MetaChain, s.cfg.DefaultChain),
			Token:  rec.MetaString(models.MetaToken, s.cfg.DefaultToken),
		})
		if transferErr != nil {
			return transferErr
		}
		hash = h
		return nil
	})
	if err != nil {
		s.log.Warn("withdrawal crypto leg failed",
			zap.String("transaction_id", rec.TransactionID), zap.Error(err))
		_ = s.escrowRepo.MarkFailed(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusFailed
		s.publishStatus(ctx, rec)
		return rec, nil
	}
	if _, err := s.escrowRepo.SetTransferHash(ctx, rec.TransactionID, hash); err != nil {
		return nil, err
	}
	rec.TransferHash = &hash
	rec.Status = models.EscrowStatusReserved

	// Fiat leg.
	var res *mpesa.Result
	err = retry.Do(ctx, s.cfg.GatewayMaxAttempts, s.cfg.GatewayBackoffBase, func() error {
		r, callErr := s.initiatePayout(ctx, rec, msisdn)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil || !res.Accepted {
		reason := "gateway unavailable"
		if err == nil {
			reason = res.ErrorMessage
		}
		s.log.Warn("withdrawal payout initiation failed",
			zap.String("transaction_id", rec.TransactionID), zap.String("reason", reason))
		_ = s.escrowRepo.MarkFailed(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusFailed
		s.publishStatus(ctx, rec)
		return rec, nil
	}

	if _, err := s.escrowRepo.RecordGatewayAccept(ctx, rec.TransactionID, res.ProviderReference); err != nil {
		return nil, err
	}
	rec.GatewayReference = &res.ProviderReference
	rec.Status = models.EscrowStatusPending

	s.audit(ctx, rec, &userID, "withdrawal_initiated", map[string]any{"provider_reference": res.ProviderReference})
	s.publishStatus(ctx, rec)
	return rec, nil
}

func (s *TransactionService) initiatePayout(ctx context.Context, rec *models.EscrowRecord, msisdn string) (*mpesa.Result, error) {
	switch rec.Direction {
	case models.DirectionCryptoToPaybill:
		return s.gateway.InitiateBusinessPayment(ctx, "BusinessPayBill",
			rec.MetaString(models.MetaPaybillNumber, ""),
			rec.MetaString(models.MetaAccountReference, rec.TransactionID),
			rec.FiatAmount)
	case models.DirectionCryptoToTill:
		return s.gateway.InitiateBusinessPayment(ctx, "BusinessBuyGoods",
			rec.MetaString(models.MetaTillNumber, ""),
			rec.MetaString(models.MetaAccountReference, rec.TransactionID),
			rec.FiatAmount)
	default:
		return s.gateway.InitiateWithdrawal(ctx, msisdn, rec.FiatAmount, "withdrawal")
	}
}

// GetTransaction returns the record, enforcing ownership.
func (s *TransactionService) GetTransaction(ctx context.Context, userID uuid.UUID, transactionID string) (*models.EscrowRecord, error) {
	rec, err := s.escrowRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *TransactionService) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.EscrowRecord, error) {
	return s.escrowRepo.ListByUser(ctx, userID, limit, offset)
}

// GetTransactionEvents returns the audit trail for a record the user owns.
func (s *TransactionService) GetTransactionEvents(ctx context.Context, userID uuid.UUID, transactionID string) ([]models.AuditLog, error) {
	rec, err := s.GetTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}
	return s.auditRepo.GetByEntity(ctx, "escrow_record", rec.ID, 100, 0)
}

// QuoteFee returns the flat platform fee for a direction/amount pair.
func (s *TransactionService) QuoteFee(direction, amount string) (float64, error) {
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	return fees.Lookup(direction, v)
}

// StkCallbackParams is the digested STK push result.
type StkCallbackParams struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           *string
}

// HandleStkCallback reconciles a deposit after the gateway reports the STK
// result. Settled fiat triggers the stablecoin leg to the user's wallet; a
// transfer failure after the fiat leg settled is an unreconciled fault and
// parks the record in error for manual review.
func (s *TransactionService) HandleStkCallback(ctx context.Context, p StkCallbackParams) error {
	rec, err := s.escrowRepo.GetByGatewayReference(ctx, p.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// At-least-once delivery: a callback for an unknown or already
			// superseded reference is dropped, not an error.
			s.log.Warn("callback for unknown gateway reference", zap.String("reference", p.CheckoutRequestID))
			return nil
		}
		return err
	}
	if rec.Status == models.EscrowStatusCompleted {
		return nil
	}

	if p.ResultCode != 0 {
		s.log.Info("deposit declined by gateway",
			zap.String("transaction_id", rec.TransactionID),
			zap.Int("result_code", p.ResultCode),
			zap.String("result_desc", p.ResultDesc))
		_ = s.escrowRepo.MarkFailed(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusFailed
		s.publishStatus(ctx, rec)
		return nil
	}

	user, err := s.userRepo.GetByID(ctx, rec.UserID)
	if err != nil || user.WalletAddress == nil {
		s.log.Error("fiat settled but user wallet unresolvable",
			zap.String("transaction_id", rec.TransactionID), zap.Error(err))
		_ = s.escrowRepo.MarkError(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusError
		s.publishStatus(ctx, rec)
		return nil
	}

	var hash string
	err = retry.Do(ctx, s.cfg.GatewayMaxAttempts, s.cfg.GatewayBackoffBase, func() error {
		h, transferErr := s.transferrer.Transfer(ctx, transfer.Request{
			To:     *user.WalletAddress,
			Amount: rec.CryptoAmount,
			Chain:  rec.MetaString(models.MetaChain, s.cfg.DefaultChain),
			Token:  rec.MetaString(models.MetaToken, s.cfg.DefaultToken),
		})
		if transferErr != nil {
			return transferErr
		}
		hash = h
		return nil
	})
	if err != nil {
		// Fiat leg succeeded, crypto leg did not: manual reconciliation.
		s.log.Error("value transfer failed after fiat settlement",
			zap.String("transaction_id", rec.TransactionID), zap.Error(err))
		_ = s.escrowRepo.MarkError(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusError
		s.audit(ctx, rec, nil, "reconciliation_fault", map[string]any{"error": err.Error()})
		s.publishStatus(ctx, rec)
		return nil
	}

	if _, err := s.escrowRepo.SetTransferHash(ctx, rec.TransactionID, hash); err != nil {
		return err
	}
	if _, err := s.escrowRepo.MarkCompleted(ctx, rec.TransactionID, p.Receipt); err != nil {
		return err
	}
	rec.Status = models.EscrowStatusCompleted
	rec.TransferHash = &hash

	s.audit(ctx, rec, nil, "deposit_completed", map[string]any{"transfer_hash": hash})
	s.publishStatus(ctx, rec)
	return nil
}

// B2CResultParams is the digested B2C/B2B payout result.
type B2CResultParams struct {
	ConversationID string
	ResultCode     int
	ResultDesc     string
	Receipt        *string
}

// HandleB2CResult reconciles a withdrawal payout result.
func (s *TransactionService) HandleB2CResult(ctx context.Context, p B2CResultParams) error {
	rec, err := s.escrowRepo.GetByGatewayReference(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.Warn("payout result for unknown gateway reference", zap.String("reference", p.ConversationID))
			return nil
		}
		return err
	}
	if rec.Status == models.EscrowStatusCompleted {
		return nil
	}

	if p.ResultCode != 0 {
		s.log.Info("payout declined by gateway",
			zap.String("transaction_id", rec.TransactionID),
			zap.Int("result_code", p.ResultCode),
			zap.String("result_desc", p.ResultDesc))
		_ = s.escrowRepo.MarkFailed(ctx, rec.TransactionID)
		rec.Status = models.EscrowStatusFailed
		s.publishStatus(ctx, rec)
		return nil
	}

	if _, err := s.escrowRepo.MarkCompleted(ctx, rec.TransactionID, p.Receipt); err != nil {
		return err
	}
	rec.Status = models.EscrowStatusCompleted

	s.audit(ctx, rec, nil, "withdrawal_completed", nil)
	s.publishStatus(ctx, rec)
	return nil
}

func (s *TransactionService) audit(ctx context.Context, rec *models.EscrowRecord, actor *uuid.UUID, action string, meta map[string]any) {
	actorType := "system"
	if actor != nil {
		actorType = "user"
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorUserID: actor,
		ActorType:   actorType,
		Action:      action,
		EntityType:  "escrow_record",
		EntityID:    &rec.ID,
		Meta:        meta,
	})
}

func (s *TransactionService) publishStatus(ctx context.Context, rec *models.EscrowRecord) {
	_ = s.publisher.Publish(ctx, events.StreamTransactions, events.Event{
		Type: events.EventTransactionStatusChanged,
		Payload: map[string]any{
			"transaction_id": rec.TransactionID,
			"user_id":        rec.UserID.String(),
			"direction":      rec.Direction,
			"status":         rec.Status,
		},
	})
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
