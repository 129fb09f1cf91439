// Package retry re-initiates failed escrow transactions against the mobile
// money gateway and the wallet engine, inside a bounded budget per record.
package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pesabridge/backend/internal/events"
	"github.com/pesabridge/backend/internal/models"
	"github.com/pesabridge/backend/internal/mpesa"
	"github.com/pesabridge/backend/internal/phone"
	"github.com/pesabridge/backend/internal/transfer"
	"go.uber.org/zap"
)

// EscrowStore is the slice of the escrow repository the engine needs. All
// mutations are conditional updates so a concurrent callback cannot be
// silently clobbered.
type EscrowStore interface {
	FindRetryCandidates(ctx context.Context, direction, status string, ageWindow time.Duration, maxRetryCount int) ([]models.EscrowRecord, error)
	// ClaimRetry increments retry_count and stamps last_retry_at only when
	// retry_count still equals expectedRetryCount. A false return means the
	// record moved underneath us and must be left alone this cycle.
	ClaimRetry(ctx context.Context, transactionID string, expectedRetryCount int) (bool, error)
	// SetTransferHash records the crypto leg; it writes only when
	// transfer_hash is still NULL, so a transfer is never recorded twice.
	SetTransferHash(ctx context.Context, transactionID, hash string) (bool, error)
	RecordGatewayAccept(ctx context.Context, transactionID, providerReference string) (bool, error)
	MarkFailed(ctx context.Context, transactionID string) error
	MarkExhausted(ctx context.Context, transactionID string) error
}

type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Gateway interface {
	InitiateDeposit(ctx context.Context, phone, amount, accountReference string) (*mpesa.Result, error)
	InitiateWithdrawal(ctx context.Context, phone, amount, remarks string) (*mpesa.Result, error)
}

type Transferrer interface {
	Transfer(ctx context.Context, req transfer.Request) (string, error)
}

type Auditor interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type Config struct {
	MaxRetries      int           // outer, per-record budget
	AgeWindow       time.Duration // only records younger than this are retried
	GatewayAttempts int           // intra-call attempts for transient errors
	BackoffBase     time.Duration
	CountryCode     string
	PlatformWallet  string
	DefaultChain    string
	DefaultToken    string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AgeWindow <= 0 {
		c.AgeWindow = time.Hour
	}
	if c.GatewayAttempts <= 0 {
		c.GatewayAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBaseDelay
	}
	if c.CountryCode == "" {
		c.CountryCode = "254"
	}
	return c
}

// CycleStats reports how many re-initiations the gateway accepted.
type CycleStats struct {
	DepositsReinitiated    int `json:"deposits_reinitiated"`
	WithdrawalsReinitiated int `json:"withdrawals_reinitiated"`
}

type Engine struct {
	store       EscrowStore
	users       UserDirectory
	gateway     Gateway
	transferrer Transferrer
	audit       Auditor
	publisher   events.Publisher
	cfg         Config
	log         *zap.Logger
}

func NewEngine(
	store EscrowStore,
	users UserDirectory,
	gateway Gateway,
	transferrer Transferrer,
	audit Auditor,
	publisher events.Publisher,
	cfg Config,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:       store,
		users:       users,
		gateway:     gateway,
		transferrer: transferrer,
		audit:       audit,
		publisher:   publisher,
		cfg:         cfg.withDefaults(),
		log:         log,
	}
}

// RetryAllFailedTransactions runs the deposit cycle then the withdrawal
// cycle and logs aggregate counts. It never returns an error or panics to
// the caller; the scheduler's timer must stay alive no matter what.
func (e *Engine) RetryAllFailedTransactions(ctx context.Context) CycleStats {
	var stats CycleStats
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("retry cycle panicked", zap.Any("panic", r))
		}
	}()

	stats.DepositsReinitiated = e.RetryFailedDeposits(ctx)
	stats.WithdrawalsReinitiated = e.RetryFailedWithdrawals(ctx)

	e.log.Info("retry cycle completed",
		zap.Int("deposits_reinitiated", stats.DepositsReinitiated),
		zap.Int("withdrawals_reinitiated", stats.WithdrawalsReinitiated),
	)
	if e.publisher != nil {
		_ = e.publisher.Publish(ctx, events.StreamTransactions, events.Event{
			Type: events.EventRetryCycleCompleted,
			Payload: map[string]any{
				"deposits_reinitiated":    stats.DepositsReinitiated,
				"withdrawals_reinitiated": stats.WithdrawalsReinitiated,
			},
		})
	}
	return stats
}

// RetryFailedDeposits re-initiates the STK push for failed fiat_to_crypto
// records and returns the number of accepted re-initiations.
func (e *Engine) RetryFailedDeposits(ctx context.Context) int {
	return e.retryDirection(ctx, models.DirectionFiatToCrypto)
}

// RetryFailedWithdrawals re-initiates the B2C payout for failed
// crypto_to_fiat records, completing the crypto leg first when needed.
func (e *Engine) RetryFailedWithdrawals(ctx context.Context) int {
	return e.retryDirection(ctx, models.DirectionCryptoToFiat)
}

func (e *Engine) retryDirection(ctx context.Context, direction string) int {
	candidates, err := e.store.FindRetryCandidates(ctx, direction, models.EscrowStatusFailed, e.cfg.AgeWindow, e.cfg.MaxRetries)
	if err != nil {
		e.log.Error("failed to scan retry candidates", zap.String("direction", direction), zap.Error(err))
		return 0
	}

	now := time.Now()
	succeeded := 0
	for i := range candidates {
		rec := &candidates[i]
		// Recheck the scan predicate; a callback can land between the query
		// and this iteration.
		if !rec.RetryEligible(now, e.cfg.AgeWindow, e.cfg.MaxRetries) {
			continue
		}
		if e.retryCandidate(ctx, rec) {
			succeeded++
		}
	}
	return succeeded
}

// retryCandidate processes one record. Failures here never propagate; one
// bad candidate must not abort the batch.
func (e *Engine) retryCandidate(ctx context.Context, rec *models.EscrowRecord) bool {
	log := e.log.With(
		zap.String("transaction_id", rec.TransactionID),
		zap.String("direction", rec.Direction),
		zap.Int("retry_count", rec.RetryCount),
	)

	user, err := e.users.GetByID(ctx, rec.UserID)
	if err != nil {
		// Data-integrity case: couldn't even try, so the budget is untouched.
		log.Warn("skipping retry, user lookup failed", zap.String("user_id", rec.UserID.String()), zap.Error(err))
		return false
	}

	msisdn, err := phone.Normalize(e.cfg.CountryCode, user.PhoneNumber)
	if err != nil {
		log.Warn("skipping retry, unusable phone number", zap.Error(err))
		return false
	}

	if rec.Direction == models.DirectionCryptoToFiat && rec.TransferHash == nil && user.WalletAddress == nil {
		log.Warn("skipping retry, user has no wallet address")
		return false
	}

	claimed, err := e.store.ClaimRetry(ctx, rec.TransactionID, rec.RetryCount)
	if err != nil {
		log.Error("failed to claim retry", zap.Error(err))
		return false
	}
	if !claimed {
		log.Debug("retry claim lost, record changed concurrently")
		return false
	}
	rec.RetryCount++

	if rec.Direction == models.DirectionCryptoToFiat && rec.TransferHash == nil {
		if !e.completeCryptoLeg(ctx, rec, user, log) {
			// Budget already spent on this attempt; gateway untouched,
			// status left as-is for the next cycle.
			return false
		}
	}

	var res *mpesa.Result
	err = Do(ctx, e.cfg.GatewayAttempts, e.cfg.BackoffBase, func() error {
		var callErr error
		switch rec.Direction {
		case models.DirectionCryptoToFiat:
			res, callErr = e.gateway.InitiateWithdrawal(ctx, msisdn, rec.FiatAmount, "payout retry")
		default:
			res, callErr = e.gateway.InitiateDeposit(ctx, msisdn, rec.FiatAmount, rec.TransactionID)
		}
		return callErr
	})
	if err != nil {
		log.Warn("gateway re-initiation failed", zap.Error(err))
		e.failAttempt(ctx, rec, err.Error())
		return false
	}

	if !res.Accepted {
		log.Warn("gateway rejected re-initiation", zap.String("reason", res.ErrorMessage))
		e.failAttempt(ctx, rec, res.ErrorMessage)
		return false
	}

	if _, err := e.store.RecordGatewayAccept(ctx, rec.TransactionID, res.ProviderReference); err != nil {
		log.Error("failed to persist gateway acceptance", zap.Error(err))
		return false
	}

	log.Info("transaction re-initiated", zap.String("provider_reference", res.ProviderReference))
	e.auditAndPublish(ctx, rec, "retry_reinitiated", events.EventTransactionStatusChanged, map[string]any{
		"provider_reference": res.ProviderReference,
		"retry_count":        rec.RetryCount,
	})
	return true
}

// completeCryptoLeg moves the stablecoin from the user's custodial wallet to
// the platform wallet. The hash is recorded once and never overwritten; a
// record with a hash never reaches this path again.
func (e *Engine) completeCryptoLeg(ctx context.Context, rec *models.EscrowRecord, user *models.User, log *zap.Logger) bool {
	req := transfer.Request{
		From:   *user.WalletAddress,
		To:     e.cfg.PlatformWallet,
		Amount: rec.CryptoAmount,
		Chain:  rec.MetaString(models.MetaChain, e.cfg.DefaultChain),
		Token:  rec.MetaString(models.MetaToken, e.cfg.DefaultToken),
	}

	var hash string
	err := Do(ctx, e.cfg.GatewayAttempts, e.cfg.BackoffBase, func() error {
		h, transferErr := e.transferrer.Transfer(ctx, req)
		if transferErr != nil {
			return transferErr
		}
		hash = h
		return nil
	})
	if err != nil {
		log.Warn("crypto leg failed, skipping payout this cycle", zap.Error(err))
		return false
	}

	if _, err := e.store.SetTransferHash(ctx, rec.TransactionID, hash); err != nil {
		log.Error("failed to persist transfer hash", zap.Error(err))
		return false
	}
	rec.TransferHash = &hash
	log.Info("crypto leg completed", zap.String("transfer_hash", hash))
	return true
}

// failAttempt persists the failed attempt. A record that just burned its
// last retry moves to exhausted so operators can find it.
func (e *Engine) failAttempt(ctx context.Context, rec *models.EscrowRecord, reason string) {
	if rec.RetryCount >= e.cfg.MaxRetries {
		if err := e.store.MarkExhausted(ctx, rec.TransactionID); err != nil {
			e.log.Error("failed to mark transaction exhausted",
				zap.String("transaction_id", rec.TransactionID), zap.Error(err))
			return
		}
		e.auditAndPublish(ctx, rec, "retry_budget_exhausted", events.EventTransactionExhausted, map[string]any{
			"retry_count": rec.RetryCount,
			"reason":      reason,
		})
		return
	}

	if err := e.store.MarkFailed(ctx, rec.TransactionID); err != nil {
		e.log.Error("failed to persist failed attempt",
			zap.String("transaction_id", rec.TransactionID), zap.Error(err))
	}
}

func (e *Engine) auditAndPublish(ctx context.Context, rec *models.EscrowRecord, action, eventType string, meta map[string]any) {
	if e.audit != nil {
		_ = e.audit.Log(ctx, models.AuditLog{
			ActorType:  "system",
			Action:     action,
			EntityType: "escrow_record",
			EntityID:   &rec.ID,
			Meta:       meta,
		})
	}
	if e.publisher != nil {
		payload := map[string]any{
			"transaction_id": rec.TransactionID,
			"user_id":        rec.UserID.String(),
			"direction":      rec.Direction,
		}
		for k, v := range meta {
			payload[k] = v
		}
		_ = e.publisher.Publish(ctx, events.StreamTransactions, events.Event{Type: eventType, Payload: payload})
	}
}
