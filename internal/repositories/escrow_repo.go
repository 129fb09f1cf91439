package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pesabridge/backend/internal/models"
)

const escrowColumns = `
	id, transaction_id, user_id, direction, fiat_amount, crypto_amount,
	status, gateway_reference, transfer_hash, retry_count, last_retry_at,
	created_at, completed_at, metadata`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.EscrowRecord) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_records (transaction_id, user_id, direction, fiat_amount, crypto_amount, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, e.TransactionID, e.UserID, e.Direction, e.FiatAmount, e.CryptoAmount, e.Status, e.Metadata).Scan(&e.ID, &e.CreatedAt)
}

func (r *EscrowRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := r.pool.QueryRow(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_records WHERE transaction_id = $1
	`, transactionID).Scan(
		&e.ID, &e.TransactionID, &e.UserID, &e.Direction, &e.FiatAmount, &e.CryptoAmount,
		&e.Status, &e.GatewayReference, &e.TransferHash, &e.RetryCount, &e.LastRetryAt,
		&e.CreatedAt, &e.CompletedAt, &e.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) GetByGatewayReference(ctx context.Context, reference string) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := r.pool.QueryRow(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_records WHERE gateway_reference = $1
		ORDER BY created_at DESC LIMIT 1
	`, reference).Scan(
		&e.ID, &e.TransactionID, &e.UserID, &e.Direction, &e.FiatAmount, &e.CryptoAmount,
		&e.Status, &e.GatewayReference, &e.TransferHash, &e.RetryCount, &e.LastRetryAt,
		&e.CreatedAt, &e.CompletedAt, &e.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.EscrowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_records WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.EscrowRecord
	for rows.Next() {
		var e models.EscrowRecord
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.UserID, &e.Direction, &e.FiatAmount, &e.CryptoAmount,
			&e.Status, &e.GatewayReference, &e.TransferHash, &e.RetryCount, &e.LastRetryAt,
			&e.CreatedAt, &e.CompletedAt, &e.Metadata,
		); err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// FindRetryCandidates returns records in the given direction and status,
// created within ageWindow of now, with retry budget remaining.
func (r *EscrowRepo) FindRetryCandidates(ctx context.Context, direction, status string, ageWindow time.Duration, maxRetryCount int) ([]models.EscrowRecord, error) {
	cutoff := time.Now().Add(-ageWindow)
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_records
		WHERE direction = $1 AND status = $2 AND created_at > $3 AND retry_count < $4
		ORDER BY created_at
	`, direction, status, cutoff, maxRetryCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.EscrowRecord
	for rows.Next() {
		var e models.EscrowRecord
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.UserID, &e.Direction, &e.FiatAmount, &e.CryptoAmount,
			&e.Status, &e.GatewayReference, &e.TransferHash, &e.RetryCount, &e.LastRetryAt,
			&e.CreatedAt, &e.CompletedAt, &e.Metadata,
		); err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// ClaimRetry spends one unit of the retry budget, but only if retry_count
// still equals expectedRetryCount. The compare-and-swap keeps an overlapping
// cycle or a concurrent callback from double-charging the budget.
func (r *EscrowRepo) ClaimRetry(ctx context.Context, transactionID string, expectedRetryCount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET retry_count = retry_count + 1, last_retry_at = now()
		WHERE transaction_id = $1 AND retry_count = $2
	`, transactionID, expectedRetryCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetTransferHash records the crypto leg exactly once and moves the record
// to reserved (funds earmarked, fiat leg still outstanding).
func (r *EscrowRepo) SetTransferHash(ctx context.Context, transactionID, hash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET transfer_hash = $1, status = $2
		WHERE transaction_id = $3 AND transfer_hash IS NULL
	`, hash, models.EscrowStatusReserved, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordGatewayAccept resets the record to pending with a fresh provider
// reference. Terminal records are left alone.
func (r *EscrowRepo) RecordGatewayAccept(ctx context.Context, transactionID, providerReference string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET status = $1, gateway_reference = $2
		WHERE transaction_id = $3 AND status NOT IN ($4, $5, $6)
	`, models.EscrowStatusPending, providerReference, transactionID,
		models.EscrowStatusCompleted, models.EscrowStatusExhausted, models.EscrowStatusError)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) MarkFailed(ctx context.Context, transactionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET status = $1
		WHERE transaction_id = $2 AND status NOT IN ($3, $4, $5)
	`, models.EscrowStatusFailed, transactionID,
		models.EscrowStatusCompleted, models.EscrowStatusExhausted, models.EscrowStatusError)
	return err
}

func (r *EscrowRepo) MarkExhausted(ctx context.Context, transactionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET status = $1
		WHERE transaction_id = $2 AND status NOT IN ($3, $4)
	`, models.EscrowStatusExhausted, transactionID,
		models.EscrowStatusCompleted, models.EscrowStatusError)
	return err
}

// MarkCompleted finishes the record; only pending/reserved records complete.
// receipt, when non-nil, overwrites the gateway reference with the final
// settlement receipt.
func (r *EscrowRepo) MarkCompleted(ctx context.Context, transactionID string, receipt *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET status = $1, completed_at = now(),
		    gateway_reference = COALESCE($2, gateway_reference)
		WHERE transaction_id = $3 AND status IN ($4, $5)
	`, models.EscrowStatusCompleted, receipt, transactionID,
		models.EscrowStatusPending, models.EscrowStatusReserved)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkError flags an unreconciled fault (e.g. value transfer failed after
// the fiat leg settled). Manual reconciliation only from here.
func (r *EscrowRepo) MarkError(ctx context.Context, transactionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET status = $1
		WHERE transaction_id = $2 AND status != $3
	`, models.EscrowStatusError, transactionID, models.EscrowStatusCompleted)
	return err
}
