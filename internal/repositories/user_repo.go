package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pesabridge/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, wallet_address, created_at, last_active_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.PhoneNumber, &u.WalletAddress, &u.CreatedAt, &u.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) GetByPhone(ctx context.Context, phoneNumber string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, wallet_address, created_at, last_active_at
		FROM users WHERE phone_number = $1
	`, phoneNumber).Scan(&u.ID, &u.PhoneNumber, &u.WalletAddress, &u.CreatedAt, &u.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) UpsertByPhone(ctx context.Context, phoneNumber string, walletAddress *string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (phone_number, wallet_address)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET
			wallet_address = COALESCE(EXCLUDED.wallet_address, users.wallet_address),
			last_active_at = now()
		RETURNING id, phone_number, wallet_address, created_at, last_active_at
	`, phoneNumber, walletAddress).Scan(&u.ID, &u.PhoneNumber, &u.WalletAddress, &u.CreatedAt, &u.LastActiveAt)
	return &u, err
}

func (r *UserRepo) UpdateLastActive(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_active_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}
