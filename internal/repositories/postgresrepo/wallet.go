package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"funding-service/internal/models"

	"github.com/jmoiron/sqlx"
)

var ErrWalletNotFound = errors.New("wallet not found")

type WalletRepository struct {
	db *sqlx.DB
}

func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// GetWallet get a wallet by customer ID
func (r *WalletRepository) GetWallet(ctx context.Context, customerID string) (*models.Wallet, error) {
	var wallet models.Wallet

	query := `SELECT customer_id, balance, created_at, updated_at FROM wallets WHERE customer_id = $1`

	err := r.db.GetContext(ctx, &wallet, query, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet from postgres: %w", err)
	}

	return &wallet, nil
}

// GetOrCreateWallet returns the customer's wallet, creating a zero-balance
// one on first access.
func (r *WalletRepository) GetOrCreateWallet(ctx context.Context, customerID string) (*models.Wallet, error) {
	query := `
		INSERT INTO wallets (customer_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (customer_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, customerID); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return r.GetWallet(ctx, customerID)
}

// BeginTx starts a database transaction and returns a transactional repository
func (r *WalletRepository) BeginTx(ctx context.Context) (*TxFundingRepo, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return NewTxFundingRepo(tx), nil
}
