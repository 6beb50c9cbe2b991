package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"funding-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount          = errors.New("funding amount must be positive")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")
)

type LedgerRepository struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateTransaction inserts a pending ledger entry with a generated reference.
// The reference comes from a dedicated sequence so replayed notifications can
// be correlated by unique-index lookup.
func (r *LedgerRepository) CreateTransaction(ctx context.Context, customerID string, amount decimal.Decimal, kind, provider string) (*models.Transaction, error) {
	if kind == models.KindFund && amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	tx := &models.Transaction{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Amount:     amount,
		Kind:       kind,
		Provider:   provider,
		Status:     models.StatusPending,
	}

	query := `
		INSERT INTO wallet_transactions
		(id, customer_id, amount, kind, reference, provider, status, applied, created_at)
		VALUES ($1, $2, $3, $4, 'WTX' || lpad(nextval('wallet_tx_ref_seq')::text, 6, '0'), $5, 'pending', FALSE, NOW())
		RETURNING reference, created_at
	`

	err := r.db.QueryRowContext(ctx, query, tx.ID, customerID, amount, kind, provider).
		Scan(&tx.Reference, &tx.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return tx, nil
}

// GetByReference correlates an inbound notification to a known attempt.
func (r *LedgerRepository) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var tx models.Transaction

	query := `
		SELECT id, customer_id, amount, kind, reference, provider, status, applied, note, created_at
		FROM wallet_transactions
		WHERE reference = $1
	`

	err := r.db.GetContext(ctx, &tx, query, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}

	return &tx, nil
}

// MarkVerified transitions pending -> done. Any other starting state is a
// state-machine violation reported to the caller.
func (r *LedgerRepository) MarkVerified(ctx context.Context, txID string) error {
	query := `UPDATE wallet_transactions SET status = 'done' WHERE id = $1 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, txID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction verified: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return r.transitionError(ctx, txID)
	}

	return nil
}

// MarkFailed transitions pending -> failed and records the reason. Marking an
// already failed transaction again is a no-op; failed is terminal apart from
// the diagnostic note.
func (r *LedgerRepository) MarkFailed(ctx context.Context, txID, reason string) error {
	query := `
		UPDATE wallet_transactions
		SET status = 'failed', note = $2
		WHERE id = $1 AND status IN ('pending', 'failed')
	`

	result, err := r.db.ExecContext(ctx, query, txID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return r.transitionError(ctx, txID)
	}

	return nil
}

// ListByCustomer returns the customer's ledger entries, newest first.
func (r *LedgerRepository) ListByCustomer(ctx context.Context, customerID string) ([]models.Transaction, error) {
	query := `
		SELECT id, customer_id, amount, kind, reference, provider, status, applied, note, created_at
		FROM wallet_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`

	var transactions []models.Transaction
	err := r.db.SelectContext(ctx, &transactions, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return transactions, nil
}

// transitionError distinguishes a missing row from a row in the wrong state
// after a guarded UPDATE matched nothing.
func (r *LedgerRepository) transitionError(ctx context.Context, txID string) error {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM wallet_transactions WHERE id = $1)`

	if err := r.db.QueryRowContext(ctx, query, txID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check transaction existence: %w", err)
	}
	if !exists {
		return ErrTransactionNotFound
	}

	return ErrInvalidStateTransition
}
