package postgresrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"funding-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// TxFundingRepo wraps the two mutations of a funding application in a single
// database transaction: the applied flag flip and the balance credit either
// commit together or not at all.
type TxFundingRepo struct {
	tx *sqlx.Tx
}

func NewTxFundingRepo(tx *sqlx.Tx) *TxFundingRepo {
	return &TxFundingRepo{tx: tx}
}

func (r *TxFundingRepo) Commit() error {
	return r.tx.Commit()
}

func (r *TxFundingRepo) Rollback() error {
	return r.tx.Rollback()
}

// LockTransaction takes a row lock on the ledger entry. Concurrent duplicate
// deliveries for the same reference serialize here.
func (r *TxFundingRepo) LockTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	var tx models.Transaction
	query := `
		SELECT id, customer_id, amount, kind, reference, provider, status, applied, note, created_at
		FROM wallet_transactions
		WHERE id = $1
		FOR UPDATE
	`
	err := r.tx.GetContext(ctx, &tx, query, txID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	return &tx, nil
}

// MarkApplied flips the applied flag. The status guard keeps the invariant
// applied => done even against a buggy caller.
func (r *TxFundingRepo) MarkApplied(ctx context.Context, txID string) error {
	query := `UPDATE wallet_transactions SET applied = TRUE WHERE id = $1 AND status = 'done' AND applied = FALSE`

	result, err := r.tx.ExecContext(ctx, query, txID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction applied: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidStateTransition
	}

	return nil
}

// CreditWallet increments the balance relative to the stored value and returns
// the new balance. The increment happens in SQL, never as a read-compute-write
// pair in application memory.
func (r *TxFundingRepo) CreditWallet(ctx context.Context, customerID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	query := `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE customer_id = $2
		RETURNING balance
	`

	err := r.tx.QueryRowContext(ctx, query, amount, customerID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrWalletNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to credit wallet: %w", err)
	}

	return newBalance, nil
}
