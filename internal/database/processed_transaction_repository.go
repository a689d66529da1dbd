package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// ProcessedTransactionRepository is the PostgreSQL-backed deduplication store.
// Every entry carries its own expiry, so redelivery protection does not
// depend on when a sweep last ran and holds across server instances.
type ProcessedTransactionRepository struct {
	db     *sqlx.DB
	ttl    time.Duration
	logger *logrus.Logger
}

// NewProcessedTransactionRepository creates a new processed transaction repository
func NewProcessedTransactionRepository(db *sqlx.DB, ttl time.Duration, logger *logrus.Logger) *ProcessedTransactionRepository {
	return &ProcessedTransactionRepository{
		db:     db,
		ttl:    ttl,
		logger: logger,
	}
}

// Lookup returns the live entry for a transaction, or nil when there is none
func (r *ProcessedTransactionRepository) Lookup(ctx context.Context, merchantTransactionID string) (*models.ProcessedTransaction, error) {
	var entry models.ProcessedTransaction
	query := `
		SELECT merchant_transaction_id, status, booking_id, created_at, expires_at
		FROM processed_transactions
		WHERE merchant_transaction_id = $1
		AND expires_at > NOW()`

	err := r.db.GetContext(ctx, &entry, query, merchantTransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup processed transaction: %w", err)
	}

	return &entry, nil
}

// Claim atomically marks a transaction as processing.
// It returns false when a live entry already exists. An expired entry is
// taken over in the same statement.
func (r *ProcessedTransactionRepository) Claim(ctx context.Context, merchantTransactionID string) (bool, error) {
	query := `
		INSERT INTO processed_transactions (merchant_transaction_id, status, booking_id, created_at, expires_at)
		VALUES ($1, $2, NULL, NOW(), $3)
		ON CONFLICT (merchant_transaction_id) DO UPDATE
		SET status = EXCLUDED.status,
			booking_id = NULL,
			created_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE processed_transactions.expires_at <= NOW()
		RETURNING merchant_transaction_id`

	var claimed string
	err := r.db.QueryRowxContext(ctx, query, merchantTransactionID, models.TransactionProcessing, time.Now().Add(r.ttl)).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim transaction: %w", err)
	}

	return true, nil
}

// Complete records the booking produced for a claimed transaction
func (r *ProcessedTransactionRepository) Complete(ctx context.Context, merchantTransactionID string, bookingID int64) error {
	query := `
		UPDATE processed_transactions
		SET status = $2, booking_id = $3
		WHERE merchant_transaction_id = $1`

	result, err := r.db.ExecContext(ctx, query, merchantTransactionID, models.TransactionCompleted, bookingID)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s was not claimed", merchantTransactionID)
	}

	return nil
}

// Release drops an in-flight claim so a redelivery can retry
func (r *ProcessedTransactionRepository) Release(ctx context.Context, merchantTransactionID string) error {
	query := `
		DELETE FROM processed_transactions
		WHERE merchant_transaction_id = $1
		AND status = $2`

	if _, err := r.db.ExecContext(ctx, query, merchantTransactionID, models.TransactionProcessing); err != nil {
		return fmt.Errorf("failed to release transaction: %w", err)
	}

	return nil
}

// Evict removes expired entries and returns how many were deleted
func (r *ProcessedTransactionRepository) Evict(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_transactions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to evict processed transactions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.WithField("evicted", rows).Info("Evicted expired processed transactions")
	}

	return rows, nil
}
