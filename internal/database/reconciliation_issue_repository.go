package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrIssueNotFound is returned when no issue matches the id
var ErrIssueNotFound = errors.New("reconciliation issue not found")

// ErrIssueAlreadyResolved is returned when resolving a closed issue
var ErrIssueAlreadyResolved = errors.New("reconciliation issue already resolved")

// ReconciliationIssueRepository stores payments that need manual reconciliation
type ReconciliationIssueRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewReconciliationIssueRepository creates a new reconciliation issue repository
func NewReconciliationIssueRepository(db *sqlx.DB, logger *logrus.Logger) *ReconciliationIssueRepository {
	return &ReconciliationIssueRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new open issue
func (r *ReconciliationIssueRepository) Create(ctx context.Context, issue *models.ReconciliationIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
	}
	if issue.Status == "" {
		issue.Status = models.IssueStatusOpen
	}

	query := `
		INSERT INTO reconciliation_issues (
			id, kind, merchant_transaction_id, transaction_id, booking_id,
			amount_paise, payment_state, source, error_message, gateway_response,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		issue.ID, issue.Kind, issue.MerchantTransactionID, issue.TransactionID, issue.BookingID,
		issue.AmountPaise, issue.PaymentState, issue.Source, issue.ErrorMessage, issue.GatewayResponse,
		issue.Status, issue.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"kind":                    issue.Kind,
			"merchant_transaction_id": issue.MerchantTransactionID,
			"booking_id":              issue.BookingID,
			"amount_paise":            issue.AmountPaise,
		}).Error("CRITICAL: Failed to record reconciliation issue")
		return fmt.Errorf("failed to create reconciliation issue: %w", err)
	}

	return nil
}

// GetByID retrieves an issue by id
func (r *ReconciliationIssueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationIssue, error) {
	var issue models.ReconciliationIssue
	err := r.db.GetContext(ctx, &issue, `SELECT * FROM reconciliation_issues WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation issue: %w", err)
	}
	return &issue, nil
}

// List returns issues newest first, optionally filtered by status, plus the total count
func (r *ReconciliationIssueRepository) List(ctx context.Context, status models.IssueStatus, limit, offset int) ([]*models.ReconciliationIssue, int, error) {
	issues := []*models.ReconciliationIssue{}

	var total int
	countQuery := `SELECT COUNT(*) FROM reconciliation_issues WHERE ($1 = '' OR status = $1)`
	if err := r.db.GetContext(ctx, &total, countQuery, status); err != nil {
		return nil, 0, fmt.Errorf("failed to count reconciliation issues: %w", err)
	}

	query := `
		SELECT * FROM reconciliation_issues
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	if err := r.db.SelectContext(ctx, &issues, query, status, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list reconciliation issues: %w", err)
	}

	return issues, total, nil
}

// MarkResolved closes an open issue
func (r *ReconciliationIssueRepository) MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy, note string) error {
	query := `
		UPDATE reconciliation_issues
		SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = NOW()
		WHERE id = $1 AND status = $5`

	result, err := r.db.ExecContext(ctx, query, id, models.IssueStatusResolved, resolvedBy, note, models.IssueStatusOpen)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation issue: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing issue from one that is already closed
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrIssueAlreadyResolved
	}

	return nil
}
