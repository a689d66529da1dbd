package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a new payment audit entry.
// Payment events must never be dropped silently, so failures are logged at ERROR.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (
			id, merchant_transaction_id, gateway_transaction_id, booking_id,
			event_type, event_source, stage,
			amount_paise, payment_state,
			request_payload, response_payload, raw_body,
			error_message,
			processing_time_ms, is_duplicate,
			ip_address, user_agent, device_info, correlation_id,
			created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9,
			$10, $11, $12,
			$13,
			$14, $15,
			$16, $17, $18, $19,
			$20
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.MerchantTransactionID, audit.GatewayTransactionID, audit.BookingID,
		audit.EventType, audit.EventSource, audit.Stage,
		audit.AmountPaise, audit.PaymentState,
		audit.RequestPayload, audit.ResponsePayload, audit.RawBody,
		audit.ErrorMessage,
		audit.ProcessingTimeMs, audit.IsDuplicate,
		audit.IPAddress, audit.UserAgent, audit.DeviceInfo, audit.CorrelationID,
		audit.CreatedAt,
	)

	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type":              audit.EventType,
			"merchant_transaction_id": stringValue(audit.MerchantTransactionID),
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":                audit.ID,
		"event_type":              audit.EventType,
		"merchant_transaction_id": stringValue(audit.MerchantTransactionID),
	}).Debug("Payment audit logged")

	return nil
}

// GetByMerchantTransactionID retrieves all audit entries for a transaction, oldest first
func (r *PaymentAuditRepository) GetByMerchantTransactionID(ctx context.Context, merchantTransactionID string) ([]*models.PaymentAudit, error) {
	audits := []*models.PaymentAudit{}
	query := `
		SELECT * FROM payment_audits
		WHERE merchant_transaction_id = $1
		ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &audits, query, merchantTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audits by merchant transaction ID: %w", err)
	}

	return audits, nil
}

// CountByEventTypeSince counts events of a type since a point in time
func (r *PaymentAuditRepository) CountByEventTypeSince(ctx context.Context, eventType models.PaymentEventType, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM payment_audits
		WHERE event_type = $1
		AND created_at >= $2`

	if err := r.db.GetContext(ctx, &count, query, eventType, since); err != nil {
		return 0, fmt.Errorf("failed to count audits: %w", err)
	}

	return count, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
