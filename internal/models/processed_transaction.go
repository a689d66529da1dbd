package models

import "time"

// Processed transaction states
const (
	TransactionProcessing = "processing"
	TransactionCompleted  = "completed"
)

// ProcessedTransaction is a deduplication entry keyed by merchant transaction id
type ProcessedTransaction struct {
	MerchantTransactionID string    `json:"merchant_transaction_id" db:"merchant_transaction_id"`
	Status                string    `json:"status" db:"status"`
	BookingID             *int64    `json:"booking_id,omitempty" db:"booking_id"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	ExpiresAt             time.Time `json:"expires_at" db:"expires_at"`
}

// IsCompleted reports whether a booking was produced for the transaction
func (p *ProcessedTransaction) IsCompleted() bool {
	return p != nil && p.Status == TransactionCompleted
}
