package models

import (
	"time"

	"github.com/google/uuid"
)

// ReconcileStage is a state of the reconciliation state machine
type ReconcileStage string

const (
	StageReceived         ReconcileStage = "RECEIVED"
	StageVerified         ReconcileStage = "VERIFIED"
	StageDedupCheck       ReconcileStage = "DEDUPED-CHECK"
	StageShortCircuit     ReconcileStage = "SHORT_CIRCUIT"
	StageReconstructing   ReconcileStage = "RECONSTRUCTING"
	StageBookingCreated   ReconcileStage = "BOOKING_CREATED"
	StagePaymentRecording ReconcileStage = "PAYMENT_RECORDING"
	StageDone             ReconcileStage = "DONE"
	StagePartialFailure   ReconcileStage = "PARTIAL_FAILURE"
	StageFatal            ReconcileStage = "FATAL"
)

// IsTerminal reports whether no further transition follows the stage
func (s ReconcileStage) IsTerminal() bool {
	switch s {
	case StageShortCircuit, StageDone, StagePartialFailure, StageFatal:
		return true
	}
	return false
}

// IssueKind classifies a reconciliation issue
type IssueKind string

const (
	// IssuePartialFailure: booking exists, payment record does not
	IssuePartialFailure IssueKind = "PARTIAL_FAILURE"
	// IssueFatal: no booking id was ever obtained
	IssueFatal IssueKind = "FATAL"
)

// IssueStatus is the operator workflow state of an issue
type IssueStatus string

const (
	IssueStatusOpen     IssueStatus = "open"
	IssueStatusResolved IssueStatus = "resolved"
)

// ReconciliationIssue is a payment that needs manual reconciliation
type ReconciliationIssue struct {
	ID                    uuid.UUID   `json:"id" db:"id"`
	Kind                  IssueKind   `json:"kind" db:"kind"`
	MerchantTransactionID string      `json:"merchant_transaction_id" db:"merchant_transaction_id"`
	TransactionID         *string     `json:"transaction_id,omitempty" db:"transaction_id"`
	BookingID             *int64      `json:"booking_id,omitempty" db:"booking_id"`
	AmountPaise           int64       `json:"amount_paise" db:"amount_paise"`
	PaymentState          string      `json:"payment_state" db:"payment_state"`
	Source                string      `json:"source" db:"source"`
	ErrorMessage          string      `json:"error_message" db:"error_message"`
	GatewayResponse       JSONB       `json:"gateway_response,omitempty" db:"gateway_response"`
	Status                IssueStatus `json:"status" db:"status"`
	ResolutionNote        *string     `json:"resolution_note,omitempty" db:"resolution_note"`
	ResolvedBy            *string     `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt             time.Time   `json:"created_at" db:"created_at"`
	ResolvedAt            *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ResolveIssueRequest is the body of the admin resolve endpoint
type ResolveIssueRequest struct {
	Note string `json:"note" binding:"required"`
}
