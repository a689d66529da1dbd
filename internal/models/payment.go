package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Payment status values accepted by the NIBOG payment API
const (
	PaymentStatusSuccessful = "successful"
	PaymentStatusPending    = "pending"
	PaymentStatusFailed     = "failed"
)

// Booking-level payment status values
const (
	BookingPaymentPaid    = "Paid"
	BookingPaymentPending = "Pending"
	BookingPaymentFailed  = "Failed"
)

// StateMapping is the domain view of a gateway payment state
type StateMapping struct {
	BookingStatus string // booking.payment_status
	PaymentStatus string // payment.payment_status
}

var paymentStateTable = map[PaymentState]StateMapping{
	PaymentStateCompleted: {BookingStatus: BookingPaymentPaid, PaymentStatus: PaymentStatusSuccessful},
	PaymentStatePending:   {BookingStatus: BookingPaymentPending, PaymentStatus: PaymentStatusPending},
	PaymentStateFailed:    {BookingStatus: BookingPaymentFailed, PaymentStatus: PaymentStatusFailed},
	PaymentStateCancelled: {BookingStatus: BookingPaymentFailed, PaymentStatus: PaymentStatusFailed},
}

// MapPaymentState maps a gateway state to booking and payment statuses.
// Unknown states map to pending and ok=false.
func MapPaymentState(state PaymentState) (StateMapping, bool) {
	m, ok := paymentStateTable[state]
	if !ok {
		return StateMapping{BookingStatus: BookingPaymentPending, PaymentStatus: PaymentStatusPending}, false
	}
	return m, true
}

// PaiseToRupees converts an integer paise amount to rupees without rounding
func PaiseToRupees(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

// RupeesToPaise converts a rupee amount back to paise, rounding half away from zero
func RupeesToPaise(rupees decimal.Decimal) int64 {
	return rupees.Shift(2).Round(0).IntPart()
}

// CreatePaymentRequest is the payload of the payment-creation endpoint
type CreatePaymentRequest struct {
	BookingID            int64                  `json:"booking_id"`
	TransactionID        string                 `json:"transaction_id"`
	PhonePeTransactionID string                 `json:"phonepe_transaction_id"`
	Amount               json.Number            `json:"amount"`
	PaymentMethod        string                 `json:"payment_method"`
	PaymentStatus        string                 `json:"payment_status"`
	PaymentDate          string                 `json:"payment_date"`
	GatewayResponse      map[string]interface{} `json:"gateway_response,omitempty"`
}
