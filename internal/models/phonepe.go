package models

import "strings"

// PaymentState is the gateway-reported state of a transaction
type PaymentState string

const (
	PaymentStateCompleted PaymentState = "COMPLETED"
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStateFailed    PaymentState = "FAILED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

// ParsePaymentState normalizes a state string or a PhonePe response code.
// Unknown values are returned upper-cased and unchanged.
func ParsePaymentState(s string) PaymentState {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "COMPLETED", "PAYMENT_SUCCESS", "SUCCESS":
		return PaymentStateCompleted
	case "PENDING", "PAYMENT_PENDING":
		return PaymentStatePending
	case "FAILED", "PAYMENT_ERROR", "PAYMENT_DECLINED", "TIMED_OUT", "FAILURE":
		return PaymentStateFailed
	case "CANCELLED", "PAYMENT_CANCELLED":
		return PaymentStateCancelled
	default:
		return PaymentState(v)
	}
}

// IsKnown reports whether the state is one of the four gateway states
func (s PaymentState) IsKnown() bool {
	switch s {
	case PaymentStateCompleted, PaymentStatePending, PaymentStateFailed, PaymentStateCancelled:
		return true
	}
	return false
}

// GatewayCallback is a PhonePe server-to-server notification. It may be delivered
// more than once for the same transaction.
type GatewayCallback struct {
	MerchantTransactionID string       `json:"merchantTransactionId"`
	TransactionID         string       `json:"transactionId"`
	Amount                FlexInt64    `json:"amount"` // paise
	PaymentState          PaymentState `json:"paymentState"`
}

// PhonePeEnvelope is the base64 wrapper PhonePe uses for S2S callbacks
type PhonePeEnvelope struct {
	Response string `json:"response"`
}

// PhonePeStatusResponse is the body of GET /pg/v1/status/{merchantId}/{txnId}
// and of a decoded callback envelope
type PhonePeStatusResponse struct {
	Success bool              `json:"success"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Data    PhonePeStatusData `json:"data"`
}

// PhonePeStatusData is the transaction part of a PhonePe status response
type PhonePeStatusData struct {
	MerchantID            string                 `json:"merchantId"`
	MerchantTransactionID string                 `json:"merchantTransactionId"`
	TransactionID         string                 `json:"transactionId"`
	Amount                FlexInt64              `json:"amount"`
	State                 string                 `json:"state"`
	PaymentState          string                 `json:"paymentState"`
	ResponseCode          string                 `json:"responseCode"`
	PaymentInstrument     map[string]interface{} `json:"paymentInstrument,omitempty"`
}

// StatusPollRequest is the body accepted by the status-poll endpoint
type StatusPollRequest struct {
	TransactionID string             `json:"transactionId" binding:"required"`
	BookingData   *ClientBookingData `json:"bookingData,omitempty"`
}
