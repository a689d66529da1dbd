package services

import (
	"errors"
	"fmt"
)

var (
	// ErrVerification is the parent of every callback authenticity failure
	ErrVerification = errors.New("callback verification failed")

	// ErrMissingVerifyHeader indicates the X-VERIFY header was absent or malformed
	ErrMissingVerifyHeader = fmt.Errorf("%w: missing or malformed X-VERIFY header", ErrVerification)

	// ErrSaltIndexMismatch indicates the header names a salt index we don't hold
	ErrSaltIndexMismatch = fmt.Errorf("%w: salt index mismatch", ErrVerification)

	// ErrHashMismatch indicates the checksum does not match the body
	ErrHashMismatch = fmt.Errorf("%w: checksum mismatch", ErrVerification)

	// ErrMalformedCallback indicates a verified body that cannot be decoded
	ErrMalformedCallback = errors.New("malformed callback payload")

	// ErrInvalidTransactionIDFormat indicates a merchant transaction id not shaped NIBOG_<userId>_<suffix>
	ErrInvalidTransactionIDFormat = errors.New("invalid merchant transaction id format")

	// ErrBookingAPIUnreachable indicates booking creation failed at the transport level after all retries
	ErrBookingAPIUnreachable = errors.New("booking API unreachable")

	// ErrBookingRejected indicates the booking API answered with a non-2xx status
	ErrBookingRejected = errors.New("booking API rejected request")

	// ErrNoBookingIDExtractable indicates no booking id could be read from the booking API response
	ErrNoBookingIDExtractable = errors.New("no booking id extractable from booking API response")

	// ErrPaymentAPIUnreachable indicates the payment record call failed at the transport level
	ErrPaymentAPIUnreachable = errors.New("payment API unreachable")

	// ErrPaymentRejected indicates the payment API answered with a non-2xx status
	ErrPaymentRejected = errors.New("payment API rejected request")

	// ErrGatewayUnreachable indicates the PhonePe status API could not be reached
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
)

// APIError carries the status and body of a rejected downstream call
type APIError struct {
	Kind       error
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, truncate(e.Body, 300))
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// PartialFailureError means a booking exists but its payment record does not.
// Money was collected without a ledger entry; it must reach an operator.
type PartialFailureError struct {
	BookingID             int64
	MerchantTransactionID string
	TransactionID         string
	AmountPaise           int64
	Err                   error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure: booking %d created for %s (gateway txn %s, %d paise) but payment record failed: %v",
		e.BookingID, e.MerchantTransactionID, e.TransactionID, e.AmountPaise, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
