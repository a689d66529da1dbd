package services

import (
	"context"
	"fmt"
	"time"

	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// PaymentRecordInput describes the payment to write against a booking
type PaymentRecordInput struct {
	BookingID             int64
	MerchantTransactionID string
	TransactionID         string
	AmountPaise           int64
	PaymentState          models.PaymentState
	GatewayResponse       map[string]interface{}
}

// PaymentRecordResult is a payment record the API accepted
type PaymentRecordResult struct {
	Request    *models.CreatePaymentRequest
	StatusCode int
	Mapping    models.StateMapping
}

// PaymentRecorder writes payment records to the NIBOG payment API
type PaymentRecorder struct {
	api           BookingAPI
	paymentMethod string
	logger        *logrus.Logger
	now           func() time.Time
}

// NewPaymentRecorder creates a new payment recorder
func NewPaymentRecorder(api BookingAPI, paymentMethod string, logger *logrus.Logger) *PaymentRecorder {
	if paymentMethod == "" {
		paymentMethod = "PhonePe"
	}
	return &PaymentRecorder{
		api:           api,
		paymentMethod: paymentMethod,
		logger:        logger,
		now:           time.Now,
	}
}

// BuildRequest maps a gateway payment onto the payment API payload
func (p *PaymentRecorder) BuildRequest(in PaymentRecordInput) (*models.CreatePaymentRequest, models.StateMapping) {
	mapping, known := models.MapPaymentState(in.PaymentState)
	if !known {
		p.logger.WithFields(logrus.Fields{
			"merchant_transaction_id": in.MerchantTransactionID,
			"payment_state":           in.PaymentState,
		}).Warn("Unknown payment state, recording as pending")
	}

	return &models.CreatePaymentRequest{
		BookingID:            in.BookingID,
		TransactionID:        in.MerchantTransactionID,
		PhonePeTransactionID: in.TransactionID,
		Amount:               models.MoneyJSON(models.PaiseToRupees(in.AmountPaise)),
		PaymentMethod:        p.paymentMethod,
		PaymentStatus:        mapping.PaymentStatus,
		PaymentDate:          p.now().UTC().Format(time.RFC3339),
		GatewayResponse:      in.GatewayResponse,
	}, mapping
}

// Record creates the payment record. An error here means the booking exists
// without a payment, which callers report as a partial failure.
func (p *PaymentRecorder) Record(ctx context.Context, in PaymentRecordInput) (*PaymentRecordResult, error) {
	req, mapping := p.BuildRequest(in)

	logger := p.logger.WithFields(logrus.Fields{
		"merchant_transaction_id": in.MerchantTransactionID,
		"booking_id":              in.BookingID,
		"amount":                  req.Amount,
		"payment_status":          req.PaymentStatus,
	})

	resp, err := p.api.CreatePayment(ctx, req)
	if err != nil {
		logger.WithError(err).Error("Payment API unreachable")
		return nil, fmt.Errorf("%w: %v", ErrPaymentAPIUnreachable, err)
	}
	if !resp.OK() {
		logger.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"body":        truncate(string(resp.Body), 500),
		}).Error("Payment API rejected payment record")
		return nil, &APIError{Kind: ErrPaymentRejected, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	logger.Info("Payment recorded")

	return &PaymentRecordResult{
		Request:    req,
		StatusCode: resp.StatusCode,
		Mapping:    mapping,
	}, nil
}

// UpdateBookingStatus moves a booking to status on the booking API
func (p *PaymentRecorder) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error {
	resp, err := p.api.UpdateBookingStatus(ctx, bookingID, status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBookingAPIUnreachable, err)
	}
	if !resp.OK() {
		return &APIError{Kind: ErrBookingRejected, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	p.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"status":     status,
	}).Info("Booking status updated")
	return nil
}
