package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// APIResponse is a raw answer from the NIBOG persistence API
type APIResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status
func (r *APIResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// BookingAPIClient talks to the remote NIBOG booking and payment API.
// Transport failures come back as errors; HTTP statuses come back in the
// response so callers can apply their own retry policy.
type BookingAPIClient struct {
	config *config.BookingAPIConfig
	logger *logrus.Logger
	client *http.Client
}

// NewBookingAPIClient creates a new booking API client
func NewBookingAPIClient(cfg *config.BookingAPIConfig, logger *logrus.Logger) *BookingAPIClient {
	return &BookingAPIClient{
		config: cfg,
		logger: logger,
		// Per-call deadlines come from the request context
		client: &http.Client{},
	}
}

// CreateBooking posts a booking. One call is one attempt.
func (c *BookingAPIClient) CreateBooking(ctx context.Context, req *models.CreateBookingRequest) (*APIResponse, error) {
	return c.do(ctx, http.MethodPost, c.config.CreatePath, req)
}

// UpdateBookingStatus moves a booking to a new status
func (c *BookingAPIClient) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*APIResponse, error) {
	return c.do(ctx, http.MethodPost, c.config.UpdateStatusPath, &models.UpdateBookingStatusRequest{
		BookingID: bookingID,
		Status:    status,
	})
}

// CreatePayment posts a payment record
func (c *BookingAPIClient) CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*APIResponse, error) {
	return c.do(ctx, http.MethodPost, c.config.PaymentCreatePath, req)
}

// GetEmailSettings fetches the SMTP settings used for booking confirmations
func (c *BookingAPIClient) GetEmailSettings(ctx context.Context) (*APIResponse, error) {
	return c.do(ctx, http.MethodGet, c.config.EmailSettingsPath, nil)
}

func (c *BookingAPIClient) do(ctx context.Context, method, path string, payload interface{}) (*APIResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	url := c.config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"url":    url,
		}).Warn("Booking API call failed")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"url":         url,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Booking API response received")

	return &APIResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}
