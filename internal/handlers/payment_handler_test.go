package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completedCallback = `{"merchantTransactionId":"NIBOG_42_1718000000","transactionId":"T2406","amount":50000,"paymentState":"COMPLETED"}`

type stubLimiter struct {
	err   error
	calls []string
}

func (s *stubLimiter) AllowStatusPoll(ctx context.Context, ip string) error {
	s.calls = append(s.calls, ip)
	return s.err
}

func setupPaymentRouter(f *handlerFixture, limiter StatusPollLimiter) *gin.Engine {
	handler := NewPaymentHandler(f.reconciliation, limiter, quietLogger())

	router := gin.New()
	router.Use(middleware.RequestID())
	router.POST("/api/payments/phonepe-callback", handler.PhonePeCallback)
	router.POST("/api/payments/phonepe-status", handler.PhonePeStatus)
	return router
}

func phonePeServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPhonePeCallback_Success(t *testing.T) {
	f := newHandlerFixture(t, "")
	router := setupPaymentRouter(f, nil)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-callback", []byte(completedCallback), map[string]string{
		"User-Agent": "PhonePe-Webhook/1.0",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, float64(901), body["booking_id"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	bookings, payments := f.api.counts()
	assert.Equal(t, 1, bookings)
	assert.Equal(t, 1, payments)

	audits, err := f.audits.GetByMerchantTransactionID(context.Background(), "NIBOG_42_1718000000")
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	require.NotNil(t, audits[0].UserAgent)
	assert.Equal(t, "PhonePe-Webhook/1.0", *audits[0].UserAgent)
	require.NotNil(t, audits[0].CorrelationID)
	assert.Equal(t, w.Header().Get(middleware.RequestIDHeader), *audits[0].CorrelationID)
}

func TestPhonePeCallback_RedeliveryDoesNotDuplicateBooking(t *testing.T) {
	f := newHandlerFixture(t, "")
	router := setupPaymentRouter(f, nil)

	for i := 0; i < 3; i++ {
		w := performRequest(router, http.MethodPost, "/api/payments/phonepe-callback", []byte(completedCallback), nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "SUCCESS", body["status"])
		assert.Equal(t, float64(901), body["booking_id"])
	}

	bookings, payments := f.api.counts()
	assert.Equal(t, 1, bookings)
	assert.Equal(t, 1, payments)
}

func TestPhonePeCallback_NotCompleted(t *testing.T) {
	f := newHandlerFixture(t, "")
	router := setupPaymentRouter(f, nil)

	payload := `{"merchantTransactionId":"NIBOG_42_1718000001","transactionId":"T2407","amount":50000,"paymentState":"FAILED"}`
	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-callback", []byte(payload), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "FAILED", body["status"])
	assert.NotContains(t, body, "booking_id")

	bookings, _ := f.api.counts()
	assert.Zero(t, bookings)
}

func TestPhonePeCallback_MalformedBody(t *testing.T) {
	f := newHandlerFixture(t, "")
	router := setupPaymentRouter(f, nil)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-callback", []byte(`{not json`), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Invalid callback payload", body["error"])
}

func TestPhonePeCallback_PartialFailureStillAcknowledged(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.api.setPaymentStatus(http.StatusInternalServerError)
	router := setupPaymentRouter(f, nil)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-callback", []byte(completedCallback), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PARTIAL_FAILURE", body["status"])
	assert.Equal(t, services.PendingVerificationMessage, body["message"])
	assert.Equal(t, float64(901), body["booking_id"])

	issue := f.issues.first()
	require.NotNil(t, issue)
	assert.Equal(t, models.IssuePartialFailure, issue.Kind)
}

func TestPhonePeStatus_MissingTransactionID(t *testing.T) {
	f := newHandlerFixture(t, "")
	limiter := &stubLimiter{}
	router := setupPaymentRouter(f, limiter)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", []byte(`{"transactionId":"  "}`), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, limiter.calls)
}

func TestPhonePeStatus_CreatesBooking(t *testing.T) {
	server := phonePeServer(t, `{"success":true,"code":"PAYMENT_SUCCESS","message":"ok","data":{"merchantTransactionId":"NIBOG_42_abc","transactionId":"T77","amount":50000,"state":"COMPLETED"}}`)
	f := newHandlerFixture(t, server.URL)
	limiter := &stubLimiter{}
	router := setupPaymentRouter(f, limiter)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", []byte(`{"transactionId":"NIBOG_42_abc"}`), map[string]string{
		"X-Forwarded-For": "203.0.113.9",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PAYMENT_SUCCESS", body["code"])
	assert.Equal(t, true, body["bookingCreated"])
	assert.Equal(t, true, body["paymentCreated"])
	assert.Equal(t, float64(901), body["bookingId"])
	assert.Equal(t, []string{"203.0.113.9"}, limiter.calls)
}

func TestPhonePeStatus_RateLimited(t *testing.T) {
	f := newHandlerFixture(t, "")
	limiter := &stubLimiter{err: &services.RateLimitError{
		Message:    "Too many status requests",
		RetryAfter: time.Now().Add(30 * time.Second),
		Identifier: "192.0.2.1",
	}}
	router := setupPaymentRouter(f, limiter)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", []byte(`{"transactionId":"NIBOG_42_abc"}`), nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 30, retryAfter, 2)
}

func TestPhonePeStatus_GatewayUnreachable(t *testing.T) {
	server := phonePeServer(t, `{}`)
	host := server.URL
	server.Close()

	f := newHandlerFixture(t, host)
	router := setupPaymentRouter(f, nil)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", []byte(`{"transactionId":"NIBOG_42_abc"}`), nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	bookings, _ := f.api.counts()
	assert.Zero(t, bookings)
}

func TestPhonePeStatus_PaymentFailed(t *testing.T) {
	server := phonePeServer(t, `{"success":false,"code":"PAYMENT_ERROR","message":"failed","data":{"merchantTransactionId":"NIBOG_42_abc","transactionId":"T77","amount":50000,"state":"FAILED"}}`)
	f := newHandlerFixture(t, server.URL)
	router := setupPaymentRouter(f, nil)

	w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", []byte(`{"transactionId":"NIBOG_42_abc"}`), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PAYMENT_ERROR", body["code"])
	assert.Equal(t, false, body["bookingCreated"])
	assert.NotContains(t, body, "bookingId")
}

func TestPhonePeStatus_RejectsMalformedTransactionID(t *testing.T) {
	var gatewayCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gatewayCalls, 1)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	f := newHandlerFixture(t, server.URL)
	router := setupPaymentRouter(f, &stubLimiter{})

	for _, id := range []string{"x/../../../v3/refund?amount=1", "NIBOG_42_x/../../v3/refund", "TXN_42_abc"} {
		t.Run(id, func(t *testing.T) {
			body, err := json.Marshal(map[string]string{"transactionId": id})
			require.NoError(t, err)

			w := performRequest(router, http.MethodPost, "/api/payments/phonepe-status", body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	assert.Zero(t, atomic.LoadInt32(&gatewayCalls))
	bookings, _ := f.api.counts()
	assert.Zero(t, bookings)
}
