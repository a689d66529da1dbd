package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/nibog/payments-backend/internal/utils"
	"github.com/sirupsen/logrus"
)

// maxCallbackBody bounds the webhook body read into memory
const maxCallbackBody = 1 << 20

// StatusPollLimiter decides whether a client may poll payment status
type StatusPollLimiter interface {
	AllowStatusPoll(ctx context.Context, ip string) error
}

// PaymentHandler handles PhonePe webhook and status-poll requests
type PaymentHandler struct {
	reconciliation *services.ReconciliationService
	limiter        StatusPollLimiter
	logger         *logrus.Logger
}

// NewPaymentHandler creates a new payment handler. limiter may be nil.
func NewPaymentHandler(reconciliation *services.ReconciliationService, limiter StatusPollLimiter, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciliation: reconciliation,
		limiter:        limiter,
		logger:         logger,
	}
}

// PhonePeCallback handles PhonePe server-to-server notifications
// @Summary PhonePe payment callback
// @Description Verifies the X-VERIFY checksum and reconciles a completed payment into a booking
// @Tags Payments
// @Accept json
// @Produce json
// @Param X-VERIFY header string true "sha256(payload + saltKey) + ### + saltIndex"
// @Success 200 {object} services.CallbackResult
// @Failure 400 {object} map[string]interface{}
// @Router /payments/phonepe-callback [post]
func (h *PaymentHandler) PhonePeCallback(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body"})
		return
	}

	result, err := h.reconciliation.ProcessCallback(c.Request.Context(), body, c.GetHeader("X-VERIFY"), requestMetadata(c))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrVerification):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Callback verification failed"})
		case errors.Is(err, services.ErrMalformedCallback):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback payload", "details": err.Error()})
		default:
			h.logger.WithError(err).Error("Callback processing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Callback processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// PhonePeStatus checks a transaction with PhonePe and reconciles it
// @Summary Poll PhonePe payment status
// @Description Returns the PhonePe status payload merged with bookingCreated, bookingId, paymentCreated and error
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body models.StatusPollRequest true "Transaction id and optional booking data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 429 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /payments/phonepe-status [post]
func (h *PaymentHandler) PhonePeStatus(c *gin.Context) {
	var req models.StatusPollRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.TransactionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transactionId is required"})
		return
	}

	meta := requestMetadata(c)

	if h.limiter != nil {
		if err := h.limiter.AllowStatusPoll(c.Request.Context(), meta.IPAddress); err != nil {
			var rateLimitErr *services.RateLimitError
			if errors.As(err, &rateLimitErr) {
				retryAfter := int(time.Until(rateLimitErr.RetryAfter).Seconds()) + 1
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       rateLimitErr.Message,
					"retry_after": retryAfter,
				})
				return
			}
			h.logger.WithError(err).Warn("Rate limiter error, allowing request")
		}
	}

	result, err := h.reconciliation.PollAndReconcile(c.Request.Context(), strings.TrimSpace(req.TransactionID), req.BookingData, meta)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransactionIDFormat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transactionId is not a valid merchant transaction id"})
			return
		}
		if errors.Is(err, services.ErrGatewayUnreachable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable", "details": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Status poll failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Status check failed"})
		return
	}

	c.JSON(http.StatusOK, result.Payload)
}

// requestMetadata captures who sent the request for the payment audit log
func requestMetadata(c *gin.Context) models.RequestMetadata {
	userAgent := utils.GetUserAgent(c)
	return models.RequestMetadata{
		IPAddress:     utils.GetRealIP(c),
		UserAgent:     userAgent,
		CorrelationID: middleware.GetRequestID(c),
		DeviceInfo:    models.JSONB(utils.ParseUserAgent(userAgent).Fields()),
	}
}
