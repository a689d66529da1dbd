package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nibog/payments-backend/internal/database"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/sirupsen/logrus"
)

const (
	defaultIssuePageSize = 50
	maxIssuePageSize     = 200
)

// IssueReader lists and loads reconciliation issues
type IssueReader interface {
	List(ctx context.Context, status models.IssueStatus, limit, offset int) ([]*models.ReconciliationIssue, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationIssue, error)
}

// AuditReader loads the payment audit trail of a transaction
type AuditReader interface {
	GetByMerchantTransactionID(ctx context.Context, merchantTransactionID string) ([]*models.PaymentAudit, error)
}

// ScheduledJobs exposes the cron jobs to operators
type ScheduledJobs interface {
	GetJobStatus() map[string]interface{}
	RunEvictionNow() (int64, error)
}

// AdminHandler handles the reconciliation back office
type AdminHandler struct {
	reconciliation *services.ReconciliationService
	issues         IssueReader
	audits         AuditReader
	jobs           ScheduledJobs
	logger         *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	reconciliation *services.ReconciliationService,
	issues IssueReader,
	audits AuditReader,
	jobs ScheduledJobs,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		reconciliation: reconciliation,
		issues:         issues,
		audits:         audits,
		jobs:           jobs,
		logger:         logger,
	}
}

// ListIssues returns reconciliation issues, newest first
// @Summary List reconciliation issues
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param status query string false "open or resolved"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} map[string]interface{}
// @Router /admin/reconciliation-issues [get]
func (h *AdminHandler) ListIssues(c *gin.Context) {
	status := models.IssueStatus(c.Query("status"))
	if status != "" && status != models.IssueStatusOpen && status != models.IssueStatusResolved {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "status must be open or resolved"})
		return
	}

	limit := queryInt(c, "limit", defaultIssuePageSize)
	if limit <= 0 || limit > maxIssuePageSize {
		limit = defaultIssuePageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	issues, total, err := h.issues.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list reconciliation issues")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list issues"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"issues": issues,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetIssue returns one reconciliation issue
// @Summary Get reconciliation issue
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Issue ID"
// @Success 200 {object} models.ReconciliationIssue
// @Failure 404 {object} ErrorResponse
// @Router /admin/reconciliation-issues/{id} [get]
func (h *AdminHandler) GetIssue(c *gin.Context) {
	id, ok := issueIDParam(c)
	if !ok {
		return
	}

	issue, err := h.issues.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusOK, issue)
}

// RetryPayment re-attempts the payment record of a partial failure
// @Summary Retry payment record
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Issue ID"
// @Success 200 {object} models.ReconciliationIssue
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /admin/reconciliation-issues/{id}/retry-payment [post]
func (h *AdminHandler) RetryPayment(c *gin.Context) {
	id, ok := issueIDParam(c)
	if !ok {
		return
	}

	issue, err := h.reconciliation.RetryPayment(c.Request.Context(), id, operatorEmail(c))
	if err != nil {
		h.respondIssueError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"issue_id": id,
		"operator": operatorEmail(c),
	}).Info("Payment record retried")

	c.JSON(http.StatusOK, issue)
}

// ResolveIssue closes an issue handled outside the system
// @Summary Resolve reconciliation issue
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Issue ID"
// @Param request body models.ResolveIssueRequest true "Resolution note"
// @Success 200 {object} models.ReconciliationIssue
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/reconciliation-issues/{id}/resolve [post]
func (h *AdminHandler) ResolveIssue(c *gin.Context) {
	id, ok := issueIDParam(c)
	if !ok {
		return
	}

	var req models.ResolveIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	issue, err := h.reconciliation.ResolveIssue(c.Request.Context(), id, operatorEmail(c), req.Note)
	if err != nil {
		h.respondIssueError(c, err)
		return
	}

	c.JSON(http.StatusOK, issue)
}

// GetPaymentAudits returns the audit trail of a merchant transaction
// @Summary Payment audit trail
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param merchant_transaction_id path string true "Merchant transaction ID"
// @Success 200 {object} map[string]interface{}
// @Router /admin/payment-audits/{merchant_transaction_id} [get]
func (h *AdminHandler) GetPaymentAudits(c *gin.Context) {
	merchantTransactionID := c.Param("merchant_transaction_id")

	audits, err := h.audits.GetByMerchantTransactionID(c.Request.Context(), merchantTransactionID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load payment audits")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load audits"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant_transaction_id": merchantTransactionID,
		"audits":                  audits,
		"count":                   len(audits),
	})
}

// CronStatus returns the scheduled job status
// @Summary Scheduled job status
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /admin/cron/status [get]
func (h *AdminHandler) CronStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.GetJobStatus())
}

// EvictTransactions clears the processed transaction set now
// @Summary Evict processed transactions
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /admin/cron/evict-transactions [post]
func (h *AdminHandler) EvictTransactions(c *gin.Context) {
	evicted, err := h.jobs.RunEvictionNow()
	if err != nil {
		h.logger.WithError(err).Error("Manual eviction failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Eviction failed", Details: err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"evicted":  evicted,
		"operator": operatorEmail(c),
	}).Info("Processed transactions evicted manually")

	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

func (h *AdminHandler) respondIssueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrIssueNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Issue not found"})
	case errors.Is(err, database.ErrIssueAlreadyResolved), errors.Is(err, services.ErrIssueNotRetryable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrPaymentAPIUnreachable), errors.Is(err, services.ErrPaymentRejected):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Payment record failed", Details: err.Error()})
	default:
		h.logger.WithError(err).Error("Reconciliation issue request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func issueIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid issue ID"})
		return uuid.Nil, false
	}
	return id, true
}

func operatorEmail(c *gin.Context) string {
	if admin, ok := middleware.GetAdminContext(c); ok {
		return admin.Email
	}
	return "unknown"
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
