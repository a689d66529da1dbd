package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/database"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// bookingAPIServer stands in for the remote NIBOG booking API
type bookingAPIServer struct {
	*httptest.Server

	mu            sync.Mutex
	paymentStatus int
	bookings      int
	payments      int
	statusUpdates []string
}

func newBookingAPIServer(t *testing.T) *bookingAPIServer {
	t.Helper()
	s := &bookingAPIServer{paymentStatus: http.StatusCreated}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bookings/create":
			s.bookings++
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"booking_id": 901}`))
		case "/payments/create":
			if s.paymentStatus >= 200 && s.paymentStatus < 300 {
				s.payments++
			}
			w.WriteHeader(s.paymentStatus)
			w.Write([]byte(`{"payment_id": 55}`))
		case "/bookings/update-status":
			var body models.UpdateBookingStatusRequest
			json.NewDecoder(r.Body).Decode(&body)
			s.statusUpdates = append(s.statusUpdates, body.Status)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *bookingAPIServer) setPaymentStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentStatus = status
}

func (s *bookingAPIServer) counts() (bookings, payments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings, s.payments
}

// memoryIssueStore keeps reconciliation issues in memory
type memoryIssueStore struct {
	mu     sync.Mutex
	issues map[uuid.UUID]*models.ReconciliationIssue
}

func newMemoryIssueStore() *memoryIssueStore {
	return &memoryIssueStore{issues: make(map[uuid.UUID]*models.ReconciliationIssue)}
}

func (m *memoryIssueStore) Create(ctx context.Context, issue *models.ReconciliationIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	issue.Status = models.IssueStatusOpen
	issue.CreatedAt = time.Now()
	stored := *issue
	m.issues[issue.ID] = &stored
	return nil
}

func (m *memoryIssueStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, database.ErrIssueNotFound
	}
	copied := *issue
	return &copied, nil
}

func (m *memoryIssueStore) MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return database.ErrIssueNotFound
	}
	if issue.Status == models.IssueStatusResolved {
		return database.ErrIssueAlreadyResolved
	}
	now := time.Now()
	issue.Status = models.IssueStatusResolved
	issue.ResolvedBy = &resolvedBy
	issue.ResolutionNote = &note
	issue.ResolvedAt = &now
	return nil
}

func (m *memoryIssueStore) List(ctx context.Context, status models.IssueStatus, limit, offset int) ([]*models.ReconciliationIssue, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*models.ReconciliationIssue, 0, len(m.issues))
	for _, issue := range m.issues {
		if status == "" || issue.Status == status {
			copied := *issue
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return []*models.ReconciliationIssue{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *memoryIssueStore) first() *models.ReconciliationIssue {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, issue := range m.issues {
		copied := *issue
		return &copied
	}
	return nil
}

// memoryAuditLog keeps payment audits in memory
type memoryAuditLog struct {
	mu     sync.Mutex
	audits []*models.PaymentAudit
}

func (m *memoryAuditLog) Log(ctx context.Context, audit *models.PaymentAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

func (m *memoryAuditLog) GetByMerchantTransactionID(ctx context.Context, merchantTransactionID string) ([]*models.PaymentAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentAudit
	for _, audit := range m.audits {
		if audit.MerchantTransactionID != nil && *audit.MerchantTransactionID == merchantTransactionID {
			out = append(out, audit)
		}
	}
	return out, nil
}

type handlerFixture struct {
	api            *bookingAPIServer
	issues         *memoryIssueStore
	audits         *memoryAuditLog
	reconciliation *services.ReconciliationService
	dedup          *services.TransactionDeduplicator
}

func newHandlerFixture(t *testing.T, phonePeHost string) *handlerFixture {
	t.Helper()

	logger := quietLogger()
	f := &handlerFixture{
		api:    newBookingAPIServer(t),
		issues: newMemoryIssueStore(),
		audits: &memoryAuditLog{},
	}

	apiConfig := &config.BookingAPIConfig{
		BaseURL:           f.api.URL,
		CreatePath:        "/bookings/create",
		UpdateStatusPath:  "/bookings/update-status",
		PaymentCreatePath: "/payments/create",
		EmailSettingsPath: "/email-settings/get",
		RequestTimeout:    2 * time.Second,
		MaxRetries:        1,
		RetryBackoff:      time.Millisecond,
	}
	policy := config.ReconciliationConfig{
		AllowDegradedBookingID: true,
		GameTotalTolerance:     "1.00",
		FallbackEventID:        5,
		FallbackGameID:         9,
		PaymentMethod:          "PhonePe",
	}
	phonePeConfig := &config.PhonePeConfig{
		Environment:   "sandbox",
		HostURL:       phonePeHost,
		MerchantID:    "NIBOGUAT",
		SaltKey:       "test-salt",
		SaltIndex:     "1",
		StatusTimeout: 2 * time.Second,
	}

	client := services.NewBookingAPIClient(apiConfig, logger)
	f.dedup = services.NewTransactionDeduplicator(services.NewMemoryTransactionStore(time.Hour), logger)
	f.reconciliation = services.NewReconciliationService(
		f.dedup,
		services.NewPhonePeService(phonePeConfig, false, logger),
		services.NewBookingReconstructor(client, *apiConfig, policy, logger),
		services.NewPaymentRecorder(client, policy.PaymentMethod, logger),
		f.audits,
		f.issues,
		nil,
		logger,
	)
	return f
}

// withOperator stands in for AuthMiddleware on admin routes
func withOperator(email string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AdminContextKey, middleware.AdminContext{
			AdminID: uuid.New(),
			Email:   email,
			Roles:   []string{services.AdminRole},
		})
		c.Next()
	}
}

func performRequest(router http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
