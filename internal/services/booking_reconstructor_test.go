package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBookingAPI records calls and replays scripted answers
type fakeBookingAPI struct {
	mu sync.Mutex

	createErrs  []error // consumed one per call before createResp is used
	createResp  *APIResponse
	createDelay time.Duration
	paymentResp *APIResponse
	paymentErr  error
	statusResp  *APIResponse
	emailResp   *APIResponse

	bookings       []*models.CreateBookingRequest
	payments       []*models.CreatePaymentRequest
	statusUpdates  map[int64]string
	createAttempts int
}

func newFakeBookingAPI() *fakeBookingAPI {
	return &fakeBookingAPI{
		createResp:    &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{"booking_id": 901}`)},
		paymentResp:   &APIResponse{StatusCode: http.StatusCreated, Body: []byte(`{"payment_id": 1}`)},
		statusResp:    &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{}`)},
		statusUpdates: map[int64]string{},
	}
}

func (f *fakeBookingAPI) CreateBooking(ctx context.Context, req *models.CreateBookingRequest) (*APIResponse, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createAttempts++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	f.bookings = append(f.bookings, req)
	return f.createResp, nil
}

func (f *fakeBookingAPI) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates[bookingID] = status
	return f.statusResp, nil
}

func (f *fakeBookingAPI) CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, req)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	return f.paymentResp, nil
}

func (f *fakeBookingAPI) GetEmailSettings(ctx context.Context) (*APIResponse, error) {
	if f.emailResp == nil {
		return &APIResponse{StatusCode: http.StatusNotFound}, nil
	}
	return f.emailResp, nil
}

func (f *fakeBookingAPI) bookingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bookings)
}

func testBookingAPIConfig() config.BookingAPIConfig {
	return config.BookingAPIConfig{
		CreatePath:        "/bookings/create",
		UpdateStatusPath:  "/bookings/update-status",
		PaymentCreatePath: "/payments/create",
		EmailSettingsPath: "/email-settings/get",
		RequestTimeout:    2 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
	}
}

func testReconciliationPolicy() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		AllowDegradedBookingID: true,
		GameTotalTolerance:     "1.00",
		FallbackEventID:        5,
		FallbackGameID:         9,
		PaymentMethod:          "PhonePe",
	}
}

var fixedNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestReconstructor(api BookingAPI, apiConfig config.BookingAPIConfig) (*BookingReconstructor, *[]time.Duration) {
	r := NewBookingReconstructor(api, apiConfig, testReconciliationPolicy(), quietLogger())
	r.now = func() time.Time { return fixedNow }
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func sampleClientData() *models.ClientBookingData {
	var data models.ClientBookingData
	raw := `{
		"userId": "42",
		"parentName": "Asha Rao",
		"email": " asha@example.com ",
		"phone": "+91 98765 43210",
		"childName": "Meera",
		"childDob": "12/05/2022",
		"schoolName": "",
		"gender": "girl",
		"eventId": 12,
		"gameId": [3, "4"],
		"gamePrice": ["200", 300],
		"totalAmount": "500.00",
		"termsAccepted": true,
		"addOns": [{"addOnId": 7, "quantity": 0}, {"addOnId": 0, "quantity": 2}]
	}`
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		panic(err)
	}
	return &data
}

func TestParseMerchantTransactionID(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantUserID int64
		wantSuffix string
		wantErr    bool
	}{
		{name: "simple", input: "NIBOG_42_1718000000", wantUserID: 42, wantSuffix: "1718000000"},
		{name: "suffix with underscores", input: "NIBOG_7_abc_def", wantUserID: 7, wantSuffix: "abc_def"},
		{name: "missing prefix", input: "TXN_42_abc", wantErr: true},
		{name: "non-numeric user", input: "NIBOG_x_abc", wantErr: true},
		{name: "missing suffix", input: "NIBOG_42_", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "user id overflow", input: "NIBOG_99999999999999999999_a", wantErr: true},
		{name: "suffix with hyphen", input: "NIBOG_7_abc-1", wantUserID: 7, wantSuffix: "abc-1"},
		{name: "path separator in suffix", input: "NIBOG_42_x/../../v3/refund", wantErr: true},
		{name: "query in suffix", input: "NIBOG_42_abc?amount=1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, suffix, err := ParseMerchantTransactionID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransactionIDFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUserID, userID)
			assert.Equal(t, tt.wantSuffix, suffix)
		})
	}
}

func TestExtractBookingID(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantID   int64
		degraded []DegradedAssumption
	}{
		{name: "booking_id", body: `{"booking_id": 901}`, wantID: 901},
		{name: "camel case string", body: `{"bookingId": "902"}`, wantID: 902},
		{name: "id", body: `{"id": 903}`, wantID: 903},
		{name: "nested data", body: `{"success": true, "data": {"booking_id": 904}}`, wantID: 904},
		{name: "nested booking", body: `{"booking": {"id": "905"}}`, wantID: 905},
		{name: "array", body: `[{"booking_id": 906}]`, wantID: 906},
		{name: "array in data", body: `{"data": [{"bookingId": 907}]}`, wantID: 907},
		{name: "bare number", body: `908`, wantID: 908},
		{name: "id list", body: `{"booking_id": [909]}`, wantID: 909},
		{name: "no id", body: `{"success": true}`, wantID: 42, degraded: []DegradedAssumption{DegradedBookingIDFromUserID}},
		{name: "zero id", body: `{"booking_id": 0}`, wantID: 42, degraded: []DegradedAssumption{DegradedBookingIDFromUserID}},
		{name: "not json", body: `Booking created`, wantID: 42, degraded: []DegradedAssumption{DegradedNonJSONBookingResponse}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, degraded, err := ExtractBookingID([]byte(tt.body), 42, true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.degraded, degraded)
		})
	}
}

func TestExtractBookingID_StrictMode(t *testing.T) {
	_, _, err := ExtractBookingID([]byte(`{"success": true}`), 42, false)
	assert.ErrorIs(t, err, ErrNoBookingIDExtractable)

	_, _, err = ExtractBookingID([]byte(`<html>ok</html>`), 42, false)
	assert.ErrorIs(t, err, ErrNoBookingIDExtractable)

	id, degraded, err := ExtractBookingID([]byte(`{"data": {"id": 77}}`), 42, false)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Empty(t, degraded)
}

func TestBookingReconstructor_FromClientDataOverHTTP(t *testing.T) {
	var received models.CreateBookingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings/create", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data": {"booking_id": "1234"}}`))
	}))
	defer server.Close()

	apiConfig := testBookingAPIConfig()
	apiConfig.BaseURL = server.URL
	client := NewBookingAPIClient(&apiConfig, quietLogger())
	reconstructor, slept := newTestReconstructor(client, apiConfig)

	data := sampleClientData()
	data.UserID = 77 // transaction id wins

	booking, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_1718000000abcd",
		TransactionID:         "T2406101234",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
		ClientData:            data,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1234), booking.BookingID)
	assert.Equal(t, int64(42), booking.UserID)
	assert.Equal(t, 1, booking.Attempts)
	assert.False(t, booking.Placeholder)
	assert.Empty(t, booking.DegradedAssumptions)
	assert.Empty(t, *slept)
	assert.Contains(t, booking.Warnings, "client user id 77 differs from transaction user id 42, using transaction user id")

	assert.Equal(t, int64(42), received.UserID)
	assert.Equal(t, int64(42), received.Parent.UserID)
	assert.Equal(t, "Asha Rao", received.Parent.ParentName)
	assert.Equal(t, "asha@example.com", received.Parent.Email)
	assert.Equal(t, "9876543210", received.Parent.AdditionalPhone)
	assert.Equal(t, "Meera", received.Child.FullName)
	assert.Equal(t, "2022-05-12", received.Child.DateOfBirth)
	assert.Equal(t, "Not specified", received.Child.SchoolOU)
	assert.Equal(t, GenderFemale, received.Child.Gender)

	assert.Equal(t, int64(12), received.Booking.EventID)
	assert.Equal(t, "2026-03-14", received.Booking.BookingDate)
	assert.Equal(t, "500.00", received.Booking.TotalAmount.String())
	assert.Equal(t, models.BookingPaymentPaid, received.Booking.PaymentStatus)
	assert.Equal(t, models.BookingStatusConfirmed, received.Booking.Status)
	assert.Equal(t, "NIBOG_42_1718000000abcd", received.Booking.MerchantTransactionID)
	assert.Equal(t, "T2406101234", received.Booking.TransactionID)
	assert.Equal(t, "PPT0000ABCD", received.Booking.BookingRef)
	assert.True(t, received.Booking.TermsAccepted)

	require.Len(t, received.BookingGames, 2)
	assert.Equal(t, int64(3), received.BookingGames[0].GameID)
	assert.Equal(t, "200.00", received.BookingGames[0].GamePrice.String())
	assert.Equal(t, int64(4), received.BookingGames[1].GameID)
	assert.Equal(t, "300.00", received.BookingGames[1].GamePrice.String())

	require.Len(t, received.BookingAddons, 1)
	assert.Equal(t, int64(7), received.BookingAddons[0].AddonID)
	assert.Equal(t, int64(1), received.BookingAddons[0].Quantity)
}

func TestBookingReconstructor_InvalidGamesFallBack(t *testing.T) {
	api := newFakeBookingAPI()
	reconstructor, _ := newTestReconstructor(api, testBookingAPIConfig())

	data := sampleClientData()
	data.GameIDs = models.FlexInt64List{0}
	data.GamePrices = nil
	data.EventID = 0

	booking, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           79900,
		PaymentState:          models.PaymentStateCompleted,
		ClientData:            data,
	})
	require.NoError(t, err)

	req := booking.Request
	require.Len(t, req.BookingGames, 1)
	assert.Equal(t, int64(9), req.BookingGames[0].GameID)
	assert.Equal(t, "799.00", req.BookingGames[0].GamePrice.String())
	assert.Equal(t, int64(5), req.Booking.EventID)
	assert.Contains(t, booking.Warnings, "no valid games, using fallback game")
}

func TestBookingReconstructor_Placeholder(t *testing.T) {
	api := newFakeBookingAPI()
	reconstructor, _ := newTestReconstructor(api, testBookingAPIConfig())

	booking, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_1718000000",
		TransactionID:         "T1",
		AmountPaise:           123456,
		PaymentState:          models.PaymentStateCompleted,
	})
	require.NoError(t, err)

	assert.True(t, booking.Placeholder)
	assert.Equal(t, int64(901), booking.BookingID)
	assert.Equal(t, []DegradedAssumption{DegradedPlaceholderBooking}, booking.DegradedAssumptions)

	req := booking.Request
	assert.Equal(t, "PhonePe User 42", req.Parent.ParentName)
	assert.Equal(t, "user42@placeholder.nibog.in", req.Parent.Email)
	assert.Equal(t, "Child (details pending)", req.Child.FullName)
	assert.Equal(t, "2026-03-14", req.Child.DateOfBirth)
	assert.Equal(t, GenderOther, req.Child.Gender)
	assert.True(t, req.Booking.TermsAccepted)
	assert.Equal(t, int64(5), req.Booking.EventID)
	assert.Equal(t, "1234.56", req.Booking.TotalAmount.String())
	require.Len(t, req.BookingGames, 1)
	assert.Equal(t, int64(9), req.BookingGames[0].GameID)
	assert.Equal(t, "1234.56", req.BookingGames[0].GamePrice.String())
}

func TestBookingReconstructor_RetriesTransportFailures(t *testing.T) {
	api := newFakeBookingAPI()
	api.createErrs = []error{errors.New("connection refused"), errors.New("connection reset")}
	reconstructor, slept := newTestReconstructor(api, testBookingAPIConfig())

	booking, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
		ClientData:            sampleClientData(),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, booking.Attempts)
	assert.Equal(t, 3, api.createAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestBookingReconstructor_RetriesExhausted(t *testing.T) {
	api := newFakeBookingAPI()
	down := errors.New("connection refused")
	api.createErrs = []error{down, down, down, down, down}

	apiConfig := testBookingAPIConfig()
	apiConfig.MaxRetries = 2
	reconstructor, slept := newTestReconstructor(api, apiConfig)

	_, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
	})
	assert.ErrorIs(t, err, ErrBookingAPIUnreachable)
	assert.Equal(t, 3, api.createAttempts)
	assert.Len(t, *slept, 2)
}

func TestBookingReconstructor_ClosedServerIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	apiConfig := testBookingAPIConfig()
	apiConfig.BaseURL = server.URL
	apiConfig.MaxRetries = 1
	server.Close()

	client := NewBookingAPIClient(&apiConfig, quietLogger())
	reconstructor, slept := newTestReconstructor(client, apiConfig)

	_, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
	})
	assert.ErrorIs(t, err, ErrBookingAPIUnreachable)
	assert.Len(t, *slept, 1)
}

func TestBookingReconstructor_RejectedIsNotRetried(t *testing.T) {
	api := newFakeBookingAPI()
	api.createResp = &APIResponse{StatusCode: http.StatusUnprocessableEntity, Body: []byte(`{"error": "invalid event"}`)}
	reconstructor, slept := newTestReconstructor(api, testBookingAPIConfig())

	_, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBookingRejected)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, 1, api.createAttempts)
	assert.Empty(t, *slept)
}

func TestBookingReconstructor_InvalidTransactionID(t *testing.T) {
	api := newFakeBookingAPI()
	reconstructor, _ := newTestReconstructor(api, testBookingAPIConfig())

	_, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "ORDER-42",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
	})
	assert.ErrorIs(t, err, ErrInvalidTransactionIDFormat)
	assert.Zero(t, api.createAttempts)
}

func TestBookingReconstructor_StrictModeRejectsMissingID(t *testing.T) {
	api := newFakeBookingAPI()
	api.createResp = &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{"success": true}`)}

	policy := testReconciliationPolicy()
	policy.AllowDegradedBookingID = false
	reconstructor := NewBookingReconstructor(api, testBookingAPIConfig(), policy, quietLogger())

	_, err := reconstructor.Reconstruct(context.Background(), ReconstructInput{
		MerchantTransactionID: "NIBOG_42_abc",
		AmountPaise:           50000,
		PaymentState:          models.PaymentStateCompleted,
	})
	assert.ErrorIs(t, err, ErrNoBookingIDExtractable)
}

func TestPaiseRupeeRoundTrip(t *testing.T) {
	for _, paise := range []int64{1, 99, 100, 50000, 79950, 123456789} {
		rupees := models.PaiseToRupees(paise)
		assert.Equal(t, paise, models.RupeesToPaise(rupees), "paise %d", paise)
	}
	assert.Equal(t, "799.50", models.MoneyJSON(models.PaiseToRupees(79950)).String())
	assert.Equal(t, int64(50001), models.RupeesToPaise(decimal.RequireFromString("500.005")))
}
