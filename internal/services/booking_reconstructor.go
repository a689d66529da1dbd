package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/pkg/validator"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DegradedAssumption names a guess the pipeline made instead of failing.
// Each one is logged, audited and returned to status-poll callers.
type DegradedAssumption string

const (
	// DegradedNonJSONBookingResponse: booking API answered 2xx with an unparsable body
	DegradedNonJSONBookingResponse DegradedAssumption = "booking_response_not_json_user_id_used_as_booking_id"
	// DegradedBookingIDFromUserID: booking API answered 2xx without any recognisable id
	DegradedBookingIDFromUserID DegradedAssumption = "booking_id_missing_user_id_used_as_booking_id"
	// DegradedPlaceholderBooking: no client data, booking built from the transaction id alone
	DegradedPlaceholderBooking DegradedAssumption = "client_booking_data_missing_placeholder_booking_created"
	// DegradedSandboxStatusCoerced: sandbox status code treated as a completed payment
	DegradedSandboxStatusCoerced DegradedAssumption = "sandbox_status_code_treated_as_completed"
	// DegradedZeroAmount: gateway reported no amount and no client total was available
	DegradedZeroAmount DegradedAssumption = "gateway_amount_zero_payment_recorded_at_zero"
)

// PhonePe only accepts alphanumerics, underscore and hyphen in merchant transaction ids
var merchantTransactionIDPattern = regexp.MustCompile(`^NIBOG_(\d+)_([A-Za-z0-9_-]+)$`)

// ParseMerchantTransactionID extracts the user id from NIBOG_<userId>_<suffix>.
// The id is the only durable link between a payment and a user when client data is lost.
func ParseMerchantTransactionID(merchantTransactionID string) (int64, string, error) {
	matches := merchantTransactionIDPattern.FindStringSubmatch(merchantTransactionID)
	if matches == nil {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidTransactionIDFormat, merchantTransactionID)
	}
	userID, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: user id out of range in %q", ErrInvalidTransactionIDFormat, merchantTransactionID)
	}
	return userID, matches[2], nil
}

// BookingAPI is the part of the NIBOG persistence API the pipeline calls
type BookingAPI interface {
	CreateBooking(ctx context.Context, req *models.CreateBookingRequest) (*APIResponse, error)
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*APIResponse, error)
	CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*APIResponse, error)
	GetEmailSettings(ctx context.Context) (*APIResponse, error)
}

// ReconstructInput is everything known about a captured payment
type ReconstructInput struct {
	MerchantTransactionID string
	TransactionID         string
	AmountPaise           int64
	PaymentState          models.PaymentState
	ClientData            *models.ClientBookingData // nil when the browser snapshot never arrived
}

// ReconstructedBooking is a booking the API accepted
type ReconstructedBooking struct {
	BookingID           int64
	UserID              int64
	Request             *models.CreateBookingRequest
	Placeholder         bool
	Attempts            int
	Warnings            []string
	DegradedAssumptions []DegradedAssumption
}

// BookingReconstructor turns a captured payment into a booking on the remote API
type BookingReconstructor struct {
	api            BookingAPI
	apiConfig      config.BookingAPIConfig
	policy         config.ReconciliationConfig
	tolerance      decimal.Decimal
	phoneValidator *validator.PhoneValidator
	logger         *logrus.Logger
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewBookingReconstructor creates a new booking reconstructor
func NewBookingReconstructor(api BookingAPI, apiConfig config.BookingAPIConfig, policy config.ReconciliationConfig, logger *logrus.Logger) *BookingReconstructor {
	tolerance, err := decimal.NewFromString(policy.GameTotalTolerance)
	if err != nil || tolerance.IsNegative() {
		logger.WithField("value", policy.GameTotalTolerance).Warn("Invalid GAME_TOTAL_TOLERANCE, using 1.00")
		tolerance = decimal.NewFromInt(1)
	}

	return &BookingReconstructor{
		api:            api,
		apiConfig:      apiConfig,
		policy:         policy,
		tolerance:      tolerance,
		phoneValidator: validator.NewPhoneValidator(),
		logger:         logger,
		now:            time.Now,
		sleep:          sleepContext,
	}
}

// Reconstruct builds a booking request and creates it with bounded retry
func (r *BookingReconstructor) Reconstruct(ctx context.Context, in ReconstructInput) (*ReconstructedBooking, error) {
	userID, suffix, err := ParseMerchantTransactionID(in.MerchantTransactionID)
	if err != nil {
		return nil, err
	}

	logger := r.logger.WithFields(logrus.Fields{
		"merchant_transaction_id": in.MerchantTransactionID,
		"user_id":                 userID,
	})

	result := &ReconstructedBooking{UserID: userID}
	if in.ClientData != nil {
		result.Request, result.Warnings = r.buildFromClientData(userID, suffix, in)
	} else {
		result.Request = r.buildPlaceholder(userID, suffix, in)
		result.Placeholder = true
		result.DegradedAssumptions = append(result.DegradedAssumptions, DegradedPlaceholderBooking)
		logger.Warn("No client booking data, creating placeholder booking")
	}

	for _, w := range result.Warnings {
		logger.WithField("warning", w).Warn("Booking data warning")
	}

	resp, attempts, err := r.createWithRetry(ctx, result.Request, logger)
	result.Attempts = attempts
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		logger.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"body":        truncate(string(resp.Body), 500),
		}).Error("Booking API rejected booking")
		return nil, &APIError{Kind: ErrBookingRejected, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	bookingID, degraded, err := ExtractBookingID(resp.Body, userID, r.policy.AllowDegradedBookingID)
	if err != nil {
		logger.WithField("body", truncate(string(resp.Body), 500)).Error("No booking id in booking API response")
		return nil, err
	}
	for _, d := range degraded {
		logger.WithField("assumption", d).Warn("Degraded assumption while reading booking response")
	}
	result.DegradedAssumptions = append(result.DegradedAssumptions, degraded...)
	result.BookingID = bookingID

	logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"attempts":   attempts,
	}).Info("Booking created")

	return result, nil
}

// createWithRetry retries transport failures only. A non-2xx answer is
// returned as is, since resending the same payload would fail the same way.
func (r *BookingReconstructor) createWithRetry(ctx context.Context, req *models.CreateBookingRequest, logger *logrus.Entry) (*APIResponse, int, error) {
	maxAttempts := r.apiConfig.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := r.api.CreateBooking(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		}).Warn("Booking creation attempt failed")

		if attempt == maxAttempts || ctx.Err() != nil {
			return nil, attempt, fmt.Errorf("%w after %d attempts: %v", ErrBookingAPIUnreachable, attempt, lastErr)
		}
		if err := r.sleep(ctx, r.apiConfig.RetryBackoff*time.Duration(attempt)); err != nil {
			return nil, attempt, fmt.Errorf("%w after %d attempts: %v", ErrBookingAPIUnreachable, attempt, err)
		}
	}

	return nil, maxAttempts, fmt.Errorf("%w: %v", ErrBookingAPIUnreachable, lastErr)
}

func (r *BookingReconstructor) buildFromClientData(userID int64, suffix string, in ReconstructInput) (*models.CreateBookingRequest, []string) {
	data := in.ClientData
	var warnings []string

	if data.UserID.Int64() != 0 && data.UserID.Int64() != userID {
		warnings = append(warnings, fmt.Sprintf("client user id %d differs from transaction user id %d, using transaction user id", data.UserID.Int64(), userID))
	}

	paid := models.PaiseToRupees(in.AmountPaise)
	expected := data.TotalAmount.Decimal
	if !expected.IsPositive() {
		expected = paid
	} else if !expected.Equal(paid) {
		warnings = append(warnings, fmt.Sprintf("client total %s differs from gateway amount %s", expected.StringFixed(2), paid.StringFixed(2)))
	}

	validation := ValidateGameData(data.GameIDs, data.GamePrices, expected, r.tolerance)
	warnings = append(warnings, validation.Errors...)
	warnings = append(warnings, validation.Warnings...)

	// Valid pairs are kept even when others were malformed
	games := validation.ValidGames
	if len(games) == 0 {
		games = []ValidGame{CreateFallbackGameWithID(r.policy.FallbackGameID, paid)}
		warnings = append(warnings, "no valid games, using fallback game")
	}

	eventID := data.EventID.Int64()
	if eventID <= 0 {
		eventID = r.policy.FallbackEventID
		warnings = append(warnings, "missing event id, using fallback event")
	}

	paymentMethod := r.policy.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = strings.TrimSpace(data.PaymentMethod)
	}

	req := r.baseRequest(userID, suffix, eventID, paymentMethod, in)
	req.Parent = models.BookingParent{
		UserID:          userID,
		ParentName:      orDefault(data.ParentName, fmt.Sprintf("PhonePe User %d", userID)),
		Email:           strings.TrimSpace(data.Email),
		AdditionalPhone: r.phoneValidator.Normalize(data.Phone),
	}
	req.Child = models.BookingChild{
		FullName:    orDefault(data.ChildName, "Child"),
		DateOfBirth: NormalizeDate(data.ChildDOB),
		SchoolOU:    orDefault(data.SchoolName, "Not specified"),
		Gender:      NormalizeGender(data.Gender),
	}
	req.Booking.TermsAccepted = data.TermsAccepted
	req.BookingGames = bookingGames(games)
	req.PromoCode = strings.TrimSpace(data.PromoCode)

	for _, addOn := range data.AddOns {
		if addOn.AddOnID.Int64() <= 0 {
			warnings = append(warnings, "add-on without id dropped")
			continue
		}
		quantity := addOn.Quantity.Int64()
		if quantity <= 0 {
			quantity = 1
		}
		line := models.BookingAddon{AddonID: addOn.AddOnID.Int64(), Quantity: quantity}
		if addOn.VariantID != nil && addOn.VariantID.Int64() > 0 {
			v := addOn.VariantID.Int64()
			line.VariantID = &v
		}
		req.BookingAddons = append(req.BookingAddons, line)
	}

	return req, warnings
}

func (r *BookingReconstructor) buildPlaceholder(userID int64, suffix string, in ReconstructInput) *models.CreateBookingRequest {
	paid := models.PaiseToRupees(in.AmountPaise)
	today := r.now().Format("2006-01-02")

	req := r.baseRequest(userID, suffix, r.policy.FallbackEventID, r.policy.PaymentMethod, in)
	req.Parent = models.BookingParent{
		UserID:     userID,
		ParentName: fmt.Sprintf("PhonePe User %d", userID),
		Email:      fmt.Sprintf("user%d@placeholder.nibog.in", userID),
	}
	req.Child = models.BookingChild{
		FullName:    "Child (details pending)",
		DateOfBirth: today,
		SchoolOU:    "Not specified",
		Gender:      GenderOther,
	}
	// Terms were accepted in the checkout that produced the payment
	req.Booking.TermsAccepted = true
	req.BookingGames = bookingGames([]ValidGame{CreateFallbackGameWithID(r.policy.FallbackGameID, paid)})
	return req
}

func (r *BookingReconstructor) baseRequest(userID int64, suffix string, eventID int64, paymentMethod string, in ReconstructInput) *models.CreateBookingRequest {
	mapping, _ := models.MapPaymentState(in.PaymentState)
	status := models.BookingStatusPending
	if in.PaymentState == models.PaymentStateCompleted {
		status = models.BookingStatusConfirmed
	}

	return &models.CreateBookingRequest{
		UserID: userID,
		Booking: models.BookingDetails{
			UserID:                userID,
			EventID:               eventID,
			BookingDate:           r.now().Format("2006-01-02"),
			TotalAmount:           models.MoneyJSON(models.PaiseToRupees(in.AmountPaise)),
			PaymentMethod:         paymentMethod,
			PaymentStatus:         mapping.BookingStatus,
			TransactionID:         in.TransactionID,
			MerchantTransactionID: in.MerchantTransactionID,
			BookingRef:            bookingRef(suffix),
			Status:                status,
		},
	}
}

func bookingGames(games []ValidGame) []models.BookingGame {
	out := make([]models.BookingGame, 0, len(games))
	for _, g := range games {
		out = append(out, models.BookingGame{
			GameID:     g.GameID,
			ChildIndex: 0,
			GamePrice:  models.MoneyJSON(g.Price),
		})
	}
	return out
}

// bookingRef derives a short reference from the transaction suffix
func bookingRef(suffix string) string {
	clean := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			return r
		}
		return -1
	}, suffix)
	if len(clean) > 8 {
		clean = clean[len(clean)-8:]
	}
	return "PPT" + strings.ToUpper(clean)
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

// ExtractBookingID reads a booking id from the shapes the booking API has
// returned: {"booking_id": 1}, {"id": "1"}, {"data": {...}}, {"booking": {...}},
// and arrays of any of these. When allowDegraded is set, a 2xx body with no id
// (or no JSON at all) falls back to userID and reports the assumption made.
func ExtractBookingID(body []byte, userID int64, allowDegraded bool) (int64, []DegradedAssumption, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var parsed interface{}
	if err := decoder.Decode(&parsed); err != nil {
		if allowDegraded {
			return userID, []DegradedAssumption{DegradedNonJSONBookingResponse}, nil
		}
		return 0, nil, fmt.Errorf("%w: response is not JSON", ErrNoBookingIDExtractable)
	}

	if id, ok := findBookingID(parsed, 0); ok {
		return id, nil, nil
	}

	if allowDegraded {
		return userID, []DegradedAssumption{DegradedBookingIDFromUserID}, nil
	}
	return 0, nil, ErrNoBookingIDExtractable
}

var bookingIDKeys = []string{"booking_id", "bookingId", "id"}

var bookingIDContainers = []string{"data", "booking", "result"}

func findBookingID(v interface{}, depth int) (int64, bool) {
	if depth > 4 {
		return 0, false
	}

	switch node := v.(type) {
	case map[string]interface{}:
		for _, key := range bookingIDKeys {
			if raw, ok := node[key]; ok {
				if id, ok := parseIDValue(raw); ok {
					return id, true
				}
			}
		}
		for _, key := range bookingIDContainers {
			if nested, ok := node[key]; ok {
				if id, ok := findBookingID(nested, depth+1); ok {
					return id, true
				}
			}
		}
	case []interface{}:
		for _, elem := range node {
			if id, ok := findBookingID(elem, depth+1); ok {
				return id, true
			}
		}
	default:
		// A bare id: 123 or "123"
		return parseIDValue(node)
	}

	return 0, false
}

func parseIDValue(v interface{}) (int64, bool) {
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = strings.TrimSpace(val)
	case []interface{}:
		if len(val) > 0 {
			return parseIDValue(val[0])
		}
		return 0, false
	default:
		return 0, false
	}

	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
