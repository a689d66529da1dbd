package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// PendingVerificationMessage is what end users see when reconciliation fails
const PendingVerificationMessage = "Payment received, booking pending verification"

// ErrIssueNotRetryable is returned when a manual payment retry is not possible
var ErrIssueNotRetryable = errors.New("reconciliation issue cannot be retried")

// AuditLogger stores payment audit entries
type AuditLogger interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
}

// IssueStore stores payments that need an operator
type IssueStore interface {
	Create(ctx context.Context, issue *models.ReconciliationIssue) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationIssue, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy, note string) error
}

// BookingNotifier sends booking confirmations. Implementations must not block.
type BookingNotifier interface {
	NotifyBookingConfirmed(ctx context.Context, confirmation BookingConfirmation)
}

// BookingConfirmation is the input of a confirmation email
type BookingConfirmation struct {
	BookingID             int64
	MerchantTransactionID string
	ParentName            string
	Email                 string
	ChildName             string
	EventID               int64
	AmountPaise           int64
}

// ReconcileRequest is a captured payment entering the shared pipeline
type ReconcileRequest struct {
	MerchantTransactionID string
	TransactionID         string
	AmountPaise           int64
	PaymentState          models.PaymentState
	ClientData            *models.ClientBookingData
	Source                models.PaymentEventSource
	GatewayResponse       map[string]interface{}
	Meta                  models.RequestMetadata
	DegradedAssumptions   []DegradedAssumption
}

// ReconcileOutcome is where a payment ended up in the state machine
type ReconcileOutcome struct {
	Stage               models.ReconcileStage
	BookingID           int64
	BookingCreated      bool
	PaymentCreated      bool
	AlreadyProcessed    bool
	Placeholder         bool
	DegradedAssumptions []DegradedAssumption
	Err                 error
}

// Success reports DONE or a short-circuit on an already processed transaction
func (o *ReconcileOutcome) Success() bool {
	return o.Err == nil && (o.Stage == models.StageDone || o.Stage == models.StageShortCircuit)
}

// HasBooking reports whether a booking id was obtained, distinguishing
// PARTIAL_FAILURE from FATAL
func (o *ReconcileOutcome) HasBooking() bool {
	return o.BookingID != 0
}

// ReconciliationService turns gateway notifications into bookings and payment
// records. The webhook and the status poll are thin adapters over Reconcile.
type ReconciliationService struct {
	dedup         *TransactionDeduplicator
	phonePe       *PhonePeService
	reconstructor *BookingReconstructor
	recorder      *PaymentRecorder
	audits        AuditLogger
	issues        IssueStore
	notifier      BookingNotifier
	logger        *logrus.Logger
}

// NewReconciliationService creates a new reconciliation service. notifier may be nil.
func NewReconciliationService(
	dedup *TransactionDeduplicator,
	phonePe *PhonePeService,
	reconstructor *BookingReconstructor,
	recorder *PaymentRecorder,
	audits AuditLogger,
	issues IssueStore,
	notifier BookingNotifier,
	logger *logrus.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		dedup:         dedup,
		phonePe:       phonePe,
		reconstructor: reconstructor,
		recorder:      recorder,
		audits:        audits,
		issues:        issues,
		notifier:      notifier,
		logger:        logger,
	}
}

// CallbackResult is the webhook's answer to PhonePe
type CallbackResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	BookingID *int64 `json:"booking_id,omitempty"`

	Outcome *ReconcileOutcome `json:"-"`
}

// ProcessCallback verifies, parses and reconciles a PhonePe webhook.
// Only verification and malformed-payload failures are returned as errors;
// every later failure is acknowledged so PhonePe does not redeliver.
func (s *ReconciliationService) ProcessCallback(ctx context.Context, rawBody []byte, xVerify string, meta models.RequestMetadata) (*CallbackResult, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	s.transition("", models.StageReceived, nil)

	if err := s.phonePe.VerifyCallback(rawBody, xVerify); err != nil {
		s.logger.WithError(err).WithField("ip", meta.IPAddress).Warn("PhonePe callback rejected")
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventVerificationFailed, models.PaymentSourcePhonePeCallback).
			SetStage(models.StageReceived).
			SetRawBody(string(rawBody)).
			SetError(err.Error()).
			SetMetadata(meta).
			SetProcessingTime(start))
		return nil, err
	}

	callback, raw, err := s.phonePe.ParseCallback(rawBody)
	if err != nil {
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventVerificationFailed, models.PaymentSourcePhonePeCallback).
			SetStage(models.StageVerified).
			SetRawBody(string(rawBody)).
			SetError(err.Error()).
			SetMetadata(meta))
		return nil, err
	}

	mtid := callback.MerchantTransactionID
	s.transition(mtid, models.StageVerified, logrus.Fields{"payment_state": callback.PaymentState})

	s.audit(ctx, models.NewPaymentAudit(models.PaymentEventCallbackReceived, models.PaymentSourcePhonePeCallback).
		SetTransaction(mtid, callback.TransactionID).
		SetAmount(callback.Amount.Int64(), callback.PaymentState).
		SetStage(models.StageVerified).
		SetRawBody(string(rawBody)).
		SetResponsePayload(raw).
		SetMetadata(meta))

	if callback.PaymentState != models.PaymentStateCompleted {
		s.logger.WithFields(logrus.Fields{
			"merchant_transaction_id": mtid,
			"payment_state":           callback.PaymentState,
		}).Info("Payment not completed, no booking created")
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventNotCompleted, models.PaymentSourcePhonePeCallback).
			SetTransaction(mtid, callback.TransactionID).
			SetAmount(callback.Amount.Int64(), callback.PaymentState).
			SetMetadata(meta).
			SetProcessingTime(start))
		return &CallbackResult{
			Status:  string(callback.PaymentState),
			Message: fmt.Sprintf("Payment %s, no booking created", callback.PaymentState),
		}, nil
	}

	outcome := s.Reconcile(ctx, ReconcileRequest{
		MerchantTransactionID: mtid,
		TransactionID:         callback.TransactionID,
		AmountPaise:           callback.Amount.Int64(),
		PaymentState:          callback.PaymentState,
		Source:                models.PaymentSourcePhonePeCallback,
		GatewayResponse:       raw,
		Meta:                  meta,
	})

	return callbackResult(outcome), nil
}

func callbackResult(outcome *ReconcileOutcome) *CallbackResult {
	result := &CallbackResult{Outcome: outcome}
	if outcome.HasBooking() {
		id := outcome.BookingID
		result.BookingID = &id
	}

	switch outcome.Stage {
	case models.StageDone, models.StageShortCircuit:
		result.Status = "SUCCESS"
		result.Message = "Booking and payment recorded"
		if outcome.AlreadyProcessed {
			result.Message = "Transaction already processed"
		}
	case models.StagePartialFailure:
		result.Status = string(models.StagePartialFailure)
		result.Message = PendingVerificationMessage
	default:
		result.Status = "ERROR"
		result.Message = PendingVerificationMessage
	}
	return result
}

// StatusPollResult is PhonePe's status payload merged with reconciliation fields
type StatusPollResult struct {
	Payload map[string]interface{}
	Outcome *ReconcileOutcome // nil when the payment was not successful
}

// PollAndReconcile asks PhonePe for a transaction's status and, when the
// payment succeeded, runs the shared pipeline with the client's booking data.
func (s *ReconciliationService) PollAndReconcile(ctx context.Context, merchantTransactionID string, clientData *models.ClientBookingData, meta models.RequestMetadata) (*StatusPollResult, error) {
	if _, _, err := ParseMerchantTransactionID(merchantTransactionID); err != nil {
		s.logger.WithField("merchant_transaction_id", merchantTransactionID).Warn("Rejected status poll for malformed transaction id")
		return nil, err
	}

	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	s.audit(ctx, models.NewPaymentAudit(models.PaymentEventStatusCheckRequest, models.PaymentSourceStatusPoll).
		SetTransaction(merchantTransactionID, "").
		SetMetadata(meta))

	status, err := s.phonePe.CheckStatus(ctx, merchantTransactionID)
	if err != nil {
		s.logger.WithError(err).WithField("merchant_transaction_id", merchantTransactionID).Error("PhonePe status check failed")
		s.audit(ctx, models.NewPaymentAudit(models.PaymentEventStatusCheckResponse, models.PaymentSourceStatusPoll).
			SetTransaction(merchantTransactionID, "").
			SetError(err.Error()).
			SetMetadata(meta).
			SetProcessingTime(start))
		return nil, err
	}

	data := status.Response.Data
	s.audit(ctx, models.NewPaymentAudit(models.PaymentEventStatusCheckResponse, models.PaymentSourceStatusPoll).
		SetTransaction(merchantTransactionID, data.TransactionID).
		SetAmount(data.Amount.Int64(), models.ParsePaymentState(data.State)).
		SetResponsePayload(status.Raw).
		SetMetadata(meta).
		SetProcessingTime(start))

	payload := make(map[string]interface{}, len(status.Raw)+6)
	for k, v := range status.Raw {
		payload[k] = v
	}
	payload["bookingCreated"] = false

	successful, degraded := s.phonePe.IsStatusSuccessful(status.Response)
	if !successful {
		return &StatusPollResult{Payload: payload}, nil
	}

	amountPaise := data.Amount.Int64()
	if amountPaise == 0 && clientData != nil && clientData.TotalAmount.IsPositive() {
		amountPaise = models.RupeesToPaise(clientData.TotalAmount.Decimal)
	}

	outcome := s.Reconcile(ctx, ReconcileRequest{
		MerchantTransactionID: merchantTransactionID,
		TransactionID:         data.TransactionID,
		AmountPaise:           amountPaise,
		PaymentState:          models.PaymentStateCompleted,
		ClientData:            clientData,
		Source:                models.PaymentSourceStatusPoll,
		GatewayResponse:       status.Raw,
		Meta:                  meta,
		DegradedAssumptions:   degraded,
	})

	payload["bookingCreated"] = outcome.HasBooking()
	payload["paymentCreated"] = outcome.PaymentCreated
	payload["alreadyProcessed"] = outcome.AlreadyProcessed
	if outcome.HasBooking() {
		payload["bookingId"] = outcome.BookingID
	}
	if len(outcome.DegradedAssumptions) > 0 {
		payload["degradedAssumptions"] = outcome.DegradedAssumptions
	}
	if outcome.Err != nil {
		payload["error"] = outcome.Err.Error()
		payload["userMessage"] = PendingVerificationMessage
	}

	return &StatusPollResult{Payload: payload, Outcome: outcome}, nil
}

// Reconcile drives a completed payment through dedup, booking creation and
// payment recording. Concurrent calls for the same transaction share one run.
func (s *ReconciliationService) Reconcile(ctx context.Context, req ReconcileRequest) *ReconcileOutcome {
	// Only the caller whose fn ran owns the outcome; singleflight reports
	// shared for the leader too
	led := false
	v, _, _ := s.dedup.Do(req.MerchantTransactionID, func() (interface{}, error) {
		led = true
		return s.reconcileOnce(ctx, req), nil
	})

	outcome := *(v.(*ReconcileOutcome))
	if !led && (outcome.Stage == models.StageDone || outcome.Stage == models.StageShortCircuit) {
		outcome.AlreadyProcessed = true
	}
	return &outcome
}

func (s *ReconciliationService) reconcileOnce(ctx context.Context, req ReconcileRequest) *ReconcileOutcome {
	mtid := req.MerchantTransactionID
	outcome := &ReconcileOutcome{DegradedAssumptions: append([]DegradedAssumption(nil), req.DegradedAssumptions...)}

	s.transition(mtid, models.StageDedupCheck, nil)

	claim, err := s.dedup.Claim(ctx, mtid)
	if err != nil {
		// Money has been captured; a store outage must not block the booking
		s.logger.WithError(err).WithField("merchant_transaction_id", mtid).Error("Dedup store unavailable, processing without claim")
		claim = ClaimResult{Claimed: true}
	}

	if !claim.Claimed {
		outcome.Stage = models.StageShortCircuit
		outcome.AlreadyProcessed = true
		if claim.Existing != nil && claim.Existing.BookingID != nil {
			outcome.BookingID = *claim.Existing.BookingID
			outcome.BookingCreated = true
		}
		s.transition(mtid, models.StageShortCircuit, logrus.Fields{"booking_id": outcome.BookingID})
		s.audit(ctx, s.baseAudit(models.PaymentEventDuplicate, req).
			SetStage(models.StageShortCircuit).
			MarkAsDuplicate())
		return outcome
	}

	if req.AmountPaise <= 0 {
		s.logger.WithFields(logrus.Fields{
			"merchant_transaction_id": mtid,
			"transaction_id":          req.TransactionID,
		}).Warn("Captured payment has no amount, recording at zero")
		outcome.DegradedAssumptions = append(outcome.DegradedAssumptions, DegradedZeroAmount)
	}

	s.transition(mtid, models.StageReconstructing, logrus.Fields{"has_client_data": req.ClientData != nil})

	booking, err := s.reconstructor.Reconstruct(ctx, ReconstructInput{
		MerchantTransactionID: mtid,
		TransactionID:         req.TransactionID,
		AmountPaise:           req.AmountPaise,
		PaymentState:          req.PaymentState,
		ClientData:            req.ClientData,
	})
	if err != nil {
		outcome.Stage = models.StageFatal
		outcome.Err = err
		s.transition(mtid, models.StageFatal, logrus.Fields{"error": err.Error()})

		if releaseErr := s.dedup.Release(ctx, mtid); releaseErr != nil {
			s.logger.WithError(releaseErr).WithField("merchant_transaction_id", mtid).Error("Failed to release dedup claim")
		}

		s.audit(ctx, s.baseAudit(models.PaymentEventBookingFailed, req).
			SetStage(models.StageFatal).
			SetError(err.Error()))
		s.raiseIssue(ctx, models.IssueFatal, req, nil, err)
		return outcome
	}

	outcome.BookingID = booking.BookingID
	outcome.BookingCreated = true
	outcome.Placeholder = booking.Placeholder
	outcome.DegradedAssumptions = append(outcome.DegradedAssumptions, booking.DegradedAssumptions...)
	s.transition(mtid, models.StageBookingCreated, logrus.Fields{
		"booking_id":  booking.BookingID,
		"placeholder": booking.Placeholder,
		"attempts":    booking.Attempts,
	})

	if err := s.dedup.Complete(ctx, mtid, booking.BookingID); err != nil {
		s.logger.WithError(err).WithField("merchant_transaction_id", mtid).Error("Failed to mark transaction processed")
	}

	s.audit(ctx, s.baseAudit(models.PaymentEventBookingCreated, req).
		SetBookingID(booking.BookingID).
		SetStage(models.StageBookingCreated).
		SetRequestPayload(toMap(booking.Request)))

	for _, assumption := range outcome.DegradedAssumptions {
		s.audit(ctx, s.baseAudit(models.PaymentEventDegradedAssumption, req).
			SetBookingID(booking.BookingID).
			SetError(string(assumption)))
	}

	s.transition(mtid, models.StagePaymentRecording, logrus.Fields{"booking_id": booking.BookingID})

	payment, err := s.recorder.Record(ctx, PaymentRecordInput{
		BookingID:             booking.BookingID,
		MerchantTransactionID: mtid,
		TransactionID:         req.TransactionID,
		AmountPaise:           req.AmountPaise,
		PaymentState:          req.PaymentState,
		GatewayResponse:       req.GatewayResponse,
	})
	if err != nil {
		partial := &PartialFailureError{
			BookingID:             booking.BookingID,
			MerchantTransactionID: mtid,
			TransactionID:         req.TransactionID,
			AmountPaise:           req.AmountPaise,
			Err:                   err,
		}
		outcome.Stage = models.StagePartialFailure
		outcome.Err = partial
		s.transition(mtid, models.StagePartialFailure, logrus.Fields{
			"booking_id":     booking.BookingID,
			"transaction_id": req.TransactionID,
			"amount_paise":   req.AmountPaise,
			"error":          err.Error(),
		})

		s.audit(ctx, s.baseAudit(models.PaymentEventPaymentRecordFailed, req).
			SetBookingID(booking.BookingID).
			SetStage(models.StagePartialFailure).
			SetError(partial.Error()))
		s.raiseIssue(ctx, models.IssuePartialFailure, req, &booking.BookingID, partial)

		if err := s.recorder.UpdateBookingStatus(ctx, booking.BookingID, models.BookingStatusPending); err != nil {
			s.logger.WithError(err).WithField("booking_id", booking.BookingID).Warn("Failed to move booking to pending")
		}
		return outcome
	}

	outcome.PaymentCreated = true
	outcome.Stage = models.StageDone
	s.transition(mtid, models.StageDone, logrus.Fields{"booking_id": booking.BookingID})

	s.audit(ctx, s.baseAudit(models.PaymentEventPaymentRecorded, req).
		SetBookingID(booking.BookingID).
		SetStage(models.StageDone).
		SetRequestPayload(toMap(payment.Request)))

	s.notify(ctx, req, booking)

	return outcome
}

// RetryPayment re-attempts the payment record of a PARTIAL_FAILURE issue
func (s *ReconciliationService) RetryPayment(ctx context.Context, issueID uuid.UUID, operator string) (*models.ReconciliationIssue, error) {
	issue, err := s.issues.GetByID(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Status != models.IssueStatusOpen || issue.Kind != models.IssuePartialFailure || issue.BookingID == nil {
		return nil, fmt.Errorf("%w: kind %s, status %s", ErrIssueNotRetryable, issue.Kind, issue.Status)
	}

	transactionID := ""
	if issue.TransactionID != nil {
		transactionID = *issue.TransactionID
	}
	state := models.ParsePaymentState(issue.PaymentState)

	audit := models.NewPaymentAudit(models.PaymentEventManualPaymentRetry, models.PaymentSourceAdmin).
		SetTransaction(issue.MerchantTransactionID, transactionID).
		SetBookingID(*issue.BookingID).
		SetAmount(issue.AmountPaise, state)

	_, err = s.recorder.Record(ctx, PaymentRecordInput{
		BookingID:             *issue.BookingID,
		MerchantTransactionID: issue.MerchantTransactionID,
		TransactionID:         transactionID,
		AmountPaise:           issue.AmountPaise,
		PaymentState:          state,
		GatewayResponse:       issue.GatewayResponse,
	})
	if err != nil {
		s.audit(ctx, audit.SetError(err.Error()))
		return nil, err
	}
	s.audit(ctx, audit)

	if err := s.recorder.UpdateBookingStatus(ctx, *issue.BookingID, models.BookingStatusConfirmed); err != nil {
		s.logger.WithError(err).WithField("booking_id", *issue.BookingID).Warn("Failed to confirm booking after payment retry")
	}

	if err := s.issues.MarkResolved(ctx, issueID, operator, "payment record created by manual retry"); err != nil {
		return nil, err
	}

	return s.issues.GetByID(ctx, issueID)
}

// ResolveIssue closes an issue an operator handled outside the system
func (s *ReconciliationService) ResolveIssue(ctx context.Context, issueID uuid.UUID, operator, note string) (*models.ReconciliationIssue, error) {
	if err := s.issues.MarkResolved(ctx, issueID, operator, note); err != nil {
		return nil, err
	}

	issue, err := s.issues.GetByID(ctx, issueID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, models.NewPaymentAudit(models.PaymentEventReconciliationResolve, models.PaymentSourceAdmin).
		SetTransaction(issue.MerchantTransactionID, "").
		SetError(note))

	return issue, nil
}

func (s *ReconciliationService) raiseIssue(ctx context.Context, kind models.IssueKind, req ReconcileRequest, bookingID *int64, cause error) {
	issue := &models.ReconciliationIssue{
		Kind:                  kind,
		MerchantTransactionID: req.MerchantTransactionID,
		BookingID:             bookingID,
		AmountPaise:           req.AmountPaise,
		PaymentState:          string(req.PaymentState),
		Source:                string(req.Source),
		ErrorMessage:          cause.Error(),
		GatewayResponse:       models.JSONB(req.GatewayResponse),
	}
	if req.TransactionID != "" {
		txn := req.TransactionID
		issue.TransactionID = &txn
	}

	if err := s.issues.Create(ctx, issue); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":                    kind,
			"merchant_transaction_id": req.MerchantTransactionID,
		}).Error("CRITICAL: reconciliation issue not recorded")
	}
}

func (s *ReconciliationService) notify(ctx context.Context, req ReconcileRequest, booking *ReconstructedBooking) {
	if s.notifier == nil || booking.Placeholder || req.ClientData == nil {
		return
	}
	email := booking.Request.Parent.Email
	if email == "" {
		return
	}

	s.notifier.NotifyBookingConfirmed(ctx, BookingConfirmation{
		BookingID:             booking.BookingID,
		MerchantTransactionID: req.MerchantTransactionID,
		ParentName:            booking.Request.Parent.ParentName,
		Email:                 email,
		ChildName:             booking.Request.Child.FullName,
		EventID:               booking.Request.Booking.EventID,
		AmountPaise:           req.AmountPaise,
	})
}

func (s *ReconciliationService) baseAudit(eventType models.PaymentEventType, req ReconcileRequest) *models.PaymentAudit {
	return models.NewPaymentAudit(eventType, req.Source).
		SetTransaction(req.MerchantTransactionID, req.TransactionID).
		SetAmount(req.AmountPaise, req.PaymentState).
		SetMetadata(req.Meta)
}

// audit never fails the pipeline; the repository logs its own errors
func (s *ReconciliationService) audit(ctx context.Context, audit *models.PaymentAudit) {
	if s.audits == nil {
		return
	}
	_ = s.audits.Log(ctx, audit)
}

func (s *ReconciliationService) transition(merchantTransactionID string, stage models.ReconcileStage, fields logrus.Fields) {
	entry := s.logger.WithFields(logrus.Fields{
		"merchant_transaction_id": merchantTransactionID,
		"stage":                   stage,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	switch stage {
	case models.StageFatal, models.StagePartialFailure:
		entry.Error("Reconciliation stage")
	default:
		entry.Info("Reconciliation stage")
	}
}

// toMap flattens an API payload for storage in a JSONB audit column
func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
