package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventCallbackReceived      PaymentEventType = "callback_received"
	PaymentEventVerificationFailed    PaymentEventType = "verification_failed"
	PaymentEventDuplicate             PaymentEventType = "duplicate_delivery"
	PaymentEventNotCompleted          PaymentEventType = "payment_not_completed"
	PaymentEventStatusCheckRequest    PaymentEventType = "status_check_request"
	PaymentEventStatusCheckResponse   PaymentEventType = "status_check_response"
	PaymentEventBookingCreated        PaymentEventType = "booking_created"
	PaymentEventBookingFailed         PaymentEventType = "booking_failed"
	PaymentEventPaymentRecorded       PaymentEventType = "payment_recorded"
	PaymentEventPaymentRecordFailed   PaymentEventType = "payment_record_failed"
	PaymentEventDegradedAssumption    PaymentEventType = "degraded_assumption"
	PaymentEventManualPaymentRetry    PaymentEventType = "manual_payment_retry"
	PaymentEventReconciliationResolve PaymentEventType = "reconciliation_resolved"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourcePhonePeCallback PaymentEventSource = "phonepe_callback"
	PaymentSourceStatusPoll      PaymentEventSource = "status_poll"
	PaymentSourceAdmin           PaymentEventSource = "admin"
	PaymentSourceSystem          PaymentEventSource = "system"
)

// PaymentAudit represents an immutable audit log entry for payment events
type PaymentAudit struct {
	ID                    uuid.UUID `json:"id" db:"id"`
	MerchantTransactionID *string   `json:"merchant_transaction_id,omitempty" db:"merchant_transaction_id"`
	GatewayTransactionID  *string   `json:"gateway_transaction_id,omitempty" db:"gateway_transaction_id"`
	BookingID             *int64    `json:"booking_id,omitempty" db:"booking_id"`

	// Event info
	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`
	Stage       *string            `json:"stage,omitempty" db:"stage"`

	// Amount tracking
	AmountPaise  *int64  `json:"amount_paise,omitempty" db:"amount_paise"`
	PaymentState *string `json:"payment_state,omitempty" db:"payment_state"`

	// Raw payloads - CRITICAL for manual reconciliation
	RequestPayload  JSONB   `json:"request_payload,omitempty" db:"request_payload"`
	ResponsePayload JSONB   `json:"response_payload,omitempty" db:"response_payload"`
	RawBody         *string `json:"raw_body,omitempty" db:"raw_body"`

	// Error tracking
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	// Processing info
	ProcessingTimeMs *int `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IsDuplicate      bool `json:"is_duplicate" db:"is_duplicate"`

	// Metadata
	IPAddress     *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceInfo    JSONB   `json:"device_info,omitempty" db:"device_info"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetTransaction sets the merchant and gateway transaction ids
func (pa *PaymentAudit) SetTransaction(merchantTransactionID, gatewayTransactionID string) *PaymentAudit {
	if merchantTransactionID != "" {
		pa.MerchantTransactionID = &merchantTransactionID
	}
	if gatewayTransactionID != "" {
		pa.GatewayTransactionID = &gatewayTransactionID
	}
	return pa
}

// SetBookingID sets the booking the event relates to
func (pa *PaymentAudit) SetBookingID(bookingID int64) *PaymentAudit {
	pa.BookingID = &bookingID
	return pa
}

// SetStage records the reconciliation stage the event was emitted from
func (pa *PaymentAudit) SetStage(stage ReconcileStage) *PaymentAudit {
	s := string(stage)
	pa.Stage = &s
	return pa
}

// SetAmount sets the gateway amount and state
func (pa *PaymentAudit) SetAmount(amountPaise int64, state PaymentState) *PaymentAudit {
	pa.AmountPaise = &amountPaise
	if state != "" {
		s := string(state)
		pa.PaymentState = &s
	}
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetRawBody stores the raw body before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	pa.RawBody = &body
	return pa
}

// SetRequestPayload sets the request payload sent
func (pa *PaymentAudit) SetRequestPayload(payload map[string]interface{}) *PaymentAudit {
	pa.RequestPayload = JSONB(payload)
	return pa
}

// SetResponsePayload sets the response payload received
func (pa *PaymentAudit) SetResponsePayload(payload map[string]interface{}) *PaymentAudit {
	pa.ResponsePayload = JSONB(payload)
	return pa
}

// SetMetadata sets request metadata
func (pa *PaymentAudit) SetMetadata(meta RequestMetadata) *PaymentAudit {
	if meta.IPAddress != "" {
		pa.IPAddress = &meta.IPAddress
	}
	if meta.UserAgent != "" {
		pa.UserAgent = &meta.UserAgent
	}
	if meta.CorrelationID != "" {
		pa.CorrelationID = &meta.CorrelationID
	}
	if meta.DeviceInfo != nil {
		pa.DeviceInfo = meta.DeviceInfo
	}
	return pa
}

// SetProcessingTime calculates and sets processing time
func (pa *PaymentAudit) SetProcessingTime(startTime time.Time) *PaymentAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	pa.ProcessingTimeMs = &durationMs
	return pa
}

// MarkAsDuplicate marks this event as a duplicate
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// RequestMetadata describes the inbound HTTP request that triggered an event
type RequestMetadata struct {
	IPAddress     string
	UserAgent     string
	CorrelationID string
	DeviceInfo    JSONB
}
