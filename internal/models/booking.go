package models

import "encoding/json"

// Booking status values accepted by the NIBOG booking API
const (
	BookingStatusConfirmed = "Confirmed"
	BookingStatusPending   = "Pending"
	BookingStatusCancelled = "Cancelled"
)

// ClientBookingData is the registration snapshot the browser keeps in local storage
// across the redirect to PhonePe. It is never stored server-side.
type ClientBookingData struct {
	UserID        FlexInt64        `json:"userId"`
	ParentName    string           `json:"parentName"`
	Email         string           `json:"email"`
	Phone         string           `json:"phone"`
	ChildName     string           `json:"childName"`
	ChildDOB      string           `json:"childDob"`
	SchoolName    string           `json:"schoolName"`
	Gender        string           `json:"gender"`
	EventID       FlexInt64        `json:"eventId"`
	GameIDs       FlexInt64List    `json:"gameId"`
	GamePrices    FlexDecimalList  `json:"gamePrice"`
	TotalAmount   FlexDecimal      `json:"totalAmount"`
	PaymentMethod string           `json:"paymentMethod"`
	TermsAccepted bool             `json:"termsAccepted"`
	AddOns        []AddOnSelection `json:"addOns,omitempty"`
	PromoCode     string           `json:"promoCode,omitempty"`
}

// AddOnSelection is one add-on chosen during registration
type AddOnSelection struct {
	AddOnID   FlexInt64  `json:"addOnId"`
	Quantity  FlexInt64  `json:"quantity"`
	VariantID *FlexInt64 `json:"variantId,omitempty"`
}

// CreateBookingRequest is the payload of the booking-creation endpoint
type CreateBookingRequest struct {
	UserID        int64          `json:"user_id"`
	Parent        BookingParent  `json:"parent"`
	Child         BookingChild   `json:"child"`
	Booking       BookingDetails `json:"booking"`
	BookingGames  []BookingGame  `json:"booking_games"`
	BookingAddons []BookingAddon `json:"booking_addons,omitempty"`
	PromoCode     string         `json:"promo_code,omitempty"`
}

// BookingParent identifies the parent making the booking
type BookingParent struct {
	UserID          int64  `json:"user_id"`
	ParentName      string `json:"parent_name"`
	Email           string `json:"email"`
	AdditionalPhone string `json:"additional_phone"`
}

// BookingChild identifies the child attending the event
type BookingChild struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	SchoolOU    string `json:"school_ou"`
	Gender      string `json:"gender"`
}

// BookingDetails is the booking row itself
type BookingDetails struct {
	UserID                int64       `json:"user_id"`
	EventID               int64       `json:"event_id"`
	BookingDate           string      `json:"booking_date"`
	TotalAmount           json.Number `json:"total_amount"`
	PaymentMethod         string      `json:"payment_method"`
	PaymentStatus         string      `json:"payment_status"`
	TermsAccepted         bool        `json:"terms_accepted"`
	TransactionID         string      `json:"transaction_id"`
	MerchantTransactionID string      `json:"merchant_transaction_id"`
	BookingRef            string      `json:"booking_ref"`
	Status                string      `json:"status"`
}

// BookingGame is one game slot of a booking
type BookingGame struct {
	GameID     int64       `json:"game_id"`
	ChildIndex int         `json:"child_index"`
	GamePrice  json.Number `json:"game_price"`
}

// BookingAddon is one add-on line of a booking
type BookingAddon struct {
	AddonID   int64  `json:"addon_id"`
	Quantity  int64  `json:"quantity"`
	VariantID *int64 `json:"variant_id,omitempty"`
}

// UpdateBookingStatusRequest is the payload of the booking status endpoint
type UpdateBookingStatusRequest struct {
	BookingID int64  `json:"booking_id"`
	Status    string `json:"status"`
}
