// Package model defines the core domain types for event admission and
// payment confirmation.
package model

import "time"

// EventStatus is the publication state of an event.
type EventStatus string

const (
	EventDraft                   EventStatus = "draft"
	EventPublished               EventStatus = "published"
	EventPublishedNoRegistration EventStatus = "published_no_registration"
	EventCompleted               EventStatus = "completed"
	EventCancelled               EventStatus = "cancelled"
)

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// Active reports whether a registration in this state holds a capacity slot.
func (s RegistrationStatus) Active() bool {
	return s == RegistrationPending || s == RegistrationConfirmed
}

// PaymentStatus tracks the payment side of a registration.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Scope selects which capacity counter a ledger operation targets.
type Scope string

const (
	ScopeEvent    Scope = "event"
	ScopeCategory Scope = "category"
)

// Event represents a sellable activity. It is read-only to this service.
type Event struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Status                 EventStatus `json:"status"`
	RegistrationStart      *time.Time  `json:"registration_start,omitempty"`
	RegistrationEnd        *time.Time  `json:"registration_end,omitempty"`
	MaxParticipants        *int        `json:"max_participants,omitempty"`
	ActiveRegistrations    int         `json:"active_registrations"`
	AllowsPairRegistration bool        `json:"allows_pair_registration"`
	CreatedAt              time.Time   `json:"created_at"`
}

// Category is a purchasable tier within an event.
type Category struct {
	ID                  string    `json:"id"`
	EventID             string    `json:"event_id"`
	Name                string    `json:"name"`
	Price               int64     `json:"price"`
	Currency            string    `json:"currency"`
	MaxParticipants     *int      `json:"max_participants,omitempty"`
	CurrentParticipants int       `json:"current_participants"`
	CreatedAt           time.Time `json:"created_at"`
}

// Registration is one user's claim on one category.
type Registration struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	EventID           string             `json:"event_id"`
	CategoryID        string             `json:"category_id"`
	IsPair            bool               `json:"is_pair"`
	Status            RegistrationStatus `json:"status"`
	PaymentStatus     PaymentStatus      `json:"payment_status"`
	AmountPaid        int64              `json:"amount_paid"`
	Currency          string             `json:"currency"`
	CheckoutSessionID *string            `json:"checkout_session_id,omitempty"`
	PaymentIntentID   *string            `json:"payment_intent_id,omitempty"`
	TicketCode        *string            `json:"ticket_code,omitempty"`
	QRCode            *string            `json:"qr_code,omitempty"`
	ReminderSentAt    *time.Time         `json:"reminder_sent_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// HasTicket reports whether a credential has already been issued.
func (r *Registration) HasTicket() bool {
	return r.QRCode != nil && *r.QRCode != ""
}

// NotificationRecord is the audit entry for a processed payment notification.
type NotificationRecord struct {
	Provider       string    `json:"provider"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	RegistrationID string    `json:"registration_id"`
	ReceivedAt     time.Time `json:"received_at"`
}

// RegisterRequest is the payload for starting a registration.
type RegisterRequest struct {
	CategoryID string `json:"category_id" validate:"required"`
	IsPair     bool   `json:"is_pair"`
}

// VerifyTicketRequest carries a scanned ticket payload.
type VerifyTicketRequest struct {
	Payload string `json:"payload" validate:"required"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
