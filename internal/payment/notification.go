// Package payment reconciles registrations with the payment processor's
// notification feed.
//
// Notifications are delivered at least once and in any order. Every state
// change is a conditional update on a locked registration row, so a
// redelivered or reordered notification can never apply twice.
package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
)

var (
	// ErrVerification wraps every authenticity failure.
	ErrVerification = errors.New("notification verification failed")
	// ErrMalformed is returned for a verified body that cannot be decoded.
	ErrMalformed = errors.New("malformed notification")
	// ErrUnhandledType is returned for verified notifications of a type this
	// service does not act on.
	ErrUnhandledType = errors.New("unhandled notification type")
)

// Raw is an inbound notification exactly as received.
type Raw struct {
	Header http.Header
	Body   []byte
}

// Notification is a verified, decoded notification.
type Notification struct {
	Provider string
	// EventID is the processor's idempotency key for this delivery.
	EventID    string
	Type       string
	Key        repository.CorrelationKey
	ReceivedAt time.Time
	Payload    Payload
}

// Payload is one of CheckoutCompleted, CheckoutExpired or PaymentFailed.
// Accept routes the payload to the matching Handler method, so adding a
// variant does not compile until every Handler covers it.
type Payload interface {
	Accept(ctx context.Context, h Handler, n Notification) (Outcome, error)
}

// Handler has one method per payload variant.
type Handler interface {
	OnCheckoutCompleted(ctx context.Context, n Notification, p CheckoutCompleted) (Outcome, error)
	OnCheckoutExpired(ctx context.Context, n Notification, p CheckoutExpired) (Outcome, error)
	OnPaymentFailed(ctx context.Context, n Notification, p PaymentFailed) (Outcome, error)
}

// CheckoutCompleted reports a successful payment.
type CheckoutCompleted struct {
	CheckoutSessionID string
	PaymentIntentID   string
	Amount            int64
	Currency          string
}

// Accept implements Payload.
func (p CheckoutCompleted) Accept(ctx context.Context, h Handler, n Notification) (Outcome, error) {
	return h.OnCheckoutCompleted(ctx, n, p)
}

// CheckoutExpired reports a checkout session that timed out unpaid.
type CheckoutExpired struct {
	CheckoutSessionID string
}

// Accept implements Payload.
func (p CheckoutExpired) Accept(ctx context.Context, h Handler, n Notification) (Outcome, error) {
	return h.OnCheckoutExpired(ctx, n, p)
}

// PaymentFailed reports a declined payment attempt. The session stays open.
type PaymentFailed struct {
	CheckoutSessionID string
	PaymentIntentID   string
	FailureCode       string
}

// Accept implements Payload.
func (p PaymentFailed) Accept(ctx context.Context, h Handler, n Notification) (Outcome, error) {
	return h.OnPaymentFailed(ctx, n, p)
}

// Kind classifies an Outcome.
type Kind string

const (
	KindApplied  Kind = "applied"
	KindIgnored  Kind = "ignored"
	KindRejected Kind = "rejected"
)

// IgnoreReason explains an ignored notification.
type IgnoreReason string

const (
	IgnoredNotFound         IgnoreReason = "NOT_FOUND"
	IgnoredUnhandledType    IgnoreReason = "UNHANDLED_TYPE"
	IgnoredAlreadyCancelled IgnoreReason = "ALREADY_CANCELLED"
	IgnoredAlreadyConfirmed IgnoreReason = "ALREADY_CONFIRMED"
	IgnoredAlreadyFinal     IgnoreReason = "ALREADY_FINAL"
	IgnoredIntentConflict   IgnoreReason = "INTENT_CONFLICT"
)

// Outcome is the result of applying a notification.
type Outcome struct {
	Kind           Kind                     `json:"outcome"`
	RegistrationID string                   `json:"registration_id,omitempty"`
	Status         model.RegistrationStatus `json:"status,omitempty"`
	PaymentStatus  model.PaymentStatus      `json:"payment_status,omitempty"`
	// NoOp is set when the registration was already in the target state.
	NoOp   bool         `json:"no_op,omitempty"`
	Reason IgnoreReason `json:"reason,omitempty"`
	Err    error        `json:"-"`
}

func applied(reg *model.Registration, noOp bool) Outcome {
	return Outcome{
		Kind:           KindApplied,
		RegistrationID: reg.ID,
		Status:         reg.Status,
		PaymentStatus:  reg.PaymentStatus,
		NoOp:           noOp,
	}
}

func ignored(registrationID string, reason IgnoreReason) Outcome {
	return Outcome{Kind: KindIgnored, RegistrationID: registrationID, Reason: reason}
}

func rejected(err error) Outcome {
	return Outcome{Kind: KindRejected, Err: err}
}
