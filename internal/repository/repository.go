// Package repository defines the persistence contracts for events, categories
// and registrations, and implements them on PostgreSQL using pgx directly.
package repository

import (
	"context"
	"errors"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when the user already holds an active
// registration for the same event and category.
var ErrAlreadyRegistered = errors.New("active registration already exists")

// ErrConflict is returned when a unique correlation key is already taken.
var ErrConflict = errors.New("conflicting record")

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	HasActiveRegistration(ctx context.Context, userID, eventID, categoryID string) (bool, error)

	// ActiveCount returns the counter and cap of a capacity scope.
	ActiveCount(ctx context.Context, scope model.Scope, id string) (active int, max *int, err error)
}

// CorrelationKey identifies the registration a payment notification refers
// to. Non-empty fields are tried in declaration order and the first one that
// matches a registration wins.
type CorrelationKey struct {
	RegistrationID    string
	CheckoutSessionID string
	PaymentIntentID   string
}

// Lookup is one column and value a CorrelationKey can match on.
type Lookup struct {
	Column string
	Value  string
}

// Lookups returns the non-empty fields of k in precedence order.
func (k CorrelationKey) Lookups() []Lookup {
	var out []Lookup
	if k.RegistrationID != "" {
		out = append(out, Lookup{"id", k.RegistrationID})
	}
	if k.CheckoutSessionID != "" {
		out = append(out, Lookup{"checkout_session_id", k.CheckoutSessionID})
	}
	if k.PaymentIntentID != "" {
		out = append(out, Lookup{"payment_intent_id", k.PaymentIntentID})
	}
	return out
}

// Empty reports whether no key is set.
func (k CorrelationKey) Empty() bool {
	return k.RegistrationID == "" && k.CheckoutSessionID == "" && k.PaymentIntentID == ""
}

// Transition is a conditional state change on a registration. It only
// applies when the row is currently in From and its payment status is one of
// FromPayment (any payment status when FromPayment is empty).
type Transition struct {
	From        model.RegistrationStatus
	FromPayment []model.PaymentStatus
	To          model.RegistrationStatus
	ToPayment   model.PaymentStatus

	// PaymentIntentID is stored when non-empty and not yet set.
	PaymentIntentID string
}

// Allows reports whether the transition applies to r.
func (t Transition) Allows(r *model.Registration) bool {
	if r.Status != t.From {
		return false
	}
	if len(t.FromPayment) == 0 {
		return true
	}
	for _, ps := range t.FromPayment {
		if r.PaymentStatus == ps {
			return true
		}
	}
	return false
}

// Tx is a unit of work. Everything done through one Tx commits or rolls back
// together.
type Tx interface {
	Reader

	// IncrementActive atomically adds one to the scope's counter if it is
	// below its cap. It reports false when the scope is full or missing.
	IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error)
	// DecrementActive removes one from the scope's counter, never below zero.
	DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error)

	InsertRegistration(ctx context.Context, reg *model.Registration) error
	// LockRegistration loads the registration and holds it against
	// concurrent writers until the transaction ends.
	LockRegistration(ctx context.Context, key CorrelationKey) (*model.Registration, error)
	ApplyTransition(ctx context.Context, id string, t Transition) (bool, error)
	// BindPaymentIntent stores intentID on a registration that has none yet.
	// It returns ErrConflict when another registration already holds it.
	BindPaymentIntent(ctx context.Context, id, intentID string) error
	DeleteRegistration(ctx context.Context, id string) error

	// RecordNotification stores the audit entry and reports whether this
	// (provider, event id) pair was seen for the first time.
	RecordNotification(ctx context.Context, rec model.NotificationRecord) (bool, error)
}

// Store is the entry point for persistence.
type Store interface {
	Reader

	InTx(ctx context.Context, fn func(tx Tx) error) error
	SetCheckoutSession(ctx context.Context, id, sessionID string) error
	// SetTicket stores the ticket fields only if none are present yet and
	// reports whether this call wrote them.
	SetTicket(ctx context.Context, id, code, qr string) (bool, error)
	// RecountActive rebuilds every capacity counter from active
	// registrations and returns how many counters changed.
	RecountActive(ctx context.Context) (int64, error)
}
