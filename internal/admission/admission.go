// Package admission decides whether a registration attempt may proceed to
// checkout.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/ledger"
	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/sirupsen/logrus"
)

// Reason is a stable, user-facing rejection code.
type Reason string

const (
	EventNotFound          Reason = "EVENT_NOT_FOUND"
	CategoryNotFound       Reason = "CATEGORY_NOT_FOUND"
	RegistrationNotStarted Reason = "REGISTRATION_NOT_STARTED"
	RegistrationClosed     Reason = "REGISTRATION_CLOSED"
	RegistrationNotAllowed Reason = "REGISTRATION_NOT_ALLOWED"
	EventFull              Reason = "EVENT_FULL"
	CategoryFull           Reason = "CATEGORY_FULL"
	PairNotAllowed         Reason = "PAIR_NOT_ALLOWED"
	AlreadyRegistered      Reason = "ALREADY_REGISTERED"
)

// Message returns a human readable sentence for r.
func (r Reason) Message() string {
	switch r {
	case EventNotFound:
		return "event not found"
	case CategoryNotFound:
		return "category not found"
	case RegistrationNotStarted:
		return "registration has not opened yet"
	case RegistrationClosed:
		return "registration is closed"
	case RegistrationNotAllowed:
		return "this event does not accept registrations"
	case EventFull:
		return "event is fully booked"
	case CategoryFull:
		return "category is fully booked"
	case PairNotAllowed:
		return "pair registration is not allowed for this event"
	case AlreadyRegistered:
		return "you are already registered for this category"
	default:
		return string(r)
	}
}

// Request is one registration attempt.
type Request struct {
	EventID    string
	CategoryID string
	UserID     string
	IsPair     bool
}

// Decision is the outcome of Evaluate. Reason is empty when Accepted.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`

	// Event and Category are populated once they have been loaded.
	Event    *model.Event    `json:"-"`
	Category *model.Category `json:"-"`
}

// Accept returns an accepting decision.
func Accept(e *model.Event, c *model.Category) Decision {
	return Decision{Accepted: true, Event: e, Category: c}
}

// Reject returns a rejecting decision.
func Reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Clock returns the current time.
type Clock func() time.Time

// Guard evaluates the eligibility rules for a registration attempt.
type Guard struct {
	ledger *ledger.Ledger
	now    Clock
	log    *logrus.Logger
}

// NewGuard constructs a Guard. A nil clock uses time.Now.
func NewGuard(l *ledger.Ledger, now Clock, log *logrus.Logger) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{ledger: l, now: now, log: log}
}

// Evaluate runs the checks in order and stops at the first failure. The
// returned error is reserved for persistence failures; every business
// outcome is a Decision.
//
// Capacity checks read the ledger counters. Inside a transaction that goes on
// to call TryReserve, they only give an early answer: the reservation itself
// is what guarantees the cap.
func (g *Guard) Evaluate(ctx context.Context, r repository.Reader, req Request) (Decision, error) {
	d, err := g.evaluate(ctx, r, req)
	if err != nil {
		return Decision{}, err
	}
	if !d.Accepted {
		g.log.WithFields(logrus.Fields{
			"event_id":    req.EventID,
			"category_id": req.CategoryID,
			"user_id":     req.UserID,
			"reason":      d.Reason,
		}).Debug("admission rejected")
	}
	return d, nil
}

func (g *Guard) evaluate(ctx context.Context, r repository.Reader, req Request) (Decision, error) {
	// 1. Event exists and is open for registration.
	event, err := r.GetEvent(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Reject(EventNotFound), nil
		}
		return Decision{}, fmt.Errorf("load event: %w", err)
	}
	switch event.Status {
	case model.EventPublished:
	case model.EventPublishedNoRegistration:
		return Reject(RegistrationNotAllowed), nil
	case model.EventCompleted, model.EventCancelled:
		return Reject(RegistrationClosed), nil
	default:
		// Drafts are not visible to attendees.
		return Reject(EventNotFound), nil
	}

	// 2. Registration window.
	now := g.now()
	if event.RegistrationStart != nil && now.Before(*event.RegistrationStart) {
		return Reject(RegistrationNotStarted), nil
	}
	if event.RegistrationEnd != nil && now.After(*event.RegistrationEnd) {
		return Reject(RegistrationClosed), nil
	}

	// 3. Category belongs to the event.
	category, err := r.GetCategory(ctx, req.CategoryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Reject(CategoryNotFound), nil
		}
		return Decision{}, fmt.Errorf("load category: %w", err)
	}
	if category.EventID != event.ID {
		return Reject(CategoryNotFound), nil
	}

	// 4–5. Capacity, event first.
	eventCap, err := g.ledger.Remaining(ctx, r, model.ScopeEvent, event.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("event capacity: %w", err)
	}
	if eventCap.Full() {
		return Reject(EventFull), nil
	}
	categoryCap, err := g.ledger.Remaining(ctx, r, model.ScopeCategory, category.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("category capacity: %w", err)
	}
	if categoryCap.Full() {
		return Reject(CategoryFull), nil
	}

	// 6. Pair policy.
	if req.IsPair && !event.AllowsPairRegistration {
		return Reject(PairNotAllowed), nil
	}

	// 7. Duplicate.
	exists, err := r.HasActiveRegistration(ctx, req.UserID, event.ID, category.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return Reject(AlreadyRegistered), nil
	}

	return Accept(event, category), nil
}
