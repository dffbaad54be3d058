// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the admission, ledger and ticket components.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/admission"
	"github.com/Shivanand-hulikatti/event-admission/internal/checkout"
	"github.com/Shivanand-hulikatti/event-admission/internal/ledger"
	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/notify"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/Shivanand-hulikatti/event-admission/internal/ticket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/event-admission/internal/service")

var (
	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCheckoutUnavailable is returned when the payment processor could not
	// open a session. The registration has been cancelled and its slot freed.
	ErrCheckoutUnavailable = errors.New("checkout unavailable")
)

// errRejected rolls back a registration transaction that ended in a
// rejection after a slot was already reserved.
var errRejected = errors.New("admission rejected")

// TicketIssuer is the part of ticket.Issuer the service uses.
type TicketIssuer interface {
	IssueIfAbsent(ctx context.Context, registrationID string) (ticket.Ticket, error)
	Verify(ctx context.Context, payload string) (*model.Registration, error)
}

// RegistrationService orchestrates registration operations.
type RegistrationService struct {
	store      repository.Store
	guard      *admission.Guard
	ledger     *ledger.Ledger
	checkout   checkout.Provider
	issuer     TicketIssuer
	dispatcher notify.Dispatcher
	log        *logrus.Logger
	now        func() time.Time
}

// Property holds the dependencies of a RegistrationService.
type Property struct {
	Store      repository.Store
	Guard      *admission.Guard
	Ledger     *ledger.Ledger
	Checkout   checkout.Provider
	Issuer     TicketIssuer
	Dispatcher notify.Dispatcher
	Logger     *logrus.Logger
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(p Property) *RegistrationService {
	return &RegistrationService{
		store:      p.Store,
		guard:      p.Guard,
		ledger:     p.Ledger,
		checkout:   p.Checkout,
		issuer:     p.Issuer,
		dispatcher: p.Dispatcher,
		log:        p.Logger,
		now:        time.Now,
	}
}

// RegisterResult is the outcome of Register. Registration and Checkout are
// set only when the decision is accepted.
type RegisterResult struct {
	Decision     admission.Decision  `json:"decision"`
	Registration *model.Registration `json:"registration,omitempty"`
	Checkout     *checkout.Result    `json:"checkout,omitempty"`
}

// Register admits a user to a category and opens a checkout session.
//
// Evaluation, both slot reservations and the insert of the pending row run
// in one transaction: a rejection at any point rolls back the slots already
// taken. The checkout session is opened only after commit.
func (s *RegistrationService) Register(ctx context.Context, userID, eventID string, req model.RegisterRequest) (RegisterResult, error) {
	ctx, span := tracer.Start(ctx, "service.Register")
	defer span.End()

	userID = strings.TrimSpace(userID)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	if userID == "" {
		return RegisterResult{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if eventID == "" || req.CategoryID == "" {
		return RegisterResult{}, fmt.Errorf("%w: event id and category_id are required", ErrInvalidRequest)
	}
	span.SetAttributes(
		attribute.String("event.id", eventID),
		attribute.String("category.id", req.CategoryID),
	)

	areq := admission.Request{EventID: eventID, CategoryID: req.CategoryID, UserID: userID, IsPair: req.IsPair}

	var (
		decision admission.Decision
		reg      *model.Registration
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		d, err := s.guard.Evaluate(ctx, tx, areq)
		if err != nil {
			return err
		}
		if !d.Accepted {
			decision = d
			return errRejected
		}

		ok, err := s.ledger.TryReserve(ctx, tx, model.ScopeEvent, eventID)
		if err != nil {
			return err
		}
		if !ok {
			decision = admission.Reject(admission.EventFull)
			return errRejected
		}
		ok, err = s.ledger.TryReserve(ctx, tx, model.ScopeCategory, req.CategoryID)
		if err != nil {
			return err
		}
		if !ok {
			decision = admission.Reject(admission.CategoryFull)
			return errRejected
		}

		now := s.now().UTC()
		r := &model.Registration{
			ID:            uuid.NewString(),
			UserID:        userID,
			EventID:       eventID,
			CategoryID:    req.CategoryID,
			IsPair:        req.IsPair,
			Status:        model.RegistrationPending,
			PaymentStatus: model.PaymentPending,
			AmountPaid:    d.Category.Price,
			Currency:      d.Category.Currency,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertRegistration(ctx, r); err != nil {
			if errors.Is(err, repository.ErrAlreadyRegistered) {
				decision = admission.Reject(admission.AlreadyRegistered)
				return errRejected
			}
			return err
		}

		decision, reg = d, r
		return nil
	})
	if errors.Is(err, errRejected) {
		span.SetAttributes(attribute.String("admission.reason", string(decision.Reason)))
		return RegisterResult{Decision: decision}, nil
	}
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register: %w", err)
	}

	session, err := s.checkout.CreateSession(ctx, checkout.Session{
		RegistrationID: reg.ID,
		Description:    decision.Event.Name + " - " + decision.Category.Name,
		Amount:         reg.AmountPaid,
		Currency:       reg.Currency,
	})
	if err == nil {
		err = s.store.SetCheckoutSession(ctx, reg.ID, session.SessionID)
	}
	if err != nil {
		s.log.WithError(err).WithField("registration_id", reg.ID).Error("open checkout session")
		if cerr := s.cancel(ctx, reg.ID); cerr != nil {
			s.log.WithError(cerr).WithFields(logrus.Fields{
				"registration_id": reg.ID,
				"alert":           true,
			}).Error("cancel registration after checkout failure")
		}
		return RegisterResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	reg.CheckoutSessionID = &session.SessionID

	s.log.WithFields(logrus.Fields{
		"registration_id": reg.ID,
		"event_id":        eventID,
		"category_id":     req.CategoryID,
	}).Info("registration pending payment")
	return RegisterResult{Decision: decision, Registration: reg, Checkout: &session}, nil
}

// cancel moves a pending registration to cancelled and frees its slots.
func (s *RegistrationService) cancel(ctx context.Context, id string) error {
	return s.store.InTx(ctx, func(tx repository.Tx) error {
		reg, err := tx.LockRegistration(ctx, repository.CorrelationKey{RegistrationID: id})
		if err != nil {
			return err
		}
		ok, err := tx.ApplyTransition(ctx, id, repository.Transition{
			From:      model.RegistrationPending,
			To:        model.RegistrationCancelled,
			ToPayment: model.PaymentFailed,
		})
		if err != nil || !ok {
			return err
		}
		return s.ledger.ReleaseBoth(ctx, tx, reg.EventID, reg.CategoryID)
	})
}

// Eligibility runs the admission checks without reserving anything.
func (s *RegistrationService) Eligibility(ctx context.Context, userID, eventID, categoryID string, isPair bool) (admission.Decision, error) {
	if userID == "" || eventID == "" || categoryID == "" {
		return admission.Decision{}, fmt.Errorf("%w: user, event and category are required", ErrInvalidRequest)
	}
	return s.guard.Evaluate(ctx, s.store, admission.Request{
		EventID:    eventID,
		CategoryID: categoryID,
		UserID:     userID,
		IsPair:     isPair,
	})
}

// CapacityView is the remaining capacity of a category and its event.
type CapacityView struct {
	Event    ledger.Capacity `json:"event"`
	Category ledger.Capacity `json:"category"`
}

// Capacity reports remaining capacity. The category must belong to the event.
func (s *RegistrationService) Capacity(ctx context.Context, eventID, categoryID string) (CapacityView, error) {
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return CapacityView{}, err
	}
	if category.EventID != eventID {
		return CapacityView{}, repository.ErrNotFound
	}

	eventCap, err := s.ledger.Remaining(ctx, s.store, model.ScopeEvent, eventID)
	if err != nil {
		return CapacityView{}, fmt.Errorf("event capacity: %w", err)
	}
	categoryCap, err := s.ledger.Remaining(ctx, s.store, model.ScopeCategory, categoryID)
	if err != nil {
		return CapacityView{}, fmt.Errorf("category capacity: %w", err)
	}
	return CapacityView{Event: eventCap, Category: categoryCap}, nil
}

// GetForUser returns a registration owned by userID. Registrations of other
// users are reported as not found.
func (s *RegistrationService) GetForUser(ctx context.Context, userID, id string) (*model.Registration, error) {
	reg, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return reg, nil
}

// Delete hard-deletes a registration, releasing its slots if it held any.
func (s *RegistrationService) Delete(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		reg, err := tx.LockRegistration(ctx, repository.CorrelationKey{RegistrationID: id})
		if err != nil {
			return err
		}
		if err := tx.DeleteRegistration(ctx, id); err != nil {
			return err
		}
		if !reg.Status.Active() {
			return nil
		}
		return s.ledger.ReleaseBoth(ctx, tx, reg.EventID, reg.CategoryID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete registration: %w", err)
	}
	s.log.WithField("registration_id", id).Info("registration deleted")
	return nil
}

// ResendTicket issues the ticket if needed and sends the confirmation again.
func (s *RegistrationService) ResendTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	reg, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if reg.Status != model.RegistrationConfirmed {
		return ticket.Ticket{}, ticket.ErrNotConfirmed
	}

	t, err := s.issuer.IssueIfAbsent(ctx, id)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("issue ticket: %w", err)
	}
	err = s.dispatcher.Dispatch(ctx, notify.Confirmation{
		RegistrationID: reg.ID,
		UserID:         reg.UserID,
		EventID:        reg.EventID,
		CategoryID:     reg.CategoryID,
		TicketCode:     t.Code,
		QRCode:         t.QR,
		AmountPaid:     reg.AmountPaid,
		Currency:       reg.Currency,
		ConfirmedAt:    reg.UpdatedAt,
	})
	if err != nil {
		return t, fmt.Errorf("dispatch confirmation: %w", err)
	}
	return t, nil
}

// VerifyTicket validates a scanned ticket payload.
func (s *RegistrationService) VerifyTicket(ctx context.Context, payload string) (*model.Registration, error) {
	return s.issuer.Verify(ctx, strings.TrimSpace(payload))
}

// Recount repairs the capacity counters.
func (s *RegistrationService) Recount(ctx context.Context) (int64, error) {
	return s.ledger.Recount(ctx, s.store)
}
