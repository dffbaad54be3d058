package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/ledger"
	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/notify"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/Shivanand-hulikatti/event-admission/internal/ticket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/event-admission/internal/payment")

// TicketIssuer mints the credential of a confirmed registration.
type TicketIssuer interface {
	IssueIfAbsent(ctx context.Context, registrationID string) (ticket.Ticket, error)
}

// Processor applies verified notifications to registrations.
type Processor struct {
	decoder    Decoder
	store      repository.Store
	ledger     *ledger.Ledger
	issuer     TicketIssuer
	dispatcher notify.Dispatcher
	log        *logrus.Logger
}

// ProcessorProperty holds the dependencies of a Processor.
type ProcessorProperty struct {
	Decoder    Decoder
	Store      repository.Store
	Ledger     *ledger.Ledger
	Issuer     TicketIssuer
	Dispatcher notify.Dispatcher
	Logger     *logrus.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(props ProcessorProperty) *Processor {
	return &Processor{
		decoder:    props.Decoder,
		store:      props.Store,
		ledger:     props.Ledger,
		issuer:     props.Issuer,
		dispatcher: props.Dispatcher,
		log:        props.Logger,
	}
}

// Apply verifies, decodes and applies one notification.
//
// The returned error is reserved for transient failures (persistence, ticket
// issuance) where the processor should redeliver. Verification failures and
// irrelevant notifications are outcomes, not errors.
func (p *Processor) Apply(ctx context.Context, raw Raw) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "payment.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", p.decoder.Provider()))

	n, err := p.decoder.Decode(raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnhandledType):
		p.log.WithFields(logrus.Fields{
			"provider": p.decoder.Provider(),
			"type":     n.Type,
		}).Debug("notification type ignored")
		return ignored("", IgnoredUnhandledType), nil
	default:
		p.log.WithError(err).WithField("provider", p.decoder.Provider()).Warn("notification rejected")
		span.SetStatus(codes.Error, "rejected")
		return rejected(err), nil
	}

	span.SetAttributes(
		attribute.String("payment.event_id", n.EventID),
		attribute.String("payment.type", n.Type),
	)

	out, err := n.Payload.Accept(ctx, machine{p}, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	span.SetAttributes(
		attribute.String("payment.outcome", string(out.Kind)),
		attribute.String("registration.id", out.RegistrationID),
	)
	p.entry(n).WithFields(logrus.Fields{
		"outcome":         out.Kind,
		"reason":          out.Reason,
		"no_op":           out.NoOp,
		"registration_id": out.RegistrationID,
	}).Info("notification processed")
	return out, nil
}

func (p *Processor) entry(n Notification) *logrus.Entry {
	return p.log.WithFields(logrus.Fields{
		"provider": n.Provider,
		"event_id": n.EventID,
		"type":     n.Type,
	})
}

// locked runs fn on the locked registration of n inside one transaction,
// recording n in the audit log alongside whatever fn changes. It returns
// ErrNotFound when no registration matches and ErrConflict when the
// notification's payment intent belongs to another registration.
func (p *Processor) locked(ctx context.Context, n Notification, fn func(tx repository.Tx, reg *model.Registration) error) error {
	return p.store.InTx(ctx, func(tx repository.Tx) error {
		reg, err := tx.LockRegistration(ctx, n.Key)
		if err != nil {
			return err
		}
		// Later notifications may carry only the intent id.
		if intent := n.Key.PaymentIntentID; intent != "" && reg.PaymentIntentID == nil {
			if err := tx.BindPaymentIntent(ctx, reg.ID, intent); err != nil {
				return err
			}
			reg.PaymentIntentID = &intent
		}

		first, err := tx.RecordNotification(ctx, model.NotificationRecord{
			Provider:       n.Provider,
			EventID:        n.EventID,
			EventType:      n.Type,
			RegistrationID: reg.ID,
			ReceivedAt:     n.ReceivedAt,
		})
		if err != nil {
			return err
		}
		if !first {
			p.entry(n).WithField("registration_id", reg.ID).Debug("notification redelivered")
		}

		return fn(tx, reg)
	})
}

// unresolved converts the errors of locked into outcomes. A missing
// registration or an intent bound elsewhere is Ignored; redelivery cannot
// change either. Anything else is transient.
func (p *Processor) unresolved(n Notification, err error) (Outcome, error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		p.entry(n).Info("no registration for notification")
		return ignored("", IgnoredNotFound), nil
	case errors.Is(err, repository.ErrConflict):
		p.entry(n).WithFields(logrus.Fields{
			"payment_intent_id": n.Key.PaymentIntentID,
			"alert":             true,
		}).Error("payment intent already bound to another registration")
		return ignored("", IgnoredIntentConflict), nil
	}
	return Outcome{}, fmt.Errorf("apply %s: %w", n.Type, err)
}

// machine implements Handler with the registration state machine:
//
//	pending   --completed--> confirmed/paid      ticket + confirmation after commit
//	pending   --expired----> cancelled/failed    capacity released in the same tx
//	pending   --failed-----> pending/failed      capacity kept for a retry
//	confirmed --completed--> confirmed           no-op, repairs a missing ticket
type machine struct {
	*Processor
}

func (m machine) OnCheckoutCompleted(ctx context.Context, n Notification, pl CheckoutCompleted) (Outcome, error) {
	var (
		out Outcome
		reg *model.Registration
	)
	err := m.locked(ctx, n, func(tx repository.Tx, r *model.Registration) error {
		reg = r
		if r.PaymentStatus == model.PaymentPaid {
			out = applied(r, true)
			return nil
		}
		switch r.Status {
		case model.RegistrationCancelled:
			// Paid after the slot was given up. Needs a manual refund.
			m.entry(n).WithFields(logrus.Fields{
				"registration_id": r.ID,
				"alert":           true,
			}).Warn("payment completed for cancelled registration")
			out = ignored(r.ID, IgnoredAlreadyCancelled)
			return nil
		case model.RegistrationConfirmed:
			out = ignored(r.ID, IgnoredAlreadyFinal)
			return nil
		}

		ok, err := tx.ApplyTransition(ctx, r.ID, repository.Transition{
			From:            model.RegistrationPending,
			FromPayment:     []model.PaymentStatus{model.PaymentPending, model.PaymentFailed},
			To:              model.RegistrationConfirmed,
			ToPayment:       model.PaymentPaid,
			PaymentIntentID: pl.PaymentIntentID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("registration %s changed under lock", r.ID)
		}
		if pl.Amount != 0 && pl.Amount != r.AmountPaid {
			m.entry(n).WithFields(logrus.Fields{
				"registration_id": r.ID,
				"expected":        r.AmountPaid,
				"paid":            pl.Amount,
			}).Warn("paid amount differs from registration amount")
		}

		r.Status = model.RegistrationConfirmed
		r.PaymentStatus = model.PaymentPaid
		out = applied(r, false)
		return nil
	})
	if err != nil {
		return m.unresolved(n, err)
	}
	if out.Kind != KindApplied {
		return out, nil
	}

	// Committed. Both the fresh confirmation and a redelivery go through
	// IssueIfAbsent; only the call that actually mints the ticket sends the
	// confirmation, so it goes out once however many deliveries race here.
	t, err := m.issuer.IssueIfAbsent(ctx, reg.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("issue ticket for %s: %w", reg.ID, err)
	}
	if t.Issued {
		m.dispatch(ctx, reg, t)
	}
	return out, nil
}

func (m machine) dispatch(ctx context.Context, reg *model.Registration, t ticket.Ticket) {
	err := m.dispatcher.Dispatch(ctx, notify.Confirmation{
		RegistrationID: reg.ID,
		UserID:         reg.UserID,
		EventID:        reg.EventID,
		CategoryID:     reg.CategoryID,
		TicketCode:     t.Code,
		QRCode:         t.QR,
		AmountPaid:     reg.AmountPaid,
		Currency:       reg.Currency,
		ConfirmedAt:    time.Now().UTC(),
	})
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"registration_id": reg.ID,
			"alert":           true,
		}).Error("confirmation dispatch failed")
	}
}

func (m machine) OnCheckoutExpired(ctx context.Context, n Notification, _ CheckoutExpired) (Outcome, error) {
	var out Outcome
	err := m.locked(ctx, n, func(tx repository.Tx, r *model.Registration) error {
		switch r.Status {
		case model.RegistrationCancelled:
			out = applied(r, true)
			return nil
		case model.RegistrationConfirmed:
			out = ignored(r.ID, IgnoredAlreadyConfirmed)
			return nil
		}

		ok, err := tx.ApplyTransition(ctx, r.ID, repository.Transition{
			From:      model.RegistrationPending,
			To:        model.RegistrationCancelled,
			ToPayment: model.PaymentFailed,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("registration %s changed under lock", r.ID)
		}
		// The transition above is the release guard: it succeeds once.
		if err := m.ledger.ReleaseBoth(ctx, tx, r.EventID, r.CategoryID); err != nil {
			return err
		}

		r.Status = model.RegistrationCancelled
		r.PaymentStatus = model.PaymentFailed
		out = applied(r, false)
		return nil
	})
	if err != nil {
		return m.unresolved(n, err)
	}
	return out, nil
}

func (m machine) OnPaymentFailed(ctx context.Context, n Notification, pl PaymentFailed) (Outcome, error) {
	var out Outcome
	err := m.locked(ctx, n, func(tx repository.Tx, r *model.Registration) error {
		switch {
		case r.PaymentStatus == model.PaymentPaid || r.Status == model.RegistrationConfirmed:
			// A late failure for an attempt that was superseded by a success.
			out = ignored(r.ID, IgnoredAlreadyConfirmed)
			return nil
		case r.Status == model.RegistrationCancelled:
			out = ignored(r.ID, IgnoredAlreadyCancelled)
			return nil
		case r.PaymentStatus == model.PaymentFailed:
			out = applied(r, true)
			return nil
		}

		ok, err := tx.ApplyTransition(ctx, r.ID, repository.Transition{
			From:            model.RegistrationPending,
			FromPayment:     []model.PaymentStatus{model.PaymentPending},
			To:              model.RegistrationPending,
			ToPayment:       model.PaymentFailed,
			PaymentIntentID: pl.PaymentIntentID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("registration %s changed under lock", r.ID)
		}

		r.PaymentStatus = model.PaymentFailed
		out = applied(r, false)
		return nil
	})
	if err != nil {
		return m.unresolved(n, err)
	}
	return out, nil
}
