package repository

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/database"
	"github.com/Shivanand-hulikatti/event-admission/internal/ledger"
	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// newTestStore connects to TEST_DATABASE_URL and seeds one event with one
// category capped at categoryMax. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T, categoryMax int) (*PostgresStore, string, string) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eventID := "ev-" + uuid.NewString()
	categoryID := "cat-" + uuid.NewString()
	if _, err := pool.Exec(ctx,
		`INSERT INTO events (id, name, status) VALUES ($1, 'Integration Run', 'published')`, eventID); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO categories (id, event_id, name, price, max_participants) VALUES ($1, $2, '5K', 150000, $3)`,
		categoryID, eventID, categoryMax); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM registrations WHERE event_id = $1`, eventID)
		_, _ = pool.Exec(context.Background(), `DELETE FROM events WHERE id = $1`, eventID)
	})

	return NewPostgresStore(pool), eventID, categoryID
}

func pendingRegistration(user, eventID, categoryID string) *model.Registration {
	now := time.Now().UTC()
	return &model.Registration{
		ID: uuid.NewString(), UserID: user, EventID: eventID, CategoryID: categoryID,
		Status: model.RegistrationPending, PaymentStatus: model.PaymentPending,
		AmountPaid: 150000, Currency: "IDR", CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresConcurrentReservations(t *testing.T) {
	const (
		capacity = 3
		attempts = 20
	)
	s, eventID, categoryID := newTestStore(t, capacity)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				ok, err := tx.IncrementActive(ctx, model.ScopeCategory, categoryID)
				if err != nil || !ok {
					return err
				}
				if err := tx.InsertRegistration(ctx, pendingRegistration(uuid.NewString(), eventID, categoryID)); err != nil {
					return err
				}
				granted.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("attempt %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := granted.Load(); got != capacity {
		t.Fatalf("granted = %d, want %d", got, capacity)
	}
	active, max, err := s.ActiveCount(ctx, model.ScopeCategory, categoryID)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if active != capacity || max == nil || *max != capacity {
		t.Errorf("active = %d max = %v", active, max)
	}
}

func TestPostgresDuplicateActiveRegistration(t *testing.T) {
	s, eventID, categoryID := newTestStore(t, 10)
	ctx := context.Background()

	insert := func() error {
		return s.InTx(ctx, func(tx Tx) error {
			return tx.InsertRegistration(ctx, pendingRegistration("u-1", eventID, categoryID))
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second insert = %v, want ErrAlreadyRegistered", err)
	}
}

func TestPostgresTransitionAndAudit(t *testing.T) {
	s, eventID, categoryID := newTestStore(t, 10)
	ctx := context.Background()
	reg := pendingRegistration("u-1", eventID, categoryID)
	sessionID := "cs_" + reg.ID

	if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertRegistration(ctx, reg) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetCheckoutSession(ctx, reg.ID, sessionID); err != nil {
		t.Fatalf("SetCheckoutSession: %v", err)
	}

	confirm := Transition{
		From:            model.RegistrationPending,
		FromPayment:     []model.PaymentStatus{model.PaymentPending},
		To:              model.RegistrationConfirmed,
		ToPayment:       model.PaymentPaid,
		PaymentIntentID: "pi_" + reg.ID,
	}
	record := model.NotificationRecord{
		Provider: "signed", EventID: "evt_" + reg.ID, EventType: "checkout.session.completed",
		RegistrationID: reg.ID, ReceivedAt: time.Now().UTC(),
	}

	var results, firsts []bool
	for i := 0; i < 2; i++ {
		err := s.InTx(ctx, func(tx Tx) error {
			locked, err := tx.LockRegistration(ctx, CorrelationKey{CheckoutSessionID: sessionID})
			if err != nil {
				return err
			}
			first, err := tx.RecordNotification(ctx, record)
			if err != nil {
				return err
			}
			ok, err := tx.ApplyTransition(ctx, locked.ID, confirm)
			if err != nil {
				return err
			}
			results = append(results, ok)
			firsts = append(firsts, first)
			return nil
		})
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if !results[0] || results[1] || !firsts[0] || firsts[1] {
		t.Fatalf("transitions = %v, first deliveries = %v", results, firsts)
	}

	written, err := s.SetTicket(ctx, reg.ID, "CODE", "qr")
	if err != nil || !written {
		t.Fatalf("SetTicket = %v, %v", written, err)
	}
	if again, _ := s.SetTicket(ctx, reg.ID, "CODE", "other"); again {
		t.Error("ticket overwritten")
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM payment_notifications WHERE registration_id = $1`, reg.ID)
}

// slowCounters holds each counter row lock a little longer, so concurrent
// transactions overlap between their first and second counter update.
type slowCounters struct {
	*pgTx
}

func (c slowCounters) pause(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `SELECT pg_sleep(0.02)`)
	return err
}

func (c slowCounters) IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	ok, err := c.pgTx.IncrementActive(ctx, scope, id)
	if err != nil {
		return false, err
	}
	return ok, c.pause(ctx)
}

func (c slowCounters) DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	ok, err := c.pgTx.DecrementActive(ctx, scope, id)
	if err != nil {
		return false, err
	}
	return ok, c.pause(ctx)
}

func TestPostgresReserveAndReleaseDoNotDeadlock(t *testing.T) {
	const (
		held  = 10
		pairs = 10
	)
	s, eventID, categoryID := newTestStore(t, 1000)
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := ledger.New(log)

	admit := func() error {
		return s.InTx(ctx, func(tx Tx) error {
			c := slowCounters{tx.(*pgTx)}
			if ok, err := l.TryReserve(ctx, c, model.ScopeEvent, eventID); err != nil || !ok {
				return err
			}
			_, err := l.TryReserve(ctx, c, model.ScopeCategory, categoryID)
			return err
		})
	}
	for i := 0; i < held; i++ {
		if err := admit(); err != nil {
			t.Fatalf("seed reservation: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := admit(); err != nil {
				t.Errorf("admit: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				return l.ReleaseBoth(ctx, slowCounters{tx.(*pgTx)}, eventID, categoryID)
			})
			if err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, scope := range []struct {
		scope model.Scope
		id    string
	}{{model.ScopeEvent, eventID}, {model.ScopeCategory, categoryID}} {
		active, _, err := s.ActiveCount(ctx, scope.scope, scope.id)
		if err != nil {
			t.Fatalf("ActiveCount: %v", err)
		}
		if active != held {
			t.Errorf("%s active = %d, want %d", scope.scope, active, held)
		}
	}
}

func TestPostgresLockFallsBackToPaymentIntent(t *testing.T) {
	s, eventID, categoryID := newTestStore(t, 10)
	ctx := context.Background()
	a := pendingRegistration("u-1", eventID, categoryID)
	b := pendingRegistration("u-2", eventID, categoryID)
	intent := "pi_" + a.ID

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertRegistration(ctx, a); err != nil {
			return err
		}
		if err := tx.InsertRegistration(ctx, b); err != nil {
			return err
		}
		return tx.BindPaymentIntent(ctx, a.ID, intent)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		reg, err := tx.LockRegistration(ctx, CorrelationKey{CheckoutSessionID: "cs_unknown_" + a.ID, PaymentIntentID: intent})
		if err != nil {
			return err
		}
		if reg.ID != a.ID {
			t.Errorf("locked %s, want %s", reg.ID, a.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lock by intent: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error { return tx.BindPaymentIntent(ctx, b.ID, intent) })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("bind taken intent = %v, want ErrConflict", err)
	}
}
