package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// below runs either standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: queries{db: pool}, pool: pool}
}

// InTx runs fn inside a READ COMMITTED transaction.
//
// ─────────────────────────────────────────────────────────────────────────────
// WHY READ COMMITTED IS ENOUGH HERE
// ─────────────────────────────────────────────────────────────────────────────
//
// Capacity is never decided by "SELECT count(*) then INSERT". The only writes
// to a counter are single conditional statements:
//
//	UPDATE categories SET current_participants = current_participants + 1
//	WHERE id = $1 AND (max_participants IS NULL OR current_participants < max_participants)
//
// When two transactions race for the last slot, the second UPDATE blocks on
// the row lock taken by the first, then re-evaluates its WHERE clause against
// the committed row. It matches zero rows and the caller sees "full".
//
// Registration transitions use the same shape (WHERE status = 'pending'), and
// the row is additionally locked with SELECT … FOR UPDATE before reading it.
// ─────────────────────────────────────────────────────────────────────────────
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{queries: queries{db: tx}})
	})
}

// SetCheckoutSession records the external checkout session of a registration.
func (s *PostgresStore) SetCheckoutSession(ctx context.Context, id, sessionID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE registrations SET checkout_session_id = $2, updated_at = $3 WHERE id = $1`,
		id, sessionID, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("set checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTicket writes ticket fields once.
func (s *PostgresStore) SetTicket(ctx context.Context, id, code, qr string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE registrations
		 SET ticket_code = $2, qr_code = $3, updated_at = $4
		 WHERE id = $1 AND qr_code IS NULL`,
		id, code, qr, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("set ticket: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecountActive rebuilds both counter columns from active registrations.
func (s *PostgresStore) RecountActive(ctx context.Context) (int64, error) {
	var changed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock in the same order as admission (events, then categories).
		tag, err := tx.Exec(ctx,
			`UPDATE events e
			 SET active_registrations = c.n
			 FROM (
			   SELECT ev.id, COUNT(r.id) AS n
			   FROM events ev
			   LEFT JOIN registrations r
			     ON r.event_id = ev.id AND r.status IN ('pending', 'confirmed')
			   GROUP BY ev.id
			 ) c
			 WHERE e.id = c.id AND e.active_registrations <> c.n`,
		)
		if err != nil {
			return fmt.Errorf("recount events: %w", err)
		}
		changed += tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`UPDATE categories cat
			 SET current_participants = c.n
			 FROM (
			   SELECT ca.id, COUNT(r.id) AS n
			   FROM categories ca
			   LEFT JOIN registrations r
			     ON r.category_id = ca.id AND r.status IN ('pending', 'confirmed')
			   GROUP BY ca.id
			 ) c
			 WHERE cat.id = c.id AND cat.current_participants <> c.n`,
		)
		if err != nil {
			return fmt.Errorf("recount categories: %w", err)
		}
		changed += tag.RowsAffected()
		return nil
	})
	return changed, err
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	queries
}

// IncrementActive performs the conditional increment described on InTx.
func (t *pgTx) IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	var sql string
	switch scope {
	case model.ScopeEvent:
		sql = `UPDATE events SET active_registrations = active_registrations + 1
		       WHERE id = $1 AND (max_participants IS NULL OR active_registrations < max_participants)`
	case model.ScopeCategory:
		sql = `UPDATE categories SET current_participants = current_participants + 1
		       WHERE id = $1 AND (max_participants IS NULL OR current_participants < max_participants)`
	default:
		return false, fmt.Errorf("unknown scope %q", scope)
	}

	tag, err := t.db.Exec(ctx, sql, id)
	if err != nil {
		return false, fmt.Errorf("reserve %s slot: %w", scope, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DecrementActive releases one slot of the scope.
func (t *pgTx) DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	var sql string
	switch scope {
	case model.ScopeEvent:
		sql = `UPDATE events SET active_registrations = active_registrations - 1
		       WHERE id = $1 AND active_registrations > 0`
	case model.ScopeCategory:
		sql = `UPDATE categories SET current_participants = current_participants - 1
		       WHERE id = $1 AND current_participants > 0`
	default:
		return false, fmt.Errorf("unknown scope %q", scope)
	}

	tag, err := t.db.Exec(ctx, sql, id)
	if err != nil {
		return false, fmt.Errorf("release %s slot: %w", scope, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertRegistration creates the registration row. The partial unique index
// on (user_id, event_id, category_id) backs the duplicate check.
func (t *pgTx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO registrations
		   (id, user_id, event_id, category_id, is_pair, status, payment_status,
		    amount_paid, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		reg.ID, reg.UserID, reg.EventID, reg.CategoryID, reg.IsPair, reg.Status, reg.PaymentStatus,
		reg.AmountPaid, reg.Currency, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// LockRegistration selects the registration FOR UPDATE, trying each key of
// the correlation in turn.
func (t *pgTx) LockRegistration(ctx context.Context, key CorrelationKey) (*model.Registration, error) {
	for _, l := range key.Lookups() {
		row := t.db.QueryRow(ctx,
			`SELECT `+registrationColumns+` FROM registrations WHERE `+l.Column+` = $1 FOR UPDATE`,
			l.Value,
		)
		reg, err := scanRegistration(row)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock registration by %s: %w", l.Column, err)
		}
	}
	return nil, ErrNotFound
}

// BindPaymentIntent records the first payment intent seen for a registration.
func (t *pgTx) BindPaymentIntent(ctx context.Context, id, intentID string) error {
	_, err := t.db.Exec(ctx,
		`UPDATE registrations SET payment_intent_id = $2, updated_at = $3
		 WHERE id = $1 AND payment_intent_id IS NULL`,
		id, intentID, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("bind payment intent: %w", err)
	}
	return nil
}

// ApplyTransition runs a single conditional update keyed on the
// pre-transition state.
func (t *pgTx) ApplyTransition(ctx context.Context, id string, tr Transition) (bool, error) {
	fromPayment := make([]string, 0, len(tr.FromPayment))
	for _, ps := range tr.FromPayment {
		fromPayment = append(fromPayment, string(ps))
	}

	var intent *string
	if tr.PaymentIntentID != "" {
		intent = &tr.PaymentIntentID
	}

	tag, err := t.db.Exec(ctx,
		`UPDATE registrations
		 SET status = $2,
		     payment_status = $3,
		     payment_intent_id = COALESCE(payment_intent_id, $4),
		     updated_at = $5
		 WHERE id = $1
		   AND status = $6
		   AND (cardinality($7::text[]) = 0 OR payment_status = ANY($7::text[]))`,
		id, tr.To, tr.ToPayment, intent, time.Now().UTC(), tr.From, fromPayment,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrConflict
		}
		return false, fmt.Errorf("transition registration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteRegistration hard-deletes a registration row.
func (t *pgTx) DeleteRegistration(ctx context.Context, id string) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordNotification inserts the audit row, ignoring repeats.
func (t *pgTx) RecordNotification(ctx context.Context, rec model.NotificationRecord) (bool, error) {
	tag, err := t.db.Exec(ctx,
		`INSERT INTO payment_notifications (provider, event_id, event_type, registration_id, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		rec.Provider, rec.EventID, rec.EventType, rec.RegistrationID, rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// queries holds the statements shared by the pool and transactions.
type queries struct {
	db querier
}

// GetEvent returns a single event or ErrNotFound.
func (q queries) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := q.db.QueryRow(ctx,
		`SELECT id, name, status, registration_start, registration_end, max_participants,
		        active_registrations, allows_pair_registration, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.Status, &e.RegistrationStart, &e.RegistrationEnd, &e.MaxParticipants,
		&e.ActiveRegistrations, &e.AllowsPairRegistration, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// GetCategory returns a single category or ErrNotFound.
func (q queries) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	var c model.Category
	err := q.db.QueryRow(ctx,
		`SELECT id, event_id, name, price, currency, max_participants, current_participants, created_at
		 FROM categories WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.EventID, &c.Name, &c.Price, &c.Currency, &c.MaxParticipants, &c.CurrentParticipants, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get category: %w", err)
	}
	return &c, nil
}

// GetRegistration returns a single registration or ErrNotFound.
func (q queries) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`,
		id,
	)
	reg, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// HasActiveRegistration checks for a pending or confirmed registration.
func (q queries) HasActiveRegistration(ctx context.Context, userID, eventID, categoryID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM registrations
		   WHERE user_id = $1 AND event_id = $2 AND category_id = $3
		     AND status IN ('pending', 'confirmed')
		 )`,
		userID, eventID, categoryID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active registration: %w", err)
	}
	return exists, nil
}

// ActiveCount reads a capacity counter and its cap.
func (q queries) ActiveCount(ctx context.Context, scope model.Scope, id string) (int, *int, error) {
	var sql string
	switch scope {
	case model.ScopeEvent:
		sql = `SELECT active_registrations, max_participants FROM events WHERE id = $1`
	case model.ScopeCategory:
		sql = `SELECT current_participants, max_participants FROM categories WHERE id = $1`
	default:
		return 0, nil, fmt.Errorf("unknown scope %q", scope)
	}

	var (
		active int
		max    *int
	)
	if err := q.db.QueryRow(ctx, sql, id).Scan(&active, &max); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("read %s counter: %w", scope, err)
	}
	return active, max, nil
}

const registrationColumns = `id, user_id, event_id, category_id, is_pair, status, payment_status,
	amount_paid, currency, checkout_session_id, payment_intent_id, ticket_code, qr_code,
	reminder_sent_at, created_at, updated_at`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var r model.Registration
	err := row.Scan(&r.ID, &r.UserID, &r.EventID, &r.CategoryID, &r.IsPair, &r.Status, &r.PaymentStatus,
		&r.AmountPaid, &r.Currency, &r.CheckoutSessionID, &r.PaymentIntentID, &r.TicketCode, &r.QRCode,
		&r.ReminderSentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
