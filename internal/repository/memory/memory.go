// Package memory is an in-process implementation of repository.Store.
// Transactions are fully serialized: InTx holds a single lock and works on a
// copy of the data that replaces the live copy only when fn succeeds.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
)

// Store implements repository.Store in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// PutEvent inserts or replaces an event.
func (s *Store) PutEvent(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.events[e.ID] = &e
}

// PutCategory inserts or replaces a category.
func (s *Store) PutCategory(c model.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.categories[c.ID] = &c
}

// Fixtures is the JSON shape accepted by LoadFixtures.
type Fixtures struct {
	Events     []model.Event    `json:"events"`
	Categories []model.Category `json:"categories"`
}

// LoadFixtures seeds events and categories from JSON.
func (s *Store) LoadFixtures(r io.Reader) error {
	var f Fixtures
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, e := range f.Events {
		s.PutEvent(e)
	}
	for _, c := range f.Categories {
		s.PutCategory(c)
	}
	return nil
}

// Registrations returns a snapshot of every registration.
func (s *Store) Registrations() []model.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Registration, 0, len(s.state.registrations))
	for _, r := range s.state.registrations {
		out = append(out, *r)
	}
	return out
}

// InTx runs fn against a private copy and publishes it on success.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := s.state.clone()
	if err := fn(&tx{state: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

// GetEvent returns a copy of the event or repository.ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getEvent(id)
}

// GetCategory returns a copy of the category or repository.ErrNotFound.
func (s *Store) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getCategory(id)
}

// GetRegistration returns a copy of the registration or repository.ErrNotFound.
func (s *Store) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getRegistration(id)
}

// HasActiveRegistration reports whether the user holds a pending or
// confirmed registration for the category.
func (s *Store) HasActiveRegistration(ctx context.Context, userID, eventID, categoryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.hasActive(userID, eventID, categoryID), nil
}

// ActiveCount reads a capacity counter and its cap.
func (s *Store) ActiveCount(ctx context.Context, scope model.Scope, id string) (int, *int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.activeCount(scope, id)
}

// SetCheckoutSession binds a checkout session id to a registration.
func (s *Store) SetCheckoutSession(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.state.registrations[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range s.state.registrations {
		if other.ID != id && other.CheckoutSessionID != nil && *other.CheckoutSessionID == sessionID {
			return repository.ErrConflict
		}
	}
	r.CheckoutSessionID = &sessionID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTicket writes ticket fields once.
func (s *Store) SetTicket(ctx context.Context, id, code, qr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.state.registrations[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if r.QRCode != nil {
		return false, nil
	}
	r.TicketCode = &code
	r.QRCode = &qr
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RecountActive rebuilds every counter from active registrations.
func (s *Store) RecountActive(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCounts := map[string]int{}
	categoryCounts := map[string]int{}
	for _, r := range s.state.registrations {
		if r.Status.Active() {
			eventCounts[r.EventID]++
			categoryCounts[r.CategoryID]++
		}
	}

	var changed int64
	for id, e := range s.state.events {
		if e.ActiveRegistrations != eventCounts[id] {
			e.ActiveRegistrations = eventCounts[id]
			changed++
		}
	}
	for id, c := range s.state.categories {
		if c.CurrentParticipants != categoryCounts[id] {
			c.CurrentParticipants = categoryCounts[id]
			changed++
		}
	}
	return changed, nil
}

type tx struct {
	state *state
}

func (t *tx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return t.state.getEvent(id)
}

func (t *tx) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	return t.state.getCategory(id)
}

func (t *tx) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	return t.state.getRegistration(id)
}

func (t *tx) HasActiveRegistration(ctx context.Context, userID, eventID, categoryID string) (bool, error) {
	return t.state.hasActive(userID, eventID, categoryID), nil
}

func (t *tx) ActiveCount(ctx context.Context, scope model.Scope, id string) (int, *int, error) {
	return t.state.activeCount(scope, id)
}

func (t *tx) IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	counter, max, err := t.state.counter(scope, id)
	if err != nil {
		return false, nil
	}
	if max != nil && *counter >= *max {
		return false, nil
	}
	*counter++
	return true, nil
}

func (t *tx) DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	counter, _, err := t.state.counter(scope, id)
	if err != nil || *counter == 0 {
		return false, nil
	}
	*counter--
	return true, nil
}

func (t *tx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	if reg.Status.Active() && t.state.hasActive(reg.UserID, reg.EventID, reg.CategoryID) {
		return repository.ErrAlreadyRegistered
	}
	if _, ok := t.state.registrations[reg.ID]; ok {
		return repository.ErrConflict
	}
	cp := *reg
	t.state.registrations[reg.ID] = &cp
	return nil
}

func (t *tx) LockRegistration(ctx context.Context, key repository.CorrelationKey) (*model.Registration, error) {
	for _, l := range key.Lookups() {
		if r := t.state.find(l); r != nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *tx) BindPaymentIntent(ctx context.Context, id, intentID string) error {
	r, ok := t.state.registrations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.PaymentIntentID != nil {
		return nil
	}
	if other := t.state.find(repository.Lookup{Column: "payment_intent_id", Value: intentID}); other != nil {
		return repository.ErrConflict
	}
	r.PaymentIntentID = &intentID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) ApplyTransition(ctx context.Context, id string, tr repository.Transition) (bool, error) {
	r, ok := t.state.registrations[id]
	if !ok || !tr.Allows(r) {
		return false, nil
	}
	if tr.PaymentIntentID != "" && r.PaymentIntentID == nil {
		if other := t.state.find(repository.Lookup{Column: "payment_intent_id", Value: tr.PaymentIntentID}); other != nil {
			return false, repository.ErrConflict
		}
		intent := tr.PaymentIntentID
		r.PaymentIntentID = &intent
	}
	r.Status = tr.To
	r.PaymentStatus = tr.ToPayment
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (t *tx) DeleteRegistration(ctx context.Context, id string) error {
	if _, ok := t.state.registrations[id]; !ok {
		return repository.ErrNotFound
	}
	delete(t.state.registrations, id)
	return nil
}

func (t *tx) RecordNotification(ctx context.Context, rec model.NotificationRecord) (bool, error) {
	key := rec.Provider + "/" + rec.EventID
	if _, seen := t.state.notifications[key]; seen {
		return false, nil
	}
	t.state.notifications[key] = rec
	return true, nil
}

type state struct {
	events        map[string]*model.Event
	categories    map[string]*model.Category
	registrations map[string]*model.Registration
	notifications map[string]model.NotificationRecord
}

func newState() *state {
	return &state{
		events:        map[string]*model.Event{},
		categories:    map[string]*model.Category{},
		registrations: map[string]*model.Registration{},
		notifications: map[string]model.NotificationRecord{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.events {
		cp := *v
		c.events[k] = &cp
	}
	for k, v := range s.categories {
		cp := *v
		c.categories[k] = &cp
	}
	for k, v := range s.registrations {
		cp := *v
		c.registrations[k] = &cp
	}
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	return c
}

func (s *state) getEvent(id string) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *state) getCategory(id string) (*model.Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *state) getRegistration(id string) (*model.Registration, error) {
	r, ok := s.registrations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// find returns the registration whose column equals the lookup value.
func (s *state) find(l repository.Lookup) *model.Registration {
	for _, r := range s.registrations {
		var v *string
		switch l.Column {
		case "id":
			v = &r.ID
		case "checkout_session_id":
			v = r.CheckoutSessionID
		case "payment_intent_id":
			v = r.PaymentIntentID
		}
		if v != nil && *v == l.Value {
			return r
		}
	}
	return nil
}

func (s *state) hasActive(userID, eventID, categoryID string) bool {
	for _, r := range s.registrations {
		if r.UserID == userID && r.EventID == eventID && r.CategoryID == categoryID && r.Status.Active() {
			return true
		}
	}
	return false
}

func (s *state) counter(scope model.Scope, id string) (*int, *int, error) {
	switch scope {
	case model.ScopeEvent:
		if e, ok := s.events[id]; ok {
			return &e.ActiveRegistrations, e.MaxParticipants, nil
		}
	case model.ScopeCategory:
		if c, ok := s.categories[id]; ok {
			return &c.CurrentParticipants, c.MaxParticipants, nil
		}
	default:
		return nil, nil, fmt.Errorf("unknown scope %q", scope)
	}
	return nil, nil, repository.ErrNotFound
}

func (s *state) activeCount(scope model.Scope, id string) (int, *int, error) {
	counter, max, err := s.counter(scope, id)
	if err != nil {
		return 0, nil, err
	}
	return *counter, max, nil
}
