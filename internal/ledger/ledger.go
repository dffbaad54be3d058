// Package ledger owns the capacity counters of events and categories.
//
// Every change to a counter goes through TryReserve or Release. Each is a
// single conditional statement on the counter row, so for a scope capped at N
// no interleaving of concurrent reservations can push the counter past N.
package ledger

import (
	"context"
	"fmt"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/sirupsen/logrus"
)

// CountReader reads a counter and its cap.
type CountReader interface {
	ActiveCount(ctx context.Context, scope model.Scope, id string) (int, *int, error)
}

// Counters is the slice of a repository transaction the ledger needs.
type Counters interface {
	CountReader
	IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error)
	DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error)
}

// Recounter rebuilds counters from the registrations table.
type Recounter interface {
	RecountActive(ctx context.Context) (int64, error)
}

// Capacity is a read-only view of one counter.
type Capacity struct {
	Scope     model.Scope `json:"scope"`
	ID        string      `json:"id"`
	Active    int         `json:"active"`
	Max       *int        `json:"max_participants,omitempty"`
	Remaining *int        `json:"remaining,omitempty"` // nil when uncapped
}

// Full reports whether no slot is left.
func (c Capacity) Full() bool {
	return c.Remaining != nil && *c.Remaining == 0
}

// Ledger reserves and releases capacity slots.
type Ledger struct {
	log *logrus.Logger
}

// New constructs a Ledger.
func New(log *logrus.Logger) *Ledger {
	return &Ledger{log: log}
}

// TryReserve claims one slot. It returns false when the scope is full.
func (l *Ledger) TryReserve(ctx context.Context, c Counters, scope model.Scope, id string) (bool, error) {
	ok, err := c.IncrementActive(ctx, scope, id)
	if err != nil {
		return false, fmt.Errorf("reserve %s %s: %w", scope, id, err)
	}
	if !ok {
		l.log.WithFields(logrus.Fields{"scope": scope, "id": id}).Debug("capacity full")
	}
	return ok, nil
}

// Release returns one slot. Callers must only invoke it after a conditional
// status transition that moved a registration out of an active state, so a
// registration can never be released twice.
func (l *Ledger) Release(ctx context.Context, c Counters, scope model.Scope, id string) error {
	ok, err := c.DecrementActive(ctx, scope, id)
	if err != nil {
		return fmt.Errorf("release %s %s: %w", scope, id, err)
	}
	if !ok {
		// Counter already at zero: it drifted below the real active count.
		l.log.WithFields(logrus.Fields{"scope": scope, "id": id}).Warn("release on empty counter, run recount")
	}
	return nil
}

// ReleaseBoth returns the event and category slots of one registration.
// Counter rows are always touched events first, then categories, the same
// order TryReserve is called in during admission.
func (l *Ledger) ReleaseBoth(ctx context.Context, c Counters, eventID, categoryID string) error {
	if err := l.Release(ctx, c, model.ScopeEvent, eventID); err != nil {
		return err
	}
	return l.Release(ctx, c, model.ScopeCategory, categoryID)
}

// Remaining reads the counter of a scope.
func (l *Ledger) Remaining(ctx context.Context, c CountReader, scope model.Scope, id string) (Capacity, error) {
	active, max, err := c.ActiveCount(ctx, scope, id)
	if err != nil {
		return Capacity{}, err
	}

	capacity := Capacity{Scope: scope, ID: id, Active: active, Max: max}
	if max != nil {
		left := *max - active
		if left < 0 {
			left = 0
		}
		capacity.Remaining = &left
	}
	return capacity, nil
}

// Recount repairs counters that drifted, e.g. after rows were removed
// outside the service.
func (l *Ledger) Recount(ctx context.Context, r Recounter) (int64, error) {
	changed, err := r.RecountActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("recount: %w", err)
	}
	l.log.WithField("changed", changed).Info("capacity counters recounted")
	return changed, nil
}
