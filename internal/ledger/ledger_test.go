package ledger

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository/memory"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func intPtr(n int) *int { return &n }

func newStore(eventMax, categoryMax *int) *memory.Store {
	s := memory.New()
	s.PutEvent(model.Event{ID: "ev-1", Status: model.EventPublished, MaxParticipants: eventMax})
	s.PutCategory(model.Category{ID: "cat-1", EventID: "ev-1", MaxParticipants: categoryMax})
	return s
}

func reserve(t *testing.T, l *Ledger, s *memory.Store, scope model.Scope, id string) bool {
	t.Helper()
	var ok bool
	err := s.InTx(context.Background(), func(tx repository.Tx) error {
		var err error
		ok, err = l.TryReserve(context.Background(), tx, scope, id)
		return err
	})
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	return ok
}

func TestTryReserveConcurrentLastSlots(t *testing.T) {
	const (
		limit    = 5
		attempts = 40
	)
	l := New(quietLogger())
	s := newStore(nil, intPtr(limit))

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(context.Background(), func(tx repository.Tx) error {
				ok, err := l.TryReserve(context.Background(), tx, model.ScopeCategory, "cat-1")
				if ok {
					granted.Add(1)
				}
				return err
			})
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != limit {
		t.Fatalf("granted = %d, want %d", got, limit)
	}
	c, err := l.Remaining(context.Background(), s, model.ScopeCategory, "cat-1")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if c.Active != limit || !c.Full() {
		t.Errorf("capacity = %+v, want %d active and full", c, limit)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	l := New(quietLogger())
	s := newStore(nil, intPtr(1))

	if !reserve(t, l, s, model.ScopeCategory, "cat-1") {
		t.Fatal("first reservation refused")
	}
	if reserve(t, l, s, model.ScopeCategory, "cat-1") {
		t.Fatal("second reservation granted past cap")
	}

	err := s.InTx(context.Background(), func(tx repository.Tx) error {
		return l.Release(context.Background(), tx, model.ScopeCategory, "cat-1")
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !reserve(t, l, s, model.ScopeCategory, "cat-1") {
		t.Fatal("reservation after release refused")
	}
}

func TestRemaining(t *testing.T) {
	l := New(quietLogger())

	tests := []struct {
		name          string
		max           *int
		reserved      int
		wantRemaining *int
		wantFull      bool
	}{
		{"uncapped", nil, 3, nil, false},
		{"room left", intPtr(5), 2, intPtr(3), false},
		{"exactly full", intPtr(2), 2, intPtr(0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(tt.max, nil)
			for i := 0; i < tt.reserved; i++ {
				reserve(t, l, s, model.ScopeEvent, "ev-1")
			}

			c, err := l.Remaining(context.Background(), s, model.ScopeEvent, "ev-1")
			if err != nil {
				t.Fatalf("Remaining: %v", err)
			}
			if c.Active != tt.reserved {
				t.Errorf("active = %d, want %d", c.Active, tt.reserved)
			}
			switch {
			case tt.wantRemaining == nil && c.Remaining != nil:
				t.Errorf("remaining = %d, want uncapped", *c.Remaining)
			case tt.wantRemaining != nil && (c.Remaining == nil || *c.Remaining != *tt.wantRemaining):
				t.Errorf("remaining = %v, want %d", c.Remaining, *tt.wantRemaining)
			}
			if c.Full() != tt.wantFull {
				t.Errorf("full = %v, want %v", c.Full(), tt.wantFull)
			}
		})
	}
}

func TestRemainingUnknownScope(t *testing.T) {
	l := New(quietLogger())
	s := newStore(nil, nil)
	if _, err := l.Remaining(context.Background(), s, model.ScopeCategory, "missing"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

type fakeRecounter struct {
	changed int64
	calls   int
}

func (f *fakeRecounter) RecountActive(ctx context.Context) (int64, error) {
	f.calls++
	return f.changed, nil
}

func TestRecount(t *testing.T) {
	l := New(quietLogger())
	r := &fakeRecounter{changed: 3}

	changed, err := l.Recount(context.Background(), r)
	if err != nil || changed != 3 || r.calls != 1 {
		t.Fatalf("Recount = %d, %v (calls %d); want 3, nil, 1", changed, err, r.calls)
	}
}

// orderedCounters records the order counter rows are written in.
type orderedCounters struct {
	*memory.Store
	writes []model.Scope
}

func (c *orderedCounters) IncrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	c.writes = append(c.writes, scope)
	return true, nil
}

func (c *orderedCounters) DecrementActive(ctx context.Context, scope model.Scope, id string) (bool, error) {
	c.writes = append(c.writes, scope)
	return true, nil
}

func TestReleaseBothLocksEventBeforeCategory(t *testing.T) {
	l := New(quietLogger())
	c := &orderedCounters{Store: newStore(nil, nil)}

	if err := l.ReleaseBoth(context.Background(), c, "ev-1", "cat-1"); err != nil {
		t.Fatalf("ReleaseBoth: %v", err)
	}
	want := []model.Scope{model.ScopeEvent, model.ScopeCategory}
	if len(c.writes) != 2 || c.writes[0] != want[0] || c.writes[1] != want[1] {
		t.Errorf("writes = %v, want %v (same order as admission reserves)", c.writes, want)
	}
}
