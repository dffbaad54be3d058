package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// MockSink is a Dispatcher whose behaviour is set per test.
type MockSink struct {
	mu           sync.Mutex
	DispatchFunc func(ctx context.Context, c Confirmation, attempt int) error
	attempts     map[string]int
}

func (m *MockSink) Dispatch(ctx context.Context, c Confirmation) error {
	m.mu.Lock()
	if m.attempts == nil {
		m.attempts = map[string]int{}
	}
	m.attempts[c.RegistrationID]++
	n := m.attempts[c.RegistrationID]
	m.mu.Unlock()

	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, c, n)
	}
	return nil
}

func (m *MockSink) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func fastOptions() QueueOptions {
	return QueueOptions{Workers: 2, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestQueueRetriesUntilDelivered(t *testing.T) {
	log, _ := test.NewNullLogger()
	sink := &MockSink{DispatchFunc: func(ctx context.Context, c Confirmation, attempt int) error {
		if attempt < 3 {
			return errors.New("mailer unavailable")
		}
		return nil
	}}
	q := NewQueue(sink, fastOptions(), log)

	if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeQueue(t, q)

	if got := sink.Attempts("r-1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestQueueAlertsWhenUndeliverable(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := &MockSink{DispatchFunc: func(ctx context.Context, c Confirmation, attempt int) error {
		return errors.New("mailer unavailable")
	}}
	q := NewQueue(sink, fastOptions(), log)

	_ = q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-1"})
	closeQueue(t, q)

	if got := sink.Attempts("r-1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.ErrorLevel || last.Data["alert"] != true {
		t.Fatalf("last entry = %+v, want error with alert", last)
	}
	if last.Data["registration_id"] != "r-1" {
		t.Errorf("registration_id = %v", last.Data["registration_id"])
	}
}

func TestQueueCloseDrains(t *testing.T) {
	log, _ := test.NewNullLogger()
	sink := &MockSink{}
	q := NewQueue(sink, fastOptions(), log)

	ids := []string{"r-1", "r-2", "r-3", "r-4", "r-5", "r-6"}
	for _, id := range ids {
		if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: id}); err != nil {
			t.Fatalf("Dispatch(%s): %v", id, err)
		}
	}
	closeQueue(t, q)

	for _, id := range ids {
		if sink.Attempts(id) != 1 {
			t.Errorf("%s delivered %d times, want 1", id, sink.Attempts(id))
		}
	}
	if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("dispatch after close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueFull(t *testing.T) {
	log, _ := test.NewNullLogger()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	sink := &MockSink{DispatchFunc: func(ctx context.Context, c Confirmation, attempt int) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	q := NewQueue(sink, QueueOptions{Workers: 1, Buffer: 1, MaxAttempts: 1}, log)

	if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-1"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-started
	if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-2"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third = %v, want ErrQueueFull", err)
	}

	close(release)
	closeQueue(t, q)
}

func TestQueueCloseAbandonsRetriesOnDeadline(t *testing.T) {
	log, hook := test.NewNullLogger()
	failed := make(chan struct{}, 1)
	sink := &MockSink{DispatchFunc: func(ctx context.Context, c Confirmation, attempt int) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("mailer unavailable")
	}}
	q := NewQueue(sink, QueueOptions{Workers: 1, MaxAttempts: 5, BaseDelay: time.Hour}, log)

	_ = q.Dispatch(context.Background(), Confirmation{RegistrationID: "r-1"})
	<-failed

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
	if got := sink.Attempts("r-1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if last := hook.LastEntry(); last == nil || last.Data["alert"] != true {
		t.Errorf("last entry = %+v, want abandonment alert", last)
	}
}
