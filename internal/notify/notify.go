// Package notify delivers registration confirmations to the mailer. Delivery
// is best-effort and never feeds back into registration state.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Queue.Dispatch when the buffer is exhausted.
var ErrQueueFull = errors.New("notification queue is full")

// ErrQueueClosed is returned by Queue.Dispatch after Close.
var ErrQueueClosed = errors.New("notification queue is closed")

// Confirmation is the message sent once a registration is paid.
type Confirmation struct {
	RegistrationID string    `json:"registration_id"`
	UserID         string    `json:"user_id"`
	EventID        string    `json:"event_id"`
	CategoryID     string    `json:"category_id"`
	TicketCode     string    `json:"ticket_code"`
	QRCode         string    `json:"qr_code"`
	AmountPaid     int64     `json:"amount_paid"`
	Currency       string    `json:"currency"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}

// Dispatcher sends a confirmation.
type Dispatcher interface {
	Dispatch(ctx context.Context, c Confirmation) error
}

// LogSink writes confirmations to the log. Used for local runs.
type LogSink struct {
	Log *logrus.Logger
}

// Dispatch writes the confirmation to the log and never fails.
func (s LogSink) Dispatch(ctx context.Context, c Confirmation) error {
	s.Log.WithFields(logrus.Fields{
		"registration_id": c.RegistrationID,
		"user_id":         c.UserID,
		"ticket_code":     c.TicketCode,
	}).Info("confirmation dispatched")
	return nil
}

// QueueOptions tunes a Queue.
type QueueOptions struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

func (o *QueueOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
}

// Queue hands confirmations to a sink on background workers, retrying each
// with exponential backoff. Dispatch returns as soon as the message is
// buffered.
type Queue struct {
	sink Dispatcher
	opts QueueOptions
	log  *logrus.Logger

	jobs chan Confirmation
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the workers.
func NewQueue(sink Dispatcher, opts QueueOptions, log *logrus.Logger) *Queue {
	opts.setDefaults()
	q := &Queue{
		sink: sink,
		opts: opts,
		log:  log,
		jobs: make(chan Confirmation, opts.Buffer),
		stop: make(chan struct{}),
	}
	for n := 0; n < opts.Workers; n++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Dispatch buffers c for delivery.
func (q *Queue) Dispatch(ctx context.Context, c Confirmation) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for buffered ones to be
// delivered. When ctx ends first, pending retries are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(q.stop)
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for c := range q.jobs {
		q.deliver(c)
	}
}

func (q *Queue) deliver(c Confirmation) {
	entry := q.log.WithField("registration_id", c.RegistrationID)
	delay := q.opts.BaseDelay

	var err error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
		err = q.sink.Dispatch(ctx, c)
		cancel()
		if err == nil {
			return
		}
		entry.WithError(err).WithField("attempt", attempt).Warn("confirmation delivery failed")

		if attempt == q.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-q.stop:
			entry.WithError(err).WithField("alert", true).Error("confirmation abandoned on shutdown")
			return
		}
		delay *= 2
		if delay > q.opts.MaxDelay {
			delay = q.opts.MaxDelay
		}
	}

	entry.WithError(err).WithFields(logrus.Fields{
		"alert":    true,
		"attempts": q.opts.MaxAttempts,
	}).Error("confirmation undeliverable")
}
