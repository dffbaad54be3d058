// Package checkout opens payment sessions with the payment processor.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xendit/xendit-go/v6"
	"github.com/xendit/xendit-go/v6/invoice"
)

// Session describes what the user is paying for.
type Session struct {
	RegistrationID string
	Description    string
	Amount         int64
	Currency       string
}

// Result identifies the opened session.
type Result struct {
	SessionID string `json:"checkout_session_id"`
	URL       string `json:"checkout_url"`
}

// Provider opens a checkout session.
type Provider interface {
	CreateSession(ctx context.Context, s Session) (Result, error)
}

// Xendit opens sessions as Xendit invoices. The invoice external id is the
// registration id, which the callback echoes back.
type Xendit struct {
	create     func(ctx context.Context, req invoice.CreateInvoiceRequest) (id, url string, err error)
	successURL string
	log        *logrus.Logger
}

// NewXendit constructs a Xendit provider.
func NewXendit(secretKey, successURL string, log *logrus.Logger) *Xendit {
	client := xendit.NewClient(secretKey)
	return &Xendit{
		create: func(ctx context.Context, req invoice.CreateInvoiceRequest) (string, string, error) {
			inv, _, xerr := client.InvoiceApi.CreateInvoice(ctx).
				CreateInvoiceRequest(req).
				Execute()
			if xerr != nil {
				return "", "", errors.New(xerr.Error())
			}
			return inv.GetId(), inv.GetInvoiceUrl(), nil
		},
		successURL: successURL,
		log:        log,
	}
}

// CreateSession creates an invoice and returns its id and hosted URL.
func (x *Xendit) CreateSession(ctx context.Context, s Session) (Result, error) {
	req := invoice.NewCreateInvoiceRequest(s.RegistrationID, float64(s.Amount))
	req.SetDescription(s.Description)
	if s.Currency != "" {
		req.SetCurrency(strings.ToUpper(s.Currency))
	}
	if x.successURL != "" {
		req.SetSuccessRedirectUrl(x.successURL)
	}

	id, url, err := x.create(ctx, *req)
	if err != nil {
		return Result{}, fmt.Errorf("create invoice: %w", err)
	}
	if id == "" || url == "" {
		return Result{}, errors.New("create invoice: response has no id or url")
	}

	x.log.WithFields(logrus.Fields{
		"registration_id": s.RegistrationID,
		"invoice_id":      id,
	}).Info("checkout session opened")
	return Result{SessionID: id, URL: url}, nil
}

// Fake opens sessions locally. The session id is printed to the log so a
// signed webhook can be sent by hand.
type Fake struct {
	BaseURL string
	Log     *logrus.Logger

	// Err, when set, makes every call fail.
	Err error

	mu       sync.Mutex
	sessions []Session
}

// CreateSession records s and returns a random session id, or Err when set.
func (f *Fake) CreateSession(ctx context.Context, s Session) (Result, error) {
	if f.Err != nil {
		return Result{}, f.Err
	}

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()

	id := "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if f.Log != nil {
		f.Log.WithFields(logrus.Fields{
			"registration_id":     s.RegistrationID,
			"checkout_session_id": id,
		}).Info("fake checkout session opened")
	}
	return Result{SessionID: id, URL: strings.TrimSuffix(f.BaseURL, "/") + "/checkout/" + id}, nil
}

// Sessions returns the sessions opened so far.
func (f *Fake) Sessions() []Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Session(nil), f.sessions...)
}
