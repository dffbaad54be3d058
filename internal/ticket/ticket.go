// Package ticket issues and verifies the credential attached to a confirmed
// registration.
package ticket

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

// CodeLength is the number of characters in a ticket code.
const CodeLength = 8

const dataURLPrefix = "data:image/png;base64,"

var (
	// ErrInvalidTicket is returned for a payload that is malformed or whose
	// signature does not match.
	ErrInvalidTicket = errors.New("invalid ticket")
	// ErrNotConfirmed is returned when the ticket belongs to a registration
	// that is not confirmed.
	ErrNotConfirmed = errors.New("registration is not confirmed")
)

// Ticket is the credential of one registration.
type Ticket struct {
	Code string `json:"ticket_code"`
	QR   string `json:"qr_code"`

	// Issued is true only for the call that wrote the credential.
	Issued bool `json:"-"`
}

// Store is the persistence the issuer needs.
type Store interface {
	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	SetTicket(ctx context.Context, id, code, qr string) (bool, error)
}

// Issuer mints ticket credentials.
type Issuer struct {
	store Store
	key   []byte
	log   *logrus.Logger
}

// NewIssuer constructs an Issuer that signs payloads with key.
func NewIssuer(store Store, key string, log *logrus.Logger) *Issuer {
	return &Issuer{store: store, key: []byte(key), log: log}
}

// Code derives the ticket code from a registration id.
func Code(registrationID string) string {
	code := strings.ToUpper(strings.ReplaceAll(registrationID, "-", ""))
	if len(code) > CodeLength {
		code = code[:CodeLength]
	}
	return code
}

// IssueIfAbsent returns the stored ticket of a registration, creating it
// first when the registration has none.
func (i *Issuer) IssueIfAbsent(ctx context.Context, registrationID string) (Ticket, error) {
	reg, err := i.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return Ticket{}, fmt.Errorf("load registration: %w", err)
	}
	if reg.HasTicket() {
		return stored(reg), nil
	}

	code := Code(reg.ID)
	png, err := qrcode.Encode(i.Payload(reg.ID, reg.EventID, code), qrcode.Medium, 256)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode qr: %w", err)
	}
	qr := dataURLPrefix + base64.StdEncoding.EncodeToString(png)

	written, err := i.store.SetTicket(ctx, reg.ID, code, qr)
	if err != nil {
		return Ticket{}, fmt.Errorf("store ticket: %w", err)
	}
	if !written {
		// Lost the race to a concurrent issuer. Return what it stored.
		reg, err = i.store.GetRegistration(ctx, registrationID)
		if err != nil {
			return Ticket{}, fmt.Errorf("reload registration: %w", err)
		}
		return stored(reg), nil
	}

	i.log.WithFields(logrus.Fields{
		"registration_id": reg.ID,
		"ticket_code":     code,
	}).Info("ticket issued")
	return Ticket{Code: code, QR: qr, Issued: true}, nil
}

func stored(reg *model.Registration) Ticket {
	t := Ticket{QR: *reg.QRCode}
	if reg.TicketCode != nil {
		t.Code = *reg.TicketCode
	} else {
		t.Code = Code(reg.ID)
	}
	return t
}

// Payload is the text encoded in the QR image.
func (i *Issuer) Payload(registrationID, eventID, code string) string {
	return fmt.Sprintf("registration:%s;event:%s;code:%s;signature:%s",
		registrationID, eventID, code, i.sign(registrationID, eventID, code))
}

func (i *Issuer) sign(registrationID, eventID, code string) string {
	h := hmac.New(sha256.New, i.key)
	h.Write([]byte(registrationID + ":" + eventID + ":" + code))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a scanned payload and returns the registration it admits.
func (i *Issuer) Verify(ctx context.Context, payload string) (*model.Registration, error) {
	fields, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}

	expected := i.sign(fields["registration"], fields["event"], fields["code"])
	if !hmac.Equal([]byte(expected), []byte(fields["signature"])) {
		return nil, ErrInvalidTicket
	}

	reg, err := i.store.GetRegistration(ctx, fields["registration"])
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidTicket
		}
		return nil, fmt.Errorf("load registration: %w", err)
	}
	if reg.EventID != fields["event"] || Code(reg.ID) != fields["code"] {
		return nil, ErrInvalidTicket
	}
	if reg.Status != model.RegistrationConfirmed {
		return nil, ErrNotConfirmed
	}
	return reg, nil
}

var payloadKeys = []string{"registration", "event", "code", "signature"}

func parsePayload(payload string) (map[string]string, error) {
	parts := strings.Split(payload, ";")
	if len(parts) != len(payloadKeys) {
		return nil, ErrInvalidTicket
	}

	fields := make(map[string]string, len(parts))
	for n, key := range payloadKeys {
		value, ok := strings.CutPrefix(parts[n], key+":")
		if !ok || value == "" {
			return nil, ErrInvalidTicket
		}
		fields[key] = value
	}
	return fields, nil
}
