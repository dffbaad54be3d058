package checkout

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/xendit/xendit-go/v6/invoice"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestXenditCreateSessionRequest(t *testing.T) {
	var got invoice.CreateInvoiceRequest
	x := &Xendit{
		create: func(ctx context.Context, req invoice.CreateInvoiceRequest) (string, string, error) {
			got = req
			return "inv_1", "https://checkout.xendit.co/web/inv_1", nil
		},
		successURL: "https://tickets.example/paid",
		log:        quietLogger(),
	}

	res, err := x.CreateSession(context.Background(), Session{
		RegistrationID: "r-1",
		Description:    "City Run - 5K",
		Amount:         150000,
		Currency:       "idr",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if res.SessionID != "inv_1" || res.URL != "https://checkout.xendit.co/web/inv_1" {
		t.Errorf("result = %+v", res)
	}
	if got.GetExternalId() != "r-1" || got.GetAmount() != 150000 {
		t.Errorf("external id = %s amount = %v", got.GetExternalId(), got.GetAmount())
	}
	if got.GetCurrency() != "IDR" || got.GetDescription() != "City Run - 5K" {
		t.Errorf("currency = %s description = %s", got.GetCurrency(), got.GetDescription())
	}
	if got.GetSuccessRedirectUrl() != "https://tickets.example/paid" {
		t.Errorf("success url = %s", got.GetSuccessRedirectUrl())
	}
}

func TestXenditCreateSessionErrors(t *testing.T) {
	refused := errors.New("API_VALIDATION_ERROR")

	tests := []struct {
		name    string
		id, url string
		err     error
		wantErr error
	}{
		{name: "api error", err: refused, wantErr: refused},
		{name: "missing url", id: "inv_1"},
		{name: "missing id", url: "https://checkout.xendit.co/web/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &Xendit{
				create: func(ctx context.Context, req invoice.CreateInvoiceRequest) (string, string, error) {
					return tt.id, tt.url, tt.err
				},
				log: quietLogger(),
			}
			_, err := x.CreateSession(context.Background(), Session{RegistrationID: "r-1", Amount: 1})
			if err == nil {
				t.Fatal("CreateSession succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFakeCreateSession(t *testing.T) {
	f := &Fake{BaseURL: "http://localhost:8080/"}

	res, err := f.CreateSession(context.Background(), Session{RegistrationID: "r-1", Amount: 150000})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(res.SessionID, "cs_") || res.URL != "http://localhost:8080/checkout/"+res.SessionID {
		t.Errorf("result = %+v", res)
	}
	if s := f.Sessions(); len(s) != 1 || s[0].RegistrationID != "r-1" {
		t.Errorf("sessions = %+v", s)
	}

	f.Err = errors.New("down")
	if _, err := f.CreateSession(context.Background(), Session{}); !errors.Is(err, f.Err) {
		t.Errorf("err = %v, want configured error", err)
	}
}
