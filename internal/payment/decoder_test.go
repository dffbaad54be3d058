package payment

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedDecoder() *SignedDecoder {
	d := NewSignedDecoder("whsec_test", 5*time.Minute)
	d.now = func() time.Time { return fixedNow }
	return d
}

func signedRaw(secret string, at time.Time, body string) Raw {
	h := http.Header{}
	h.Set(SignatureHeader, Sign(secret, at, []byte(body)))
	return Raw{Header: h, Body: []byte(body)}
}

const completedBody = `{"id":"evt_1","type":"checkout.session.completed",
	"data":{"checkout_session_id":"cs_1","payment_intent_id":"pi_1","amount":150000,"currency":"IDR"}}`

func TestSignedDecoderVerification(t *testing.T) {
	d := signedDecoder()

	tests := []struct {
		name string
		raw  Raw
		ok   bool
	}{
		{"valid", signedRaw("whsec_test", fixedNow, completedBody), true},
		{"within tolerance", signedRaw("whsec_test", fixedNow.Add(-4*time.Minute), completedBody), true},
		{"wrong secret", signedRaw("whsec_other", fixedNow, completedBody), false},
		{"too old", signedRaw("whsec_test", fixedNow.Add(-10*time.Minute), completedBody), false},
		{"from the future", signedRaw("whsec_test", fixedNow.Add(10*time.Minute), completedBody), false},
		{"missing header", Raw{Header: http.Header{}, Body: []byte(completedBody)}, false},
		{
			name: "body altered after signing",
			raw: func() Raw {
				r := signedRaw("whsec_test", fixedNow, completedBody)
				r.Body = []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"checkout_session_id":"cs_2"}}`)
				return r
			}(),
		},
		{
			name: "garbage header",
			raw: func() Raw {
				h := http.Header{}
				h.Set(SignatureHeader, "v1=abc")
				return Raw{Header: h, Body: []byte(completedBody)}
			}(),
		},
		{
			name: "non numeric timestamp",
			raw: func() Raw {
				h := http.Header{}
				h.Set(SignatureHeader, "t=yesterday,v1="+mac([]byte("whsec_test"), "yesterday", []byte(completedBody)))
				return Raw{Header: h, Body: []byte(completedBody)}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.raw)
			if tt.ok && err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrVerification) {
				t.Fatalf("err = %v, want ErrVerification", err)
			}
		})
	}
}

func TestSignedDecoderPayloads(t *testing.T) {
	d := signedDecoder()

	tests := []struct {
		name    string
		body    string
		check   func(t *testing.T, n Notification)
		wantErr error
	}{
		{
			name: "completed",
			body: completedBody,
			check: func(t *testing.T, n Notification) {
				p, ok := n.Payload.(CheckoutCompleted)
				if !ok {
					t.Fatalf("payload = %T, want CheckoutCompleted", n.Payload)
				}
				if p.CheckoutSessionID != "cs_1" || p.PaymentIntentID != "pi_1" || p.Amount != 150000 {
					t.Errorf("payload = %+v", p)
				}
				if n.EventID != "evt_1" || n.Key.CheckoutSessionID != "cs_1" {
					t.Errorf("notification = %+v", n)
				}
			},
		},
		{
			name: "expired",
			body: `{"id":"evt_2","type":"checkout.session.expired","data":{"checkout_session_id":"cs_1"}}`,
			check: func(t *testing.T, n Notification) {
				if _, ok := n.Payload.(CheckoutExpired); !ok {
					t.Fatalf("payload = %T, want CheckoutExpired", n.Payload)
				}
			},
		},
		{
			name: "failed by intent only",
			body: `{"id":"evt_3","type":"payment_intent.payment_failed","data":{"payment_intent_id":"pi_9","failure_code":"card_declined"}}`,
			check: func(t *testing.T, n Notification) {
				p, ok := n.Payload.(PaymentFailed)
				if !ok {
					t.Fatalf("payload = %T, want PaymentFailed", n.Payload)
				}
				if p.FailureCode != "card_declined" || n.Key.PaymentIntentID != "pi_9" {
					t.Errorf("payload = %+v key = %+v", p, n.Key)
				}
			},
		},
		{
			name:    "unhandled type",
			body:    `{"id":"evt_4","type":"customer.created","data":{}}`,
			wantErr: ErrUnhandledType,
		},
		{
			name:    "no correlation key",
			body:    `{"id":"evt_5","type":"checkout.session.completed","data":{"amount":1}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "not json",
			body:    `checkout.session.completed`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing id",
			body:    `{"type":"checkout.session.completed","data":{"checkout_session_id":"cs_1"}}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := d.Decode(signedRaw("whsec_test", fixedNow, tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if n.Provider != "signed" {
				t.Errorf("provider = %s", n.Provider)
			}
			tt.check(t, n)
		})
	}
}

func TestSignFormat(t *testing.T) {
	got := Sign("s", time.Unix(1700000000, 0), []byte("{}"))
	want := "t=" + strconv.Itoa(1700000000) + ",v1=" + mac([]byte("s"), "1700000000", []byte("{}"))
	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func xenditRaw(token, webhookID, body string) Raw {
	h := http.Header{}
	if token != "" {
		h.Set(XenditTokenHeader, token)
	}
	if webhookID != "" {
		h.Set(XenditWebhookHeader, webhookID)
	}
	return Raw{Header: h, Body: []byte(body)}
}

func TestXenditDecoder(t *testing.T) {
	d := NewXenditDecoder("cb-token")

	tests := []struct {
		name     string
		raw      Raw
		wantType any
		wantErr  error
	}{
		{
			name:     "paid",
			raw:      xenditRaw("cb-token", "wh_1", `{"id":"inv_1","external_id":"reg-1","status":"PAID","paid_amount":150000,"currency":"IDR","payment_id":"pay_1"}`),
			wantType: CheckoutCompleted{},
		},
		{
			name:     "settled",
			raw:      xenditRaw("cb-token", "", `{"id":"inv_1","external_id":"reg-1","status":"SETTLED","paid_amount":150000}`),
			wantType: CheckoutCompleted{},
		},
		{
			name:     "expired",
			raw:      xenditRaw("cb-token", "", `{"id":"inv_1","external_id":"reg-1","status":"EXPIRED"}`),
			wantType: CheckoutExpired{},
		},
		{
			name:     "failed",
			raw:      xenditRaw("cb-token", "", `{"id":"inv_1","external_id":"reg-1","status":"FAILED","failure_code":"INSUFFICIENT_BALANCE"}`),
			wantType: PaymentFailed{},
		},
		{
			name:    "pending is not acted on",
			raw:     xenditRaw("cb-token", "", `{"id":"inv_1","external_id":"reg-1","status":"PENDING"}`),
			wantErr: ErrUnhandledType,
		},
		{
			name:    "wrong token",
			raw:     xenditRaw("nope", "", `{"id":"inv_1","status":"PAID"}`),
			wantErr: ErrVerification,
		},
		{
			name:    "missing token",
			raw:     xenditRaw("", "", `{"id":"inv_1","status":"PAID"}`),
			wantErr: ErrVerification,
		},
		{
			name:    "malformed body",
			raw:     xenditRaw("cb-token", "", `{"id":`),
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := d.Decode(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			switch tt.wantType.(type) {
			case CheckoutCompleted:
				p, ok := n.Payload.(CheckoutCompleted)
				if !ok || p.Amount != 150000 {
					t.Fatalf("payload = %#v", n.Payload)
				}
			case CheckoutExpired:
				if _, ok := n.Payload.(CheckoutExpired); !ok {
					t.Fatalf("payload = %#v", n.Payload)
				}
			case PaymentFailed:
				if _, ok := n.Payload.(PaymentFailed); !ok {
					t.Fatalf("payload = %#v", n.Payload)
				}
			}
			if n.Key.RegistrationID != "reg-1" || n.Key.CheckoutSessionID != "inv_1" {
				t.Errorf("key = %+v", n.Key)
			}
		})
	}
}

func TestXenditEventID(t *testing.T) {
	d := NewXenditDecoder("cb-token")
	body := `{"id":"inv_1","external_id":"reg-1","status":"PAID"}`

	withHeader, _ := d.Decode(xenditRaw("cb-token", "wh_42", body))
	if withHeader.EventID != "wh_42" {
		t.Errorf("event id = %s, want wh_42", withHeader.EventID)
	}
	without, _ := d.Decode(xenditRaw("cb-token", "", body))
	if without.EventID != "inv_1:PAID" {
		t.Errorf("event id = %s, want inv_1:PAID", without.EventID)
	}
}
