package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
)

// Decoder verifies a raw notification and decodes it. Verification always
// runs before the body is interpreted.
type Decoder interface {
	Provider() string
	Decode(raw Raw) (Notification, error)
}

// ─── HMAC-signed JSON notifications ───────────────────────────────────────────

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>".
const SignatureHeader = "Payment-Signature"

const (
	TypeCheckoutCompleted = "checkout.session.completed"
	TypeCheckoutExpired   = "checkout.session.expired"
	TypePaymentFailed     = "payment_intent.payment_failed"
)

// SignedDecoder accepts JSON notifications signed with a shared secret. The
// signature is HMAC-SHA256 over "<t>.<body>".
type SignedDecoder struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignedDecoder constructs a SignedDecoder. Signatures older or newer
// than tolerance are refused.
func NewSignedDecoder(secret string, tolerance time.Duration) *SignedDecoder {
	return &SignedDecoder{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Provider names the source recorded in the notification audit log.
func (d *SignedDecoder) Provider() string { return "signed" }

// Sign returns the header value for body signed at t.
func Sign(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + mac([]byte(secret), ts, body)
}

func mac(secret []byte, ts string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type signedEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		CheckoutSessionID string `json:"checkout_session_id"`
		PaymentIntentID   string `json:"payment_intent_id"`
		Amount            int64  `json:"amount"`
		Currency          string `json:"currency"`
		FailureCode       string `json:"failure_code"`
	} `json:"data"`
}

// Decode checks the signature header, then decodes the JSON envelope.
func (d *SignedDecoder) Decode(raw Raw) (Notification, error) {
	if err := d.verify(raw.Header.Get(SignatureHeader), raw.Body); err != nil {
		return Notification{}, err
	}

	var env signedEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Type == "" {
		return Notification{}, fmt.Errorf("%w: missing id or type", ErrMalformed)
	}

	n := Notification{
		Provider:   d.Provider(),
		EventID:    env.ID,
		Type:       env.Type,
		ReceivedAt: d.now().UTC(),
		Key: repository.CorrelationKey{
			CheckoutSessionID: env.Data.CheckoutSessionID,
			PaymentIntentID:   env.Data.PaymentIntentID,
		},
	}

	switch env.Type {
	case TypeCheckoutCompleted:
		n.Payload = CheckoutCompleted{
			CheckoutSessionID: env.Data.CheckoutSessionID,
			PaymentIntentID:   env.Data.PaymentIntentID,
			Amount:            env.Data.Amount,
			Currency:          env.Data.Currency,
		}
	case TypeCheckoutExpired:
		n.Payload = CheckoutExpired{CheckoutSessionID: env.Data.CheckoutSessionID}
	case TypePaymentFailed:
		n.Payload = PaymentFailed{
			CheckoutSessionID: env.Data.CheckoutSessionID,
			PaymentIntentID:   env.Data.PaymentIntentID,
			FailureCode:       env.Data.FailureCode,
		}
	default:
		return n, fmt.Errorf("%w: %s", ErrUnhandledType, env.Type)
	}

	if n.Key.Empty() {
		return Notification{}, fmt.Errorf("%w: no correlation key", ErrMalformed)
	}
	return n, nil
}

func (d *SignedDecoder) verify(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrVerification, SignatureHeader)
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed signature header", ErrVerification)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrVerification)
	}
	if d.tolerance > 0 {
		skew := d.now().Sub(time.Unix(unix, 0))
		if math.Abs(float64(skew)) > float64(d.tolerance) {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrVerification)
		}
	}

	if !hmac.Equal([]byte(mac(d.secret, ts, body)), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrVerification)
	}
	return nil
}

// ─── Xendit invoice callbacks ─────────────────────────────────────────────────

const (
	XenditTokenHeader   = "x-callback-token"
	XenditWebhookHeader = "webhook-id"
)

// XenditDecoder accepts Xendit invoice callbacks, authenticated by the
// account's callback verification token.
type XenditDecoder struct {
	token []byte
	now   func() time.Time
}

// NewXenditDecoder constructs a XenditDecoder.
func NewXenditDecoder(token string) *XenditDecoder {
	return &XenditDecoder{token: []byte(token), now: time.Now}
}

// Provider names the source recorded in the notification audit log.
func (d *XenditDecoder) Provider() string { return "xendit" }

type xenditInvoiceCallback struct {
	ID          string  `json:"id"`
	ExternalID  string  `json:"external_id"`
	Status      string  `json:"status"`
	PaidAmount  float64 `json:"paid_amount"`
	Currency    string  `json:"currency"`
	PaymentID   string  `json:"payment_id"`
	FailureCode string  `json:"failure_code"`
}

// Decode checks the callback token, then maps the invoice status to a
// payload. PAID and SETTLED both complete the checkout.
func (d *XenditDecoder) Decode(raw Raw) (Notification, error) {
	token := raw.Header.Get(XenditTokenHeader)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), d.token) != 1 {
		return Notification{}, fmt.Errorf("%w: callback token mismatch", ErrVerification)
	}

	var cb xenditInvoiceCallback
	if err := json.Unmarshal(raw.Body, &cb); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cb.ID == "" || cb.Status == "" {
		return Notification{}, fmt.Errorf("%w: missing id or status", ErrMalformed)
	}

	// Xendit retries reuse webhook-id. Without it, one invoice produces at
	// most one callback per status.
	eventID := raw.Header.Get(XenditWebhookHeader)
	if eventID == "" {
		eventID = cb.ID + ":" + cb.Status
	}

	n := Notification{
		Provider:   d.Provider(),
		EventID:    eventID,
		Type:       "invoice." + strings.ToLower(cb.Status),
		ReceivedAt: d.now().UTC(),
		Key: repository.CorrelationKey{
			RegistrationID:    cb.ExternalID,
			CheckoutSessionID: cb.ID,
			PaymentIntentID:   cb.PaymentID,
		},
	}

	switch strings.ToUpper(cb.Status) {
	case "PAID", "SETTLED":
		n.Payload = CheckoutCompleted{
			CheckoutSessionID: cb.ID,
			PaymentIntentID:   cb.PaymentID,
			Amount:            int64(math.Round(cb.PaidAmount)),
			Currency:          cb.Currency,
		}
	case "EXPIRED":
		n.Payload = CheckoutExpired{CheckoutSessionID: cb.ID}
	case "FAILED":
		n.Payload = PaymentFailed{
			CheckoutSessionID: cb.ID,
			PaymentIntentID:   cb.PaymentID,
			FailureCode:       cb.FailureCode,
		}
	default:
		return n, fmt.Errorf("%w: %s", ErrUnhandledType, cb.Status)
	}
	return n, nil
}
