package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Stripe verifies the Stripe-Signature header scheme: "t=<unix>,v1=<hex>",
// HMAC-SHA256 over "<t>.<raw body>". The signed timestamp is held to a
// bounded age so a captured payload cannot be replayed later.
type Stripe struct {
	secret []byte
	maxAge int64

	// now is swappable in tests.
	now func() time.Time
}

func NewStripe(secret string, maxAgeSeconds int64) *Stripe {
	return &Stripe{secret: []byte(secret), maxAge: maxAgeSeconds, now: time.Now}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Normalize(body []byte, hdr http.Header) (*Event, error) {
	ts, sig, err := parseStripeSigHeader(hdr.Get("Stripe-Signature"))
	if err != nil {
		return nil, err
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if s.maxAge > 0 && s.now().Unix()-tsInt > s.maxAge {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrSignatureInvalid
	}

	var raw stripeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if raw.ID == "" || raw.Data.Object.ID == "" {
		return nil, ErrPayloadMalformed
	}

	ev := &Event{
		ProcessorEventID: raw.ID,
		AmountMinor:      raw.Data.Object.Amount,
		ProcessorTxnID:   raw.Data.Object.ID,
	}

	switch raw.Type {
	case "payment_intent.succeeded":
		ev.Kind = KindCaptured
	case "payment_intent.payment_failed":
		ev.Kind = KindFailed
		ev.ErrorCode = raw.Data.Object.LastPaymentError.Code
		ev.ErrorMessage = raw.Data.Object.LastPaymentError.Message
	case "charge.refunded":
		ev.Kind = KindRefunded
		ev.AmountMinor = raw.Data.Object.AmountRefunded
	default:
		return nil, ErrUnhandledType
	}

	ev.OrderRef = raw.Data.Object.Metadata["order_ref"]
	if ev.OrderRef == "" {
		return nil, ErrUnroutable
	}

	return ev, nil
}

func parseStripeSigHeader(h string) (ts, sig string, err error) {
	if h == "" {
		return "", "", ErrSignatureInvalid
	}
	for _, part := range strings.Split(h, ",") {
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
		return "", "", ErrSignatureInvalid
	}
	return ts, sig, nil
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string            `json:"id"`
			Amount           int64             `json:"amount"`
			AmountRefunded   int64             `json:"amount_refunded"`
			Metadata         map[string]string `json:"metadata"`
			LastPaymentError struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}
