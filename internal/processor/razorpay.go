package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// Razorpay verifies X-Razorpay-Signature: plain hex HMAC-SHA256 over the raw
// request body.
type Razorpay struct {
	secret []byte
}

func NewRazorpay(secret string) *Razorpay {
	return &Razorpay{secret: []byte(secret)}
}

func (r *Razorpay) Name() string { return "razorpay" }

func (r *Razorpay) Normalize(body []byte, hdr http.Header) (*Event, error) {
	sig := hdr.Get("X-Razorpay-Signature")
	if sig == "" {
		return nil, ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrSignatureInvalid
	}

	var raw razorpayEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}

	ev := &Event{ProcessorEventID: raw.EventID}

	switch raw.Event {
	case "payment.captured":
		p := raw.Payload.Payment.Entity
		if p.ID == "" {
			return nil, ErrPayloadMalformed
		}
		ev.Kind = KindCaptured
		ev.AmountMinor = p.Amount
		ev.ProcessorTxnID = p.ID
		ev.OrderRef = p.Notes["order_ref"]
	case "payment.failed":
		p := raw.Payload.Payment.Entity
		if p.ID == "" {
			return nil, ErrPayloadMalformed
		}
		ev.Kind = KindFailed
		ev.AmountMinor = p.Amount
		ev.ProcessorTxnID = p.ID
		ev.ErrorCode = p.ErrorCode
		ev.ErrorMessage = p.ErrorDescription
		ev.OrderRef = p.Notes["order_ref"]
	case "refund.processed":
		rf := raw.Payload.Refund.Entity
		if rf.ID == "" {
			return nil, ErrPayloadMalformed
		}
		ev.Kind = KindRefunded
		ev.AmountMinor = rf.Amount
		ev.ProcessorTxnID = rf.ID
		ev.OrderRef = rf.Notes["order_ref"]
	default:
		return nil, ErrUnhandledType
	}

	if ev.ProcessorEventID == "" {
		return nil, ErrPayloadMalformed
	}
	if ev.OrderRef == "" {
		return nil, ErrUnroutable
	}

	return ev, nil
}

type razorpayEvent struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string            `json:"id"`
				Amount           int64             `json:"amount"`
				ErrorCode        string            `json:"error_code"`
				ErrorDescription string            `json:"error_description"`
				Notes            map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID     string            `json:"id"`
				Amount int64             `json:"amount"`
				Notes  map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}
