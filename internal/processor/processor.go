// Package processor normalizes inbound payment-processor webhooks into
// canonical events. Each processor verifies its own signature scheme against
// the exact raw bytes received, before any JSON parsing.
package processor

import (
	"errors"
	"net/http"
)

type EventKind string

const (
	KindCaptured EventKind = "captured"
	KindFailed   EventKind = "failed"
	KindRefunded EventKind = "refunded"
)

// Event is the processor-agnostic representation of an inbound
// payment-outcome notification.
type Event struct {
	Kind             EventKind
	OrderRef         string
	ProcessorEventID string
	AmountMinor      int64
	ProcessorTxnID   string
	ErrorCode        string
	ErrorMessage     string
}

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrPayloadMalformed = errors.New("payload malformed")
	// ErrUnroutable marks an authentic, well-formed event that carries no
	// merchant correlation metadata. The receiver acknowledges it and drops
	// it; failing here would invite the processor to retry forever.
	ErrUnroutable = errors.New("event not routable")
	// ErrUnhandledType marks event types this gateway does not consume.
	ErrUnhandledType = errors.New("event type not handled")
)

type Processor interface {
	Name() string
	Normalize(body []byte, hdr http.Header) (*Event, error)
}

// Registry maps the {processor} path segment of a webhook receiver to its
// Processor implementation.
type Registry struct {
	byName map[string]Processor
}

func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{byName: make(map[string]Processor, len(procs))}
	for _, p := range procs {
		r.byName[p.Name()] = p
	}
	return r
}

func (r *Registry) Lookup(name string) (Processor, bool) {
	p, ok := r.byName[name]
	return p, ok
}
