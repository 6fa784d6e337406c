// Package outbox drains merchant-bound webhook notifications from the
// durable queue, delivering each with retry and exponential backoff.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/repository"
)

type Config struct {
	Workers     int
	MaxAttempts int
	Timeout     time.Duration
	PollEvery   time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Dispatcher is the background delivery scheduler. Multiple workers drain
// the queue concurrently; the claim step guarantees at most one in-flight
// attempt per entry.
type Dispatcher struct {
	store  *repository.Store
	client *http.Client
	cfg    Config

	// now is swappable in tests.
	now func() time.Time
}

func NewDispatcher(store *repository.Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run polls for due entries until ctx is cancelled, feeding a fixed pool of
// delivery workers. In-flight attempts drain before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	ids := make(chan int64)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				d.Deliver(ctx, id)
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.PollEvery)
	defer ticker.Stop()

	log.Printf("[outbox] dispatcher started workers=%d poll=%s", d.cfg.Workers, d.cfg.PollEvery)

	// Claims abandoned by a previous process stay in the in-flight state
	// forever unless swept back, so recover them before the first poll.
	d.requeueStale(ctx)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		d.requeueStale(ctx)

		due, err := d.store.DueWebhookIDs(ctx, d.now(), 100)
		if err != nil {
			log.Printf("[outbox] WARNING: scan failed: %v", err)
			continue
		}

		for _, id := range due {
			select {
			case ids <- id:
			case <-ctx.Done():
				break loop
			}
		}
	}

	close(ids)
	wg.Wait()
	log.Printf("[outbox] dispatcher stopped")
}

// requeueStale sweeps abandoned claims back to pending. A claim older than
// the attempt timeout plus one poll interval cannot still have a live owner.
func (d *Dispatcher) requeueStale(ctx context.Context) {
	cutoff := d.now().Add(-(d.cfg.Timeout + d.cfg.PollEvery))
	n, err := d.store.RequeueStaleWebhooks(ctx, cutoff, d.now())
	if err != nil {
		log.Printf("[outbox] WARNING: stale claim sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[outbox] requeued %d abandoned in-flight entries", n)
	}
}

// Deliver claims one entry and attempts it. Losing the claim race is not an
// error; another worker owns the attempt.
func (d *Dispatcher) Deliver(ctx context.Context, id int64) {
	claimed, err := d.store.ClaimWebhook(ctx, id, d.now())
	if err != nil {
		log.Printf("[outbox] WARNING: claim %d failed: %v", id, err)
		return
	}
	if !claimed {
		return
	}

	// Once claimed, the bookkeeping writes must land even if ctx is
	// cancelled mid-attempt; otherwise the entry stays in-flight until the
	// stale sweep finds it.
	bctx := context.WithoutCancel(ctx)

	ev, err := d.store.GetWebhook(bctx, id)
	if err != nil {
		log.Printf("[outbox] WARNING: load %d failed: %v", id, err)
		return
	}

	merchant, err := d.store.GetMerchant(bctx, ev.MerchantID)
	if err != nil {
		log.Printf("[outbox] WARNING: merchant %s missing for entry %d, exhausting", ev.MerchantID, id)
		d.store.MarkWebhookFailed(bctx, id, d.now(), time.Time{}, true)
		return
	}

	if d.attempt(ctx, merchant, ev) {
		if err := d.store.MarkWebhookDelivered(bctx, id, d.now()); err != nil {
			log.Printf("[outbox] WARNING: mark delivered %d failed: %v", id, err)
		}
		return
	}

	attempts := ev.Attempts + 1
	exhausted := attempts >= d.cfg.MaxAttempts
	next := d.now().Add(d.Backoff(attempts))
	if err := d.store.MarkWebhookFailed(bctx, id, d.now(), next, exhausted); err != nil {
		log.Printf("[outbox] WARNING: mark failed %d failed: %v", id, err)
		return
	}
	if exhausted {
		log.Printf("[outbox] entry %d exhausted after %d attempts (merchant=%s type=%s)",
			id, attempts, ev.MerchantID, ev.EventType)
	}
}

// attempt posts the signed payload; anything but 2xx within the timeout is a
// failure.
func (d *Dispatcher) attempt(ctx context.Context, m *domain.Merchant, ev *domain.WebhookEvent) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.WebhookURL, bytes.NewReader(ev.Payload))
	if err != nil {
		log.Printf("[outbox] WARNING: build request for %d: %v", ev.ID, err)
		return false
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payloops-Event", ev.EventType)
	req.Header.Set("X-Payloops-Timestamp", ts)
	req.Header.Set("X-Payloops-Signature", Sign(m.WebhookSecret, ev.Payload, ts))

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Backoff is base·2^(attempts-1) capped at the configured ceiling.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	backoff := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if backoff > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return backoff
}

// Sign mirrors the inbound merchant-API scheme: hex HMAC-SHA256 over
// payload incl. the timestamp, so merchants verify the exact bytes received.
func Sign(secret string, payload []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	mac.Write([]byte("." + ts))
	return hex.EncodeToString(mac.Sum(nil))
}
