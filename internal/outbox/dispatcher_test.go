package outbox

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/repository"
)

const merchantSecret = "merchant-secret"

func newTestStore(t *testing.T, webhookURL string) *repository.Store {
	t.Helper()
	store, err := repository.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	err = store.UpsertMerchant(context.Background(), &domain.Merchant{
		ID:            "m1",
		Name:          "Test Merchant",
		WebhookURL:    webhookURL,
		WebhookSecret: merchantSecret,
	})
	require.NoError(t, err)

	return store
}

func enqueue(t *testing.T, store *repository.Store, payload string) int64 {
	t.Helper()
	ev := &domain.WebhookEvent{
		MerchantID:       "m1",
		OrderID:          1,
		EventType:        "order.captured",
		Payload:          []byte(payload),
		ProcessorEventID: "evt1",
	}
	err := store.WithTx(context.Background(), func(tx *repository.Tx) error {
		return tx.EnqueueWebhook(context.Background(), ev)
	})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
	return ev.ID
}

func testConfig() Config {
	return Config{
		Workers:     2,
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		PollEvery:   10 * time.Millisecond,
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
	}
}

func TestDeliverSuccess(t *testing.T) {
	var gotBody string
	var gotSig, gotTS, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotSig = r.Header.Get("X-Payloops-Signature")
		gotTS = r.Header.Get("X-Payloops-Timestamp")
		gotType = r.Header.Get("X-Payloops-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{"status":"captured"}`)

	d := NewDispatcher(store, testConfig())
	d.Deliver(context.Background(), id)

	ev, err := store.GetWebhook(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Nil(t, ev.NextRetryAt)
	assert.NotNil(t, ev.DeliveredAt)

	assert.Equal(t, `{"status":"captured"}`, gotBody)
	assert.Equal(t, "order.captured", gotType)
	require.NotEmpty(t, gotTS)
	assert.True(t, hmac.Equal([]byte(gotSig), []byte(Sign(merchantSecret, []byte(gotBody), gotTS))),
		"merchant-side verification of the delivery signature")
}

func TestDeliverFailureSchedulesRetryThenExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{}`)

	cfg := testConfig()
	d := NewDispatcher(store, cfg)
	ctx := context.Background()

	var retryAts []time.Time
	attemptAts := make([]time.Time, 0, cfg.MaxAttempts)

	for i := 1; i <= cfg.MaxAttempts; i++ {
		attemptAts = append(attemptAts, time.Now())
		d.Deliver(ctx, id)

		ev, err := store.GetWebhook(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Attempts)

		if i < cfg.MaxAttempts {
			assert.Equal(t, domain.DeliveryPending, ev.Status)
			require.NotNil(t, ev.NextRetryAt)
			retryAts = append(retryAts, *ev.NextRetryAt)
		} else {
			assert.Equal(t, domain.DeliveryExhausted, ev.Status)
			assert.Nil(t, ev.NextRetryAt)
		}
	}

	// Gaps between attempt time and scheduled retry grow strictly.
	require.Len(t, retryAts, cfg.MaxAttempts-1)
	var prevGap time.Duration
	for i, at := range retryAts {
		gap := at.Sub(attemptAts[i])
		assert.Greater(t, gap, prevGap, "retry gap must grow with each failure")
		prevGap = gap
	}

	// An exhausted entry is never claimed again.
	d.Deliver(ctx, id)
	ev, err := store.GetWebhook(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxAttempts, ev.Attempts)
}

func TestClaimExclusivity(t *testing.T) {
	store := newTestStore(t, "http://merchant.test")
	id := enqueue(t, store, `{}`)

	const workers = 16
	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimWebhook(context.Background(), id, time.Now())
			if assert.NoError(t, err) && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one worker may own an in-flight delivery")
}

func TestDeliverCancelledMidAttemptStillBookkeeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Shutdown lands while the attempt is in flight.
		cancel()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{}`)

	d := NewDispatcher(store, testConfig())
	d.Deliver(ctx, id)

	// The failure must be recorded despite the cancelled context; the entry
	// may not wedge in the in-flight state.
	ev, err := store.GetWebhook(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.NextRetryAt)
}

func TestRunRecoversAbandonedClaim(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{}`)

	// Simulate a previous process that claimed the entry and died: the claim
	// is stamped well past the stale cutoff and nothing ever finalises it.
	ctx := context.Background()
	ok, err := store.ClaimWebhook(ctx, id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	due, err := store.DueWebhookIDs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "in-flight entries are invisible to the poll")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d := NewDispatcher(store, testConfig())
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ev, err := store.GetWebhook(context.Background(), id)
		return err == nil && ev.Status == domain.DeliveryDelivered
	}, 5*time.Second, 20*time.Millisecond, "boot sweep must requeue the abandoned claim")

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestRequeueStaleLeavesFreshClaimsAlone(t *testing.T) {
	store := newTestStore(t, "http://merchant.test")
	id := enqueue(t, store, `{}`)
	ctx := context.Background()

	ok, err := store.ClaimWebhook(ctx, id, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// A claim younger than the cutoff may still have a live owner.
	n, err := store.RequeueStaleWebhooks(ctx, time.Now().Add(-time.Minute), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.RequeueStaleWebhooks(ctx, time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err := store.DueWebhookIDs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, due)
}

func TestDueWebhookIDsHonorsRetrySchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{}`)
	ctx := context.Background()

	due, err := store.DueWebhookIDs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, due)

	d := NewDispatcher(store, testConfig())
	d.Deliver(ctx, id)

	// Rescheduled into the future: not due now, due after the backoff.
	due, err = store.DueWebhookIDs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueWebhookIDs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, due)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := NewDispatcher(nil, Config{
		Workers:     1,
		BackoffBase: 30 * time.Second,
		BackoffCap:  5 * time.Minute,
	})

	assert.Equal(t, 30*time.Second, d.Backoff(1))
	assert.Equal(t, 60*time.Second, d.Backoff(2))
	assert.Equal(t, 2*time.Minute, d.Backoff(3))
	assert.Equal(t, 4*time.Minute, d.Backoff(4))
	assert.Equal(t, 5*time.Minute, d.Backoff(5))
	assert.Equal(t, 5*time.Minute, d.Backoff(12))
}

func TestRunDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newTestStore(t, srv.URL)
	id := enqueue(t, store, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d := NewDispatcher(store, testConfig())
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ev, err := store.GetWebhook(context.Background(), id)
		return err == nil && ev.Status == domain.DeliveryDelivered
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}
