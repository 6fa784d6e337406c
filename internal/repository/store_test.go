package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payloops/backend/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertOrder(t *testing.T, s *Store, ref string, status domain.OrderStatus) *domain.Order {
	t.Helper()
	now := time.Now()
	o := &domain.Order{
		ReferenceNo: ref,
		MerchantID:  "m1",
		AmountMinor: 1000,
		Currency:    "USD",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.InsertOrder(context.Background(), o))
	return o
}

func TestOrderRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := insertOrder(t, s, "ord_1", domain.OrderPending)
	require.NotZero(t, o.ID)

	got, err := s.GetOrderByReference(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Equal(t, int64(1000), got.AmountMinor)

	_, err = s.GetOrderByReference(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateOrderForPayGuardsStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	insertOrder(t, s, "ord_1", domain.OrderPending)
	from := []domain.OrderStatus{domain.OrderPending, domain.OrderFailed}

	require.NoError(t, s.UpdateOrderForPay(ctx, "ord_1", "stripe", "wf1", from))

	got, err := s.GetOrderByReference(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, got.Status)
	assert.Equal(t, "wf1", got.WorkflowID)

	// Already processing: the guard refuses a second transition.
	err = s.UpdateOrderForPay(ctx, "ord_1", "stripe", "wf2", from)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.GetOrderByReference(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.WorkflowID, "losing attempt must not steal the correlation")
}

func TestEnqueueWebhookIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ev := func() *domain.WebhookEvent {
		return &domain.WebhookEvent{
			MerchantID:       "m1",
			OrderID:          7,
			EventType:        "order.captured",
			Payload:          []byte(`{}`),
			ProcessorEventID: "evt1",
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.EnqueueWebhook(ctx, ev()) }))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.EnqueueWebhook(ctx, ev()) }))

	hooks, err := s.ListWebhooksByOrder(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, hooks, 1, "natural key dedupes replays")

	// A different processor event for the same order is a new entry.
	other := ev()
	other.ProcessorEventID = "evt2"
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.EnqueueWebhook(ctx, other) }))

	hooks, err = s.ListWebhooksByOrder(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
}

func TestTransactionUniqueBackstop(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := insertOrder(t, s, "ord_1", domain.OrderProcessing)

	txn := func() *domain.Transaction {
		return &domain.Transaction{
			OrderID:        o.ID,
			Type:           domain.TxCapture,
			AmountMinor:    1000,
			Status:         domain.TxSuccess,
			ProcessorTxnID: "pi_1",
			CreatedAt:      time.Now(),
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertTransaction(ctx, txn()) }))
	// The unique index refuses a second identical ledger entry even if the
	// idempotency check were bypassed.
	assert.Error(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertTransaction(ctx, txn()) }))
}

func TestSumRefunded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := insertOrder(t, s, "ord_1", domain.OrderCaptured)

	add := func(id string, amount int64, status domain.TxStatus) {
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertTransaction(ctx, &domain.Transaction{
				OrderID:        o.ID,
				Type:           domain.TxRefund,
				AmountMinor:    amount,
				Status:         status,
				ProcessorTxnID: id,
				CreatedAt:      time.Now(),
			})
		}))
	}

	add("re_1", 400, domain.TxSuccess)
	add("re_2", 100, domain.TxFailed) // failed refunds do not count
	add("re_3", 200, domain.TxSuccess)

	err := s.WithTx(ctx, func(tx *Tx) error {
		sum, err := tx.SumRefunded(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(600), sum)
		return nil
	})
	require.NoError(t, err)
}

func TestMerchantUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := &domain.Merchant{ID: "m1", Name: "One", WebhookURL: "http://a", WebhookSecret: "s1"}
	require.NoError(t, s.UpsertMerchant(ctx, m))

	m.WebhookURL = "http://b"
	require.NoError(t, s.UpsertMerchant(ctx, m))

	got, err := s.GetMerchant(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "http://b", got.WebhookURL)

	_, err = s.GetMerchant(ctx, "m2")
	assert.ErrorIs(t, err, ErrNotFound)
}
