package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/payloops/backend/internal/domain"
)

const webhookCols = `
	id,
	merchant_id,
	order_id,
	event_type,
	payload,
	status,
	attempts,
	last_attempt_at,
	next_retry_at,
	delivered_at,
	processor_event_id,
	created_at
`

// EnqueueWebhook inserts an outbox entry inside the reconciliation unit.
// The natural-key unique index makes replays a no-op, so a reprocessed
// processor event never produces a second merchant notification.
func (t *Tx) EnqueueWebhook(ctx context.Context, ev *domain.WebhookEvent) error {
	q := `
		INSERT OR IGNORE INTO webhook_events(
			merchant_id,
			order_id,
			event_type,
			payload,
			status,
			attempts,
			next_retry_at,
			processor_event_id,
			created_at
		)
		VALUES(?, ?, ?, ?, ?, 0, ?, ?, ?);
	`

	now := time.Now()
	res, err := t.tx.ExecContext(
		ctx, q,
		ev.MerchantID,
		ev.OrderID,
		ev.EventType,
		string(ev.Payload),
		string(domain.DeliveryPending),
		fmtTime(now),
		ev.ProcessorEventID,
		fmtTime(now),
	)
	if err != nil {
		return err
	}

	// On a replay the insert is ignored and LastInsertId is meaningless.
	if aff, _ := res.RowsAffected(); aff == 1 {
		ev.ID, _ = res.LastInsertId()
	}
	return nil
}

// DueWebhookIDs returns ids of pending entries whose retry time has passed.
func (s *Store) DueWebhookIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	q := `
		SELECT id FROM webhook_events
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, q, string(domain.DeliveryPending), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ClaimWebhook atomically moves a pending entry to the in-flight marker.
// Exactly one concurrent caller wins; everyone else gets false. The claim
// time is stamped so abandoned claims can be detected and requeued.
func (s *Store) ClaimWebhook(ctx context.Context, id int64, at time.Time) (bool, error) {
	q := `UPDATE webhook_events SET status = ?, last_attempt_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(domain.DeliveryInFlight), fmtTime(at), id, string(domain.DeliveryPending))
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

// RequeueStaleWebhooks returns in-flight entries claimed before the cutoff
// to the pending pool. A claim that old has no live owner: the worker
// crashed or was cancelled before its bookkeeping write landed.
func (s *Store) RequeueStaleWebhooks(ctx context.Context, cutoff, nextRetry time.Time) (int64, error) {
	q := `
		UPDATE webhook_events
		SET status = ?, next_retry_at = ?
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
	`
	res, err := s.db.ExecContext(ctx, q,
		string(domain.DeliveryPending), fmtTime(nextRetry),
		string(domain.DeliveryInFlight), fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetWebhook(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhook_events WHERE id = ?`, id)
	return scanWebhook(row)
}

// MarkWebhookDelivered finalises a successful attempt.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id int64, at time.Time) error {
	q := `
		UPDATE webhook_events
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_retry_at = NULL, delivered_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, q, string(domain.DeliveryDelivered), fmtTime(at), fmtTime(at), id)
	return err
}

// MarkWebhookFailed records a failed attempt, either rescheduling the entry
// or exhausting it once maxAttempts is reached.
func (s *Store) MarkWebhookFailed(ctx context.Context, id int64, at, nextRetry time.Time, exhausted bool) error {
	if exhausted {
		q := `
			UPDATE webhook_events
			SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_retry_at = NULL
			WHERE id = ?
		`
		_, err := s.db.ExecContext(ctx, q, string(domain.DeliveryExhausted), fmtTime(at), id)
		return err
	}

	q := `
		UPDATE webhook_events
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_retry_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, q, string(domain.DeliveryPending), fmtTime(at), fmtTime(nextRetry), id)
	return err
}

func (s *Store) ListWebhooksByOrder(ctx context.Context, orderID int64) ([]domain.WebhookEvent, error) {
	q := `SELECT ` + webhookCols + ` FROM webhook_events WHERE order_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *ev)
	}

	return res, rows.Err()
}

func scanWebhook(sc scanner) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var status, payload, createdStr string
	var lastStr, nextStr, deliveredStr *string

	if err := sc.Scan(
		&ev.ID,
		&ev.MerchantID,
		&ev.OrderID,
		&ev.EventType,
		&payload,
		&status,
		&ev.Attempts,
		&lastStr,
		&nextStr,
		&deliveredStr,
		&ev.ProcessorEventID,
		&createdStr,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ev.Status = domain.DeliveryStatus(status)
	ev.Payload = []byte(payload)

	var err error
	if ev.LastAttemptAt, err = parseTimePtr(lastStr); err != nil {
		return nil, err
	}
	if ev.NextRetryAt, err = parseTimePtr(nextStr); err != nil {
		return nil, err
	}
	if ev.DeliveredAt, err = parseTimePtr(deliveredStr); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}

	return &ev, nil
}
