package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/payloops/backend/internal/domain"
)

const orderCols = `
	id,
	reference_no,
	merchant_id,
	amount_minor,
	currency,
	status,
	processor,
	processor_order_id,
	workflow_id,
	created_at,
	updated_at
`

func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	q := `
		INSERT INTO orders(
			reference_no,
			merchant_id,
			amount_minor,
			currency,
			status,
			processor,
			processor_order_id,
			workflow_id,
			created_at,
			updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`

	res, err := s.db.ExecContext(
		ctx, q,
		o.ReferenceNo,
		o.MerchantID,
		o.AmountMinor,
		o.Currency,
		string(o.Status),
		o.Processor,
		o.ProcessorOrderID,
		o.WorkflowID,
		fmtTime(o.CreatedAt),
		fmtTime(o.UpdatedAt),
	)
	if err != nil {
		return err
	}

	o.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetOrderByReference(ctx context.Context, ref string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE reference_no = ?`, ref)
	return scanOrder(row)
}

func (t *Tx) GetOrderByReference(ctx context.Context, ref string) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE reference_no = ?`, ref)
	return scanOrder(row)
}

// UpdateOrderForPay moves an order into processing and records the workflow
// correlation, but only from a status that legally allows a pay attempt.
func (s *Store) UpdateOrderForPay(ctx context.Context, ref, processor, workflowID string, from []domain.OrderStatus) error {
	q := `UPDATE orders SET status = ?, processor = ?, workflow_id = ?, updated_at = ? WHERE status IN (`
	args := []any{string(domain.OrderProcessing), processor, workflowID, fmtTime(time.Now())}
	for i, st := range from {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args = append(args, string(st))
	}
	q += ") AND reference_no = ?"
	args = append(args, ref)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrderStatusIf performs a guarded status transition outside the
// reconciliation path (used by the orchestrator's awaiting-action callback).
func (s *Store) UpdateOrderStatusIf(ctx context.Context, ref string, from, to domain.OrderStatus) error {
	q := `UPDATE orders SET status = ?, updated_at = ? WHERE reference_no = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(to), fmtTime(time.Now()), ref, string(from))
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrderOutcome applies a reconciliation mutation inside the atomic unit.
func (t *Tx) UpdateOrderOutcome(ctx context.Context, orderID int64, status domain.OrderStatus, workflowID string) error {
	q := `UPDATE orders SET status = ?, workflow_id = ?, updated_at = ? WHERE id = ?`
	_, err := t.tx.ExecContext(ctx, q, string(status), workflowID, fmtTime(time.Now()), orderID)
	return err
}

type OrderFilter struct {
	MerchantID string
	Status     domain.OrderStatus
}

func (s *Store) ListOrders(ctx context.Context, f OrderFilter, limit, offset int) ([]domain.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE 1 = 1`
	args := []any{}

	if f.MerchantID != "" {
		q += " AND merchant_id = ?"
		args = append(args, f.MerchantID)
	}

	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}

	q += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}

	return res, rows.Err()
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var o domain.Order
	var status, createdStr, updatedStr string

	if err := sc.Scan(
		&o.ID,
		&o.ReferenceNo,
		&o.MerchantID,
		&o.AmountMinor,
		&o.Currency,
		&status,
		&o.Processor,
		&o.ProcessorOrderID,
		&o.WorkflowID,
		&createdStr,
		&updatedStr,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	o.Status = domain.OrderStatus(status)

	var err error
	if o.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return &o, nil
}
