package repository

import (
	"context"
	"database/sql"

	"github.com/payloops/backend/internal/domain"
)

const txnCols = `
	id,
	order_id,
	type,
	amount_minor,
	status,
	processor_txn_id,
	error_code,
	error_message,
	created_at
`

// FindTransaction looks up an existing ledger entry by the reconciliation
// idempotency key. A nil result means the event has not been applied yet.
func (t *Tx) FindTransaction(ctx context.Context, orderID int64, processorTxnID string, typ domain.TxType) (*domain.Transaction, error) {
	q := `SELECT ` + txnCols + ` FROM transactions WHERE order_id = ? AND processor_txn_id = ? AND type = ?`
	row := t.tx.QueryRowContext(ctx, q, orderID, processorTxnID, string(typ))
	txn, err := scanTxn(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return txn, err
}

func (t *Tx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	q := `
		INSERT INTO transactions(
			order_id,
			type,
			amount_minor,
			status,
			processor_txn_id,
			error_code,
			error_message,
			created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);
	`

	res, err := t.tx.ExecContext(
		ctx, q,
		txn.OrderID,
		string(txn.Type),
		txn.AmountMinor,
		string(txn.Status),
		txn.ProcessorTxnID,
		txn.ErrorCode,
		txn.ErrorMessage,
		fmtTime(txn.CreatedAt),
	)
	if err != nil {
		return err
	}

	txn.ID, _ = res.LastInsertId()
	return nil
}

// SumRefunded returns the total of successful refund transactions for an
// order, read inside the atomic unit so cumulative refund classification
// cannot race a concurrent refund event.
func (t *Tx) SumRefunded(ctx context.Context, orderID int64) (int64, error) {
	q := `
		SELECT COALESCE(SUM(amount_minor), 0)
		FROM transactions
		WHERE order_id = ? AND type = ? AND status = ?
	`
	var sum int64
	err := t.tx.QueryRowContext(ctx, q, orderID, string(domain.TxRefund), string(domain.TxSuccess)).Scan(&sum)
	return sum, err
}

func (s *Store) ListTransactions(ctx context.Context, orderID int64) ([]domain.Transaction, error) {
	q := `SELECT ` + txnCols + ` FROM transactions WHERE order_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *txn)
	}

	return res, rows.Err()
}

func scanTxn(sc scanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	var typ, status, createdStr string

	if err := sc.Scan(
		&txn.ID,
		&txn.OrderID,
		&typ,
		&txn.AmountMinor,
		&status,
		&txn.ProcessorTxnID,
		&txn.ErrorCode,
		&txn.ErrorMessage,
		&createdStr,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	txn.Type = domain.TxType(typ)
	txn.Status = domain.TxStatus(status)

	var err error
	if txn.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}

	return &txn, nil
}
