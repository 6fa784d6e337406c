package domain

import "time"

type TxType string

const (
	TxAuthorization TxType = "authorization"
	TxCapture       TxType = "capture"
	TxRefund        TxType = "refund"
	TxVoid          TxType = "void"
)

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Transaction is an immutable ledger entry recording one processor-side
// effect against an Order. Rows are only ever appended.
type Transaction struct {
	ID             int64
	OrderID        int64
	Type           TxType
	AmountMinor    int64
	Status         TxStatus
	ProcessorTxnID string
	ErrorCode      string
	ErrorMessage   string
	CreatedAt      time.Time
}
