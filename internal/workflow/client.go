// Package workflow is the RPC boundary to the external payment orchestrator.
// It owns no state; reconciliation only depends on Signal, pay initiation
// only on Start.
package workflow

import "context"

// PaymentArgs starts a payment workflow run for an order.
type PaymentArgs struct {
	OrderRef    string `json:"orderRef"`
	MerchantID  string `json:"merchantId"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	Processor   string `json:"processor"`
}

// PaymentOutcome is the signal payload delivered to a workflow instance
// blocked on a processor outcome.
type PaymentOutcome struct {
	Kind           string `json:"kind"`
	AmountMinor    int64  `json:"amountMinor"`
	ProcessorTxnID string `json:"processorTxnId"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// SignalResult is the three-outcome result of a signal attempt. The caller
// falls back to direct reconciliation for anything but Signaled.
type SignalResult int

const (
	// Signaled: the workflow accepted the outcome and now owns the order
	// mutation.
	Signaled SignalResult = iota
	// NotApplicable: no workflow is waiting (finished, cancelled or never
	// started).
	NotApplicable
	// Unreachable: the orchestrator could not be reached within the bounded
	// timeout.
	Unreachable
)

func (r SignalResult) String() string {
	switch r {
	case Signaled:
		return "signaled"
	case NotApplicable:
		return "not_applicable"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

type Client interface {
	StartPayment(ctx context.Context, workflowID string, args PaymentArgs) error
	SignalOutcome(ctx context.Context, workflowID string, outcome PaymentOutcome) SignalResult
}
