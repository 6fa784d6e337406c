package domain

import "time"

type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderProcessing        OrderStatus = "processing"
	OrderRequiresAction    OrderStatus = "requires_action"
	OrderCaptured          OrderStatus = "captured"
	OrderFailed            OrderStatus = "failed"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
	OrderRefunded          OrderStatus = "refunded"
)

// transitions is the full order status graph. A new pay attempt may re-open
// a failed order back into processing; refunded is terminal.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:           {OrderProcessing},
	OrderProcessing:        {OrderRequiresAction, OrderCaptured, OrderFailed},
	OrderRequiresAction:    {OrderCaptured, OrderFailed},
	OrderCaptured:          {OrderPartiallyRefunded, OrderRefunded},
	OrderFailed:            {OrderProcessing},
	OrderPartiallyRefunded: {OrderRefunded},
	OrderRefunded:          {},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID               int64
	ReferenceNo      string
	MerchantID       string
	AmountMinor      int64
	Currency         string
	Status           OrderStatus
	Processor        string
	ProcessorOrderID string
	WorkflowID       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasLiveWorkflow reports whether an orchestration instance may still be
// awaiting an outcome for this order.
func (o *Order) HasLiveWorkflow() bool {
	return o.WorkflowID != ""
}
