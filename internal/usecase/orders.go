package usecase

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/repository"
	"github.com/payloops/backend/internal/workflow"
)

// OrderUsecase covers the merchant-facing order lifecycle: creation and pay
// initiation. Everything after initiation is driven by processor events
// through the Reconciler.
type OrderUsecase struct {
	store *repository.Store
	wf    workflow.Client
}

func NewOrderUsecase(store *repository.Store, wf workflow.Client) *OrderUsecase {
	return &OrderUsecase{store: store, wf: wf}
}

func (u *OrderUsecase) CreateOrder(ctx context.Context, merchantID string, amountMinor int64, currency string) (*domain.Order, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("amount must be > 0")
	}

	if _, err := u.store.GetMerchant(ctx, merchantID); err != nil {
		return nil, err
	}

	now := time.Now()
	o := &domain.Order{
		ReferenceNo: "ord_" + uuid.New().String(),
		MerchantID:  merchantID,
		AmountMinor: amountMinor,
		Currency:    currency,
		Status:      domain.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := u.store.InsertOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// Pay moves the order into processing and starts the payment workflow. A
// failed order may be retried; the new attempt gets a fresh workflow id.
func (u *OrderUsecase) Pay(ctx context.Context, ref, proc string) (*domain.Order, error) {
	o, err := u.store.GetOrderByReference(ctx, ref)
	if err != nil {
		return nil, err
	}

	if o.Status != domain.OrderPending && o.Status != domain.OrderFailed {
		return nil, fmt.Errorf("%w: order %s is %s", ErrIllegalTransition, ref, o.Status)
	}

	workflowID := "pay_" + uuid.New().String()

	if err := u.wf.StartPayment(ctx, workflowID, workflow.PaymentArgs{
		OrderRef:    o.ReferenceNo,
		MerchantID:  o.MerchantID,
		AmountMinor: o.AmountMinor,
		Currency:    o.Currency,
		Processor:   proc,
	}); err != nil {
		// The order stays where it was; the merchant retries the pay call.
		return nil, fmt.Errorf("%w: %v", ErrWorkflowStart, err)
	}

	from := []domain.OrderStatus{domain.OrderPending, domain.OrderFailed}
	if err := u.store.UpdateOrderForPay(ctx, ref, proc, workflowID, from); err != nil {
		if err == repository.ErrNotFound {
			// Lost a race with a concurrent pay attempt.
			return nil, fmt.Errorf("%w: order %s already has a pay attempt in flight", ErrIllegalTransition, ref)
		}
		return nil, err
	}

	log.Printf("[orders] pay initiated ref=%s workflow=%s processor=%s", ref, workflowID, proc)

	return u.store.GetOrderByReference(ctx, ref)
}

// MarkAwaitingAction is the orchestrator's write path: the workflow parked on
// a user action (3-D Secure and the like) and the order must reflect that a
// signal is now being awaited.
func (u *OrderUsecase) MarkAwaitingAction(ctx context.Context, ref string) error {
	err := u.store.UpdateOrderStatusIf(ctx, ref, domain.OrderProcessing, domain.OrderRequiresAction)
	if err == repository.ErrNotFound {
		// Either the order is unknown or an outcome already landed; both are
		// fine for the orchestrator, which re-checks state on resume.
		cur, getErr := u.store.GetOrderByReference(ctx, ref)
		if getErr != nil {
			return repository.ErrNotFound
		}
		log.Printf("[orders] awaiting-action skipped ref=%s status=%s", ref, cur.Status)
		return nil
	}
	return err
}

func (u *OrderUsecase) GetOrder(ctx context.Context, ref string) (*domain.Order, []domain.Transaction, error) {
	o, err := u.store.GetOrderByReference(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	txns, err := u.store.ListTransactions(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}

	return o, txns, nil
}

func (u *OrderUsecase) ListOrders(ctx context.Context, f repository.OrderFilter, limit, offset int) ([]domain.Order, error) {
	return u.store.ListOrders(ctx, f, limit, offset)
}
