package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/processor"
	"github.com/payloops/backend/internal/repository"
	"github.com/payloops/backend/internal/workflow"
)

var (
	// ErrIllegalTransition rejects an operation the status graph forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrWorkflowStart surfaces an orchestrator failure during pay initiation.
	ErrWorkflowStart = errors.New("workflow start failed")
)

// Outcome names what reconciliation did with an event. All outcomes are
// acknowledged to the processor; only persistence errors are not.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSignaled Outcome = "signaled"
	OutcomeDropped  Outcome = "dropped"
	OutcomeDup      Outcome = "duplicate"
)

// Reconciler applies canonical processor events to order state. It is the
// only writer of orders and transactions, and the only producer of outbox
// entries.
type Reconciler struct {
	store *repository.Store
	wf    workflow.Client
}

func NewReconciler(store *repository.Store, wf workflow.Client) *Reconciler {
	return &Reconciler{store: store, wf: wf}
}

// Apply runs the full transition for one canonical event: idempotency check,
// signal-or-mutate routing, ledger append and outbox enqueue, all in one
// database transaction. Replays are no-ops at the transaction check, so the
// caller may safely retry on persistence failure.
func (r *Reconciler) Apply(ctx context.Context, proc string, ev *processor.Event) (Outcome, error) {
	order, err := r.store.GetOrderByReference(ctx, ev.OrderRef)
	if err == repository.ErrNotFound {
		log.Printf("[reconcile] WARNING: %s event %s references unknown order %s, dropping",
			proc, ev.ProcessorEventID, ev.OrderRef)
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}

	// The signal is attempted outside the DB transaction (it is a bounded
	// network call), but only the transaction decides whether the event was
	// already applied, so a duplicate still short-circuits below.
	signaled := false
	if order.HasLiveWorkflow() && order.Status == domain.OrderRequiresAction {
		dup, err := r.alreadyApplied(ctx, order.ID, ev)
		if err != nil {
			return "", err
		}
		if dup {
			log.Printf("[reconcile] duplicate event %s for order %s (pre-signal)", ev.ProcessorEventID, ev.OrderRef)
			return OutcomeDup, nil
		}

		res := r.wf.SignalOutcome(ctx, order.WorkflowID, workflow.PaymentOutcome{
			Kind:           string(ev.Kind),
			AmountMinor:    ev.AmountMinor,
			ProcessorTxnID: ev.ProcessorTxnID,
			ErrorCode:      ev.ErrorCode,
			ErrorMessage:   ev.ErrorMessage,
		})
		signaled = res == workflow.Signaled
		if !signaled {
			log.Printf("[reconcile] signal %s for order %s: %s, falling back to direct mutation",
				order.WorkflowID, ev.OrderRef, res)
		}
	}

	outcome := OutcomeApplied
	err = r.store.WithTx(ctx, func(tx *repository.Tx) error {
		// Re-read inside the transaction; a concurrent event for the same
		// order may have moved it since the routing decision.
		order, err = tx.GetOrderByReference(ctx, ev.OrderRef)
		if err != nil {
			return err
		}

		existing, err := tx.FindTransaction(ctx, order.ID, ev.ProcessorTxnID, txType(ev.Kind))
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == txStatus(ev.Kind) {
			outcome = OutcomeDup
			return nil
		}

		target, refundTotal, err := r.targetStatus(ctx, tx, order, ev)
		if err != nil {
			return err
		}
		if target == "" {
			// Ledger invariant would be violated; drop without mutating.
			outcome = OutcomeDropped
			return nil
		}

		if signaled {
			outcome = OutcomeSignaled
		} else if order.Status == target {
			// Refunds may repeat the status (a further partial refund); the
			// overdraw check above already bounds them. A terminal outcome
			// repeated under a fresh transaction id would double the ledger.
			if ev.Kind != processor.KindRefunded {
				log.Printf("[reconcile] WARNING: event %s repeats %s on order %s under txn %s, dropping",
					ev.ProcessorEventID, target, ev.OrderRef, ev.ProcessorTxnID)
				outcome = OutcomeDropped
				return nil
			}
		} else {
			if !domain.CanTransition(order.Status, target) {
				log.Printf("[reconcile] WARNING: event %s wants %s -> %s on order %s, dropping",
					ev.ProcessorEventID, order.Status, target, ev.OrderRef)
				outcome = OutcomeDropped
				return nil
			}
			wfID := order.WorkflowID
			if target == domain.OrderCaptured || target == domain.OrderFailed {
				// Terminal payment outcome: the correlation is spent.
				wfID = ""
			}
			if err := tx.UpdateOrderOutcome(ctx, order.ID, target, wfID); err != nil {
				return err
			}
		}

		txn := &domain.Transaction{
			OrderID:        order.ID,
			Type:           txType(ev.Kind),
			AmountMinor:    ev.AmountMinor,
			Status:         txStatus(ev.Kind),
			ProcessorTxnID: ev.ProcessorTxnID,
			ErrorCode:      ev.ErrorCode,
			ErrorMessage:   ev.ErrorMessage,
			CreatedAt:      time.Now(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		payload, err := notificationPayload(order, ev, target, refundTotal)
		if err != nil {
			return err
		}

		return tx.EnqueueWebhook(ctx, &domain.WebhookEvent{
			MerchantID:       order.MerchantID,
			OrderID:          order.ID,
			EventType:        "order." + string(target),
			Payload:          payload,
			ProcessorEventID: ev.ProcessorEventID,
		})
	})
	if err != nil {
		return "", err
	}

	if outcome == OutcomeDup {
		log.Printf("[reconcile] duplicate event %s for order %s", ev.ProcessorEventID, ev.OrderRef)
	}

	return outcome, nil
}

func (r *Reconciler) alreadyApplied(ctx context.Context, orderID int64, ev *processor.Event) (bool, error) {
	dup := false
	err := r.store.WithTx(ctx, func(tx *repository.Tx) error {
		existing, err := tx.FindTransaction(ctx, orderID, ev.ProcessorTxnID, txType(ev.Kind))
		if err != nil {
			return err
		}
		dup = existing != nil && existing.Status == txStatus(ev.Kind)
		return nil
	})
	return dup, err
}

// targetStatus computes the post-event order status. For refunds the
// classification is against the cumulative refunded total, so a second
// partial refund that completes the amount ends in refunded. An empty target
// means the refund would overdraw the order and must be dropped.
func (r *Reconciler) targetStatus(ctx context.Context, tx *repository.Tx, order *domain.Order, ev *processor.Event) (domain.OrderStatus, int64, error) {
	switch ev.Kind {
	case processor.KindCaptured:
		return domain.OrderCaptured, 0, nil
	case processor.KindFailed:
		return domain.OrderFailed, 0, nil
	case processor.KindRefunded:
		prior, err := tx.SumRefunded(ctx, order.ID)
		if err != nil {
			return "", 0, err
		}
		total := prior + ev.AmountMinor
		if total > order.AmountMinor {
			log.Printf("[reconcile] WARNING: refund %s overdraws order %s (%d + %d > %d), dropping",
				ev.ProcessorEventID, order.ReferenceNo, prior, ev.AmountMinor, order.AmountMinor)
			return "", 0, nil
		}
		if total >= order.AmountMinor {
			return domain.OrderRefunded, total, nil
		}
		return domain.OrderPartiallyRefunded, total, nil
	}
	return "", 0, ErrIllegalTransition
}

func txType(k processor.EventKind) domain.TxType {
	if k == processor.KindRefunded {
		return domain.TxRefund
	}
	return domain.TxCapture
}

func txStatus(k processor.EventKind) domain.TxStatus {
	if k == processor.KindFailed {
		return domain.TxFailed
	}
	return domain.TxSuccess
}

type merchantNotification struct {
	ReferenceNo      string `json:"referenceNo"`
	MerchantID       string `json:"merchantId"`
	AmountMinor      int64  `json:"amountMinor"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Processor        string `json:"processor"`
	ProcessorEventID string `json:"processorEventId"`
	ProcessorTxnID   string `json:"processorTxnId"`
	RefundedMinor    int64  `json:"refundedMinor,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// notificationPayload always reflects the terminal outcome being applied or
// signaled; delivery is decoupled from which actor performs the write.
func notificationPayload(order *domain.Order, ev *processor.Event, target domain.OrderStatus, refundTotal int64) ([]byte, error) {
	return json.Marshal(merchantNotification{
		ReferenceNo:      order.ReferenceNo,
		MerchantID:       order.MerchantID,
		AmountMinor:      order.AmountMinor,
		Currency:         order.Currency,
		Status:           string(target),
		Processor:        order.Processor,
		ProcessorEventID: ev.ProcessorEventID,
		ProcessorTxnID:   ev.ProcessorTxnID,
		RefundedMinor:    refundTotal,
		ErrorCode:        ev.ErrorCode,
		ErrorMessage:     ev.ErrorMessage,
	})
}
