package workflow

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	restateingress "github.com/restatedev/sdk-go/ingress"
)

const (
	workflowName   = "PaymentWorkflow"
	runHandler     = "Run"
	outcomeHandler = "OnPaymentOutcome"
)

// RestateClient talks to the orchestrator's ingress endpoint. Signal calls
// run under a bounded timeout so a slow orchestrator can never stall event
// reconciliation.
type RestateClient struct {
	client        *restateingress.Client
	signalTimeout time.Duration
}

func NewRestateClient(ingressURL string, signalTimeout time.Duration) *RestateClient {
	return &RestateClient{
		client:        restateingress.NewClient(ingressURL),
		signalTimeout: signalTimeout,
	}
}

func (c *RestateClient) StartPayment(ctx context.Context, workflowID string, args PaymentArgs) error {
	_, err := restateingress.WorkflowSend[PaymentArgs](c.client, workflowName, workflowID, runHandler).
		Send(ctx, args)
	return err
}

func (c *RestateClient) SignalOutcome(ctx context.Context, workflowID string, outcome PaymentOutcome) SignalResult {
	ctx, cancel := context.WithTimeout(ctx, c.signalTimeout)
	defer cancel()

	_, err := restateingress.Workflow[PaymentOutcome, bool](c.client, workflowName, workflowID, outcomeHandler).
		Request(ctx, outcome)
	if err == nil {
		return Signaled
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		log.Printf("[workflow] orchestrator unreachable for %s: %v", workflowID, err)
		return Unreachable
	}

	// Anything else means the instance no longer accepts the signal
	// (completed, cancelled, unknown id).
	log.Printf("[workflow] signal not applicable for %s: %v", workflowID, err)
	return NotApplicable
}
