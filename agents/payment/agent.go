// Package payment implements the settlement role: it executes exactly one
// ledger transfer per negotiation, replaying the original acknowledgment for
// duplicate requests.
package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/ledger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/resilience"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

// Record is one settled payment kept in the agent's history.
type Record struct {
	CorrelationID string
	TransactionID string
	Amount        float64
	TokenID       string
	ToAccount     string
	Memo          string
	Item          string
	Qty           int
	Timestamp     time.Time
}

// Agent is the settlement role.
type Agent struct {
	agent.NopHandler
	*agent.Base

	executor ledger.Executor
	breaker  *resilience.CircuitBreaker

	mu        sync.Mutex
	processed map[string]struct{}
	history   []Record
}

// New wires a settlement agent onto the shared runtime. The breaker guards
// the ledger endpoint; nil gets a default one.
func New(base *agent.Base, executor ledger.Executor, breaker *resilience.CircuitBreaker) *Agent {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	a := &Agent{
		Base:      base,
		executor:  executor,
		breaker:   breaker,
		processed: make(map[string]struct{}),
	}
	base.SetHandler(a)
	return a
}

// HandlePaymentRequest settles a deal at most once per correlation id. A
// duplicate request replays the original acknowledgment, same transaction
// id, without touching the ledger. A failed transfer does not mark the
// correlation id processed, so a later retry may still settle it.
func (a *Agent) HandlePaymentRequest(ctx context.Context, env types.Envelope, _ transport.Metadata) error {
	if err := protocol.RequireSignature(env); err != nil {
		return err
	}

	var p types.PaymentRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode payment request payload: %w", err)
	}

	a.Logger().Infof("payment request: %g %s to %s (%s)", p.Amount, p.TokenID, p.ToAccount, p.Memo)

	if original, done := a.lookup(env.CorrelationID); done {
		a.Logger().Warnf("payment already processed for correlation %s", env.CorrelationID)
		a.sendAck(ctx, env.From, env.CorrelationID, original.TransactionID,
			types.PaymentStatusSuccess, p.Amount, p.TokenID, "")
		return nil
	}

	var receipt ledger.Receipt
	err := a.breaker.Execute(func() error {
		var transferErr error
		receipt, transferErr = a.executor.Transfer(ctx, ledger.TransferRequest{
			TokenID: p.TokenID,
			To:      p.ToAccount,
			Amount:  p.Amount,
			Memo:    p.Memo,
		})
		return transferErr
	})
	if err != nil {
		a.Logger().Error("payment failed", err)
		a.sendAck(ctx, env.From, env.CorrelationID, types.TxNotAvailable,
			types.PaymentStatusFailed, p.Amount, p.TokenID, err.Error())
		a.Emit("paymentFailed", map[string]any{
			"correlationId": env.CorrelationID,
			"error":         err.Error(),
		})
		return nil
	}

	a.record(Record{
		CorrelationID: env.CorrelationID,
		TransactionID: receipt.TransactionID,
		Amount:        p.Amount,
		TokenID:       p.TokenID,
		ToAccount:     p.ToAccount,
		Memo:          p.Memo,
		Item:          p.Item,
		Qty:           p.Qty,
		Timestamp:     time.Now(),
	})
	a.UpdateConversation(env.CorrelationID, "paid", map[string]any{"transactionId": receipt.TransactionID})
	a.Logger().Infof("payment successful, transaction %s", receipt.TransactionID)

	a.sendAck(ctx, env.From, env.CorrelationID, receipt.TransactionID,
		types.PaymentStatusSuccess, p.Amount, p.TokenID, "")
	a.Emit("paymentExecuted", map[string]any{
		"correlationId": env.CorrelationID,
		"transactionId": receipt.TransactionID,
		"amount":        p.Amount,
		"tokenId":       p.TokenID,
	})
	return nil
}

func (a *Agent) sendAck(ctx context.Context, to, correlationID, transactionID, status string, amount float64, tokenID, errText string) {
	msg := types.NewPaymentAck(a.ID(), to, correlationID, types.PaymentAckPayload{
		TransactionID: transactionID,
		Status:        status,
		Amount:        amount,
		TokenID:       tokenID,
		Error:         errText,
	})
	if result := a.Send(ctx, msg); !result.Success {
		a.Logger().Errorf("failed to send PAYMENT_ACK: %s", result.Error)
	}
}

// lookup returns the settled record for a correlation id, if any.
func (a *Agent) lookup(correlationID string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.processed[correlationID]; !ok {
		return Record{}, false
	}
	for _, rec := range a.history {
		if rec.CorrelationID == correlationID {
			return rec, true
		}
	}
	return Record{}, false
}

// record marks the correlation id processed and appends the history entry in
// one critical section.
func (a *Agent) record(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processed[rec.CorrelationID] = struct{}{}
	a.history = append(a.history, rec)
}

// WasProcessed reports whether a correlation id has been settled.
func (a *Agent) WasProcessed(correlationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.processed[correlationID]
	return ok
}

// History returns the settled payments in execution order.
func (a *Agent) History() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Record(nil), a.history...)
}

// PaymentByCorrelation returns the settled payment for a correlation id.
func (a *Agent) PaymentByCorrelation(correlationID string) (Record, bool) {
	return a.lookup(correlationID)
}

// ClearProcessed empties the processed set and history.
func (a *Agent) ClearProcessed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processed = make(map[string]struct{})
	a.history = nil
	a.Logger().Info("cleared processed payments")
}
