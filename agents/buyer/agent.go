// Package buyer implements the buying side of a negotiation: it opens
// offers, answers seller counters under a budget cap, and requests payment
// once a deal is struck.
package buyer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/config"
	"github.com/linkedout-ai/agent-commerce/ledger"
	"github.com/linkedout-ai/agent-commerce/resilience"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

// DefaultMaxPrice caps spending when the config leaves it zero.
const DefaultMaxPrice = 100.0

// Agent is the buyer role.
type Agent struct {
	agent.NopHandler
	*agent.Base

	maxPrice            float64
	autoAcceptThreshold float64
	paymentTokenID      string
	sellerAccount       string
	retry               *resilience.RetryConfig
}

// New wires a buyer onto the shared runtime and registers it as the message
// handler.
func New(base *agent.Base, cfg config.BuyerConfig) *Agent {
	a := &Agent{
		Base:                base,
		maxPrice:            cfg.MaxPrice,
		autoAcceptThreshold: cfg.AutoAcceptThreshold,
		paymentTokenID:      cfg.TokenID,
		sellerAccount:       cfg.PaymentAccount,
		retry:               resilience.DefaultRetryConfig(),
	}
	if a.maxPrice <= 0 {
		a.maxPrice = DefaultMaxPrice
	}
	if a.autoAcceptThreshold <= 0 {
		a.autoAcceptThreshold = config.DefaultBuyerAutoAcceptThreshold
	}
	if a.paymentTokenID == "" {
		a.paymentTokenID = ledger.NativeToken
	}
	base.SetHandler(a)
	return a
}

// OfferResult reports the outcome of opening a negotiation.
type OfferResult struct {
	Success       bool
	CorrelationID string
}

// MakeOffer opens a negotiation with the seller. The returned correlation id
// identifies the conversation through settlement.
func (a *Agent) MakeOffer(ctx context.Context, item string, qty int, unitPrice float64, currency string) OfferResult {
	a.Logger().Infof("offering %d %s at %g %s each", qty, item, unitPrice, currency)

	msg := types.NewOffer(a.ID(), types.AgentSeller, types.OfferPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  currency,
	})
	a.UpdateConversation(msg.CorrelationID, "offer_sent", map[string]any{
		"item":         item,
		"qty":          qty,
		"initialOffer": unitPrice,
		"maxPrice":     a.maxPrice,
	})

	result := a.Send(ctx, msg)
	if result.Success {
		a.Emit("offerSent", map[string]any{
			"correlationId": msg.CorrelationID,
			"item":          item,
			"qty":           qty,
			"unitPrice":     unitPrice,
		})
	} else {
		a.Logger().Errorf("failed to send offer: %s", result.Error)
		a.Emit("offerFailed", map[string]any{
			"correlationId": msg.CorrelationID,
			"error":         result.Error,
		})
	}
	return OfferResult{Success: result.Success, CorrelationID: msg.CorrelationID}
}

// HandleCounter decides between accepting the seller's price, walking away,
// or meeting in the middle relative to the original offer.
func (a *Agent) HandleCounter(ctx context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.CounterPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode counter payload: %w", err)
	}

	conv := a.Conversation(env.CorrelationID)
	a.Logger().Infof("seller counters %d %s at %g %s", p.Qty, p.Item, p.UnitPrice, p.Currency)
	if p.Reason != "" {
		a.Logger().Debugf("seller reason: %s", p.Reason)
	}

	switch {
	case a.shouldAccept(p.UnitPrice, conv):
		a.acceptOffer(ctx, env.CorrelationID, p.Item, p.Qty, p.UnitPrice, p.Currency)
	case p.UnitPrice > a.maxPrice:
		a.declineOffer(ctx, env.CorrelationID, env.From,
			fmt.Sprintf("Price %g exceeds max budget of %g", p.UnitPrice, a.maxPrice))
	default:
		initial, _ := conv.Meta["initialOffer"].(float64)
		newOffer := math.Min((p.UnitPrice+initial)/2, a.maxPrice)
		a.counterOffer(ctx, env.CorrelationID, env.From, p.Item, p.Qty, newOffer, p.Currency)
	}
	return nil
}

// HandleAccept records the struck deal and requests settlement.
func (a *Agent) HandleAccept(ctx context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.AcceptPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode accept payload: %w", err)
	}

	a.UpdateConversation(env.CorrelationID, "accepted", map[string]any{
		"finalPrice":  p.UnitPrice,
		"totalAmount": p.TotalAmount,
	})
	a.Logger().Infof("deal accepted: %d %s for %g %s", p.Qty, p.Item, p.TotalAmount, p.Currency)
	a.Emit("dealAccepted", map[string]any{
		"correlationId": env.CorrelationID,
		"item":          p.Item,
		"qty":           p.Qty,
		"unitPrice":     p.UnitPrice,
		"totalAmount":   p.TotalAmount,
	})

	a.initiatePayment(ctx, env.CorrelationID, p.TotalAmount, p.Item, p.Qty)
	return nil
}

// HandleDecline records the seller walking away.
func (a *Agent) HandleDecline(_ context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.DeclinePayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode decline payload: %w", err)
	}

	a.UpdateConversation(env.CorrelationID, "declined_by_seller", nil)
	a.Logger().Infof("seller declined: %s", p.Reason)
	a.Emit("dealDeclined", map[string]any{
		"correlationId": env.CorrelationID,
		"reason":        p.Reason,
	})
	return nil
}

// HandlePaymentAck closes the conversation on settlement outcome.
func (a *Agent) HandlePaymentAck(_ context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.PaymentAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode payment ack payload: %w", err)
	}

	if p.Status == types.PaymentStatusSuccess {
		a.UpdateConversation(env.CorrelationID, "paid", map[string]any{"transactionId": p.TransactionID})
		a.Logger().Infof("payment successful, transaction %s, amount %g", p.TransactionID, p.Amount)
		a.Emit("paymentSuccess", map[string]any{
			"correlationId": env.CorrelationID,
			"transactionId": p.TransactionID,
			"amount":        p.Amount,
		})
		return nil
	}

	a.UpdateConversation(env.CorrelationID, "payment_failed", map[string]any{"paymentError": p.Error})
	a.Logger().Errorf("payment failed: %s", p.Error)
	a.Emit("paymentFailed", map[string]any{
		"correlationId": env.CorrelationID,
		"error":         p.Error,
	})
	return nil
}

// shouldAccept applies the budget policy to a seller counter. Past the first
// counter, any price within budget closes the deal.
func (a *Agent) shouldAccept(counterPrice float64, conv *agent.Conversation) bool {
	if counterPrice <= a.maxPrice*a.autoAcceptThreshold {
		return true
	}
	if counterPrice <= a.maxPrice && conv.MessageCount() > 2 {
		return true
	}
	return false
}

func (a *Agent) acceptOffer(ctx context.Context, correlationID, item string, qty int, unitPrice float64, currency string) {
	msg := types.NewAccept(a.ID(), types.AgentSeller, correlationID, types.AcceptPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  currency,
	})
	a.UpdateConversation(correlationID, "accepting", nil)

	result := a.Send(ctx, msg)
	if !result.Success {
		a.Logger().Errorf("failed to send ACCEPT: %s", result.Error)
		return
	}
	a.initiatePayment(ctx, correlationID, float64(qty)*unitPrice, item, qty)
}

func (a *Agent) declineOffer(ctx context.Context, correlationID, to, reason string) {
	a.Logger().Infof("declining: %s", reason)
	msg := types.NewDecline(a.ID(), to, correlationID, reason)
	a.UpdateConversation(correlationID, "declined_by_buyer", nil)

	if result := a.Send(ctx, msg); result.Success {
		a.Emit("dealDeclined", map[string]any{
			"correlationId": correlationID,
			"reason":        reason,
		})
	}
}

func (a *Agent) counterOffer(ctx context.Context, correlationID, to, item string, qty int, unitPrice float64, currency string) {
	a.Logger().Infof("countering at %g %s", unitPrice, currency)
	msg := types.NewCounter(a.ID(), to, correlationID, types.CounterPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  currency,
		Reason:    fmt.Sprintf("Counter offer at %g", unitPrice),
	})
	a.UpdateConversation(correlationID, "counter_sent", nil)

	if result := a.Send(ctx, msg); !result.Success {
		a.Logger().Errorf("failed to send COUNTER: %s", result.Error)
	}
}

// initiatePayment asks the settlement agent to pay for the deal. The publish
// is retried; the settlement agent's idempotency makes redelivery of the
// same correlation id safe.
func (a *Agent) initiatePayment(ctx context.Context, correlationID string, amount float64, item string, qty int) {
	a.Logger().Infof("initiating payment of %g", amount)

	msg := types.NewPaymentRequest(a.ID(), types.AgentPayment, correlationID, types.PaymentRequestPayload{
		Amount:    amount,
		TokenID:   a.paymentTokenID,
		ToAccount: a.sellerAccount,
		Memo:      fmt.Sprintf("Payment for %d %s", qty, item),
		Item:      item,
		Qty:       qty,
	})
	a.UpdateConversation(correlationID, "payment_requested", nil)

	err := resilience.RetryWithConfig(ctx, a.retry, func() error {
		if result := a.Send(ctx, msg); !result.Success {
			return errors.New(result.Error)
		}
		return nil
	})
	if err != nil {
		a.Logger().Error("failed to send PAYMENT_REQUEST", err)
		return
	}
	a.Emit("paymentRequested", map[string]any{
		"correlationId": correlationID,
		"amount":        amount,
	})
}
