// Package seller implements the selling side of a negotiation: it answers
// offers with acceptance, counter-offers, or declines, bounded by a round
// cap, and reserves inventory for confirmed deals.
package seller

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/config"
	"github.com/linkedout-ai/agent-commerce/llm"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

// Default policy values applied when the config leaves them zero.
const (
	DefaultMinPrice   = 50.0
	DefaultIdealPrice = 80.0
)

// Agent is the seller role.
type Agent struct {
	agent.NopHandler
	*agent.Base

	minPrice            float64
	idealPrice          float64
	autoAcceptThreshold float64
	maxMessages         int
	advisor             *llm.Advisor

	mu        sync.Mutex
	inventory map[string]int
}

// New wires a seller onto the shared runtime and registers it as the
// message handler. The advisor may be nil; counter reasons are then phrased
// deterministically.
func New(base *agent.Base, cfg config.SellerConfig, advisor *llm.Advisor) *Agent {
	a := &Agent{
		Base:                base,
		minPrice:            cfg.MinPrice,
		idealPrice:          cfg.IdealPrice,
		autoAcceptThreshold: cfg.AutoAcceptThreshold,
		maxMessages:         cfg.MaxConversationMessages,
		advisor:             advisor,
		inventory:           make(map[string]int, len(cfg.Inventory)),
	}
	if a.minPrice <= 0 {
		a.minPrice = DefaultMinPrice
	}
	if a.idealPrice <= 0 {
		a.idealPrice = DefaultIdealPrice
	}
	if a.autoAcceptThreshold <= 0 {
		a.autoAcceptThreshold = config.DefaultSellerAutoAcceptThreshold
	}
	if a.maxMessages <= 0 {
		a.maxMessages = config.DefaultMaxConversationMessages
	}
	for item, qty := range cfg.Inventory {
		a.inventory[item] = qty
	}
	base.SetHandler(a)
	return a
}

// HandleOffer evaluates the opening offer. Inventory is checked here only;
// later counters on the same thread assume the initial availability still
// holds.
func (a *Agent) HandleOffer(ctx context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.OfferPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode offer payload: %w", err)
	}

	a.UpdateConversation(env.CorrelationID, "offer_received", map[string]any{
		"item":       p.Item,
		"qty":        p.Qty,
		"buyerOffer": p.UnitPrice,
		"buyerId":    env.From,
	})
	a.Logger().Infof("buyer offers %d %s at %g %s", p.Qty, p.Item, p.UnitPrice, p.Currency)

	if !a.HasInventory(p.Item, p.Qty) {
		a.Logger().Infof("insufficient inventory for %s", p.Item)
		a.decline(ctx, env.CorrelationID, env.From,
			fmt.Sprintf("Insufficient inventory for %d %s", p.Qty, p.Item))
		return nil
	}

	d := a.evaluate(ctx, p.UnitPrice, p.Item, false)
	switch d.action {
	case actionAccept:
		a.accept(ctx, env.CorrelationID, env.From, p.Item, p.Qty, p.UnitPrice, p.Currency)
	case actionCounter:
		a.counter(ctx, env.CorrelationID, env.From, p.Item, p.Qty, d.counterPrice, p.Currency, d.reason)
	default:
		a.decline(ctx, env.CorrelationID, env.From, d.reason)
	}
	return nil
}

// HandleCounter re-evaluates at the buyer's new price, declining once the
// conversation exceeds the round cap.
func (a *Agent) HandleCounter(ctx context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.CounterPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode counter payload: %w", err)
	}

	conv := a.Conversation(env.CorrelationID)
	a.Logger().Infof("buyer counters %d %s at %g %s", p.Qty, p.Item, p.UnitPrice, p.Currency)

	d := a.evaluate(ctx, p.UnitPrice, p.Item, true)
	switch {
	case d.action == actionAccept:
		a.accept(ctx, env.CorrelationID, env.From, p.Item, p.Qty, p.UnitPrice, p.Currency)
	case d.action == actionCounter && conv.MessageCount() < a.maxMessages:
		a.counter(ctx, env.CorrelationID, env.From, p.Item, p.Qty, d.counterPrice, p.Currency, d.reason)
	default:
		reason := d.reason
		if conv.MessageCount() >= a.maxMessages {
			reason = "Unable to reach agreement after multiple rounds"
		}
		a.decline(ctx, env.CorrelationID, env.From, reason)
	}
	return nil
}

// HandleAccept confirms the deal and reserves inventory.
func (a *Agent) HandleAccept(_ context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.AcceptPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode accept payload: %w", err)
	}

	a.UpdateConversation(env.CorrelationID, "accepted_by_buyer", map[string]any{
		"finalPrice":  p.UnitPrice,
		"totalAmount": p.TotalAmount,
	})
	a.Logger().Infof("deal confirmed: %d %s for %g", p.Qty, p.Item, p.TotalAmount)

	a.reserveInventory(p.Item, p.Qty)
	a.Emit("dealConfirmed", map[string]any{
		"correlationId": env.CorrelationID,
		"item":          p.Item,
		"qty":           p.Qty,
		"unitPrice":     p.UnitPrice,
		"totalAmount":   p.TotalAmount,
	})
	return nil
}

// HandleDecline records the buyer walking away.
func (a *Agent) HandleDecline(_ context.Context, env types.Envelope, _ transport.Metadata) error {
	var p types.DeclinePayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode decline payload: %w", err)
	}

	a.UpdateConversation(env.CorrelationID, "declined_by_buyer", nil)
	a.Logger().Infof("buyer declined: %s", p.Reason)
	a.Emit("dealDeclined", map[string]any{
		"correlationId": env.CorrelationID,
		"reason":        p.Reason,
	})
	return nil
}

const (
	actionAccept  = "accept"
	actionCounter = "counter"
	actionDecline = "decline"
)

type decision struct {
	action       string
	counterPrice float64
	reason       string
}

// evaluate applies the pricing policy to an offered unit price. isCounter
// loosens acceptance: a counter at or above the minimum closes the deal.
func (a *Agent) evaluate(ctx context.Context, offered float64, item string, isCounter bool) decision {
	a.Logger().Debugf("evaluating %g (min %g, ideal %g)", offered, a.minPrice, a.idealPrice)

	if offered >= a.idealPrice*a.autoAcceptThreshold {
		return decision{action: actionAccept}
	}
	if isCounter && offered >= a.minPrice {
		return decision{action: actionAccept}
	}
	if offered < a.minPrice {
		return decision{
			action: actionDecline,
			reason: fmt.Sprintf("Price %g is below minimum %g", offered, a.minPrice),
		}
	}

	counterPrice := math.Max(a.minPrice, (offered+a.idealPrice)/2)
	counterPrice = math.Round(counterPrice*100) / 100

	reason := fmt.Sprintf("Looking for %g, can offer %g", a.idealPrice, counterPrice)
	if a.advisor != nil {
		reason = a.advisor.CounterReason(ctx, item, offered, counterPrice)
	}
	return decision{action: actionCounter, counterPrice: counterPrice, reason: reason}
}

func (a *Agent) accept(ctx context.Context, correlationID, to, item string, qty int, unitPrice float64, currency string) {
	msg := types.NewAccept(a.ID(), to, correlationID, types.AcceptPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  currency,
	})
	a.UpdateConversation(correlationID, "accepted_by_seller", map[string]any{"finalPrice": unitPrice})

	if result := a.Send(ctx, msg); result.Success {
		a.Emit("offerAccepted", map[string]any{
			"correlationId": correlationID,
			"item":          item,
			"qty":           qty,
			"unitPrice":     unitPrice,
		})
	} else {
		a.Logger().Errorf("failed to send ACCEPT: %s", result.Error)
	}
}

func (a *Agent) counter(ctx context.Context, correlationID, to, item string, qty int, unitPrice float64, currency, reason string) {
	a.Logger().Infof("countering at %g %s", unitPrice, currency)
	msg := types.NewCounter(a.ID(), to, correlationID, types.CounterPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  currency,
		Reason:    reason,
	})
	a.UpdateConversation(correlationID, "counter_sent", map[string]any{"lastCounterPrice": unitPrice})

	if result := a.Send(ctx, msg); result.Success {
		a.Emit("counterSent", map[string]any{
			"correlationId": correlationID,
			"item":          item,
			"qty":           qty,
			"unitPrice":     unitPrice,
		})
	} else {
		a.Logger().Errorf("failed to send COUNTER: %s", result.Error)
	}
}

func (a *Agent) decline(ctx context.Context, correlationID, to, reason string) {
	a.Logger().Infof("declining: %s", reason)
	msg := types.NewDecline(a.ID(), to, correlationID, reason)
	a.UpdateConversation(correlationID, "declined_by_seller", nil)

	if result := a.Send(ctx, msg); result.Success {
		a.Emit("offerDeclined", map[string]any{
			"correlationId": correlationID,
			"reason":        reason,
		})
	} else {
		a.Logger().Errorf("failed to send DECLINE: %s", result.Error)
	}
}

// HasInventory reports whether qty of item is available.
func (a *Agent) HasInventory(item string, qty int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inventory[item] >= qty
}

func (a *Agent) reserveInventory(item string, qty int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inventory[item]; ok {
		a.inventory[item] -= qty
		a.Logger().Infof("reserved %d %s (remaining %d)", qty, item, a.inventory[item])
	}
}

// UpdateInventory sets the available quantity of an item.
func (a *Agent) UpdateInventory(item string, qty int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inventory[item] = qty
}

// Inventory returns a copy of the current stock levels.
func (a *Agent) Inventory() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.inventory))
	for item, qty := range a.inventory {
		out[item] = qty
	}
	return out
}
