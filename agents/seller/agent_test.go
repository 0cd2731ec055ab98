package seller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/config"
	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

func testLogger() *logger.Logger {
	lg := logger.New()
	lg.SetLevel(logger.ERROR)
	return lg
}

// fixture runs a seller over an in-process log with a fake buyer side that
// publishes messages and collects the seller's replies.
type fixture struct {
	t      *testing.T
	log    *transport.MemoryLog
	val    *protocol.Validator
	seller *Agent
	buyer  *transport.Transport

	mu      sync.Mutex
	replies []types.Envelope
}

func newFixture(t *testing.T, cfg config.SellerConfig) *fixture {
	t.Helper()
	val, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	signer, err := protocol.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}

	f := &fixture{t: t, log: transport.NewMemoryLog(), val: val}
	t.Cleanup(f.log.Close)

	base := agent.NewBase(types.AgentSeller, transport.New(f.log, val, testLogger()), signer, testLogger())
	f.seller = New(base, cfg, nil)

	f.buyer = transport.New(f.log, val, testLogger())
	err = f.buyer.Subscribe(context.Background(), func(env types.Envelope, _ transport.Metadata) {
		f.mu.Lock()
		f.replies = append(f.replies, env)
		f.mu.Unlock()
	}, transport.SubscribeOptions{FilterIDs: []string{types.AgentBuyer}})
	if err != nil {
		t.Fatalf("buyer Subscribe failed: %v", err)
	}
	t.Cleanup(f.buyer.Unsubscribe)

	if err := f.seller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.seller.Stop)
	return f
}

func (f *fixture) publish(env types.Envelope) {
	f.t.Helper()
	if result := f.buyer.Publish(context.Background(), env); !result.Success {
		f.t.Fatalf("publish failed: %s", result.Error)
	}
}

func (f *fixture) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

// nextReply blocks until the n-th reply (0-based) arrives.
func (f *fixture) nextReply(n int) types.Envelope {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.replies) > n {
			env := f.replies[n]
			f.mu.Unlock()
			return env
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for reply %d", n)
	return types.Envelope{}
}

func offer(item string, qty int, unitPrice float64) types.Envelope {
	return types.NewOffer(types.AgentBuyer, types.AgentSeller, types.OfferPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  "HBAR",
	})
}

func counter(correlationID, item string, qty int, unitPrice float64) types.Envelope {
	return types.NewCounter(types.AgentBuyer, types.AgentSeller, correlationID, types.CounterPayload{
		Item:      item,
		Qty:       qty,
		UnitPrice: unitPrice,
		Currency:  "HBAR",
	})
}

func TestSellerAcceptsNearIdealPrice(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:            50,
		IdealPrice:          80,
		AutoAcceptThreshold: 0.9,
		Inventory:           map[string]int{"widgets": 100},
	})

	// 80 * 0.9 = 72, so 75 clears the auto-accept bar.
	f.publish(offer("widgets", 10, 75))

	reply := f.nextReply(0)
	if reply.Type != types.TypeAccept {
		t.Fatalf("expected ACCEPT, got %s", reply.Type)
	}
	var p types.AcceptPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	if p.UnitPrice != 75 {
		t.Errorf("expected unit price 75, got %g", p.UnitPrice)
	}
	if p.TotalAmount != 750 {
		t.Errorf("expected total 750, got %g", p.TotalAmount)
	}
}

func TestSellerDeclinesBelowMinimum(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   70,
		IdealPrice: 100,
		Inventory:  map[string]int{"premium": 10},
	})

	f.publish(offer("premium", 3, 30))

	reply := f.nextReply(0)
	if reply.Type != types.TypeDecline {
		t.Fatalf("expected DECLINE, got %s", reply.Type)
	}
	var p types.DeclinePayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode decline: %v", err)
	}
	if p.Reason != "Price 30 is below minimum 70" {
		t.Errorf("unexpected reason: %s", p.Reason)
	}

	time.Sleep(50 * time.Millisecond)
	if f.replyCount() != 1 {
		t.Errorf("a lowball offer must produce exactly one reply, got %d", f.replyCount())
	}
}

func TestSellerCountersAtMidpoint(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   60,
		IdealPrice: 90,
		Inventory:  map[string]int{"gadgets": 50},
	})

	// 65 is above minimum but below 90*0.95, so counter at (65+90)/2.
	f.publish(offer("gadgets", 5, 65))

	reply := f.nextReply(0)
	if reply.Type != types.TypeCounter {
		t.Fatalf("expected COUNTER, got %s", reply.Type)
	}
	var p types.CounterPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode counter: %v", err)
	}
	if p.UnitPrice != 77.5 {
		t.Errorf("expected midpoint 77.5, got %g", p.UnitPrice)
	}
	if p.Reason == "" {
		t.Error("counter must carry a reason")
	}
}

func TestSellerAcceptsCounterAboveMinimum(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   60,
		IdealPrice: 90,
		Inventory:  map[string]int{"gadgets": 50},
	})

	first := offer("gadgets", 5, 65)
	f.publish(first)
	if reply := f.nextReply(0); reply.Type != types.TypeCounter {
		t.Fatalf("expected COUNTER, got %s", reply.Type)
	}

	// A buyer counter at or above the minimum closes the deal even though
	// it is far from ideal.
	f.publish(counter(first.CorrelationID, "gadgets", 5, 61))

	reply := f.nextReply(1)
	if reply.Type != types.TypeAccept {
		t.Fatalf("expected ACCEPT, got %s", reply.Type)
	}
	var p types.AcceptPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	if p.UnitPrice != 61 {
		t.Errorf("expected 61, got %g", p.UnitPrice)
	}
}

func TestSellerDeclinesCounterBelowMinimum(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   60,
		IdealPrice: 90,
		Inventory:  map[string]int{"gadgets": 50},
	})

	first := offer("gadgets", 5, 65)
	f.publish(first)
	f.nextReply(0)

	f.publish(counter(first.CorrelationID, "gadgets", 5, 40))

	reply := f.nextReply(1)
	if reply.Type != types.TypeDecline {
		t.Fatalf("expected DECLINE, got %s", reply.Type)
	}
}

func TestSellerDeclinesInsufficientInventory(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   50,
		IdealPrice: 80,
		Inventory:  map[string]int{"widgets": 5},
	})

	f.publish(offer("widgets", 10, 75))

	reply := f.nextReply(0)
	if reply.Type != types.TypeDecline {
		t.Fatalf("expected DECLINE, got %s", reply.Type)
	}
	var p types.DeclinePayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode decline: %v", err)
	}
	if p.Reason != "Insufficient inventory for 10 widgets" {
		t.Errorf("unexpected reason: %s", p.Reason)
	}
}

func TestSellerInventoryCheckedOnlyOnFirstOffer(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   60,
		IdealPrice: 90,
		Inventory:  map[string]int{"gadgets": 5},
	})

	first := offer("gadgets", 5, 65)
	f.publish(first)
	if reply := f.nextReply(0); reply.Type != types.TypeCounter {
		t.Fatalf("expected COUNTER, got %s", reply.Type)
	}

	// Stock vanishes mid-negotiation; the counter path does not re-check.
	f.seller.UpdateInventory("gadgets", 0)

	f.publish(counter(first.CorrelationID, "gadgets", 5, 61))
	if reply := f.nextReply(1); reply.Type != types.TypeAccept {
		t.Errorf("counter path must not re-check inventory, got %s", reply.Type)
	}
}

func TestSellerRoundCapOverridesDeclineReason(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:                60,
		IdealPrice:              90,
		MaxConversationMessages: 2,
		Inventory:               map[string]int{"gadgets": 50},
	})

	first := offer("gadgets", 5, 65)
	f.publish(first)
	if reply := f.nextReply(0); reply.Type != types.TypeCounter {
		t.Fatalf("expected COUNTER, got %s", reply.Type)
	}

	// The second received message reaches the cap, so the terminal decline
	// cites the exhausted rounds rather than the price.
	f.publish(counter(first.CorrelationID, "gadgets", 5, 40))
	reply := f.nextReply(1)
	if reply.Type != types.TypeDecline {
		t.Fatalf("expected DECLINE at round cap, got %s", reply.Type)
	}
	var p types.DeclinePayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode decline: %v", err)
	}
	if p.Reason != "Unable to reach agreement after multiple rounds" {
		t.Errorf("unexpected reason: %s", p.Reason)
	}
}

func TestSellerReservesInventoryOnBuyerAccept(t *testing.T) {
	f := newFixture(t, config.SellerConfig{
		MinPrice:   50,
		IdealPrice: 80,
		Inventory:  map[string]int{"widgets": 100},
	})

	accept := types.NewAccept(types.AgentBuyer, types.AgentSeller, "corr-1", types.AcceptPayload{
		Item:      "widgets",
		Qty:       10,
		UnitPrice: 77.5,
		Currency:  "HBAR",
	})
	f.publish(accept)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.seller.Inventory()["widgets"] == 90 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected 90 widgets after reservation, got %d", f.seller.Inventory()["widgets"])
}
