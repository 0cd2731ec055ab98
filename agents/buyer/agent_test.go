package buyer

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

// fixture runs a buyer over an in-process log and collects everything the
// buyer sends, split by recipient.
type fixture struct {
	t     *testing.T
	log   *transport.MemoryLog
	val   *protocol.Validator
	buyer *Agent
	peer  *transport.Transport

	mu       sync.Mutex
	toSeller []types.Envelope
	toPay    []types.Envelope
}

func newFixture(t *testing.T, cfg config.BuyerConfig) *fixture {
	t.Helper()
	val, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	signer, err := protocol.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}

	if cfg.PaymentAccount == "" {
		cfg.PaymentAccount = "seller-ledger-account"
	}

	f := &fixture{t: t, log: transport.NewMemoryLog(), val: val}
	t.Cleanup(f.log.Close)

	base := agent.NewBase(types.AgentBuyer, transport.New(f.log, val, testLogger()), signer, testLogger())
	f.buyer = New(base, cfg)

	f.peer = transport.New(f.log, val, testLogger())
	err = f.peer.Subscribe(context.Background(), func(env types.Envelope, _ transport.Metadata) {
		f.mu.Lock()
		switch env.To {
		case types.AgentSeller:
			f.toSeller = append(f.toSeller, env)
		case types.AgentPayment:
			f.toPay = append(f.toPay, env)
		}
		f.mu.Unlock()
	}, transport.SubscribeOptions{FilterIDs: []string{types.AgentSeller, types.AgentPayment}})
	if err != nil {
		t.Fatalf("peer Subscribe failed: %v", err)
	}
	t.Cleanup(f.peer.Unsubscribe)

	if err := f.buyer.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.buyer.Stop)
	return f
}

func (f *fixture) publish(env types.Envelope) {
	f.t.Helper()
	if result := f.peer.Publish(context.Background(), env); !result.Success {
		f.t.Fatalf("publish failed: %s", result.Error)
	}
}

func (f *fixture) sellerInbox() []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Envelope(nil), f.toSeller...)
}

func (f *fixture) paymentInbox() []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Envelope(nil), f.toPay...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func sellerCounter(correlationID string, unitPrice float64) types.Envelope {
	return types.NewCounter(types.AgentSeller, types.AgentBuyer, correlationID, types.CounterPayload{
		Item:      "widgets",
		Qty:       10,
		UnitPrice: unitPrice,
		Currency:  "HBAR",
	})
}

func TestMakeOfferPublishesOffer(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 100})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 75, "HBAR")
	if !result.Success {
		t.Fatal("MakeOffer failed")
	}
	if result.CorrelationID == "" {
		t.Fatal("expected a correlation id")
	}

	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered to seller")
	}
	env := f.sellerInbox()[0]
	if env.Type != types.TypeOffer {
		t.Fatalf("expected OFFER, got %s", env.Type)
	}
	if env.CorrelationID != result.CorrelationID {
		t.Error("published correlation id differs from the returned one")
	}
	if env.Signature == "" {
		t.Error("offer must be signed")
	}
}

func TestBuyerAcceptsCounterWithinThreshold(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 100})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 70, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	// 100 * 0.9 = 90, so a counter at 85 is auto-accepted.
	f.publish(sellerCounter(result.CorrelationID, 85))

	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 2 }) {
		t.Fatal("no reply to the counter")
	}
	reply := f.sellerInbox()[1]
	if reply.Type != types.TypeAccept {
		t.Fatalf("expected ACCEPT, got %s", reply.Type)
	}

	// Acceptance triggers the payment request for qty * unitPrice.
	if !waitFor(t, time.Second, func() bool { return len(f.paymentInbox()) == 1 }) {
		t.Fatal("no payment request after accepting")
	}
	var p types.PaymentRequestPayload
	if err := f.paymentInbox()[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode payment request: %v", err)
	}
	if p.Amount != 850 {
		t.Errorf("expected amount 850, got %g", p.Amount)
	}
	if f.paymentInbox()[0].CorrelationID != result.CorrelationID {
		t.Error("payment request must inherit the negotiation correlation id")
	}
}

func TestBuyerDeclinesAboveBudget(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 50})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 30, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	f.publish(sellerCounter(result.CorrelationID, 60))

	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 2 }) {
		t.Fatal("no reply to the counter")
	}
	reply := f.sellerInbox()[1]
	if reply.Type != types.TypeDecline {
		t.Fatalf("expected DECLINE, got %s", reply.Type)
	}
	var p types.DeclinePayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode decline: %v", err)
	}
	if p.Reason != "Price 60 exceeds max budget of 50" {
		t.Errorf("unexpected reason: %s", p.Reason)
	}
}

func TestBuyerCountersTowardInitialOffer(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 85})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 65, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	// 77.5 is above 85*0.9 = 76.5 but within budget; first counter, so the
	// buyer splits the difference with its own initial offer.
	f.publish(sellerCounter(result.CorrelationID, 77.5))

	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 2 }) {
		t.Fatal("no reply to the counter")
	}
	reply := f.sellerInbox()[1]
	if reply.Type != types.TypeCounter {
		t.Fatalf("expected COUNTER, got %s", reply.Type)
	}
	var p types.CounterPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode counter: %v", err)
	}
	if p.UnitPrice != 71.25 {
		t.Errorf("expected (77.5+65)/2 = 71.25, got %g", p.UnitPrice)
	}
}

func TestBuyerAcceptsWithinBudgetAfterNegotiation(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 85})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 65, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	// First counter at 80: above threshold, within budget, but only one
	// message received so far, so the buyer counters.
	f.publish(sellerCounter(result.CorrelationID, 80))
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 2 }) {
		t.Fatal("no reply to first counter")
	}
	if got := f.sellerInbox()[1].Type; got != types.TypeCounter {
		t.Fatalf("expected COUNTER first, got %s", got)
	}

	// Third received message: the same price is now acceptable. Acceptance
	// is observable through the payment request it triggers.
	f.publish(sellerCounter(result.CorrelationID, 80))
	f.publish(sellerCounter(result.CorrelationID, 80))
	if !waitFor(t, time.Second, func() bool { return len(f.paymentInbox()) == 1 }) {
		t.Fatal("expected the buyer to accept and request payment")
	}

	replies := f.sellerInbox()
	last := replies[len(replies)-1]
	if last.Type != types.TypeAccept {
		t.Errorf("expected ACCEPT once negotiation has progressed, got %s", last.Type)
	}
	var p types.PaymentRequestPayload
	if err := f.paymentInbox()[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode payment request: %v", err)
	}
	if p.Amount != 800 {
		t.Errorf("expected amount 800, got %g", p.Amount)
	}
}

func TestBuyerRecordsPaymentOutcome(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 100})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 75, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	ack := types.NewPaymentAck(types.AgentPayment, types.AgentBuyer, result.CorrelationID, types.PaymentAckPayload{
		TransactionID: "tx-123",
		Status:        types.PaymentStatusSuccess,
		Amount:        750,
		TokenID:       "native",
	})
	f.publish(ack)

	if !waitFor(t, time.Second, func() bool {
		return f.buyer.Conversations()[result.CorrelationID].State == "paid"
	}) {
		t.Errorf("expected state paid, got %s", f.buyer.Conversations()[result.CorrelationID].State)
	}
}

func TestBuyerRecordsPaymentFailure(t *testing.T) {
	f := newFixture(t, config.BuyerConfig{MaxPrice: 100})

	result := f.buyer.MakeOffer(context.Background(), "widgets", 10, 75, "HBAR")
	if !waitFor(t, time.Second, func() bool { return len(f.sellerInbox()) == 1 }) {
		t.Fatal("offer not delivered")
	}

	ack := types.NewPaymentAck(types.AgentPayment, types.AgentBuyer, result.CorrelationID, types.PaymentAckPayload{
		TransactionID: types.TxNotAvailable,
		Status:        types.PaymentStatusFailed,
		Amount:        750,
		TokenID:       "native",
		Error:         "insufficient operator balance",
	})
	f.publish(ack)

	if !waitFor(t, time.Second, func() bool {
		return f.buyer.Conversations()[result.CorrelationID].State == "payment_failed"
	}) {
		t.Errorf("expected state payment_failed, got %s", f.buyer.Conversations()[result.CorrelationID].State)
	}

	conv := f.buyer.Conversations()[result.CorrelationID]
	if conv.Meta["paymentError"] != "insufficient operator balance" {
		t.Errorf("failure text must be preserved, got %v", conv.Meta["paymentError"])
	}
}
