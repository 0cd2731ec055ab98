// Package scenarios runs end-to-end negotiation flows over a shared log:
// the demonstration scenarios for quick acceptance, multi-round bargaining,
// rejection, and settlement idempotency.
package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/agents/buyer"
	"github.com/linkedout-ai/agent-commerce/agents/payment"
	"github.com/linkedout-ai/agent-commerce/agents/seller"
	"github.com/linkedout-ai/agent-commerce/config"
	"github.com/linkedout-ai/agent-commerce/ledger"
	"github.com/linkedout-ai/agent-commerce/llm"
	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

// Names of the built-in scenarios.
const (
	Happy      = "happy"
	Negotiate  = "negotiate"
	Decline    = "decline"
	Idempotent = "idempotent"
)

// All lists the built-in scenarios in run order.
var All = []string{Happy, Negotiate, Decline, Idempotent}

// Deps are the collaborators a scenario runs against. Log and Executor are
// swappable so the same flows run in-process or against real infrastructure.
type Deps struct {
	Log      transport.Log
	Executor ledger.Executor
	Logger   *logger.Logger
	// Advisor phrases seller counter reasons; nil uses deterministic text.
	Advisor *llm.Advisor
	// Observer additionally receives every agent event; nil disables it.
	Observer agent.Emitter
	// SellerAccount and TokenID parameterize payment requests.
	SellerAccount string
	TokenID       string
	// Timeout bounds each scenario; zero means 15 seconds.
	Timeout time.Duration
}

// Result is the outcome of one scenario.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

func (d *Deps) fill() error {
	if d.Log == nil {
		d.Log = transport.NewMemoryLog()
	}
	if d.Executor == nil {
		d.Executor = ledger.NewMemoryExecutor()
	}
	if d.Logger == nil {
		d.Logger = logger.Global()
	}
	if d.SellerAccount == "" {
		d.SellerAccount = "seller-ledger-account"
	}
	if d.TokenID == "" {
		d.TokenID = ledger.NativeToken
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	return nil
}

// Run executes one named scenario.
func Run(ctx context.Context, name string, deps Deps) (Result, error) {
	if err := deps.fill(); err != nil {
		return Result{}, err
	}
	switch name {
	case Happy:
		return runHappy(ctx, deps)
	case Negotiate:
		return runNegotiate(ctx, deps)
	case Decline:
		return runDecline(ctx, deps)
	case Idempotent:
		return runIdempotent(ctx, deps)
	default:
		return Result{}, fmt.Errorf("unknown scenario: %s", name)
	}
}

// RunAll executes every built-in scenario and returns their results. A
// scenario that fails to set up is reported as failed, not fatal.
func RunAll(ctx context.Context, deps Deps) []Result {
	results := make([]Result, 0, len(All))
	for _, name := range All {
		res, err := Run(ctx, name, deps)
		if err != nil {
			res = Result{Name: name, Detail: err.Error()}
		}
		results = append(results, res)
	}
	return results
}

// trio is a full deployment of the three agents over one log.
type trio struct {
	seller  *seller.Agent
	buyer   *buyer.Agent
	payment *payment.Agent
	events  *recorder
}

func newTrio(deps Deps, sellerCfg config.SellerConfig, buyerCfg config.BuyerConfig) (*trio, error) {
	val, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	rec := newRecorder()
	emit := rec.emitter(deps.Observer)

	newBase := func(id string) (*agent.Base, error) {
		signer, err := protocol.GenerateSigner()
		if err != nil {
			return nil, err
		}
		tp := transport.New(deps.Log, val, deps.Logger)
		base := agent.NewBase(id, tp, signer, deps.Logger)
		base.SetEmitter(emit)
		return base, nil
	}

	sellerBase, err := newBase(types.AgentSeller)
	if err != nil {
		return nil, err
	}
	buyerBase, err := newBase(types.AgentBuyer)
	if err != nil {
		return nil, err
	}
	paymentBase, err := newBase(types.AgentPayment)
	if err != nil {
		return nil, err
	}

	buyerCfg.PaymentAccount = deps.SellerAccount
	buyerCfg.TokenID = deps.TokenID

	return &trio{
		seller:  seller.New(sellerBase, sellerCfg, deps.Advisor),
		buyer:   buyer.New(buyerBase, buyerCfg),
		payment: payment.New(paymentBase, deps.Executor, nil),
		events:  rec,
	}, nil
}

func (t *trio) start(ctx context.Context) error {
	if err := t.seller.Start(ctx); err != nil {
		return err
	}
	if err := t.buyer.Start(ctx); err != nil {
		return err
	}
	return t.payment.Start(ctx)
}

func (t *trio) stop() {
	t.seller.Stop()
	t.buyer.Stop()
	t.payment.Stop()
}

func runHappy(ctx context.Context, deps Deps) (Result, error) {
	deps.Logger.Info("scenario: happy path, buyer offers a good price")

	trio, err := newTrio(deps, config.SellerConfig{
		MinPrice:   50,
		IdealPrice: 80,
		Inventory:  map[string]int{"widgets": 100},
	}, config.BuyerConfig{MaxPrice: 100})
	if err != nil {
		return Result{}, err
	}
	if err := trio.start(ctx); err != nil {
		return Result{}, err
	}
	defer trio.stop()

	done := trio.events.waitFor(types.AgentBuyer, "paymentSuccess")

	offer := trio.buyer.MakeOffer(ctx, "widgets", 10, 75, "HBAR")
	if !offer.Success {
		return Result{Name: Happy, Detail: "offer publish failed"}, nil
	}

	if !await(ctx, done, deps.Timeout) {
		return Result{Name: Happy, Detail: "payment not completed within timeout"}, nil
	}
	return Result{Name: Happy, Passed: true, Detail: "deal accepted and payment executed"}, nil
}

func runNegotiate(ctx context.Context, deps Deps) (Result, error) {
	deps.Logger.Info("scenario: multi-round negotiation, buyer opens low")

	trio, err := newTrio(deps, config.SellerConfig{
		MinPrice:   60,
		IdealPrice: 90,
		Inventory:  map[string]int{"gadgets": 50},
	}, config.BuyerConfig{MaxPrice: 85})
	if err != nil {
		return Result{}, err
	}
	if err := trio.start(ctx); err != nil {
		return Result{}, err
	}
	defer trio.stop()

	countered := trio.events.waitFor(types.AgentSeller, "counterSent")
	done := trio.events.waitFor(types.AgentBuyer, "paymentSuccess")

	offer := trio.buyer.MakeOffer(ctx, "gadgets", 5, 65, "HBAR")
	if !offer.Success {
		return Result{Name: Negotiate, Detail: "offer publish failed"}, nil
	}

	if !await(ctx, done, deps.Timeout) {
		return Result{Name: Negotiate, Detail: "payment not completed within timeout"}, nil
	}
	if !await(ctx, countered, time.Second) {
		return Result{Name: Negotiate, Detail: "no counter-offer was exchanged"}, nil
	}
	return Result{Name: Negotiate, Passed: true, Detail: "deal reached after counter rounds"}, nil
}

func runDecline(ctx context.Context, deps Deps) (Result, error) {
	deps.Logger.Info("scenario: rejection, buyer offers below the minimum")

	trio, err := newTrio(deps, config.SellerConfig{
		MinPrice:   70,
		IdealPrice: 100,
		Inventory:  map[string]int{"premium": 10},
	}, config.BuyerConfig{MaxPrice: 50})
	if err != nil {
		return Result{}, err
	}
	if err := trio.start(ctx); err != nil {
		return Result{}, err
	}
	defer trio.stop()

	declined := trio.events.waitFor(types.AgentBuyer, "dealDeclined")

	offer := trio.buyer.MakeOffer(ctx, "premium", 3, 30, "HBAR")
	if !offer.Success {
		return Result{Name: Decline, Detail: "offer publish failed"}, nil
	}

	if !await(ctx, declined, deps.Timeout) {
		return Result{Name: Decline, Detail: "expected decline not received"}, nil
	}
	if trio.events.count(types.AgentSeller, "counterSent") != 0 {
		return Result{Name: Decline, Detail: "seller countered instead of declining"}, nil
	}
	return Result{Name: Decline, Passed: true, Detail: "seller declined the lowball offer"}, nil
}

// runIdempotent publishes the same PAYMENT_REQUEST twice and checks that the
// ledger moved money once while both requests were acknowledged with the same
// transaction id.
func runIdempotent(ctx context.Context, deps Deps) (Result, error) {
	deps.Logger.Info("scenario: idempotency, duplicate payment request")

	val, err := protocol.NewValidator()
	if err != nil {
		return Result{}, err
	}
	rec := newRecorder()

	paymentSigner, err := protocol.GenerateSigner()
	if err != nil {
		return Result{}, err
	}
	paymentBase := agent.NewBase(types.AgentPayment, transport.New(deps.Log, val, deps.Logger), paymentSigner, deps.Logger)
	paymentBase.SetEmitter(rec.emitter(deps.Observer))
	pay := payment.New(paymentBase, deps.Executor, nil)
	if err := pay.Start(ctx); err != nil {
		return Result{}, err
	}
	defer pay.Stop()

	// A bare transport stands in for the buyer: it publishes the request
	// and collects the acknowledgments addressed back.
	buyerSigner, err := protocol.GenerateSigner()
	if err != nil {
		return Result{}, err
	}
	buyerTp := transport.New(deps.Log, val, deps.Logger)
	acks := make(chan types.PaymentAckPayload, 4)
	err = buyerTp.Subscribe(ctx, func(env types.Envelope, _ transport.Metadata) {
		if env.Type != types.TypePaymentAck {
			return
		}
		var p types.PaymentAckPayload
		if env.DecodePayload(&p) == nil {
			acks <- p
		}
	}, transport.SubscribeOptions{FilterIDs: []string{types.AgentBuyer}})
	if err != nil {
		return Result{}, err
	}
	defer buyerTp.Unsubscribe()

	req := types.NewPaymentRequest(types.AgentBuyer, types.AgentPayment,
		fmt.Sprintf("idempotency-%d", time.Now().UnixNano()),
		types.PaymentRequestPayload{
			Amount:    10,
			TokenID:   deps.TokenID,
			ToAccount: deps.SellerAccount,
			Memo:      "duplicate request check",
			Item:      "test-item",
			Qty:       1,
		})
	signed, err := buyerSigner.Sign(req)
	if err != nil {
		return Result{}, err
	}

	collect := func() (types.PaymentAckPayload, bool) {
		select {
		case p := <-acks:
			return p, true
		case <-time.After(deps.Timeout):
			return types.PaymentAckPayload{}, false
		case <-ctx.Done():
			return types.PaymentAckPayload{}, false
		}
	}

	if result := buyerTp.Publish(ctx, signed); !result.Success {
		return Result{Name: Idempotent, Detail: "first publish failed: " + result.Error}, nil
	}
	first, ok := collect()
	if !ok {
		return Result{Name: Idempotent, Detail: "no ack for first request"}, nil
	}

	if result := buyerTp.Publish(ctx, signed); !result.Success {
		return Result{Name: Idempotent, Detail: "second publish failed: " + result.Error}, nil
	}
	second, ok := collect()
	if !ok {
		return Result{Name: Idempotent, Detail: "no ack for duplicate request"}, nil
	}

	switch {
	case rec.count(types.AgentPayment, "paymentExecuted") != 1:
		return Result{Name: Idempotent,
			Detail: fmt.Sprintf("payment executed %d times, expected 1", rec.count(types.AgentPayment, "paymentExecuted"))}, nil
	case first.TransactionID != second.TransactionID:
		return Result{Name: Idempotent, Detail: "duplicate ack carries a different transaction id"}, nil
	case second.Status != types.PaymentStatusSuccess:
		return Result{Name: Idempotent, Detail: "duplicate ack is not a success replay"}, nil
	}
	return Result{Name: Idempotent, Passed: true, Detail: "duplicate request did not double-pay"}, nil
}

func await(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
