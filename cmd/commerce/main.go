// Command commerce runs a full local deployment: buyer, seller, and payment
// agents over one in-process log, a websocket event stream for observers,
// and a small HTTP surface to open negotiations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkedout-ai/agent-commerce/agent"
	"github.com/linkedout-ai/agent-commerce/agents/buyer"
	"github.com/linkedout-ai/agent-commerce/agents/payment"
	"github.com/linkedout-ai/agent-commerce/agents/seller"
	"github.com/linkedout-ai/agent-commerce/config"
	"github.com/linkedout-ai/agent-commerce/events"
	"github.com/linkedout-ai/agent-commerce/ledger"
	"github.com/linkedout-ai/agent-commerce/llm"
	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/resilience"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	httpAddr := flag.String("http", ":8080", "listen address of the control API")
	flag.Parse()

	if err := run(*configPath, *httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lg := logger.Global()
	if level, parseErr := logger.ParseLevel(cfg.LogLevel); parseErr == nil {
		lg.SetLevel(level)
	}
	lg.SetJSONFormat(cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	val, err := protocol.NewValidator()
	if err != nil {
		return err
	}

	log := transport.NewMemoryLog()
	defer log.Close()

	var tpOpts []transport.Option
	if cfg.Transport.MirrorBaseURL != "" && cfg.Transport.TopicID != "" {
		tpOpts = append(tpOpts, transport.WithMirror(
			transport.NewMirror(cfg.Transport.MirrorBaseURL, cfg.Transport.TopicID)))
	}

	var emitter agent.Emitter
	var eventSrv *events.Server
	if cfg.Events.Enabled {
		eventSrv = events.NewServer(cfg.Events.Addr, lg)
		eventSrv.Start()
		emitter = eventSrv.Emitter()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			eventSrv.Shutdown(shutdownCtx)
		}()
	}

	newBase := func(id, keyHex string) (*agent.Base, error) {
		signer, signerErr := signerFor(keyHex)
		if signerErr != nil {
			return nil, fmt.Errorf("%s: %w", id, signerErr)
		}
		base := agent.NewBase(id, transport.New(log, val, lg, tpOpts...), signer, lg)
		base.SetEmitter(emitter)
		return base, nil
	}

	sellerBase, err := newBase(types.AgentSeller, cfg.Seller.PrivateKey)
	if err != nil {
		return err
	}
	buyerBase, err := newBase(types.AgentBuyer, cfg.Buyer.PrivateKey)
	if err != nil {
		return err
	}
	paymentBase, err := newBase(types.AgentPayment, cfg.Payment.PrivateKey)
	if err != nil {
		return err
	}

	var advisor *llm.Advisor
	if cfg.LLM.Enabled {
		advisor, err = llm.NewOpenAIAdvisor(cfg.LLM.Model, lg)
		if err != nil {
			lg.Error("llm advisor unavailable, continuing without it", err)
			advisor = nil
		}
	}

	executor, closeExecutor, err := executorFor(ctx, cfg.Payment)
	if err != nil {
		return err
	}
	defer closeExecutor()

	breaker := resilience.NewCircuitBreaker(cfg.Payment.BreakerMaxFailures, cfg.Payment.BreakerResetTimeout.Std())
	breaker.SetOnStateChange(func(from, to resilience.State) {
		lg.Warnf("ledger circuit breaker: %s -> %s", from, to)
	})

	sellerAgent := seller.New(sellerBase, cfg.Seller, advisor)
	buyerAgent := buyer.New(buyerBase, cfg.Buyer)
	paymentAgent := payment.New(paymentBase, executor, breaker)

	if err := sellerAgent.Start(ctx); err != nil {
		return err
	}
	if err := buyerAgent.Start(ctx); err != nil {
		return err
	}
	if err := paymentAgent.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sellerAgent.Stop()
		buyerAgent.Stop()
		paymentAgent.Stop()
	}()

	api := &controlAPI{buyer: buyerAgent, seller: sellerAgent, payment: paymentAgent, lg: lg}
	srv := &http.Server{Addr: httpAddr, Handler: api.routes()}
	go func() {
		lg.Infof("control api listening on %s", httpAddr)
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			lg.Error("control api stopped", serveErr)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	return nil
}

func signerFor(keyHex string) (*protocol.Signer, error) {
	if keyHex == "" {
		return protocol.GenerateSigner()
	}
	return protocol.NewSigner(keyHex)
}

func executorFor(ctx context.Context, cfg config.PaymentConfig) (ledger.Executor, func(), error) {
	if cfg.LedgerRPCURL == "" {
		return ledger.NewMemoryExecutor(), func() {}, nil
	}
	exec, err := ledger.NewEthExecutor(ctx, cfg.LedgerRPCURL, cfg.ChainID, cfg.OperatorKey)
	if err != nil {
		return nil, nil, err
	}
	return exec, exec.Close, nil
}

// controlAPI is the HTTP surface for opening negotiations and inspecting
// agent state.
type controlAPI struct {
	buyer   *buyer.Agent
	seller  *seller.Agent
	payment *payment.Agent
	lg      *logger.Logger
}

func (c *controlAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/offer", c.handleOffer)
	mux.HandleFunc("/status", c.handleStatus)
	return mux
}

type offerRequest struct {
	Item      string  `json:"item"`
	Qty       int     `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
}

func (c *controlAPI) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "HBAR"
	}

	result := c.buyer.MakeOffer(r.Context(), req.Item, req.Qty, req.UnitPrice, req.Currency)
	w.Header().Set("Content-Type", "application/json")
	if !result.Success {
		w.WriteHeader(http.StatusBadGateway)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":       result.Success,
		"correlationId": result.CorrelationID,
	})
}

func (c *controlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"buyer": c.buyer.Report(),
		"seller": map[string]any{
			"agent":     c.seller.Report(),
			"inventory": c.seller.Inventory(),
		},
		"payment": map[string]any{
			"agent":    c.payment.Report(),
			"payments": len(c.payment.History()),
		},
	})
}
