// Package agent implements the shared runtime of every negotiation agent:
// lifecycle, message routing, conversation tracking, signing on send, and
// domain event emission.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/protocol"
	"github.com/linkedout-ai/agent-commerce/transport"
	"github.com/linkedout-ai/agent-commerce/types"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// ErrCodeRouting tags ERROR envelopes produced when a handler fails.
const ErrCodeRouting = "ROUTING_ERROR"

// Handler reacts to inbound messages. Base dispatches exactly one method per
// delivered envelope; returning an error makes Base report an ERROR envelope
// back to the sender.
type Handler interface {
	HandleOffer(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandleCounter(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandleAccept(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandleDecline(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandlePaymentRequest(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandlePaymentAck(ctx context.Context, env types.Envelope, meta transport.Metadata) error
	HandleError(ctx context.Context, env types.Envelope, meta transport.Metadata) error
}

// NopHandler ignores every message type. Role agents embed it and override
// only the types they act on; unhandled types are dropped without error.
type NopHandler struct{}

func (NopHandler) HandleOffer(context.Context, types.Envelope, transport.Metadata) error   { return nil }
func (NopHandler) HandleCounter(context.Context, types.Envelope, transport.Metadata) error { return nil }
func (NopHandler) HandleAccept(context.Context, types.Envelope, transport.Metadata) error  { return nil }
func (NopHandler) HandleDecline(context.Context, types.Envelope, transport.Metadata) error { return nil }
func (NopHandler) HandlePaymentRequest(context.Context, types.Envelope, transport.Metadata) error {
	return nil
}
func (NopHandler) HandlePaymentAck(context.Context, types.Envelope, transport.Metadata) error {
	return nil
}
func (NopHandler) HandleError(context.Context, types.Envelope, transport.Metadata) error { return nil }

// Event is a domain event emitted by an agent for observers such as the
// websocket hub.
type Event struct {
	Name  string
	Agent string
	Data  map[string]any
}

// Emitter receives domain events. Emission is synchronous and best effort;
// emitters must not block.
type Emitter func(Event)

// Base is the shared agent runtime. Role agents embed a *Base and register
// themselves as its Handler.
type Base struct {
	id      string
	tp      *transport.Transport
	signer  *protocol.Signer
	lg      *logger.Logger
	handler Handler
	convs   *conversationStore

	mu      sync.Mutex
	status  Status
	emitter Emitter
}

// NewBase creates the runtime for one agent identity. The signer may be nil
// for agents that only observe.
func NewBase(id string, tp *transport.Transport, signer *protocol.Signer, lg *logger.Logger) *Base {
	if lg == nil {
		lg = logger.Global()
	}
	return &Base{
		id:     id,
		tp:     tp,
		signer: signer,
		lg:     lg.Named(id),
		status: StatusStopped,
		convs:  newConversationStore(),
	}
}

// ID returns the agent identifier.
func (b *Base) ID() string { return b.id }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *logger.Logger { return b.lg }

// SetHandler registers the role-specific message handler. Must be called
// before Start.
func (b *Base) SetHandler(h Handler) { b.handler = h }

// SetEmitter registers the domain event sink.
func (b *Base) SetEmitter(e Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitter = e
}

// Status returns the current lifecycle state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Start subscribes the agent to its addressed messages. Starting an already
// running agent logs a warning and does nothing.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.status == StatusRunning || b.status == StatusStarting {
		b.mu.Unlock()
		b.lg.Warn("agent already running")
		return nil
	}
	b.status = StatusStarting
	b.mu.Unlock()

	err := b.tp.Subscribe(ctx, func(env types.Envelope, meta transport.Metadata) {
		b.routeMessage(ctx, env, meta)
	}, transport.SubscribeOptions{FilterIDs: []string{b.id}})
	if err != nil {
		b.mu.Lock()
		b.status = StatusStopped
		b.mu.Unlock()
		return fmt.Errorf("start agent %s: %w", b.id, err)
	}

	b.mu.Lock()
	b.status = StatusRunning
	b.mu.Unlock()

	b.lg.Info("agent started")
	b.emit("started", map[string]any{"agentId": b.id})
	return nil
}

// Stop unsubscribes the agent. Safe to call when already stopped.
func (b *Base) Stop() {
	b.mu.Lock()
	if b.status != StatusRunning {
		b.mu.Unlock()
		return
	}
	b.status = StatusStopping
	b.mu.Unlock()

	b.tp.Unsubscribe()

	b.mu.Lock()
	b.status = StatusStopped
	b.mu.Unlock()

	b.lg.Info("agent stopped")
	b.emit("stopped", map[string]any{"agentId": b.id})
}

// routeMessage records the message on its conversation and dispatches it to
// the handler. A handler error or panic never crashes the agent: it is
// reported back to the sender as an ERROR envelope.
func (b *Base) routeMessage(ctx context.Context, env types.Envelope, meta transport.Metadata) {
	if env.From == b.id {
		return
	}

	b.lg.Debugf("received %s (%s) from %s at seq %d", env.Type, env.ID, env.From, meta.SequenceNumber)
	b.convs.addMessage(env.CorrelationID, env)
	b.emit("messageReceived", map[string]any{
		"type":          string(env.Type),
		"from":          env.From,
		"correlationId": env.CorrelationID,
		"sequence":      meta.SequenceNumber,
	})

	err := b.dispatch(ctx, env, meta)
	if err == nil {
		return
	}

	b.lg.Error(fmt.Sprintf("failed to handle %s message", env.Type), err)

	// Never answer an ERROR with another ERROR; that would ping-pong
	// between two failing agents forever.
	if env.Type == types.TypeError {
		return
	}

	report := types.NewError(b.id, env.From, env.CorrelationID, types.ErrorPayload{
		Code:              ErrCodeRouting,
		Message:           err.Error(),
		OriginalMessageID: env.ID,
	})
	if result := b.Send(ctx, report); !result.Success {
		b.lg.Errorf("failed to report handler error: %s", result.Error)
	}
}

func (b *Base) dispatch(ctx context.Context, env types.Envelope, meta transport.Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if b.handler == nil {
		b.lg.Warnf("no handler registered, dropping %s", env.Type)
		return nil
	}

	switch env.Type {
	case types.TypeOffer:
		return b.handler.HandleOffer(ctx, env, meta)
	case types.TypeCounter:
		return b.handler.HandleCounter(ctx, env, meta)
	case types.TypeAccept:
		return b.handler.HandleAccept(ctx, env, meta)
	case types.TypeDecline:
		return b.handler.HandleDecline(ctx, env, meta)
	case types.TypePaymentRequest:
		return b.handler.HandlePaymentRequest(ctx, env, meta)
	case types.TypePaymentAck:
		return b.handler.HandlePaymentAck(ctx, env, meta)
	case types.TypeError:
		return b.handler.HandleError(ctx, env, meta)
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// Send signs the envelope and publishes it. Conversations track received
// messages only, so outbound envelopes are not recorded. The publish result
// is returned as-is so callers can apply their own retry policy.
func (b *Base) Send(ctx context.Context, env types.Envelope) transport.PublishResult {
	if b.signer != nil {
		signed, err := b.signer.Sign(env)
		if err != nil {
			b.lg.Error("failed to sign outbound message", err)
			return transport.PublishResult{Error: fmt.Sprintf("sign message: %v", err)}
		}
		env = signed
	}

	result := b.tp.Publish(ctx, env)
	if !result.Success {
		b.emit("messageError", map[string]any{
			"type":  string(env.Type),
			"to":    env.To,
			"error": result.Error,
		})
		return result
	}

	b.emit("messageSent", map[string]any{
		"type":          string(env.Type),
		"to":            env.To,
		"correlationId": env.CorrelationID,
		"sequence":      result.SequenceNumber,
	})
	return result
}

// Conversation returns the thread for the correlation id, creating it on
// first reference.
func (b *Base) Conversation(correlationID string) *Conversation {
	return b.convs.get(correlationID)
}

// UpdateConversation merges a state change and role-specific fields into a
// thread, creating it if needed. An empty state keeps the current one.
func (b *Base) UpdateConversation(correlationID, state string, meta map[string]any) {
	b.convs.update(correlationID, state, meta)
	if state != "" {
		b.emit("conversationState", map[string]any{
			"correlationId": correlationID,
			"state":         state,
		})
	}
}

// Conversations returns a snapshot of all threads.
func (b *Base) Conversations() map[string]Conversation {
	return b.convs.snapshot()
}

// Report is a point-in-time view of one agent.
type Report struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	Conversations int    `json:"conversations"`
	LastSequence  uint64 `json:"lastSequence"`
}

// Report returns the agent's current status snapshot.
func (b *Base) Report() Report {
	return Report{
		ID:            b.id,
		Status:        b.Status(),
		Conversations: len(b.convs.snapshot()),
		LastSequence:  b.tp.LastSequenceNumber(),
	}
}

// Emit publishes a role-specific domain event through the registered sink.
func (b *Base) Emit(name string, data map[string]any) {
	b.emit(name, data)
}

func (b *Base) emit(name string, data map[string]any) {
	b.mu.Lock()
	emitter := b.emitter
	b.mu.Unlock()
	if emitter != nil {
		emitter(Event{Name: name, Agent: b.id, Data: data})
	}
}
