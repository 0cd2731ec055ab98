package agent

import (
	"sync"
	"time"

	"github.com/linkedout-ai/agent-commerce/types"
)

// Conversation states. A conversation stays in StateNegotiating until a
// terminal decision, then moves through settlement on the buyer side.
const (
	StateNegotiating = "negotiating"
	StateAccepted    = "accepted"
	StateDeclined    = "declined"
	StateCompleted   = "completed"
	StateFailed      = "failed"
)

// Conversation is one negotiation thread, keyed by correlation id. It holds
// the received messages of the thread in arrival order, oldest first.
type Conversation struct {
	CorrelationID string
	State         string
	Messages      []types.Envelope
	// Meta holds role-specific fields set by the policy layer, such as the
	// item under negotiation or the buyer's initial offer.
	Meta      map[string]any
	UpdatedAt time.Time
}

// MessageCount returns the number of messages recorded on the thread.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// LastMessage returns the most recent message, or false when empty.
func (c *Conversation) LastMessage() (types.Envelope, bool) {
	if len(c.Messages) == 0 {
		return types.Envelope{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// conversationStore tracks conversations for one agent.
type conversationStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
}

func newConversationStore() *conversationStore {
	return &conversationStore{conversations: make(map[string]*Conversation)}
}

// get returns the conversation for the correlation id, creating it in
// StateNegotiating on first reference.
func (s *conversationStore) get(correlationID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[correlationID]
	if !ok {
		conv = &Conversation{
			CorrelationID: correlationID,
			State:         StateNegotiating,
			UpdatedAt:     time.Now(),
		}
		s.conversations[correlationID] = conv
	}
	return conv
}

func (s *conversationStore) addMessage(correlationID string, env types.Envelope) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[correlationID]
	if !ok {
		conv = &Conversation{
			CorrelationID: correlationID,
			State:         StateNegotiating,
		}
		s.conversations[correlationID] = conv
	}
	conv.Messages = append(conv.Messages, env)
	conv.UpdatedAt = time.Now()
	return conv
}

// update merges state and meta into the conversation, lazy-creating it.
// An empty state leaves the current state untouched.
func (s *conversationStore) update(correlationID, state string, meta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[correlationID]
	if !ok {
		conv = &Conversation{
			CorrelationID: correlationID,
			State:         StateNegotiating,
		}
		s.conversations[correlationID] = conv
	}
	if state != "" {
		conv.State = state
	}
	if len(meta) > 0 {
		if conv.Meta == nil {
			conv.Meta = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			conv.Meta[k] = v
		}
	}
	conv.UpdatedAt = time.Now()
}

// snapshot returns a copy of every conversation. Message slices are shared;
// callers must not mutate them.
func (s *conversationStore) snapshot() map[string]Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Conversation, len(s.conversations))
	for id, conv := range s.conversations {
		out[id] = *conv
	}
	return out
}
