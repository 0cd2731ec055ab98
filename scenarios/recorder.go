package scenarios

import (
	"sync"

	"github.com/linkedout-ai/agent-commerce/agent"
)

// recorder collects agent events and lets a scenario wait for a specific
// (agent, event) pair.
type recorder struct {
	mu      sync.Mutex
	counts  map[string]int
	waiters map[string][]chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		counts:  make(map[string]int),
		waiters: make(map[string][]chan struct{}),
	}
}

func key(agentID, event string) string { return agentID + "/" + event }

// emitter returns an event sink that records events and forwards them to an
// optional secondary observer.
func (r *recorder) emitter(forward agent.Emitter) agent.Emitter {
	return func(ev agent.Event) {
		r.mu.Lock()
		k := key(ev.Agent, ev.Name)
		r.counts[k]++
		for _, ch := range r.waiters[k] {
			close(ch)
		}
		delete(r.waiters, k)
		r.mu.Unlock()

		if forward != nil {
			forward(ev)
		}
	}
}

// waitFor returns a channel closed the next time the event fires. Already
// observed events satisfy the wait immediately.
func (r *recorder) waitFor(agentID, event string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	k := key(agentID, event)
	if r.counts[k] > 0 {
		close(ch)
		return ch
	}
	r.waiters[k] = append(r.waiters[k], ch)
	return ch
}

// count returns how many times the event has fired.
func (r *recorder) count(agentID, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key(agentID, event)]
}
