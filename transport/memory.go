package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLogClosed is returned by Append after Close.
var ErrLogClosed = errors.New("log is closed")

// MemoryLog is an in-process Log used by local scenario runs and tests.
// Records fan out to every subscriber in commit order, and delivery never
// blocks Append: each subscriber drains its own queue on its own goroutine.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	subs    map[int]*memorySub
	nextSub int
	clock   uint64
	closed  bool
}

type memorySub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Record
	closed bool
}

func newMemorySub() *memorySub {
	s := &memorySub{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memorySub) enqueue(rec Record) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, rec)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// drain pumps queued records into out until closed.
func (s *memorySub) drain(out chan<- Record) {
	defer close(out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		rec := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		out <- rec
	}
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{subs: make(map[int]*memorySub)}
}

// Append commits data and fans it out to all current subscribers.
func (l *MemoryLog) Append(_ context.Context, data []byte) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrLogClosed
	}

	// Monotonic timestamps keep (timestamp, sequence) keys distinct even
	// when the wall clock does not advance between appends.
	now := uint64(time.Now().UnixNano())
	if now <= l.clock {
		now = l.clock + 1
	}
	l.clock = now

	rec := Record{
		SequenceNumber: uint64(len(l.records)) + 1,
		Timestamp:      time.Unix(0, int64(now)),
		Data:           append([]byte(nil), data...),
	}
	l.records = append(l.records, rec)
	for _, sub := range l.subs {
		sub.enqueue(rec)
	}
	return rec, nil
}

// Subscribe streams records from fromSequence onward (0 means live only),
// then live records as they are appended.
func (l *MemoryLog) Subscribe(_ context.Context, fromSequence uint64) (<-chan Record, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, ErrLogClosed
	}

	sub := newMemorySub()
	if fromSequence > 0 {
		for _, rec := range l.records {
			if rec.SequenceNumber >= fromSequence {
				sub.enqueue(rec)
			}
		}
	}

	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub

	out := make(chan Record)
	go sub.drain(out)

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		sub.close()
	}
	return out, cancel, nil
}

// Redeliver re-enqueues an already-committed record to every subscriber,
// simulating the duplicate deliveries an at-least-once stream produces.
func (l *MemoryLog) Redeliver(sequenceNumber uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sequenceNumber == 0 || sequenceNumber > uint64(len(l.records)) {
		return fmt.Errorf("no record with sequence %d", sequenceNumber)
	}
	rec := l.records[sequenceNumber-1]
	for _, sub := range l.subs {
		sub.enqueue(rec)
	}
	return nil
}

// Records returns a snapshot of all committed records.
func (l *MemoryLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Close stops the log; all subscriber streams end after draining.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := make([]*memorySub, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.subs = make(map[int]*memorySub)
	l.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
