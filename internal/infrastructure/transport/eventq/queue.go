package eventq

import (
	"context"
	"sync"

	"partymesh/internal/core/ports"
)

// Queue is an unbounded FIFO in front of a transport's event channel, so
// a sender never blocks on a slow receiver.
type Queue struct {
	mu     sync.Mutex
	id     uintptr
	queue  []ports.TransportEvent
	notify chan struct{}
	done   chan struct{}
	closed bool
}

var (
	queueSeqMu sync.Mutex
	queueSeq   uintptr
)

func New() *Queue {
	queueSeqMu.Lock()
	queueSeq++
	id := queueSeq
	queueSeqMu.Unlock()

	return &Queue{
		id:     id,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Queue) Push(ev ports.TransportEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
}

// PushPair appends to two queues atomically with respect to other pushes.
func PushPair(a *Queue, evA ports.TransportEvent, b *Queue, evB ports.TransportEvent) {
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	if !a.closed {
		a.queue = append(a.queue, evA)
	}
	if !b.closed {
		b.queue = append(b.queue, evB)
	}
	second.mu.Unlock()
	first.mu.Unlock()
	a.wake()
	b.wake()
}

func (m *Queue) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting events. Pump delivers what is queued, then returns.
func (m *Queue) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Pump forwards events to out until ctx ends or the queue is closed.
func (m *Queue) Pump(ctx context.Context, out chan<- ports.TransportEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			m.flush(ctx, out)
			return
		case <-m.notify:
		}
		if !m.flush(ctx, out) {
			return
		}
	}
}

// flush delivers everything queued so far. It reports false once ctx ended.
func (m *Queue) flush(ctx context.Context, out chan<- ports.TransportEvent) bool {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, ev := range batch {
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
