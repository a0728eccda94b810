package lane

import (
	"context"
	"fmt"
	"sync"
)

// Hub connects loopback lanes in one process.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Loopback
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]*Loopback)}
}

// Join returns the loopback lane for id, creating it on first use.
func (h *Hub) Join(id string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.members[id]; ok {
		return l
	}
	l := &Loopback{hub: h, id: id, inbound: newInbox(DefaultInboundLimit)}
	h.members[id] = l
	return l
}

func (h *Hub) lookup(id string) (*Loopback, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.members[id]
	return l, ok
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.members, id)
	h.mu.Unlock()
}

// NewLoopbackPair returns two lanes on a private hub that can reach each
// other as a and b.
func NewLoopbackPair(a, b string) (*Loopback, *Loopback) {
	h := NewHub()
	return h.Join(a), h.Join(b)
}

// Loopback is an in-process lane. Sending to a peer enqueues the bytes in
// that member's inbox stamped with the sender's id.
type Loopback struct {
	hub *Hub
	id  string

	mu       sync.Mutex
	inbound  inbox
	closed   bool
	counters counters
}

var (
	_ Lane           = (*Loopback)(nil)
	_ HealthReporter = (*Loopback)(nil)
)

// ID returns the name this lane joined the hub with.
func (l *Loopback) ID() string {
	return l.id
}

// Send implements Lane.
func (l *Loopback) Send(ctx context.Context, peer string, data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	target, ok := l.hub.lookup(peer)
	if !ok {
		l.counters.sendErr.Add(1)
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if err := target.deliver(Message{Peer: l.id, Data: append([]byte(nil), data...)}); err != nil {
		l.counters.sendErr.Add(1)
		return err
	}
	l.counters.sendOk.Add(1)
	return nil
}

func (l *Loopback) deliver(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, l.id)
	}
	l.counters.received.Add(1)
	if l.inbound.push(msg) {
		l.counters.dropped.Add(1)
	}
	return nil
}

// Recv implements Lane.
func (l *Loopback) Recv(ctx context.Context) (Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg, ok := l.inbound.pop(); ok {
		return msg, true, nil
	}
	if l.closed {
		return Message{}, false, ErrClosed
	}
	return Message{}, false, nil
}

// Pending returns the number of queued inbound messages.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inbound.len()
}

// HealthSnapshot implements HealthReporter. A loopback never buffers
// outbound, so OutboundQueued is always zero.
func (l *Loopback) HealthSnapshot() HealthSnapshot {
	return l.counters.snapshot(0)
}

// Close leaves the hub. Queued inbound messages stay readable.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.hub.leave(l.id)
	return nil
}
