// Package lane implements the transport paths the forwarding client sends and
// receives shards over.
//
// Every lane satisfies the same two-method contract: Send hands bytes to a
// named peer and Recv is a non-blocking poll for the next inbound message.
// Lanes that own a connection buffer outbound sends while disconnected (bounded,
// drop-oldest) and reconnect with exponential backoff driven by a host clock.
package lane

import (
	"context"
	"errors"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("shardnet-lane")

// Lane errors.
var (
	ErrClosed         = errors.New("lane closed")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrInvalidPeer    = errors.New("invalid peer id")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNotConnected   = errors.New("lane not connected")
)

// DefaultInboundLimit bounds the inbound queue of every lane.
const DefaultInboundLimit = 1024

// Message is one inbound shard and the peer it came from.
type Message struct {
	Peer string
	Data []byte
}

// Lane is a single transport path.
type Lane interface {
	// Send delivers data to peer. Lanes that buffer while disconnected
	// return nil for buffered sends.
	Send(ctx context.Context, peer string, data []byte) error

	// Recv returns the next queued inbound message, or ok=false immediately
	// when nothing is queued.
	Recv(ctx context.Context) (msg Message, ok bool, err error)
}

// HealthReporter is implemented by lanes that expose counters.
type HealthReporter interface {
	HealthSnapshot() HealthSnapshot
}

// HealthSnapshot is the telemetry view of a lane. The JSON field names are a
// stable contract for dashboards.
type HealthSnapshot struct {
	OutboundQueued    uint64 `json:"outboundQueued"`
	OutboundSendOk    uint64 `json:"outboundSendOk"`
	OutboundSendErr   uint64 `json:"outboundSendErr"`
	InboundReceived   uint64 `json:"inboundReceived"`
	InboundDropped    uint64 `json:"inboundDropped"`
	ReconnectAttempts uint64 `json:"reconnectAttempts"`
}

// Add returns the field-wise sum of h and o.
func (h HealthSnapshot) Add(o HealthSnapshot) HealthSnapshot {
	return HealthSnapshot{
		OutboundQueued:    h.OutboundQueued + o.OutboundQueued,
		OutboundSendOk:    h.OutboundSendOk + o.OutboundSendOk,
		OutboundSendErr:   h.OutboundSendErr + o.OutboundSendErr,
		InboundReceived:   h.InboundReceived + o.InboundReceived,
		InboundDropped:    h.InboundDropped + o.InboundDropped,
		ReconnectAttempts: h.ReconnectAttempts + o.ReconnectAttempts,
	}
}

// Snapshot returns the counters of l, or a zero snapshot when l does not
// report health.
func Snapshot(l Lane) HealthSnapshot {
	if hr, ok := l.(HealthReporter); ok {
		return hr.HealthSnapshot()
	}
	return HealthSnapshot{}
}

type counters struct {
	sendOk     atomic.Uint64
	sendErr    atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

func (c *counters) snapshot(queued int) HealthSnapshot {
	return HealthSnapshot{
		OutboundQueued:    uint64(queued),
		OutboundSendOk:    c.sendOk.Load(),
		OutboundSendErr:   c.sendErr.Load(),
		InboundReceived:   c.received.Load(),
		InboundDropped:    c.dropped.Load(),
		ReconnectAttempts: c.reconnects.Load(),
	}
}

// inbox is a bounded drop-oldest message queue. Callers hold their own lock.
type inbox struct {
	msgs  []Message
	limit int
}

func newInbox(limit int) inbox {
	if limit <= 0 {
		limit = DefaultInboundLimit
	}
	return inbox{limit: limit}
}

// push appends msg and reports whether an older message was evicted.
func (q *inbox) push(msg Message) (evicted bool) {
	if len(q.msgs) >= q.limit {
		q.msgs[0] = Message{}
		q.msgs = q.msgs[1:]
		evicted = true
	}
	q.msgs = append(q.msgs, msg)
	return evicted
}

func (q *inbox) pop() (Message, bool) {
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	q.msgs[0] = Message{}
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *inbox) len() int {
	return len(q.msgs)
}
