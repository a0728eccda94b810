package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Conn is one live duplex connection. ReadMessage blocks until a message
// arrives or the connection fails; an error wrapping ErrMalformedFrame drops
// that message without closing the connection.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// State is the connection state of a reconnecting lane.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnectScheduled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconnectConfig holds the buffering and backoff settings shared by the
// socket and channel lanes.
type ReconnectConfig struct {
	// BufferLimit bounds the sends held while the connection is not open.
	BufferLimit int
	// InboundLimit bounds the received messages waiting for Recv.
	InboundLimit  int
	AutoReconnect bool
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	// Clock drives reconnect timers. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultReconnectConfig returns the default buffering and backoff settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BufferLimit:   256,
		InboundLimit:  DefaultInboundLimit,
		AutoReconnect: true,
		InitialDelay:  500 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	def := DefaultReconnectConfig()
	if c.BufferLimit <= 0 {
		c.BufferLimit = def.BufferLimit
	}
	if c.InboundLimit <= 0 {
		c.InboundLimit = def.InboundLimit
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type dialFunc func(ctx context.Context) (Conn, error)
type decodeFunc func(data []byte) (Message, error)

// reconnector is the connection state machine behind SocketLane and
// ChannelLane: idle -> connecting -> open -> reconnect-scheduled -> connecting,
// with closed terminal. One reader goroutine per open connection fills the
// inbound queue.
//
// Lock order is mu, then writeMu or inMu. No network write happens with mu
// held, and the inbound queue has its own lock, so recv never waits on a
// stalled write.
type reconnector struct {
	name   string
	cfg    ReconnectConfig
	dial   dialFunc
	decode decodeFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	conn    Conn
	outbox  [][]byte
	backoff *backoff.ExponentialBackOff
	timer   *clock.Timer

	// writeMu serializes writes on the open connection.
	writeMu sync.Mutex

	inMu    sync.Mutex
	inbound inbox
	closed  atomic.Bool

	counters counters
}

func newReconnector(name string, cfg ReconnectConfig, dial dialFunc, decode decodeFunc) *reconnector {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               cfg.Clock,
	}
	b.Reset()
	return &reconnector{
		name:    name,
		cfg:     cfg,
		dial:    dial,
		decode:  decode,
		ctx:     ctx,
		cancel:  cancel,
		inbound: newInbox(cfg.InboundLimit),
		backoff: b,
	}
}

// connect dials once. A failed dial schedules a reconnect when enabled and
// returns the dial error.
func (r *reconnector) connect(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateClosed:
		r.mu.Unlock()
		return ErrClosed
	case StateOpen, StateConnecting:
		r.mu.Unlock()
		return nil
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = StateConnecting
	r.mu.Unlock()

	conn, err := r.dial(ctx)

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		log.Debugf("%s: dial failed: %v", r.name, err)
		r.disconnectedLocked()
		r.mu.Unlock()
		return err
	}

	// The lane stays connecting until the buffer is flushed, so sends made
	// meanwhile queue behind the buffered ones.
	r.conn = conn
	r.backoff.Reset()
	log.Debugf("%s: connected, flushing %d buffered", r.name, len(r.outbox))
	go r.readLoop(conn)
	r.mu.Unlock()

	r.flush(conn)
	return nil
}

// flush writes buffered sends in FIFO order and then opens the lane. A
// failed write puts its frame back at the head of the buffer and drops the
// connection.
func (r *reconnector) flush(conn Conn) {
	for {
		r.mu.Lock()
		if r.conn != conn || r.state != StateConnecting {
			r.mu.Unlock()
			return
		}
		if len(r.outbox) == 0 {
			r.state = StateOpen
			r.mu.Unlock()
			return
		}
		frame := r.outbox[0]
		r.outbox[0] = nil
		r.outbox = r.outbox[1:]
		r.mu.Unlock()

		r.writeMu.Lock()
		err := conn.WriteMessage(frame)
		r.writeMu.Unlock()

		if err == nil {
			r.counters.sendOk.Add(1)
			continue
		}
		r.counters.sendErr.Add(1)
		log.Debugf("%s: flush failed: %v", r.name, err)
		r.mu.Lock()
		if r.conn == conn {
			if len(r.outbox) < r.cfg.BufferLimit {
				r.outbox = append([][]byte{frame}, r.outbox...)
			}
			r.dropConnLocked()
		}
		r.mu.Unlock()
		return
	}
}

func (r *reconnector) send(frame []byte) error {
	r.mu.Lock()
	switch r.state {
	case StateClosed:
		r.mu.Unlock()
		return ErrClosed
	case StateOpen:
		conn := r.conn
		r.mu.Unlock()
		return r.write(conn, frame)
	}

	if len(r.outbox) >= r.cfg.BufferLimit {
		r.outbox[0] = nil
		r.outbox = r.outbox[1:]
		log.Debugf("%s: outbound buffer full, evicted oldest", r.name)
	}
	r.outbox = append(r.outbox, frame)
	r.mu.Unlock()
	return nil
}

// write sends frame on an open connection without holding mu.
func (r *reconnector) write(conn Conn, frame []byte) error {
	r.writeMu.Lock()
	err := conn.WriteMessage(frame)
	r.writeMu.Unlock()

	if err != nil {
		r.counters.sendErr.Add(1)
		r.mu.Lock()
		if r.conn == conn {
			r.dropConnLocked()
		}
		r.mu.Unlock()
		return fmt.Errorf("%s: send: %w", r.name, err)
	}
	r.counters.sendOk.Add(1)
	return nil
}

func (r *reconnector) recv() (Message, bool, error) {
	r.inMu.Lock()
	msg, ok := r.inbound.pop()
	r.inMu.Unlock()
	if ok {
		return msg, true, nil
	}
	if r.closed.Load() {
		return Message{}, false, ErrClosed
	}
	return Message{}, false, nil
}

func (r *reconnector) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				r.counters.dropped.Add(1)
				continue
			}
			r.connLost(conn, err)
			return
		}
		msg, err := r.decode(data)
		if err != nil {
			r.counters.dropped.Add(1)
			log.Debugf("%s: dropped inbound frame: %v", r.name, err)
			continue
		}

		r.mu.Lock()
		current := r.conn == conn
		r.mu.Unlock()
		if !current {
			return
		}
		r.counters.received.Add(1)
		r.inMu.Lock()
		evicted := r.inbound.push(msg)
		r.inMu.Unlock()
		if evicted {
			r.counters.dropped.Add(1)
		}
	}
}

func (r *reconnector) connLost(conn Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	log.Debugf("%s: connection lost: %v", r.name, err)
	r.dropConnLocked()
}

func (r *reconnector) dropConnLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.disconnectedLocked()
}

// disconnectedLocked moves to idle, or schedules the next attempt when
// auto-reconnect is on.
func (r *reconnector) disconnectedLocked() {
	if r.state == StateClosed {
		return
	}
	if !r.cfg.AutoReconnect {
		r.state = StateIdle
		return
	}
	delay := r.backoff.NextBackOff()
	r.state = StateReconnectScheduled
	log.Debugf("%s: reconnecting in %s", r.name, delay)
	r.timer = r.cfg.Clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.state != StateReconnectScheduled {
			r.mu.Unlock()
			return
		}
		r.counters.reconnects.Add(1)
		r.state = StateIdle
		r.timer = nil
		r.mu.Unlock()
		_ = r.connect(r.ctx)
	})
}

func (r *reconnector) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *reconnector) health() HealthSnapshot {
	r.mu.Lock()
	queued := len(r.outbox)
	r.mu.Unlock()
	return r.counters.snapshot(queued)
}

func (r *reconnector) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return nil
	}
	r.state = StateClosed
	r.closed.Store(true)
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.outbox = nil
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}
	return err
}
