package lane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Mode selects how Multi sends.
type Mode int

const (
	// ModeRoundRobin sends each call on the next member in turn.
	ModeRoundRobin Mode = iota
	// ModeBroadcast sends each call on every member.
	ModeBroadcast
)

func (m Mode) String() string {
	switch m {
	case ModeRoundRobin:
		return "round-robin"
	case ModeBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "round-robin", "roundrobin":
		return ModeRoundRobin, nil
	case "broadcast":
		return ModeBroadcast, nil
	default:
		return 0, fmt.Errorf("unknown multi-lane mode %q", s)
	}
}

// Multi composes several lanes into one.
type Multi struct {
	lanes []Lane
	mode  Mode

	mu       sync.Mutex
	sendNext int
	recvNext int
}

var (
	_ Lane           = (*Multi)(nil)
	_ HealthReporter = (*Multi)(nil)
)

// NewMulti wraps lanes. At least one lane is required.
func NewMulti(mode Mode, lanes ...Lane) (*Multi, error) {
	if len(lanes) == 0 {
		return nil, errors.New("multi lane needs at least one member")
	}
	return &Multi{lanes: lanes, mode: mode}, nil
}

// Send implements Lane using the configured mode.
func (m *Multi) Send(ctx context.Context, peer string, data []byte) error {
	if m.mode == ModeBroadcast {
		return m.SendBroadcast(ctx, peer, data)
	}
	return m.SendRoundRobin(ctx, peer, data)
}

// SendRoundRobin sends on the next member in rotation.
func (m *Multi) SendRoundRobin(ctx context.Context, peer string, data []byte) error {
	m.mu.Lock()
	l := m.lanes[m.sendNext]
	m.sendNext = (m.sendNext + 1) % len(m.lanes)
	m.mu.Unlock()
	return l.Send(ctx, peer, data)
}

// SendBroadcast sends on every member. It fails only when every member
// failed, with all member errors combined.
func (m *Multi) SendBroadcast(ctx context.Context, peer string, data []byte) error {
	var errs error
	ok := 0
	for _, l := range m.lanes {
		if err := l.Send(ctx, peer, data); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ok++
	}
	if ok == 0 {
		return errs
	}
	if errs != nil {
		log.Debugf("broadcast partially failed: %v", errs)
	}
	return nil
}

// Recv polls members starting from a rotating index and returns the first
// message found. A failing member does not stop the rest from being polled;
// errors are returned only when no member had a message.
func (m *Multi) Recv(ctx context.Context) (Message, bool, error) {
	m.mu.Lock()
	start := m.recvNext
	m.recvNext = (m.recvNext + 1) % len(m.lanes)
	m.mu.Unlock()

	var errs error
	for i := 0; i < len(m.lanes); i++ {
		msg, ok, err := m.lanes[(start+i)%len(m.lanes)].Recv(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			return msg, true, nil
		}
	}
	return Message{}, false, errs
}

// HealthSnapshot sums the counters of every member that reports health.
func (m *Multi) HealthSnapshot() HealthSnapshot {
	var total HealthSnapshot
	for _, l := range m.lanes {
		total = total.Add(Snapshot(l))
	}
	return total
}

// Members returns the wrapped lanes.
func (m *Multi) Members() []Lane {
	return append([]Lane(nil), m.lanes...)
}

// Close closes every member that can be closed.
func (m *Multi) Close() error {
	var errs error
	for _, l := range m.lanes {
		if c, ok := l.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
