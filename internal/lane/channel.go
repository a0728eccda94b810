package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// ChannelFactory establishes a fresh channel to the remote peer. It is called
// for the first connection and for every reconnect.
type ChannelFactory func(ctx context.Context) (Conn, error)

// ChannelConfig configures a ChannelLane.
type ChannelConfig struct {
	// Peer is the remote end of the channel. Inbound messages carry it and
	// sends to any other peer fail with ErrUnknownPeer.
	Peer    string
	Factory ChannelFactory
	ReconnectConfig
}

// ChannelLane is a direct peer channel with the same buffering and reconnect
// behaviour as SocketLane. Payloads travel unframed.
type ChannelLane struct {
	peer string
	core *reconnector
}

var (
	_ Lane           = (*ChannelLane)(nil)
	_ HealthReporter = (*ChannelLane)(nil)
)

// NewChannelLane creates a lane driven by cfg.Factory.
func NewChannelLane(cfg ChannelConfig) (*ChannelLane, error) {
	if cfg.Peer == "" {
		return nil, ErrInvalidPeer
	}
	if cfg.Factory == nil {
		return nil, errors.New("channel lane requires a factory")
	}
	l := &ChannelLane{peer: cfg.Peer}
	decode := func(data []byte) (Message, error) {
		return Message{Peer: l.peer, Data: append([]byte(nil), data...)}, nil
	}
	l.core = newReconnector("channel "+cfg.Peer, cfg.ReconnectConfig, dialFunc(cfg.Factory), decode)
	return l, nil
}

// Connect opens the channel through the factory.
func (l *ChannelLane) Connect(ctx context.Context) error {
	return l.core.connect(ctx)
}

// Send implements Lane.
func (l *ChannelLane) Send(ctx context.Context, peer string, data []byte) error {
	if peer != l.peer {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return l.core.send(append([]byte(nil), data...))
}

// Recv implements Lane.
func (l *ChannelLane) Recv(ctx context.Context) (Message, bool, error) {
	return l.core.recv()
}

// HealthSnapshot implements HealthReporter.
func (l *ChannelLane) HealthSnapshot() HealthSnapshot {
	return l.core.health()
}

// State returns the current connection state.
func (l *ChannelLane) State() State {
	return l.core.currentState()
}

// Close is idempotent.
func (l *ChannelLane) Close() error {
	return l.core.close()
}

type channelMessage struct {
	data []byte
	err  error
}

// DataChannelConn adapts a WebRTC data channel to Conn. Only binary messages
// are accepted.
type DataChannelConn struct {
	dc       *webrtc.DataChannel
	incoming chan channelMessage
	done     chan struct{}
	once     sync.Once
}

// NewDataChannelConn wraps dc. It installs the channel's message and close
// handlers, so callers must not set their own.
func NewDataChannelConn(dc *webrtc.DataChannel) *DataChannelConn {
	c := &DataChannelConn{
		dc:       dc,
		incoming: make(chan channelMessage, 64),
		done:     make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m := channelMessage{data: msg.Data}
		if msg.IsString {
			m = channelMessage{err: fmt.Errorf("%w: text message on data channel", ErrMalformedFrame)}
		}
		select {
		case c.incoming <- m:
		case <-c.done:
		}
	})
	dc.OnClose(c.shutdown)
	return c
}

func (c *DataChannelConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// WriteMessage implements Conn.
func (c *DataChannelConn) WriteMessage(data []byte) error {
	return c.dc.Send(data)
}

// ReadMessage implements Conn.
func (c *DataChannelConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.incoming:
		return m.data, m.err
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close implements Conn.
func (c *DataChannelConn) Close() error {
	c.shutdown()
	return c.dc.Close()
}

// DataChannelFactory returns a ChannelFactory that opens a new data channel
// labelled label on pc and waits for it to open. Signaling for pc is the
// caller's concern.
func DataChannelFactory(pc *webrtc.PeerConnection, label string) ChannelFactory {
	return func(ctx context.Context) (Conn, error) {
		dc, err := pc.CreateDataChannel(label, nil)
		if err != nil {
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		opened := make(chan struct{})
		var once sync.Once
		dc.OnOpen(func() { once.Do(func() { close(opened) }) })
		conn := NewDataChannelConn(dc)

		select {
		case <-opened:
			return conn, nil
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		}
	}
}
