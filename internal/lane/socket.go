package lane

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// SocketConfig configures a SocketLane.
type SocketConfig struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	ReconnectConfig
}

// SocketLane is a persistent relay connection over a WebSocket. Frames name
// the destination peer on send and the origin peer on receive.
type SocketLane struct {
	cfg  SocketConfig
	core *reconnector
}

var (
	_ Lane           = (*SocketLane)(nil)
	_ HealthReporter = (*SocketLane)(nil)
)

// NewSocketLane creates a lane for cfg.URL. No connection is made until
// Connect is called; sends before then are buffered.
func NewSocketLane(cfg SocketConfig) *SocketLane {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	l := &SocketLane{cfg: cfg}
	l.core = newReconnector("socket "+cfg.URL, cfg.ReconnectConfig, l.dial, DecodeFrame)
	return l
}

func (l *SocketLane) dial(ctx context.Context) (Conn, error) {
	conn, resp, err := l.cfg.Dialer.DialContext(ctx, l.cfg.URL, l.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	return &wsConn{conn: conn}, nil
}

// Connect dials the relay. When the dial fails and AutoReconnect is set,
// a retry is already scheduled by the time the error is returned.
func (l *SocketLane) Connect(ctx context.Context) error {
	return l.core.connect(ctx)
}

// Send implements Lane.
func (l *SocketLane) Send(ctx context.Context, peer string, data []byte) error {
	frame, err := EncodeFrame(peer, data)
	if err != nil {
		return err
	}
	return l.core.send(frame)
}

// Recv implements Lane.
func (l *SocketLane) Recv(ctx context.Context) (Message, bool, error) {
	return l.core.recv()
}

// HealthSnapshot implements HealthReporter.
func (l *SocketLane) HealthSnapshot() HealthSnapshot {
	return l.core.health()
}

// State returns the current connection state.
func (l *SocketLane) State() State {
	return l.core.currentState()
}

// Close cancels any pending reconnect and closes the connection. It is safe
// to call more than once.
func (l *SocketLane) Close() error {
	return l.core.close()
}

// wsConn carries binary messages only; text frames are malformed.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", ErrMalformedFrame, mt)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
