package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial refused")

type readResult struct {
	data []byte
	err  error
}

// fakeConn is an in-memory Conn. Tests push inbound messages with deliver
// and simulate the remote hanging up with hangup.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error

	reads  chan readResult
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.reads:
		return r.data, r.err
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(data []byte) {
	c.reads <- readResult{data: data}
}

func (c *fakeConn) hangup() {
	c.Close()
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// fakeDialer fails the first `fail` dials and hands out fakeConns after.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	calls int
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail > 0 {
		d.fail--
		return nil, errDial
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestChannel(t *testing.T, d *fakeDialer, cfg ReconnectConfig) *ChannelLane {
	t.Helper()
	l, err := NewChannelLane(ChannelConfig{
		Peer:            "remote",
		Factory:         d.dial,
		ReconnectConfig: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBuffersUntilOpenThenFlushesFIFO(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	l := newTestChannel(t, d, ReconnectConfig{BufferLimit: 3, Clock: clock.NewMock()})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Send(ctx, "remote", []byte(fmt.Sprintf("m%d", i))))
	}
	h := l.HealthSnapshot()
	require.Equal(t, uint64(3), h.OutboundQueued)
	require.Zero(t, h.OutboundSendOk)

	require.NoError(t, l.Connect(ctx))
	require.Equal(t, StateOpen, l.State())
	require.Equal(t, [][]byte{[]byte("m2"), []byte("m3"), []byte("m4")}, d.last().sent())

	h = l.HealthSnapshot()
	require.Zero(t, h.OutboundQueued)
	require.Equal(t, uint64(3), h.OutboundSendOk)

	require.NoError(t, l.Send(ctx, "remote", []byte("live")))
	require.Len(t, d.last().sent(), 4)
}

func TestChannelRejectsOtherPeers(t *testing.T) {
	l := newTestChannel(t, &fakeDialer{}, ReconnectConfig{Clock: clock.NewMock()})
	err := l.Send(context.Background(), "someone-else", []byte("x"))
	require.ErrorIs(t, err, ErrUnknownPeer)

	_, err = NewChannelLane(ChannelConfig{Factory: (&fakeDialer{}).dial})
	require.ErrorIs(t, err, ErrInvalidPeer)
}

func TestInboundAndMalformedFrames(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	l := newTestChannel(t, d, ReconnectConfig{Clock: clock.NewMock()})
	require.NoError(t, l.Connect(ctx))

	_, ok, err := l.Recv(ctx)
	require.NoError(t, err)
	require.False(t, ok, "recv must not block on an empty queue")

	conn := d.last()
	conn.reads <- readResult{err: fmt.Errorf("%w: text", ErrMalformedFrame)}
	conn.deliver([]byte("payload"))

	var msg Message
	require.Eventually(t, func() bool {
		msg, ok, err = l.Recv(ctx)
		return ok
	}, waitFor, tick)
	require.NoError(t, err)
	require.Equal(t, Message{Peer: "remote", Data: []byte("payload")}, msg)

	h := l.HealthSnapshot()
	require.Equal(t, uint64(1), h.InboundReceived)
	require.Equal(t, uint64(1), h.InboundDropped)
	require.Equal(t, StateOpen, l.State(), "malformed frames do not drop the connection")
}

func TestReconnectBackoff(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	d := &fakeDialer{fail: 4}
	l := newTestChannel(t, d, ReconnectConfig{
		AutoReconnect: true,
		InitialDelay:  100 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      400 * time.Millisecond,
		Clock:         mock,
	})

	require.ErrorIs(t, l.Connect(ctx), errDial)
	require.Equal(t, StateReconnectScheduled, l.State())

	// waitScheduled blocks until the n-th dial has failed and the next
	// attempt is on the timer.
	waitScheduled := func(n int) {
		require.Eventually(t, func() bool {
			return d.callCount() == n && l.State() == StateReconnectScheduled
		}, waitFor, tick)
	}

	mock.Add(99 * time.Millisecond)
	require.Never(t, func() bool { return d.callCount() > 1 }, 50*time.Millisecond, tick)
	mock.Add(time.Millisecond)
	waitScheduled(2)

	mock.Add(200 * time.Millisecond)
	waitScheduled(3)

	mock.Add(400 * time.Millisecond)
	waitScheduled(4)

	// Capped: the fourth delay is MaxDelay, not 800ms.
	mock.Add(399 * time.Millisecond)
	require.Never(t, func() bool { return d.callCount() > 4 }, 50*time.Millisecond, tick)
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return l.State() == StateOpen }, waitFor, tick)
	require.Equal(t, 5, d.callCount())
	require.Equal(t, uint64(4), l.HealthSnapshot().ReconnectAttempts)

	// A successful open resets the delay to InitialDelay.
	d.last().hangup()
	waitScheduled(5)
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return l.State() == StateOpen }, waitFor, tick)
	require.Equal(t, 6, d.callCount())
}

func TestNoAutoReconnect(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	d := &fakeDialer{fail: 1}
	l := newTestChannel(t, d, ReconnectConfig{Clock: mock})

	require.ErrorIs(t, l.Connect(ctx), errDial)
	require.Equal(t, StateIdle, l.State())
	mock.Add(time.Hour)
	require.Equal(t, 1, d.callCount())

	require.NoError(t, l.Send(ctx, "remote", []byte("held")))
	require.Equal(t, uint64(1), l.HealthSnapshot().OutboundQueued)
}

func TestSendFailureDropsConnection(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	d := &fakeDialer{}
	l := newTestChannel(t, d, ReconnectConfig{AutoReconnect: true, Clock: mock})
	require.NoError(t, l.Connect(ctx))

	d.last().setWriteErr(errors.New("broken pipe"))
	err := l.Send(ctx, "remote", []byte("x"))
	require.Error(t, err)
	require.Equal(t, StateReconnectScheduled, l.State())
	require.Equal(t, uint64(1), l.HealthSnapshot().OutboundSendErr)

	// Sends while the reconnect is pending are buffered again.
	require.NoError(t, l.Send(ctx, "remote", []byte("y")))
	mock.Add(DefaultReconnectConfig().InitialDelay)
	require.Eventually(t, func() bool {
		c := d.last()
		return l.State() == StateOpen && len(c.sent()) == 1
	}, waitFor, tick)
	require.Equal(t, []byte("y"), d.last().sent()[0])
}

func TestCloseIsIdempotentAndCancelsTimer(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	d := &fakeDialer{fail: 1}
	l := newTestChannel(t, d, ReconnectConfig{AutoReconnect: true, Clock: mock})

	require.ErrorIs(t, l.Connect(ctx), errDial)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.Equal(t, StateClosed, l.State())

	mock.Add(time.Hour)
	require.Never(t, func() bool { return d.callCount() > 1 }, 50*time.Millisecond, tick)

	require.ErrorIs(t, l.Send(ctx, "remote", []byte("x")), ErrClosed)
	_, _, err := l.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, l.Connect(ctx), ErrClosed)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "reconnect-scheduled", StateReconnectScheduled.String())
	require.Equal(t, "state(42)", State(42).String())
}

// stallConn is a fakeConn whose writes block until release is closed.
type stallConn struct {
	*fakeConn
	entered chan struct{}
	release chan struct{}
}

func (c *stallConn) WriteMessage(data []byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return c.fakeConn.WriteMessage(data)
}

func TestRecvDoesNotWaitForStalledSend(t *testing.T) {
	ctx := context.Background()
	conn := &stallConn{
		fakeConn: newFakeConn(),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	l, err := NewChannelLane(ChannelConfig{
		Peer:            "remote",
		Factory:         func(context.Context) (Conn, error) { return conn, nil },
		ReconnectConfig: ReconnectConfig{Clock: clock.NewMock()},
	})
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Connect(ctx))

	sendDone := make(chan error, 1)
	go func() { sendDone <- l.Send(ctx, "remote", []byte("stuck")) }()
	select {
	case <-conn.entered:
	case <-time.After(waitFor):
		t.Fatal("write never started")
	}

	conn.deliver([]byte("inbound"))
	recvDone := make(chan Message, 1)
	go func() {
		for {
			msg, ok, err := l.Recv(ctx)
			if err != nil {
				return
			}
			if ok {
				recvDone <- msg
				return
			}
			time.Sleep(tick)
		}
	}()
	select {
	case msg := <-recvDone:
		require.Equal(t, []byte("inbound"), msg.Data)
	case <-time.After(waitFor):
		t.Fatal("recv blocked behind a stalled write")
	}
	require.Equal(t, uint64(1), l.HealthSnapshot().InboundReceived)

	close(conn.release)
	require.NoError(t, <-sendDone)
	require.Equal(t, [][]byte{[]byte("stuck")}, conn.sent())
}

func TestFlushFailureKeepsFrameBuffered(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.setWriteErr(errors.New("broken pipe"))
	l, err := NewChannelLane(ChannelConfig{
		Peer:            "remote",
		Factory:         func(context.Context) (Conn, error) { return conn, nil },
		ReconnectConfig: ReconnectConfig{Clock: clock.NewMock()},
	})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Send(ctx, "remote", []byte("a")))
	require.NoError(t, l.Send(ctx, "remote", []byte("b")))
	require.NoError(t, l.Connect(ctx))

	require.Equal(t, StateIdle, l.State())
	h := l.HealthSnapshot()
	require.Equal(t, uint64(2), h.OutboundQueued)
	require.Equal(t, uint64(1), h.OutboundSendErr)
}
