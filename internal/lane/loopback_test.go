package lane

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := EncodeFrame("peer-b", []byte("shard"))
	require.NoError(t, err)
	require.Equal(t, byte(6), frame[0])

	msg, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, "peer-b", msg.Peer)
	require.Equal(t, []byte("shard"), msg.Data)

	_, err = EncodeFrame("", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidPeer)
	_, err = EncodeFrame(strings.Repeat("p", MaxPeerIDLength+1), nil)
	require.ErrorIs(t, err, ErrInvalidPeer)

	for _, bad := range [][]byte{nil, {0}, {5, 'a', 'b'}} {
		_, err := DecodeFrame(bad)
		require.ErrorIs(t, err, ErrMalformedFrame)
	}
}

func TestLoopbackPair(t *testing.T) {
	ctx := context.Background()
	a, b := NewLoopbackPair("a", "b")

	_, ok, err := b.Recv(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Send(ctx, "b", []byte("one")))
	require.NoError(t, a.Send(ctx, "b", []byte("two")))
	require.Equal(t, 2, b.Pending())

	msg, ok, err := b.Recv(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Message{Peer: "a", Data: []byte("one")}, msg)

	msg, ok, _ = b.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, []byte("two"), msg.Data)

	err = a.Send(ctx, "nobody", []byte("x"))
	require.ErrorIs(t, err, ErrUnknownPeer)

	h := a.HealthSnapshot()
	require.Equal(t, uint64(2), h.OutboundSendOk)
	require.Equal(t, uint64(1), h.OutboundSendErr)
	require.Equal(t, uint64(2), b.HealthSnapshot().InboundReceived)
}

func TestLoopbackCopiesPayload(t *testing.T) {
	ctx := context.Background()
	a, b := NewLoopbackPair("a", "b")
	data := []byte("abc")
	require.NoError(t, a.Send(ctx, "b", data))
	data[0] = 'X'

	msg, _, _ := b.Recv(ctx)
	require.Equal(t, []byte("abc"), msg.Data)
}

func TestLoopbackClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	require.Same(t, a, hub.Join("a"))

	require.NoError(t, a.Send(ctx, "b", []byte("queued")))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok, err := b.Recv(ctx)
	require.NoError(t, err)
	require.True(t, ok, "queued messages survive close")
	_, _, err = b.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, a.Send(ctx, "b", []byte("x")), ErrUnknownPeer)
	require.ErrorIs(t, b.Send(ctx, "a", []byte("x")), ErrClosed)
}

// stubLane is a scripted Lane for composite tests.
type stubLane struct {
	name    string
	sendErr error
	recvErr error
	queue   []Message
	sent    []string
	health  HealthSnapshot
}

func (s *stubLane) Send(ctx context.Context, peer string, data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, peer)
	return nil
}

func (s *stubLane) Recv(ctx context.Context) (Message, bool, error) {
	if s.recvErr != nil {
		return Message{}, false, s.recvErr
	}
	if len(s.queue) == 0 {
		return Message{}, false, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true, nil
}

func (s *stubLane) HealthSnapshot() HealthSnapshot { return s.health }

func TestMultiRoundRobin(t *testing.T) {
	ctx := context.Background()
	x, y := &stubLane{name: "x"}, &stubLane{name: "y"}
	m, err := NewMulti(ModeRoundRobin, x, y)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Send(ctx, "p", []byte("d")))
	}
	require.Len(t, x.sent, 3)
	require.Len(t, y.sent, 2)

	_, err = NewMulti(ModeBroadcast)
	require.Error(t, err)
}

func TestMultiBroadcast(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a down")
	errB := errors.New("b down")
	x := &stubLane{sendErr: errA}
	y := &stubLane{}
	m, err := NewMulti(ModeBroadcast, x, y)
	require.NoError(t, err)

	require.NoError(t, m.Send(ctx, "p", []byte("d")), "one healthy member is enough")
	require.Equal(t, []string{"p"}, y.sent)

	y.sendErr = errB
	err = m.Send(ctx, "p", []byte("d"))
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestMultiRecvRotatesAndSkipsFailures(t *testing.T) {
	ctx := context.Background()
	bad := &stubLane{recvErr: errors.New("poll failed")}
	x := &stubLane{queue: []Message{{Peer: "x1"}, {Peer: "x2"}}}
	y := &stubLane{queue: []Message{{Peer: "y1"}}}
	m, err := NewMulti(ModeRoundRobin, bad, x, y)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		msg, ok, err := m.Recv(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, msg.Peer)
	}
	// Starts at bad (skipped, x answers), then x, then y.
	require.Equal(t, []string{"x1", "x2", "y1"}, got)

	_, ok, err := m.Recv(ctx)
	require.False(t, ok)
	require.Error(t, err, "only failures left to report")
}

func TestMultiHealthSums(t *testing.T) {
	x := &stubLane{health: HealthSnapshot{OutboundQueued: 1, OutboundSendOk: 2, InboundDropped: 3}}
	y := &stubLane{health: HealthSnapshot{OutboundQueued: 4, OutboundSendErr: 5, ReconnectAttempts: 6}}
	a, _ := NewLoopbackPair("a", "b")
	m, err := NewMulti(ModeBroadcast, x, y, a)
	require.NoError(t, err)

	require.Equal(t, HealthSnapshot{
		OutboundQueued:    5,
		OutboundSendOk:    2,
		OutboundSendErr:   5,
		InboundDropped:    3,
		ReconnectAttempts: 6,
	}, m.HealthSnapshot())

	mode, err := ParseMode("broadcast")
	require.NoError(t, err)
	require.Equal(t, ModeBroadcast, mode)
	_, err = ParseMode("random")
	require.Error(t, err)
}
