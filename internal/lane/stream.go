package lane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
)

// StreamProtocolID is the libp2p protocol shards travel over.
const StreamProtocolID protocol.ID = "/shardnet/shard/1.0.0"

// DefaultMaxStreamMessage caps one varint-delimited shard on a stream.
const DefaultMaxStreamMessage = 1 << 20

// StreamConfig configures a StreamLane.
type StreamConfig struct {
	MaxMessageSize int
	InboundLimit   int
}

// StreamLane sends shards over libp2p streams, one long-lived outbound
// stream per peer. Peers are addressed by their peer ID string. libp2p owns
// dialing, so a broken stream is simply reopened on the next send.
//
// Streams are opened and written without holding mu; each outbound stream
// has its own write lock and the inbound queue has its own lock.
type StreamLane struct {
	host    host.Host
	maxSize int

	mu       sync.Mutex
	outbound map[peer.ID]*outStream
	closed   atomic.Bool

	inMu    sync.Mutex
	inbound inbox

	counters counters
}

type outStream struct {
	mu sync.Mutex
	s  network.Stream
	w  msgio.WriteCloser
}

var (
	_ Lane           = (*StreamLane)(nil)
	_ HealthReporter = (*StreamLane)(nil)
)

// NewStreamLane registers the shard protocol handler on h.
func NewStreamLane(h host.Host, cfg StreamConfig) *StreamLane {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxStreamMessage
	}
	l := &StreamLane{
		host:     h,
		maxSize:  cfg.MaxMessageSize,
		outbound: make(map[peer.ID]*outStream),
		inbound:  newInbox(cfg.InboundLimit),
	}
	h.SetStreamHandler(StreamProtocolID, l.handleStream)
	return l
}

// ConnectPeer dials a full /p2p multiaddr and returns the peer's ID string
// for use with Send.
func (l *StreamLane) ConnectPeer(ctx context.Context, addr string) (string, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address: %w", err)
	}
	if err := l.host.Connect(ctx, *info); err != nil {
		l.counters.reconnects.Add(1)
		return "", fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return info.ID.String(), nil
}

func (l *StreamLane) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer().String()
	r := msgio.NewVarintReaderSize(s, l.maxSize)
	defer r.Close()

	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if err == msgio.ErrMsgTooLarge {
				l.counters.dropped.Add(1)
				_ = s.Reset()
				return
			}
			log.Debugf("stream from %s ended: %v", remote, err)
			return
		}
		data := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)

		if l.closed.Load() {
			_ = s.Reset()
			return
		}
		l.counters.received.Add(1)
		l.inMu.Lock()
		evicted := l.inbound.push(Message{Peer: remote, Data: data})
		l.inMu.Unlock()
		if evicted {
			l.counters.dropped.Add(1)
		}
	}
}

// Send implements Lane.
func (l *StreamLane) Send(ctx context.Context, peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPeer, peerID)
	}
	if l.closed.Load() {
		return ErrClosed
	}

	out, err := l.stream(ctx, pid)
	if err != nil {
		return err
	}

	out.mu.Lock()
	err = out.w.WriteMsg(data)
	out.mu.Unlock()
	if err != nil {
		l.counters.sendErr.Add(1)
		_ = out.s.Reset()
		l.mu.Lock()
		if l.outbound[pid] == out {
			delete(l.outbound, pid)
		}
		l.mu.Unlock()
		l.counters.reconnects.Add(1)
		return fmt.Errorf("write to %s: %w", pid, err)
	}
	l.counters.sendOk.Add(1)
	return nil
}

// stream returns the outbound stream to pid, opening one when needed. When
// two sends race to open a stream, the loser closes its own.
func (l *StreamLane) stream(ctx context.Context, pid peer.ID) (*outStream, error) {
	l.mu.Lock()
	out, ok := l.outbound[pid]
	l.mu.Unlock()
	if ok {
		return out, nil
	}

	s, err := l.host.NewStream(ctx, pid, StreamProtocolID)
	if err != nil {
		l.counters.sendErr.Add(1)
		return nil, fmt.Errorf("open stream to %s: %w", pid, err)
	}
	out = &outStream{s: s, w: msgio.NewVarintWriter(s)}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		_ = s.Close()
		return nil, ErrClosed
	}
	if existing, ok := l.outbound[pid]; ok {
		_ = s.Close()
		return existing, nil
	}
	l.outbound[pid] = out
	return out, nil
}

// Recv implements Lane.
func (l *StreamLane) Recv(ctx context.Context) (Message, bool, error) {
	l.inMu.Lock()
	msg, ok := l.inbound.pop()
	l.inMu.Unlock()
	if ok {
		return msg, true, nil
	}
	if l.closed.Load() {
		return Message{}, false, ErrClosed
	}
	return Message{}, false, nil
}

// HealthSnapshot implements HealthReporter.
func (l *StreamLane) HealthSnapshot() HealthSnapshot {
	return l.counters.snapshot(0)
}

// Close removes the protocol handler and closes every outbound stream. The
// host itself is left running.
func (l *StreamLane) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return nil
	}
	l.closed.Store(true)
	l.host.RemoveStreamHandler(StreamProtocolID)
	for pid, out := range l.outbound {
		_ = out.s.Close()
		delete(l.outbound, pid)
	}
	return nil
}
