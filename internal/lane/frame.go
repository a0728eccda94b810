package lane

import "fmt"

// MaxPeerIDLength is the longest peer id a frame can carry.
const MaxPeerIDLength = 255

// EncodeFrame wraps data for a relay connection as [len u8][peer][payload].
// Outbound frames name the destination; inbound frames name the origin.
func EncodeFrame(peer string, data []byte) ([]byte, error) {
	if peer == "" || len(peer) > MaxPeerIDLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPeer, len(peer))
	}
	frame := make([]byte, 1+len(peer)+len(data))
	frame[0] = byte(len(peer))
	copy(frame[1:], peer)
	copy(frame[1+len(peer):], data)
	return frame, nil
}

// DecodeFrame splits a relay frame. The returned payload is a copy.
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) < 1 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	n := int(frame[0])
	if n == 0 || len(frame) < 1+n {
		return Message{}, fmt.Errorf("%w: peer length %d in %d-byte frame", ErrMalformedFrame, n, len(frame))
	}
	return Message{
		Peer: string(frame[1 : 1+n]),
		Data: append([]byte(nil), frame[1+n:]...),
	}, nil
}
