package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/shardnet/internal/config"
	"github.com/spacedatanetwork/shardnet/internal/lane"
)

// connector is implemented by lanes that hold a persistent connection.
type connector interface {
	Connect(ctx context.Context) error
}

// buildLane creates the lane described by lc. It returns nil for a
// disabled lane.
func buildLane(h host.Host, lc config.LaneConfig) (lane.Lane, error) {
	switch lc.Kind {
	case config.LaneNone, "":
		return nil, nil
	case config.LaneStream:
		return lane.NewStreamLane(h, lane.StreamConfig{InboundLimit: lc.InboundLimit}), nil
	case config.LaneSocket:
		rc := lc.ReconnectConfig()
		if len(lc.URLs) == 1 {
			return lane.NewSocketLane(lane.SocketConfig{URL: lc.URLs[0], ReconnectConfig: rc}), nil
		}
		mode, err := lane.ParseMode(lc.Mode)
		if err != nil {
			return nil, err
		}
		members := make([]lane.Lane, 0, len(lc.URLs))
		for _, u := range lc.URLs {
			members = append(members, lane.NewSocketLane(lane.SocketConfig{URL: u, ReconnectConfig: rc}))
		}
		m, err := lane.NewMulti(mode, members...)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown lane kind %q", lc.Kind)
	}
}

// connectLane opens every persistent connection in l. Lanes that reconnect
// on their own only log a failed first attempt.
func connectLane(ctx context.Context, l lane.Lane) error {
	var errs error
	targets := []lane.Lane{l}
	if m, ok := l.(*lane.Multi); ok {
		targets = m.Members()
	}
	for _, t := range targets {
		if c, ok := t.(connector); ok {
			errs = multierr.Append(errs, c.Connect(ctx))
		}
	}
	return errs
}
