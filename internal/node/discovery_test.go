package node

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/client"
	"github.com/spacedatanetwork/shardnet/internal/lane"
	"github.com/spacedatanetwork/shardnet/internal/shard"
)

func newDiscoveryClient(t *testing.T, peers ...string) *client.Client {
	t.Helper()
	store, err := cache.NewMemoryStore(16)
	require.NoError(t, err)
	c, err := client.New(client.Options{
		Fast:         lane.NewHub().Join("me"),
		Store:        store,
		Decoder:      shard.FlatCodec{},
		Config:       client.DefaultConfig(),
		ForwardPeers: peers,
	})
	require.NoError(t, err)
	return c
}

func TestDiscoveryForwardsFoundPeers(t *testing.T) {
	ctx := context.Background()
	mn := mocknet.New()
	defer mn.Close()
	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	c := newDiscoveryClient(t, "static")
	d := newDiscovery(a, c, nil, "shardnet", waitFor, true)

	d.HandlePeerFound(peer.AddrInfo{ID: a.ID()})
	require.Len(t, d.found, 0, "self is ignored")

	info := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	d.connect(ctx, info)
	require.Equal(t, network.Connected, a.Network().Connectedness(b.ID()))
	require.Equal(t, []string{"static", b.ID().String()}, c.ForwardPeers())

	d.connect(ctx, info)
	require.Len(t, c.ForwardPeers(), 2)

	require.NoError(t, a.Network().ClosePeer(b.ID()))
	require.Eventually(t, func() bool {
		return a.Network().Connectedness(b.ID()) != network.Connected
	}, waitFor, tick)
	d.forget(b.ID())
	require.Equal(t, []string{"static"}, c.ForwardPeers())
}

func TestDiscoveryKeepsStaticPeers(t *testing.T) {
	ctx := context.Background()
	mn := mocknet.New()
	defer mn.Close()
	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	c := newDiscoveryClient(t, b.ID().String())
	d := newDiscovery(a, c, nil, "shardnet", waitFor, true)

	d.connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()})
	require.NoError(t, a.Network().ClosePeer(b.ID()))
	require.Eventually(t, func() bool {
		return a.Network().Connectedness(b.ID()) != network.Connected
	}, waitFor, tick)
	d.forget(b.ID())
	require.Equal(t, []string{b.ID().String()}, c.ForwardPeers())
}

func TestDiscoveryRunDialsMDNSResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mn := mocknet.New()
	defer mn.Close()
	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	c := newDiscoveryClient(t)
	d := newDiscovery(a, c, nil, "shardnet", waitFor, false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx, false)
	}()

	d.HandlePeerFound(peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()})
	require.Eventually(t, func() bool {
		return a.Network().Connectedness(b.ID()) == network.Connected
	}, waitFor, tick)
	require.Empty(t, c.ForwardPeers(), "forwarding discovered peers is off")

	cancel()
	<-done
}
