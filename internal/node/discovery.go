package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/spacedatanetwork/shardnet/internal/client"
)

// dhtProtocolPrefix keeps the routing table separate from the public IPFS DHT.
const dhtProtocolPrefix = protocol.ID("/shardnet")

// foundQueueSize bounds mDNS results waiting to be dialed.
const foundQueueSize = 32

// discovery finds peers under a rendezvous string, on the local network via
// mDNS and optionally through the DHT, and connects to them. Discovered
// peers can be added to the client's forward set; they are removed again
// when their last connection closes.
type discovery struct {
	h          host.Host
	client     *client.Client
	dht        *dht.IpfsDHT
	rendezvous string
	interval   time.Duration
	forward    bool
	found      chan peer.AddrInfo

	mu         sync.Mutex
	contacted  map[peer.ID]struct{}
	discovered map[peer.ID]struct{}
}

func newDiscovery(h host.Host, c *client.Client, d *dht.IpfsDHT, rendezvous string, interval time.Duration, forward bool) *discovery {
	return &discovery{
		h:          h,
		client:     c,
		dht:        d,
		rendezvous: rendezvous,
		interval:   interval,
		forward:    forward,
		found:      make(chan peer.AddrInfo, foundQueueSize),
		contacted:  make(map[peer.ID]struct{}),
		discovered: make(map[peer.ID]struct{}),
	}
}

// HandlePeerFound implements mdns.Notifee.
func (d *discovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.h.ID() {
		return
	}
	select {
	case d.found <- pi:
	default:
		log.Debugf("Discovery queue full, dropping %s", pi.ID)
	}
}

func (d *discovery) run(ctx context.Context, withMDNS bool) {
	notifiee := &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			d.forget(conn.RemotePeer())
		},
	}
	d.h.Network().Notify(notifiee)
	defer d.h.Network().StopNotify(notifiee)

	if withMDNS {
		svc := mdns.NewMdnsService(d.h, d.rendezvous, d)
		if err := svc.Start(); err != nil {
			log.Warnf("Failed to start mDNS service: %v", err)
		} else {
			defer svc.Close()
		}
	}

	var rd *drouting.RoutingDiscovery
	if d.dht != nil {
		rd = drouting.NewRoutingDiscovery(d.dht)
		dutil.Advertise(ctx, rd, d.rendezvous)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pi := <-d.found:
			d.connect(ctx, pi)
		case <-ticker.C:
			if rd == nil {
				continue
			}
			peers, err := rd.FindPeers(ctx, d.rendezvous)
			if err != nil {
				log.Debugf("DHT peer search failed: %v", err)
				continue
			}
			for pi := range peers {
				if pi.ID == d.h.ID() || len(pi.Addrs) == 0 {
					continue
				}
				d.connect(ctx, pi)
			}
		}
	}
}

// connect dials pi once and records it as discovered.
func (d *discovery) connect(ctx context.Context, pi peer.AddrInfo) {
	d.mu.Lock()
	_, contacted := d.contacted[pi.ID]
	d.mu.Unlock()
	if contacted {
		return
	}

	if err := d.h.Connect(ctx, pi); err != nil {
		log.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
		return
	}

	id := pi.ID.String()
	d.mu.Lock()
	d.contacted[pi.ID] = struct{}{}
	addForward := d.forward && !containsPeer(d.client.ForwardPeers(), id)
	if addForward {
		d.discovered[pi.ID] = struct{}{}
	}
	d.mu.Unlock()

	if addForward {
		d.client.AddForwardPeer(id)
	}
	log.Infof("Peer found: %s", pi.ID)
}

// forget drops a peer whose last connection closed so it can be found again.
func (d *discovery) forget(id peer.ID) {
	if d.h.Network().Connectedness(id) == network.Connected {
		return
	}
	d.mu.Lock()
	delete(d.contacted, id)
	_, owned := d.discovered[id]
	delete(d.discovered, id)
	d.mu.Unlock()

	if owned {
		d.client.RemoveForwardPeer(id.String())
		log.Debugf("Discovered peer %s left", id)
	}
}

func containsPeer(list []string, id string) bool {
	for _, p := range list {
		if p == id {
			return true
		}
	}
	return false
}

// newDHT starts a Kademlia DHT on h for rendezvous discovery. Bootstrap
// peers from the config are dialed by Start.
func newDHT(ctx context.Context, h host.Host) (*dht.IpfsDHT, error) {
	kademliaDHT, err := dht.New(ctx, h,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(dhtProtocolPrefix),
		dht.Concurrency(30),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		kademliaDHT.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return kademliaDHT, nil
}
