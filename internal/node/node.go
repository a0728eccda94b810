// Package node wires the shardnet components into a running peer: a libp2p
// host, the configured lanes, the shard cache, the forwarding client, the
// publish queue and the trust policy.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/client"
	"github.com/spacedatanetwork/shardnet/internal/config"
	"github.com/spacedatanetwork/shardnet/internal/lane"
	"github.com/spacedatanetwork/shardnet/internal/metrics"
	"github.com/spacedatanetwork/shardnet/internal/publish"
	"github.com/spacedatanetwork/shardnet/internal/shard"
	"github.com/spacedatanetwork/shardnet/internal/tags"
	"github.com/spacedatanetwork/shardnet/internal/wot"
)

var log = logging.Logger("shardnet-node")

// pumpLimit bounds the messages processed per poll interval.
const pumpLimit = 1024

// Option customizes a Node.
type Option func(*Node)

// WithHost runs the node on an existing host. The caller keeps ownership
// of h; Stop does not close it.
func WithHost(h host.Host) Option {
	return func(n *Node) {
		n.host = h
	}
}

// Node represents a running shardnet peer.
type Node struct {
	config    *config.Config
	host      host.Host
	ownsHost  bool
	dht       *dht.IpfsDHT
	discovery *discovery
	outbox    *outbox
	pubsub    *pubsub.PubSub
	topics    *publish.Topics
	fast      lane.Lane
	fallback  lane.Lane
	store     cache.Store
	client    *client.Client
	queue     *publish.Queue
	publishFn publish.PublishFunc
	policy    *wot.Policy
	deriver   *tags.Deriver
	collector *metrics.Collector
	registry  *prometheus.Registry

	mu      sync.Mutex
	started bool
	stopped bool
	readers map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new node. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config:  cfg,
		ctx:     nodeCtx,
		cancel:  cancel,
		readers: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.init(); err != nil {
		cancel()
		n.release()
		return nil, err
	}

	return n, nil
}

func (n *Node) init() error {
	var err error
	if n.config.Node.DataDir != "" {
		if err := os.MkdirAll(n.config.Node.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	strategy, err := tags.ParseStrategy(n.config.Tags.Strategy)
	if err != nil {
		return err
	}
	if n.deriver, err = tags.NewDeriver(strategy); err != nil {
		return err
	}

	if n.host == nil {
		if n.host, err = newHost(n.config.P2P); err != nil {
			return err
		}
		n.ownsHost = true
	}

	if n.config.P2P.DHT {
		if n.dht, err = newDHT(n.ctx, n.host); err != nil {
			return err
		}
	}

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	n.topics = publish.NewTopics(n.pubsub)

	if n.fast, err = buildLane(n.host, n.config.Lanes.Fast); err != nil {
		return fmt.Errorf("fast lane: %w", err)
	}
	if n.fallback, err = buildLane(n.host, n.config.Lanes.Fallback); err != nil {
		return fmt.Errorf("fallback lane: %w", err)
	}

	if n.store, err = cache.Open(n.config.CacheOptions()); err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	if n.policy, err = loadPolicy(n.config.WoT); err != nil {
		return err
	}

	n.client, err = client.New(client.Options{
		Fast:          n.fast,
		Fallback:      n.fallback,
		Store:         n.store,
		Decoder:       shard.FlatCodec{},
		Config:        n.config.ClientConfig(),
		ForwardPeers:  n.config.Node.ForwardPeers,
		Subscriptions: n.config.Node.Subscriptions,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	n.queue = publish.New(n.config.PublishConfig())
	switch n.config.Publish.Target {
	case config.TargetPubSub:
		if n.publishFn, err = n.topics.Publisher(strings.ToLower(n.config.Publish.Tag)); err != nil {
			return err
		}
	default:
		n.publishFn = n.client.Publish
	}

	if dir := n.config.Node.OutboxDir; dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create outbox: %w", err)
		}
		n.outbox = &outbox{dir: dir, settle: n.config.Node.OutboxSettle, publish: n.Publish}
	}

	p2p := n.config.P2P
	if p2p.MDNS || n.dht != nil {
		n.discovery = newDiscovery(n.host, n.client, n.dht, p2p.Rendezvous, p2p.DiscoveryInterval, p2p.ForwardDiscovered)
	}

	n.collector = metrics.NewCollector(metrics.Sources{
		Fast:     n.fast,
		Fallback: n.fallback,
		Client:   n.client,
		Queue:    n.queue,
	})
	n.client.AddObserver(n.collector)
	if n.registry, err = metrics.NewRegistry(n.collector); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	return nil
}

func newHost(cfg config.P2PConfig) (host.Host, error) {
	privKey, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	low, high := cfg.LowWater, cfg.HighWater
	if low <= 0 {
		low = 100
	}
	if high < low {
		high = low * 4
	}
	connMgr, err := connmgr.NewConnManager(low, high)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}

// loadPolicy restores the trust policy from its snapshot, or starts empty
// when there is none yet.
func loadPolicy(cfg config.WoTConfig) (*wot.Policy, error) {
	if cfg.SnapshotPath != "" {
		p, err := wot.LoadFile(cfg.SnapshotPath)
		if err == nil {
			log.Infof("Loaded trust snapshot from %s", cfg.SnapshotPath)
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load trust snapshot: %w", err)
		}
	}
	return wot.New(cfg.Config)
}

// Start connects the lanes and bootstrap peers, joins the subscribed
// topics and starts the poll, drain and metrics loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started || n.stopped {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	for _, l := range []lane.Lane{n.fast, n.fallback} {
		if l == nil {
			continue
		}
		if err := connectLane(ctx, l); err != nil {
			log.Warnf("Lane connect failed, retrying in background: %v", err)
		}
	}

	for _, addr := range n.config.P2P.Bootstrap {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		n.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer n.wg.Done()
			if err := n.host.Connect(n.ctx, pi); err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", pi.ID, err)
			} else {
				log.Infof("Connected to bootstrap peer %s", pi.ID)
			}
		}(*info)
	}

	for _, tag := range n.client.Subscriptions() {
		if err := n.joinTopic(tag); err != nil {
			log.Warnf("Failed to join topic for %s: %v", tag, err)
		}
	}

	n.wg.Add(2)
	go n.pollLoop()
	go n.drainLoop()

	if n.discovery != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.discovery.run(n.ctx, n.config.P2P.MDNS)
		}()
	}

	if n.config.Metrics.Enabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := metrics.Serve(n.ctx, n.config.Metrics.Listen, n.registry); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	log.Infof("Node started: %s", n.host.ID())
	return nil
}

// joinTopic subscribes to the topic for tag and starts its reader. Each tag
// gets one reader no matter how often it is joined.
func (n *Node) joinTopic(tag string) error {
	n.mu.Lock()
	if _, ok := n.readers[tag]; ok {
		n.mu.Unlock()
		return nil
	}
	n.readers[tag] = struct{}{}
	n.mu.Unlock()

	sub, err := n.topics.Subscribe(tag)
	if err != nil {
		n.mu.Lock()
		delete(n.readers, tag)
		n.mu.Unlock()
		return err
	}
	n.wg.Add(1)
	go n.handleSubscription(sub, tag)
	return nil
}

// handleSubscription feeds gossip for one tag into the client.
func (n *Node) handleSubscription(sub *pubsub.Subscription, tag string) {
	defer n.wg.Done()

	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			log.Warnf("Error reading from subscription %s: %v", tag, err)
			continue
		}

		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		m := lane.Message{Peer: msg.ReceivedFrom.String(), Data: msg.Data}
		if _, err := n.client.Process(n.ctx, client.LaneFast, m); err != nil {
			log.Debugf("Failed to handle gossip on %s: %v", tag, err)
		}
	}
}

func (n *Node) pollLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.Node.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.client.Pump(n.ctx, pumpLimit); err != nil && n.ctx.Err() == nil {
				log.Debugf("Poll: %v", err)
			}
		}
	}
}

func (n *Node) drainLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.Node.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.outbox != nil {
				if _, err := n.outbox.scan(time.Now()); err != nil {
					log.Warnf("Outbox: %v", err)
				}
			}
			if n.queue.Len() == 0 {
				continue
			}
			published, err := n.queue.Drain(n.ctx, n.publishFn)
			if published > 0 {
				log.Debugf("Published %d queued objects", published)
			}
			if err != nil && n.ctx.Err() == nil {
				log.Warnf("Drain: %v", err)
			}
		}
	}
}

// Publish validates data as a shard and queues it for publication.
func (n *Node) Publish(data []byte) (publish.Object, error) {
	if _, err := shard.Decode(data); err != nil {
		return publish.Object{}, err
	}
	return n.queue.EnqueueData(data)
}

// Subscribe subscribes the client to tag and, once started, joins its topic.
func (n *Node) Subscribe(tag string) error {
	if err := n.client.Subscribe(tag); err != nil {
		return err
	}
	n.mu.Lock()
	running := n.started && !n.stopped
	n.mu.Unlock()
	if running {
		return n.joinTopic(strings.ToLower(tag))
	}
	return nil
}

// Stop gracefully shuts down the node and saves the trust snapshot.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	n.cancel()
	if err := n.topics.Close(); err != nil {
		log.Warnf("Error closing topics: %v", err)
	}
	n.wg.Wait()

	var errs error
	if path := n.config.WoT.SnapshotPath; path != "" {
		errs = multierr.Append(errs, n.policy.SaveFile(path))
	}
	errs = multierr.Append(errs, n.release())
	return errs
}

// release closes whatever init managed to create.
func (n *Node) release() error {
	var errs error
	if n.client != nil {
		errs = multierr.Append(errs, n.client.Close())
	} else {
		for _, l := range []lane.Lane{n.fast, n.fallback} {
			if c, ok := l.(io.Closer); ok {
				errs = multierr.Append(errs, c.Close())
			}
		}
	}
	if c, ok := n.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnf("Error closing cache: %v", err)
		}
	}
	if n.dht != nil {
		errs = multierr.Append(errs, n.dht.Close())
	}
	if n.ownsHost && n.host != nil {
		if err := n.host.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close host: %w", err))
		}
	}
	return errs
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Client returns the forwarding client.
func (n *Node) Client() *client.Client {
	return n.client
}

// Queue returns the publish queue.
func (n *Node) Queue() *publish.Queue {
	return n.queue
}

// Policy returns the trust policy.
func (n *Node) Policy() *wot.Policy {
	return n.policy
}

// Deriver returns the tag deriver.
func (n *Node) Deriver() *tags.Deriver {
	return n.deriver
}

// Store returns the shard cache.
func (n *Node) Store() cache.Store {
	return n.store
}

// Registry returns the metrics registry.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}
