// Package client implements the shard forwarding engine.
//
// A Client polls a fast lane and an optional fallback lane, drops content it
// has already seen, filters by subscribed tag, writes accepted shards through
// to a cache store and re-forwards them to a bounded set of peers. Nothing in
// the client runs on its own: the host calls Tick from its own loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/lane"
	"github.com/spacedatanetwork/shardnet/internal/shard"
	"github.com/spacedatanetwork/shardnet/internal/tags"
)

var log = logging.Logger("shardnet-client")

// Client errors.
var (
	ErrClosed         = errors.New("client closed")
	ErrInvalidTag     = errors.New("invalid tag hex")
	ErrNoForwardPeers = errors.New("no forward peers")
	ErrPublishFailed  = errors.New("publish failed on every peer")
	ErrMissingLane    = errors.New("client requires a fast lane")
	ErrMissingStore   = errors.New("client requires a cache store")
	ErrMissingDecoder = errors.New("client requires a shard decoder")
)

// Config holds the forwarding settings.
type Config struct {
	FastFanout              int
	FallbackFanout          int
	AdaptiveFanout          bool
	MinimumHealthyLaneScore float64
}

// DefaultConfig returns the default forwarding settings.
func DefaultConfig() Config {
	return Config{
		FastFanout:              2,
		FallbackFanout:          1,
		AdaptiveFanout:          true,
		MinimumHealthyLaneScore: 0.2,
	}
}

func (c Config) fanout() FanoutConfig {
	return FanoutConfig{
		FastFanout:              c.FastFanout,
		FallbackFanout:          c.FallbackFanout,
		Adaptive:                c.AdaptiveFanout,
		MinimumHealthyLaneScore: c.MinimumHealthyLaneScore,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.FastFanout < 0 || c.FallbackFanout < 0 {
		return fmt.Errorf("fanout must not be negative (fast=%d, fallback=%d)", c.FastFanout, c.FallbackFanout)
	}
	if c.MinimumHealthyLaneScore < 0 || c.MinimumHealthyLaneScore > 1 {
		return fmt.Errorf("minimum healthy lane score %v outside [0,1]", c.MinimumHealthyLaneScore)
	}
	return nil
}

// Options wires a Client to its collaborators.
type Options struct {
	Fast     lane.Lane
	Fallback lane.Lane
	Store    cache.Store
	Decoder  shard.Decoder
	Config   Config

	ForwardPeers  []string
	Subscriptions []string
	Observers     []Observer
}

// Client is the forwarding and dedup engine.
type Client struct {
	fast     lane.Lane
	fallback lane.Lane
	store    cache.Store
	decoder  shard.Decoder
	cfg      Config
	health   *HealthTracker

	mu        sync.Mutex
	subs      map[string]struct{}
	seen      map[string]struct{}
	peers     []string
	observers []Observer
	closed    bool
}

// New creates a client. The fallback lane is optional.
func New(opts Options) (*Client, error) {
	if opts.Fast == nil {
		return nil, ErrMissingLane
	}
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	if opts.Decoder == nil {
		return nil, ErrMissingDecoder
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		fast:      opts.Fast,
		fallback:  opts.Fallback,
		store:     opts.Store,
		decoder:   opts.Decoder,
		cfg:       opts.Config,
		health:    NewHealthTracker(),
		subs:      make(map[string]struct{}),
		seen:      make(map[string]struct{}),
		observers: append([]Observer(nil), opts.Observers...),
	}
	c.SetForwardPeers(opts.ForwardPeers)
	for _, t := range opts.Subscriptions {
		if err := c.Subscribe(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddObserver appends o to the observer list.
func (c *Client) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Client) observerList() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer(nil), c.observers...)
}

// Subscribe adds a tag. Subscribing twice is a no-op.
func (c *Client) Subscribe(tagHex string) error {
	t, err := normalizeTag(tagHex)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[t] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes a tag. Removing an unknown tag is a no-op.
func (c *Client) Unsubscribe(tagHex string) error {
	t, err := normalizeTag(tagHex)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, t)
	c.mu.Unlock()
	return nil
}

// Subscriptions returns the subscribed tags, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether tagHex is subscribed.
func (c *Client) IsSubscribed(tagHex string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[strings.ToLower(tagHex)]
	return ok
}

func normalizeTag(tagHex string) (string, error) {
	t := strings.ToLower(tagHex)
	if !tags.IsTagHex(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tagHex)
	}
	return t, nil
}

// SetForwardPeers replaces the forward-peer list. Order is kept and
// duplicates are dropped.
func (c *Client) SetForwardPeers(peers []string) {
	out := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	c.mu.Lock()
	c.peers = out
	c.mu.Unlock()
}

// AddForwardPeer appends p unless it is already present.
func (c *Client) AddForwardPeer(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.peers {
		if existing == p {
			return
		}
	}
	c.peers = append(c.peers, p)
}

// RemoveForwardPeer removes p if present.
func (c *Client) RemoveForwardPeer(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.peers {
		if existing == p {
			c.peers = append(c.peers[:i:i], c.peers[i+1:]...)
			return
		}
	}
}

// ForwardPeers returns a copy of the forward-peer list.
func (c *Client) ForwardPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.peers...)
}

// Seen reports whether a content hash has been accepted or published.
func (c *Client) Seen(hashHex string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[strings.ToLower(hashHex)]
	return ok
}

// SeenCount returns the size of the seen set.
func (c *Client) SeenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Health returns the client's view of a lane.
func (c *Client) Health(kind LaneKind) Health {
	return c.health.Get(kind)
}

// HasFallback reports whether a fallback lane is configured.
func (c *Client) HasFallback() bool {
	return c.fallback != nil
}

// CurrentFanout returns the split the next forward would use.
func (c *Client) CurrentFanout() Fanout {
	return ComputeFanout(c.cfg.fanout(), c.fallback != nil,
		c.health.Get(LaneFast).Score, c.health.Get(LaneFallback).Score)
}

// Tick polls the fast lane for at most one message and processes it, then
// does the same for the fallback lane. A poll error on one lane does not
// stop the other from being polled; all errors are returned combined.
func (c *Client) Tick(ctx context.Context) error {
	_, err := c.tick(ctx)
	return err
}

// Pump calls Tick until both lanes are empty or limit messages have been
// processed, and returns the number processed. It stops at the first tick
// that returns an error.
func (c *Client) Pump(ctx context.Context, limit int) (int, error) {
	total := 0
	for total < limit {
		n, err := c.tick(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (c *Client) tick(ctx context.Context) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	n := 0
	got, err := c.poll(ctx, LaneFast, c.fast)
	if got {
		n++
	}
	if c.fallback != nil {
		got, ferr := c.poll(ctx, LaneFallback, c.fallback)
		if got {
			n++
		}
		err = multierr.Append(err, ferr)
	}
	return n, err
}

func (c *Client) poll(ctx context.Context, kind LaneKind, l lane.Lane) (bool, error) {
	msg, ok, err := l.Recv(ctx)
	if err != nil {
		err = fmt.Errorf("poll %s lane: %w", kind, err)
		for _, o := range c.observerList() {
			o.PollFailed(kind, err)
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	_, err = c.Process(ctx, kind, msg)
	return true, err
}

// Process runs one inbound message through dedup, decode, subscription
// filtering, caching and forwarding. Duplicate, malformed and unsubscribed
// messages are reported through the Outcome, never as errors. The error is
// non-nil only when the client is closed or the cache write failed; in the
// latter case the shard is still forwarded.
func (c *Client) Process(ctx context.Context, kind LaneKind, msg lane.Message) (Outcome, error) {
	hash := shard.HashHex(msg.Data)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return OutcomeDuplicate, ErrClosed
	}
	c.mu.Unlock()
	c.health.Update(kind, (*Health).RecordReceive)

	c.mu.Lock()
	if _, dup := c.seen[hash]; dup {
		c.mu.Unlock()
		c.skip(SkipEvent{Hash: hash, From: msg.Peer, Lane: kind, Outcome: OutcomeDuplicate})
		return OutcomeDuplicate, nil
	}
	c.mu.Unlock()

	meta, err := c.decoder.DecodeMeta(msg.Data)
	if err != nil {
		log.Debugf("dropping malformed shard %s from %s: %v", hash, msg.Peer, err)
		c.skip(SkipEvent{Hash: hash, From: msg.Peer, Lane: kind, Outcome: OutcomeMalformed, Err: err})
		return OutcomeMalformed, nil
	}

	c.mu.Lock()
	if _, ok := c.subs[strings.ToLower(meta.TagHex)]; !ok {
		c.mu.Unlock()
		c.skip(SkipEvent{Hash: hash, From: msg.Peer, Lane: kind, Outcome: OutcomeUnsubscribed})
		return OutcomeUnsubscribed, nil
	}
	if _, dup := c.seen[hash]; dup {
		c.mu.Unlock()
		c.skip(SkipEvent{Hash: hash, From: msg.Peer, Lane: kind, Outcome: OutcomeDuplicate})
		return OutcomeDuplicate, nil
	}
	c.seen[hash] = struct{}{}
	c.mu.Unlock()

	storeErr := c.store.Set(ctx, hash, msg.Data)
	if storeErr != nil {
		log.Warnf("caching shard %s: %v", hash, storeErr)
		storeErr = fmt.Errorf("cache shard %s: %w", hash, storeErr)
	}

	ev := ShardEvent{Hash: hash, Meta: meta, From: msg.Peer, Lane: kind, Data: msg.Data}
	for _, o := range c.observerList() {
		o.ShardReceived(ev)
	}

	c.forward(ctx, hash, msg.Data, msg.Peer)
	return OutcomeAccepted, storeErr
}

func (c *Client) skip(ev SkipEvent) {
	for _, o := range c.observerList() {
		o.ShardSkipped(ev)
	}
}

// forward sends data to the fanout peers on each lane, excluding the sender,
// and returns how many sends succeeded.
func (c *Client) forward(ctx context.Context, hash string, data []byte, exclude string) (sent int, errs error) {
	fan := c.CurrentFanout()
	fastPeers, fallbackPeers := selectPeers(c.ForwardPeers(), exclude, fan.Fast, fan.Fallback)
	if c.fallback == nil {
		fallbackPeers = nil
	}

	n, err := c.sendAll(ctx, LaneFast, c.fast, hash, data, fastPeers)
	sent += n
	errs = multierr.Append(errs, err)
	if len(fallbackPeers) > 0 {
		n, err := c.sendAll(ctx, LaneFallback, c.fallback, hash, data, fallbackPeers)
		sent += n
		errs = multierr.Append(errs, err)
	}
	return sent, errs
}

func (c *Client) sendAll(ctx context.Context, kind LaneKind, l lane.Lane, hash string, data []byte, peers []string) (int, error) {
	var (
		ok   []string
		errs error
	)
	for _, p := range peers {
		if err := l.Send(ctx, p, data); err != nil {
			c.health.Update(kind, (*Health).RecordSendFailure)
			log.Debugf("forward %s to %s on %s lane: %v", hash, p, kind, err)
			for _, o := range c.observerList() {
				o.ForwardFailed(kind, p, err)
			}
			errs = multierr.Append(errs, fmt.Errorf("%s via %s: %w", p, kind, err))
			continue
		}
		c.health.Update(kind, (*Health).RecordSend)
		ok = append(ok, p)
	}
	if len(ok) > 0 {
		ev := ForwardEvent{Hash: hash, Lane: kind, Peers: ok}
		for _, o := range c.observerList() {
			o.ShardForwarded(ev)
		}
	}
	return len(ok), errs
}

// selectPeers picks up to fast peers for the fast lane and up to fallback
// peers for the fallback lane from list, never choosing exclude. Fallback
// prefers peers the fast lane did not get and reuses them only when the list
// is too short.
func selectPeers(list []string, exclude string, fast, fallback int) (fastPeers, fallbackPeers []string) {
	candidates := make([]string, 0, len(list))
	for _, p := range list {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}

	fast = min(fast, len(candidates))
	fastPeers = candidates[:fast:fast]

	fallback = min(fallback, len(candidates))
	fallbackPeers = make([]string, 0, fallback)
	fallbackPeers = append(fallbackPeers, candidates[fast:min(len(candidates), fast+fallback)]...)
	for i := 0; len(fallbackPeers) < fallback && i < len(fastPeers); i++ {
		fallbackPeers = append(fallbackPeers, fastPeers[i])
	}
	return fastPeers, fallbackPeers
}

// Publish originates a local shard: it is decoded to validate it, marked
// seen so echoes are dropped, cached and sent to the fanout peers. It fails
// when there are no forward peers or when no send succeeded, so it can be
// retried by a publish queue.
func (c *Client) Publish(ctx context.Context, data []byte) error {
	if _, err := c.decoder.DecodeMeta(data); err != nil {
		return err
	}
	hash := shard.HashHex(data)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seen[hash] = struct{}{}
	noPeers := len(c.peers) == 0
	c.mu.Unlock()

	if err := c.store.Set(ctx, hash, data); err != nil {
		log.Warnf("caching published shard %s: %v", hash, err)
	}
	if noPeers {
		return ErrNoForwardPeers
	}

	sent, errs := c.forward(ctx, hash, data, "")
	if sent == 0 {
		if errs == nil {
			return ErrNoForwardPeers
		}
		return fmt.Errorf("%w: %w", ErrPublishFailed, errs)
	}
	log.Debugf("published %s to %d peers", hash, sent)
	return nil
}

// Close drops all state and closes the lanes. It is safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]struct{})
	c.seen = make(map[string]struct{})
	c.peers = nil
	c.observers = nil
	c.mu.Unlock()

	var errs error
	for _, l := range []lane.Lane{c.fast, c.fallback} {
		if closer, ok := l.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	return errs
}
