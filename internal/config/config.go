// Package config provides configuration management for the shardnet node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/client"
	"github.com/spacedatanetwork/shardnet/internal/lane"
	"github.com/spacedatanetwork/shardnet/internal/publish"
	"github.com/spacedatanetwork/shardnet/internal/tags"
	"github.com/spacedatanetwork/shardnet/internal/wot"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Lane kinds.
const (
	LaneNone   = "none"
	LaneStream = "stream"
	LaneSocket = "socket"
)

// Publish targets.
const (
	TargetClient = "client"
	TargetPubSub = "pubsub"
)

// Config represents the shardnet node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Tags    TagsConfig    `yaml:"tags"`
	Client  ClientConfig  `yaml:"client"`
	Lanes   LanesConfig   `yaml:"lanes"`
	Cache   CacheConfig   `yaml:"cache"`
	Publish PublishConfig `yaml:"publish"`
	WoT     WoTConfig     `yaml:"wot"`
	Metrics MetricsConfig `yaml:"metrics"`
	P2P     P2PConfig     `yaml:"p2p"`
}

// NodeConfig contains the host loop settings.
type NodeConfig struct {
	DataDir       string        `yaml:"data_dir"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	Subscriptions []string      `yaml:"subscriptions"`
	ForwardPeers  []string      `yaml:"forward_peers"`

	// OutboxDir, when set, is scanned every DrainInterval for shard files
	// to publish. Files must be unmodified for OutboxSettle first.
	OutboxDir    string        `yaml:"outbox_dir"`
	OutboxSettle time.Duration `yaml:"outbox_settle"`
}

// TagsConfig selects the tag derivation backend and rendezvous timing.
type TagsConfig struct {
	Strategy       string `yaml:"strategy"`
	EpochSeconds   int64  `yaml:"epoch_seconds"`
	OverlapSeconds int64  `yaml:"overlap_seconds"`
}

// ClientConfig contains the forwarding settings.
type ClientConfig struct {
	FastFanout              int     `yaml:"fast_fanout"`
	FallbackFanout          int     `yaml:"fallback_fanout"`
	AdaptiveFanout          bool    `yaml:"adaptive_fanout"`
	MinimumHealthyLaneScore float64 `yaml:"minimum_healthy_lane_score"`
}

// LanesConfig configures the fast and fallback lanes.
type LanesConfig struct {
	Fast     LaneConfig `yaml:"fast"`
	Fallback LaneConfig `yaml:"fallback"`
}

// LaneConfig configures one lane. A socket lane with several URLs becomes a
// composite lane using Mode.
type LaneConfig struct {
	Kind          string        `yaml:"kind"`
	URLs          []string      `yaml:"urls,omitempty"`
	Mode          string        `yaml:"mode,omitempty"`
	BufferLimit   int           `yaml:"buffer_limit"`
	InboundLimit  int           `yaml:"inbound_limit"`
	AutoReconnect bool          `yaml:"auto_reconnect"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// CacheConfig contains the shard cache settings.
type CacheConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// PublishConfig contains the publish queue settings.
type PublishConfig struct {
	Capacity  int           `yaml:"capacity"`
	BaseDelay time.Duration `yaml:"base_delay"`
	// Target is "client" to forward through the lanes or "pubsub" to
	// publish on the topic of Tag.
	Target string `yaml:"target"`
	Tag    string `yaml:"tag,omitempty"`
}

// WoTConfig contains the trust policy settings.
type WoTConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
	wot.Config   `yaml:",inline"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// P2PConfig contains libp2p host settings.
type P2PConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	KeyFile   string   `yaml:"key_file"`
	LowWater  int      `yaml:"low_water"`
	HighWater int      `yaml:"high_water"`

	// Discovery finds peers under Rendezvous on the local network (MDNS)
	// and through the DHT. With ForwardDiscovered set, found peers join
	// the forward set until they disconnect.
	MDNS              bool          `yaml:"mdns"`
	DHT               bool          `yaml:"dht"`
	Rendezvous        string        `yaml:"rendezvous"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	ForwardDiscovered bool          `yaml:"forward_discovered"`
}

// Default returns a default configuration.
func Default() *Config {
	dataDir := filepath.Join(homeDir(), ".shardnet")
	cc := client.DefaultConfig()
	rc := lane.DefaultReconnectConfig()
	fast := LaneConfig{
		Kind:          LaneStream,
		BufferLimit:   rc.BufferLimit,
		InboundLimit:  rc.InboundLimit,
		AutoReconnect: rc.AutoReconnect,
		InitialDelay:  rc.InitialDelay,
		Multiplier:    rc.Multiplier,
		MaxDelay:      rc.MaxDelay,
	}
	fallback := fast
	fallback.Kind = LaneNone

	return &Config{
		Node: NodeConfig{
			DataDir:       dataDir,
			PollInterval:  50 * time.Millisecond,
			DrainInterval: 5 * time.Second,
			Subscriptions: []string{},
			ForwardPeers:  []string{},
			OutboxSettle:  2 * time.Second,
		},
		Tags: TagsConfig{
			Strategy:       string(tags.DefaultStrategy),
			EpochSeconds:   tags.DefaultEpochSeconds,
			OverlapSeconds: 3600,
		},
		Client: ClientConfig{
			FastFanout:              cc.FastFanout,
			FallbackFanout:          cc.FallbackFanout,
			AdaptiveFanout:          cc.AdaptiveFanout,
			MinimumHealthyLaneScore: cc.MinimumHealthyLaneScore,
		},
		Lanes: LanesConfig{Fast: fast, Fallback: fallback},
		Cache: CacheConfig{
			Backend:    cache.BackendSQLite,
			Path:       filepath.Join(dataDir, "cache.db"),
			MaxEntries: cache.DefaultMaxEntries,
		},
		Publish: PublishConfig{
			Capacity:  publish.DefaultCapacity,
			BaseDelay: publish.DefaultBaseDelay,
			Target:    TargetClient,
		},
		WoT: WoTConfig{
			SnapshotPath: filepath.Join(dataDir, "wot.json"),
			Config:       wot.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		P2P: P2PConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/tcp/4102/ws",
			},
			Bootstrap: []string{},
			KeyFile:   filepath.Join(dataDir, "identity.key"),
			LowWater:  100,
			HighWater: 400,

			MDNS:              true,
			Rendezvous:        "shardnet",
			DiscoveryInterval: time.Minute,
			ForwardDiscovered: true,
		},
	}
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".shardnet", "config.yaml")
}

// Load loads the configuration from a file. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Node.PollInterval <= 0 {
		return fmt.Errorf("%w: node.poll_interval must be positive", ErrInvalid)
	}
	if c.Node.DrainInterval <= 0 {
		return fmt.Errorf("%w: node.drain_interval must be positive", ErrInvalid)
	}
	if c.Node.OutboxSettle < 0 {
		return fmt.Errorf("%w: node.outbox_settle must not be negative", ErrInvalid)
	}
	for _, s := range c.Node.Subscriptions {
		if !tags.IsTagHex(strings.ToLower(s)) {
			return fmt.Errorf("%w: subscription %q is not a tag", ErrInvalid, s)
		}
	}
	if _, err := tags.ParseStrategy(c.Tags.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Tags.EpochSeconds <= 0 || c.Tags.OverlapSeconds < 0 {
		return fmt.Errorf("%w: tags epoch/overlap out of range", ErrInvalid)
	}
	if err := c.ClientConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Lanes.Fast.validate("fast", false); err != nil {
		return err
	}
	if err := c.Lanes.Fallback.validate("fallback", true); err != nil {
		return err
	}
	switch strings.ToLower(c.Cache.Backend) {
	case cache.BackendMemory, cache.BackendDatastore:
	case cache.BackendSQLite:
		if c.Cache.Path == "" {
			return fmt.Errorf("%w: cache.path required for sqlite", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalid, cache.ErrUnknownBackend, c.Cache.Backend)
	}
	switch c.Publish.Target {
	case TargetClient:
	case TargetPubSub:
		if !tags.IsTagHex(strings.ToLower(c.Publish.Tag)) {
			return fmt.Errorf("%w: publish.tag must be a tag for the pubsub target", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown publish target %q", ErrInvalid, c.Publish.Target)
	}
	if err := c.WoT.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen required when metrics are enabled", ErrInvalid)
	}
	if c.P2P.MDNS || c.P2P.DHT {
		if c.P2P.Rendezvous == "" {
			return fmt.Errorf("%w: p2p.rendezvous required for discovery", ErrInvalid)
		}
		if c.P2P.DiscoveryInterval <= 0 {
			return fmt.Errorf("%w: p2p.discovery_interval must be positive", ErrInvalid)
		}
	}
	return nil
}

func (l LaneConfig) validate(name string, optional bool) error {
	switch l.Kind {
	case LaneStream:
	case LaneSocket:
		if len(l.URLs) == 0 {
			return fmt.Errorf("%w: lanes.%s: socket lane needs at least one url", ErrInvalid, name)
		}
		if len(l.URLs) > 1 {
			if _, err := lane.ParseMode(l.Mode); err != nil {
				return fmt.Errorf("%w: lanes.%s: %w", ErrInvalid, name, err)
			}
		}
	case LaneNone, "":
		if !optional {
			return fmt.Errorf("%w: lanes.%s is required", ErrInvalid, name)
		}
	default:
		return fmt.Errorf("%w: lanes.%s: unknown kind %q", ErrInvalid, name, l.Kind)
	}
	return nil
}

// Enabled reports whether the lane is configured.
func (l LaneConfig) Enabled() bool {
	return l.Kind != LaneNone && l.Kind != ""
}

// ReconnectConfig converts the lane settings.
func (l LaneConfig) ReconnectConfig() lane.ReconnectConfig {
	return lane.ReconnectConfig{
		BufferLimit:   l.BufferLimit,
		InboundLimit:  l.InboundLimit,
		AutoReconnect: l.AutoReconnect,
		InitialDelay:  l.InitialDelay,
		Multiplier:    l.Multiplier,
		MaxDelay:      l.MaxDelay,
	}
}

// ClientConfig converts the forwarding settings.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		FastFanout:              c.Client.FastFanout,
		FallbackFanout:          c.Client.FallbackFanout,
		AdaptiveFanout:          c.Client.AdaptiveFanout,
		MinimumHealthyLaneScore: c.Client.MinimumHealthyLaneScore,
	}
}

// CacheOptions converts the cache settings.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Backend:    c.Cache.Backend,
		Path:       c.Cache.Path,
		MaxEntries: c.Cache.MaxEntries,
	}
}

// PublishConfig converts the queue settings.
func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		Capacity:  c.Publish.Capacity,
		BaseDelay: c.Publish.BaseDelay,
	}
}
