package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/shardnet/internal/cache"
	"github.com/spacedatanetwork/shardnet/internal/wot"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, LaneStream, cfg.Lanes.Fast.Kind)
	require.False(t, cfg.Lanes.Fallback.Enabled())
	require.Equal(t, cache.BackendSQLite, cfg.Cache.Backend)
	require.Equal(t, wot.DefaultConfig(), cfg.WoT.Config)
	require.True(t, strings.HasSuffix(DefaultPath(), filepath.Join(".shardnet", "config.yaml")))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Node.Subscriptions = []string{strings.Repeat("ab", 32)}
	cfg.Lanes.Fallback = LaneConfig{
		Kind:         LaneSocket,
		URLs:         []string{"ws://a/relay", "ws://b/relay"},
		Mode:         "broadcast",
		InitialDelay: time.Second,
	}
	cfg.WoT.EndorsementThreshold = 3
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "endorsement_threshold: 3")
	require.Contains(t, string(data), "poll_interval: 50ms")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
client:
  fast_fanout: 5
cache:
  backend: memory
wot:
  max_hops: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Client.FastFanout)
	require.Equal(t, Default().Client.FallbackFanout, cfg.Client.FallbackFanout)
	require.Equal(t, cache.BackendMemory, cfg.Cache.Backend)
	require.Equal(t, 1, cfg.WoT.MaxHops)
	require.Equal(t, 2, cfg.WoT.EndorsementThreshold)
	require.Equal(t, 5, cfg.ClientConfig().FastFanout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: redis\n"), 0644))
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorIs(t, err, cache.ErrUnknownBackend)

	require.NoError(t, os.WriteFile(path, []byte("node: [1, 2"), 0644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"poll interval", func(c *Config) { c.Node.PollInterval = 0 }},
		{"drain interval", func(c *Config) { c.Node.DrainInterval = -time.Second }},
		{"outbox settle", func(c *Config) { c.Node.OutboxSettle = -time.Second }},
		{"subscription", func(c *Config) { c.Node.Subscriptions = []string{"xyz"} }},
		{"strategy", func(c *Config) { c.Tags.Strategy = "md5" }},
		{"epoch", func(c *Config) { c.Tags.EpochSeconds = 0 }},
		{"fanout", func(c *Config) { c.Client.FastFanout = -1 }},
		{"lane score", func(c *Config) { c.Client.MinimumHealthyLaneScore = 2 }},
		{"fast lane none", func(c *Config) { c.Lanes.Fast.Kind = LaneNone }},
		{"fast lane kind", func(c *Config) { c.Lanes.Fast.Kind = "carrier-pigeon" }},
		{"socket without url", func(c *Config) { c.Lanes.Fallback.Kind = LaneSocket }},
		{"multi mode", func(c *Config) {
			c.Lanes.Fallback = LaneConfig{Kind: LaneSocket, URLs: []string{"ws://a", "ws://b"}, Mode: "random"}
		}},
		{"sqlite path", func(c *Config) { c.Cache.Path = "" }},
		{"publish target", func(c *Config) { c.Publish.Target = "email" }},
		{"pubsub tag", func(c *Config) { c.Publish.Target = TargetPubSub }},
		{"wot", func(c *Config) { c.WoT.EndorsementThreshold = 0 }},
		{"metrics listen", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }},
		{"rendezvous", func(c *Config) { c.P2P.Rendezvous = "" }},
		{"discovery interval", func(c *Config) { c.P2P.DHT, c.P2P.DiscoveryInterval = true, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Lanes.Fast.BufferLimit = 7
	cfg.Lanes.Fast.MaxDelay = time.Minute

	rc := cfg.Lanes.Fast.ReconnectConfig()
	require.Equal(t, 7, rc.BufferLimit)
	require.Equal(t, time.Minute, rc.MaxDelay)
	require.True(t, rc.AutoReconnect)

	opts := cfg.CacheOptions()
	require.Equal(t, cfg.Cache.Path, opts.Path)

	pc := cfg.PublishConfig()
	require.Equal(t, cfg.Publish.Capacity, pc.Capacity)
	require.Equal(t, cfg.Publish.BaseDelay, pc.BaseDelay)
}
