package wot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(n int) string {
	return fmt.Sprintf("%064x", n)
}

var (
	t1 = key(1)
	t2 = key(2)
	t3 = key(3)
	pA = key(10)
	pB = key(11)
	pP = key(20)
)

func newPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	return p
}

func TestSybilResistance(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Trust(t2))

	require.NoError(t, p.Endorse(t1, pP, 0))
	score, err := p.Score(pP, 0)
	require.NoError(t, err)
	require.Zero(t, score, "one trusted endorser is not enough")
	tier, err := p.Classify(pP, 0)
	require.NoError(t, err)
	require.Equal(t, TierUnknown, tier)

	require.NoError(t, p.Endorse(t2, pP, 0))
	score, err = p.Score(pP, 0)
	require.NoError(t, err)
	require.Greater(t, score, 0.0)
	require.InDelta(t, 2.0/3.0, score, 1e-9)
	tier, _ = p.Classify(pP, 0)
	require.Equal(t, TierTrusted, tier)
}

func TestBlockOverridesTrust(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(pP))
	tier, _ := p.Classify(pP, 0)
	require.Equal(t, TierTrusted, tier)

	require.NoError(t, p.Block(pP))
	tier, _ = p.Classify(pP, 0)
	require.Equal(t, TierBlocked, tier)
	require.False(t, p.IsTrusted(pP))
	score, _ := p.Score(pP, 0)
	require.Zero(t, score)

	ranked := p.Rank([]Item{
		{ID: "1", Publisher: pP, CreatedStep: 100},
		{ID: "2", Publisher: pA, CreatedStep: 1},
	}, 0)
	require.Len(t, ranked, 1)
	require.Equal(t, "2", ranked[0].ID)

	// Trust clears the block again.
	require.NoError(t, p.Trust(pP))
	require.False(t, p.IsBlocked(pP))
	tier, _ = p.Classify(pP, 0)
	require.Equal(t, TierTrusted, tier)
}

func TestTrustClearsMute(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Mute(pP))
	require.True(t, p.IsMuted(pP))
	require.NoError(t, p.Trust(pP))
	require.False(t, p.IsMuted(pP))

	require.NoError(t, p.Mute(pP))
	require.True(t, p.IsMuted(pP), "mute does not clear trust")
	tier, _ := p.Classify(pP, 0)
	require.Equal(t, TierTrusted, tier, "trusted outranks muted")

	require.NoError(t, p.Untrust(pP))
	tier, _ = p.Classify(pP, 0)
	require.Equal(t, TierMuted, tier)

	require.NoError(t, p.Unmute(pP))
	tier, _ = p.Classify(pP, 0)
	require.Equal(t, TierUnknown, tier)
}

func TestMuteForcesTierOverScore(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Trust(t2))
	require.NoError(t, p.Endorse(t1, pP, 0))
	require.NoError(t, p.Endorse(t2, pP, 0))
	require.NoError(t, p.Mute(pP))

	tier, _ := p.Classify(pP, 0)
	require.Equal(t, TierMuted, tier)
	score, _ := p.Score(pP, 0)
	require.Greater(t, score, 0.0)
}

func TestAgeDecay(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Trust(t2))
	require.NoError(t, p.Endorse(t1, pP, 0))
	require.NoError(t, p.Endorse(t2, pP, 0))

	// One full window old halves each endorsement.
	score, _ := p.Score(pP, 1000)
	require.InDelta(t, 1.0/3.0, score, 1e-9)
	tier, _ := p.Classify(pP, 1000)
	require.Equal(t, TierKnown, tier)

	// Endorsements from the future count as fresh.
	score, _ = p.Score(pP, -50)
	require.InDelta(t, 2.0/3.0, score, 1e-9)
}

func TestEndorseKeepsMostRecent(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Endorse(t1, pP, 10))
	require.NoError(t, p.Endorse(t1, pP, 5))
	require.Equal(t, []Endorsement{{Endorser: t1, Publisher: pP, AtStep: 10}}, p.Endorsements())

	require.NoError(t, p.Endorse(strings.ToUpper(t1), pP, 20))
	require.Equal(t, int64(20), p.Endorsements()[0].AtStep)

	require.ErrorIs(t, p.Endorse(t1, t1, 0), ErrSelfEndorsement)

	require.NoError(t, p.Unendorse(t1, pP))
	require.Empty(t, p.Endorsements())
}

func TestSecondHop(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Endorse(t1, pA, 0))
	require.NoError(t, p.Endorse(t1, pB, 0))
	require.NoError(t, p.Endorse(pA, pP, 0))
	require.NoError(t, p.Endorse(pB, pP, 0))

	// (0.5 + 0.5) / 3 from two second-hop endorsers.
	score, _ := p.Score(pP, 0)
	require.InDelta(t, 1.0/3.0, score, 1e-9)
	tier, _ := p.Classify(pP, 0)
	require.Equal(t, TierKnown, tier)

	oneHop := DefaultConfig()
	oneHop.MaxHops = 1
	s := p.Export()
	s.Config = oneHop
	q, err := FromSnapshot(s)
	require.NoError(t, err)
	score, _ = q.Score(pP, 0)
	require.Zero(t, score)
}

func TestSecondHopSkipsBlockedEndorsers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndorsementThreshold = 1
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Endorse(t1, pA, 0))
	require.NoError(t, p.Endorse(t1, pB, 0))
	require.NoError(t, p.Endorse(pA, pP, 0))
	require.NoError(t, p.Endorse(pB, pP, 0))

	score, _ := p.Score(pP, 0)
	require.InDelta(t, 1.0/3.0, score, 1e-9)

	// pB is still endorsed by a trusted key, but blocking it removes it
	// from the second hop: only pA's half weight remains.
	require.NoError(t, p.Block(pB))
	score, _ = p.Score(pP, 0)
	require.InDelta(t, 0.5/3.0, score, 1e-9)

	// With the default threshold of two, the hop no longer qualifies.
	s := p.Export()
	s.Config = DefaultConfig()
	q, err := FromSnapshot(s)
	require.NoError(t, err)
	score, _ = q.Score(pP, 0)
	require.Zero(t, score)

	require.NoError(t, p.Unblock(pB))
	score, _ = p.Score(pP, 0)
	require.InDelta(t, 1.0/3.0, score, 1e-9)
}

func TestScoreIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndorsementThreshold = 1
	p, err := New(cfg)
	require.NoError(t, err)
	for i := 100; i < 110; i++ {
		require.NoError(t, p.Trust(key(i)))
		require.NoError(t, p.Endorse(key(i), pP, 0))
	}
	score, _ := p.Score(pP, 0)
	require.Equal(t, 1.0, score)
}

func TestRank(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Trust(t2))
	require.NoError(t, p.Mute(pB))
	require.NoError(t, p.Block(t3))

	items := []Item{
		{ID: "unknown-new", Publisher: pP, CreatedStep: 900},
		{ID: "trusted-old", Publisher: t1, CreatedStep: 1},
		{ID: "muted-new", Publisher: pB, CreatedStep: 999},
		{ID: "blocked", Publisher: t3, CreatedStep: 1000},
		{ID: "trusted-new", Publisher: t2, CreatedStep: 50},
		{ID: "unknown-old", Publisher: pP, CreatedStep: 10},
		{ID: "bad-key", Publisher: "zz", CreatedStep: 500},
	}
	ranked := p.Rank(items, 1000)

	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{
		"trusted-new", "trusted-old",
		"unknown-new", "bad-key", "unknown-old",
		"muted-new",
	}, ids)
	require.Equal(t, TierTrusted, ranked[0].Tier)
	require.Equal(t, TierMuted, ranked[len(ranked)-1].Tier)
}

func TestRankTierDominatesRecency(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	ranked := p.Rank([]Item{
		{ID: "stranger", Publisher: pP, CreatedStep: 1 << 40},
		{ID: "friend", Publisher: t1, CreatedStep: 0},
	}, 0)
	require.Equal(t, "friend", ranked[0].ID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Trust(t2))
	require.NoError(t, p.Block(t2)) // stays in trusted as well
	require.NoError(t, p.Mute(pB))
	require.NoError(t, p.Endorse(t1, pA, 7))
	require.NoError(t, p.Endorse(pA, pP, 3))

	data, err := json.Marshal(p.Export())
	require.NoError(t, err)
	require.Contains(t, string(data), `"atStep":7`)
	require.Contains(t, string(data), `"endorsementThreshold":2`)

	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	q, err := FromSnapshot(s)
	require.NoError(t, err)
	require.Equal(t, p.Export(), q.Export())

	tier, _ := q.Classify(t2, 0)
	require.Equal(t, TierBlocked, tier)
}

func TestImportReplaysMutators(t *testing.T) {
	s := Snapshot{
		Version: SnapshotVersion,
		Config:  DefaultConfig(),
		Trusted: []string{strings.ToUpper(t1)},
		Muted:   []string{t1},
		Endorsements: []Endorsement{
			{Endorser: t1, Publisher: pP, AtStep: 9},
			{Endorser: t1, Publisher: pP, AtStep: 4},
		},
	}
	p := newPolicy(t)
	require.NoError(t, p.Trust(pA))
	require.NoError(t, p.Import(s))

	require.False(t, p.IsTrusted(pA), "import replaces previous state")
	require.True(t, p.IsTrusted(t1), "keys are normalized on replay")
	require.Equal(t, []Endorsement{{Endorser: t1, Publisher: pP, AtStep: 9}}, p.Endorsements())

	bad := s
	bad.Trusted = []string{"not-hex"}
	require.ErrorIs(t, p.Import(bad), ErrInvalidPubkey)
	require.True(t, p.IsTrusted(t1), "failed import keeps state")

	bad = s
	bad.Version = 2
	require.ErrorIs(t, p.Import(bad), ErrUnsupportedVersion)
}

func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust", "wot.json")
	_, err := LoadFile(path)
	require.True(t, errors.Is(err, fs.ErrNotExist))

	p := newPolicy(t)
	require.NoError(t, p.Trust(t1))
	require.NoError(t, p.Endorse(t1, pP, 1))
	require.NoError(t, p.SaveFile(path))
	require.NoError(t, p.SaveFile(path), "overwrite in place")

	q, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, p.Export(), q.Export())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold", func(c *Config) { c.EndorsementThreshold = 0 }},
		{"hops", func(c *Config) { c.MaxHops = 0 }},
		{"window", func(c *Config) { c.AgeDecayWindowSteps = 0 }},
		{"hop decay", func(c *Config) { c.HopDecay = 1.5 }},
		{"trusted threshold", func(c *Config) { c.TrustedThreshold = -0.1 }},
		{"known threshold", func(c *Config) { c.KnownThreshold = 2 }},
		{"known above trusted", func(c *Config) { c.KnownThreshold = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestInvalidPubkey(t *testing.T) {
	p := newPolicy(t)
	for _, bad := range []string{"", "xyz", strings.Repeat("0", 62), strings.Repeat("0", 66)} {
		require.ErrorIs(t, p.Trust(bad), ErrInvalidPubkey, bad)
		require.ErrorIs(t, p.Endorse(bad, pP, 0), ErrInvalidPubkey, bad)
		_, err := p.Score(bad, 0)
		require.ErrorIs(t, err, ErrInvalidPubkey, bad)
	}
}

func TestTierJSON(t *testing.T) {
	data, err := json.Marshal(TierKnown)
	require.NoError(t, err)
	require.Equal(t, `"known"`, string(data))

	var tier Tier
	require.NoError(t, json.Unmarshal([]byte(`"muted"`), &tier))
	require.Equal(t, TierMuted, tier)
	require.Error(t, json.Unmarshal([]byte(`"vip"`), &tier))
}
