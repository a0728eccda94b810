package wot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/facebookgo/atomicfile"
)

// SnapshotVersion is the snapshot format this package writes.
const SnapshotVersion = 1

// Snapshot is the full, lossless policy state.
type Snapshot struct {
	Version      int           `json:"version"`
	Config       Config        `json:"config"`
	Trusted      []string      `json:"trusted"`
	Muted        []string      `json:"muted"`
	Blocked      []string      `json:"blocked"`
	Endorsements []Endorsement `json:"endorsements"`
}

// Export returns the current state. Lists are sorted.
func (p *Policy) Export() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	edges := p.endorsements()
	if edges == nil {
		edges = []Endorsement{}
	}
	return Snapshot{
		Version:      SnapshotVersion,
		Config:       p.cfg,
		Trusted:      sortedKeys(p.trusted),
		Muted:        sortedKeys(p.muted),
		Blocked:      sortedKeys(p.blocked),
		Endorsements: edges,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Import replaces the policy state with s. Entries are replayed through
// Trust, Mute, Block and Endorse in that order, so precedence and
// most-recent-edge rules are re-established rather than copied. On error
// the previous state is kept.
func (p *Policy) Import(s Snapshot) error {
	fresh, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	fresh.mu.RLock()
	defer fresh.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = fresh.cfg
	p.trusted = fresh.trusted
	p.muted = fresh.muted
	p.blocked = fresh.blocked
	p.edges = fresh.edges
	return nil
}

// FromSnapshot builds a new policy by replaying s.
func FromSnapshot(s Snapshot) (*Policy, error) {
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	p, err := New(s.Config)
	if err != nil {
		return nil, err
	}
	for _, k := range s.Trusted {
		if err := p.Trust(k); err != nil {
			return nil, err
		}
	}
	for _, k := range s.Muted {
		if err := p.Mute(k); err != nil {
			return nil, err
		}
	}
	for _, k := range s.Blocked {
		if err := p.Block(k); err != nil {
			return nil, err
		}
	}
	for _, e := range s.Endorsements {
		if err := p.Endorse(e.Endorser, e.Publisher, e.AtStep); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SaveFile writes the snapshot to path atomically.
func (p *Policy) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p.Export(), "", "  ")
	if err != nil {
		return err
	}

	f, err := atomicfile.New(path, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Debugf("saved trust snapshot to %s", path)
	return nil
}

// LoadFile reads a snapshot written by SaveFile. A missing file is
// reported with an error satisfying errors.Is(err, fs.ErrNotExist).
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return FromSnapshot(s)
}
