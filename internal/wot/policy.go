// Package wot implements the local Web-of-Trust that classifies publishers
// and ranks feed items.
//
// Classification precedence, highest first: blocked, explicitly trusted,
// explicitly muted, then a tier computed from the endorsement graph. A
// single trusted endorser can never promote a stranger on its own; each hop
// needs EndorsementThreshold distinct qualifying endorsers.
package wot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("shardnet-wot")

// Policy errors.
var (
	ErrInvalidConfig      = errors.New("invalid trust config")
	ErrInvalidPubkey      = errors.New("invalid pubkey hex")
	ErrSelfEndorsement    = errors.New("self endorsement")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// PubkeySize is the decoded length of a publisher key.
const PubkeySize = 32

// Endorsement is one endorser to publisher edge.
type Endorsement struct {
	Endorser  string `json:"endorser"`
	Publisher string `json:"publisher"`
	AtStep    int64  `json:"atStep"`
}

// Policy holds the trust sets and endorsement graph.
type Policy struct {
	mu      sync.RWMutex
	cfg     Config
	trusted map[string]struct{}
	muted   map[string]struct{}
	blocked map[string]struct{}
	// edges[endorser][publisher] = step of the most recent endorsement
	edges map[string]map[string]int64
}

// New creates an empty policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{cfg: cfg}
	p.reset()
	return p, nil
}

func (p *Policy) reset() {
	p.trusted = make(map[string]struct{})
	p.muted = make(map[string]struct{})
	p.blocked = make(map[string]struct{})
	p.edges = make(map[string]map[string]int64)
}

// Config returns the scoring parameters.
func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// NormalizePubkey validates a hex key and returns it lower-cased.
func NormalizePubkey(pk string) (string, error) {
	s := strings.ToLower(pk)
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PubkeySize {
		return "", fmt.Errorf("%w: %q", ErrInvalidPubkey, pk)
	}
	return s, nil
}

// Trust marks pk trusted, clearing any block or mute first.
func (p *Policy) Trust(pk string) error {
	k, err := NormalizePubkey(pk)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, k)
	delete(p.muted, k)
	p.trusted[k] = struct{}{}
	return nil
}

// Untrust removes pk from the trusted set.
func (p *Policy) Untrust(pk string) error {
	return p.remove(pk, func() map[string]struct{} { return p.trusted })
}

// Mute marks pk muted. Other sets are left alone.
func (p *Policy) Mute(pk string) error {
	return p.add(pk, func() map[string]struct{} { return p.muted })
}

// Unmute removes pk from the muted set.
func (p *Policy) Unmute(pk string) error {
	return p.remove(pk, func() map[string]struct{} { return p.muted })
}

// Block marks pk blocked. Blocking overrides trust without clearing it.
func (p *Policy) Block(pk string) error {
	return p.add(pk, func() map[string]struct{} { return p.blocked })
}

// Unblock removes pk from the blocked set.
func (p *Policy) Unblock(pk string) error {
	return p.remove(pk, func() map[string]struct{} { return p.blocked })
}

func (p *Policy) add(pk string, set func() map[string]struct{}) error {
	k, err := NormalizePubkey(pk)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set()[k] = struct{}{}
	return nil
}

func (p *Policy) remove(pk string, set func() map[string]struct{}) error {
	k, err := NormalizePubkey(pk)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(set(), k)
	return nil
}

// IsTrusted reports whether pk is trusted and not blocked.
func (p *Policy) IsTrusted(pk string) bool {
	k := strings.ToLower(pk)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isTrusted(k)
}

func (p *Policy) isTrusted(k string) bool {
	_, trusted := p.trusted[k]
	_, blocked := p.blocked[k]
	return trusted && !blocked
}

// IsMuted reports whether pk is muted.
func (p *Policy) IsMuted(pk string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.muted[strings.ToLower(pk)]
	return ok
}

// IsBlocked reports whether pk is blocked.
func (p *Policy) IsBlocked(pk string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.blocked[strings.ToLower(pk)]
	return ok
}

// Endorse records that endorser vouches for publisher at atStep. Only the
// most recent endorsement of a pair is kept; an older one is ignored.
func (p *Policy) Endorse(endorser, publisher string, atStep int64) error {
	e, err := NormalizePubkey(endorser)
	if err != nil {
		return err
	}
	pub, err := NormalizePubkey(publisher)
	if err != nil {
		return err
	}
	if e == pub {
		return ErrSelfEndorsement
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.edges[e]
	if !ok {
		out = make(map[string]int64)
		p.edges[e] = out
	}
	if prev, ok := out[pub]; ok && prev >= atStep {
		return nil
	}
	out[pub] = atStep
	return nil
}

// Unendorse removes the endorser to publisher edge if present.
func (p *Policy) Unendorse(endorser, publisher string) error {
	e, err := NormalizePubkey(endorser)
	if err != nil {
		return err
	}
	pub, err := NormalizePubkey(publisher)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if out, ok := p.edges[e]; ok {
		delete(out, pub)
		if len(out) == 0 {
			delete(p.edges, e)
		}
	}
	return nil
}

// Endorsements returns every edge, sorted by endorser then publisher.
func (p *Policy) Endorsements() []Endorsement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endorsements()
}

func (p *Policy) endorsements() []Endorsement {
	var out []Endorsement
	for e, pubs := range p.edges {
		for pub, step := range pubs {
			out = append(out, Endorsement{Endorser: e, Publisher: pub, AtStep: step})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endorser != out[j].Endorser {
			return out[i].Endorser < out[j].Endorser
		}
		return out[i].Publisher < out[j].Publisher
	})
	return out
}
