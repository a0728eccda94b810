package wot

import (
	"sort"
	"strings"
)

// Score returns the trust score of pk in [0,1] at nowStep. Blocked keys
// score 0 and trusted keys score 1; everything else, muted included, is
// computed from the endorsement graph.
func (p *Policy) Score(pk string, nowStep int64) (float64, error) {
	k, err := NormalizePubkey(pk)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.score(k, nowStep), nil
}

func (p *Policy) score(k string, now int64) float64 {
	if _, ok := p.blocked[k]; ok {
		return 0
	}
	if p.isTrusted(k) {
		return 1
	}
	return p.computed(k, now)
}

// computed sums the direct and second-hop endorsement weight of target.
func (p *Policy) computed(target string, now int64) float64 {
	threshold := p.cfg.EndorsementThreshold

	var direct float64
	qualified := 0
	for e := range p.trusted {
		if !p.isTrusted(e) {
			continue
		}
		if step, ok := p.edges[e][target]; ok {
			direct += p.weight(step, now)
			qualified++
		}
	}
	if qualified < threshold {
		direct = 0
	}

	var second float64
	if p.cfg.MaxHops >= 2 {
		hop := p.secondHop(target)
		qualified = 0
		for s := range hop {
			if step, ok := p.edges[s][target]; ok {
				second += p.weight(step, now) * p.cfg.HopDecay
				qualified++
			}
		}
		if qualified < threshold {
			second = 0
		}
	}

	return clamp01((direct + second) / scoreDivisor)
}

// secondHop returns the publishers endorsed by any trusted key, excluding
// blocked keys and target itself.
func (p *Policy) secondHop(target string) map[string]struct{} {
	hop := make(map[string]struct{})
	for e := range p.trusted {
		if !p.isTrusted(e) {
			continue
		}
		for pub := range p.edges[e] {
			if pub == target {
				continue
			}
			if _, blocked := p.blocked[pub]; blocked {
				continue
			}
			hop[pub] = struct{}{}
		}
	}
	return hop
}

// weight decays an endorsement by its age in steps. Endorsements from the
// future count as age zero.
func (p *Policy) weight(step, now int64) float64 {
	age := max(0, now-step)
	return 1 / (1 + float64(age)/float64(p.cfg.AgeDecayWindowSteps))
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// Classify returns the tier of pk at nowStep.
func (p *Policy) Classify(pk string, nowStep int64) (Tier, error) {
	k, err := NormalizePubkey(pk)
	if err != nil {
		return TierUnknown, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.classify(k, nowStep), nil
}

func (p *Policy) classify(k string, now int64) Tier {
	if _, ok := p.blocked[k]; ok {
		return TierBlocked
	}
	if p.isTrusted(k) {
		return TierTrusted
	}
	if _, ok := p.muted[k]; ok {
		return TierMuted
	}
	s := p.computed(k, now)
	switch {
	case s >= p.cfg.TrustedThreshold:
		return TierTrusted
	case s >= p.cfg.KnownThreshold:
		return TierKnown
	default:
		return TierUnknown
	}
}

// Item is one feed entry to rank.
type Item struct {
	ID          string `json:"id"`
	Publisher   string `json:"publisher"`
	CreatedStep int64  `json:"createdStep"`
}

// RankedItem is an Item with the tier it was ranked under.
type RankedItem struct {
	Item
	Tier Tier `json:"tier"`
}

// Rank drops items from blocked publishers and orders the rest by tier
// weight, then by creation step, newest first. Tier always dominates
// recency. Items with an invalid publisher key rank as unknown.
func (p *Policy) Rank(items []Item, nowStep int64) []RankedItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tiers := make(map[string]Tier)
	out := make([]RankedItem, 0, len(items))
	for _, it := range items {
		k := strings.ToLower(it.Publisher)
		tier, ok := tiers[k]
		if !ok {
			tier = TierUnknown
			if _, err := NormalizePubkey(k); err == nil {
				tier = p.classify(k, nowStep)
			}
			tiers[k] = tier
		}
		if tier == TierBlocked {
			continue
		}
		out = append(out, RankedItem{Item: it, Tier: tier})
	}

	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := out[i].Tier.Weight(), out[j].Tier.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].CreatedStep > out[j].CreatedStep
	})
	return out
}
