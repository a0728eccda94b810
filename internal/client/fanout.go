package client

import "math"

// FanoutConfig holds the base fanout and adaptive settings.
type FanoutConfig struct {
	FastFanout              int
	FallbackFanout          int
	Adaptive                bool
	MinimumHealthyLaneScore float64
}

// Fanout is the number of peers to forward to on each lane.
type Fanout struct {
	Fast     int
	Fallback int
}

// Total returns the combined fanout.
func (f Fanout) Total() int {
	return f.Fast + f.Fallback
}

// ComputeFanout splits the combined fanout between the two lanes according
// to their health scores.
//
// A lane scoring below MinimumHealthyLaneScore gets nothing and the other
// lane takes the whole total. When both are unhealthy the base split is used
// so forwarding never stops entirely. When both are healthy the total is
// split in proportion to the scores, keeping at least one slot on each lane.
func ComputeFanout(cfg FanoutConfig, hasFallback bool, fastScore, fallbackScore float64) Fanout {
	if !hasFallback {
		return Fanout{Fast: cfg.FastFanout}
	}
	base := Fanout{Fast: cfg.FastFanout, Fallback: cfg.FallbackFanout}
	if !cfg.Adaptive {
		return base
	}

	fastOK := fastScore >= cfg.MinimumHealthyLaneScore
	fallbackOK := fallbackScore >= cfg.MinimumHealthyLaneScore
	total := base.Total()

	switch {
	case !fastOK && !fallbackOK:
		return base
	case fastOK && !fallbackOK:
		return Fanout{Fast: total}
	case !fastOK && fallbackOK:
		return Fanout{Fallback: total}
	}

	sum := fastScore + fallbackScore
	if total < 2 || sum <= 0 {
		return base
	}
	fast := int(math.Round(float64(total) * fastScore / sum))
	fast = max(1, min(fast, total-1))
	return Fanout{Fast: fast, Fallback: total - fast}
}
