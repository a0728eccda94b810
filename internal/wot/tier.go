package wot

import (
	"encoding/json"
	"fmt"
)

// Tier is the trust classification of a publisher.
type Tier int

const (
	// TierBlocked - never shown, overrides everything
	TierBlocked Tier = iota
	// TierMuted - explicitly silenced
	TierMuted
	// TierUnknown - no meaningful endorsement path
	TierUnknown
	// TierKnown - some endorsement from the trusted neighbourhood
	TierKnown
	// TierTrusted - explicitly trusted or strongly endorsed
	TierTrusted
)

// String returns the string representation of a Tier.
func (t Tier) String() string {
	switch t {
	case TierBlocked:
		return "blocked"
	case TierMuted:
		return "muted"
	case TierUnknown:
		return "unknown"
	case TierKnown:
		return "known"
	case TierTrusted:
		return "trusted"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Weight is the ranking weight of a tier. Blocked items are never ranked.
func (t Tier) Weight() int {
	switch t {
	case TierTrusted:
		return 3
	case TierKnown:
		return 2
	case TierUnknown:
		return 1
	case TierMuted:
		return 0
	default:
		return -1
	}
}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "blocked":
		return TierBlocked, nil
	case "muted":
		return TierMuted, nil
	case "unknown":
		return TierUnknown, nil
	case "known":
		return TierKnown, nil
	case "trusted":
		return TierTrusted, nil
	default:
		return TierUnknown, fmt.Errorf("invalid tier %q", s)
	}
}

// MarshalJSON implements json.Marshaler for Tier.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler for Tier.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	tier, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = tier
	return nil
}
