package wot

import "fmt"

// scoreDivisor scales the summed endorsement weight into [0,1]. Existing
// tier outcomes depend on this exact value.
const scoreDivisor = 3.0

// Config holds the scoring parameters. Steps are caller-defined logical
// time units (block heights, days, message counters).
type Config struct {
	// EndorsementThreshold is the number of distinct qualifying endorsers
	// needed before a hop contributes anything.
	EndorsementThreshold int     `json:"endorsementThreshold" yaml:"endorsement_threshold"`
	MaxHops              int     `json:"maxHops" yaml:"max_hops"`
	HopDecay             float64 `json:"hopDecay" yaml:"hop_decay"`
	AgeDecayWindowSteps  int64   `json:"ageDecayWindowSteps" yaml:"age_decay_window_steps"`
	TrustedThreshold     float64 `json:"trustedThreshold" yaml:"trusted_threshold"`
	KnownThreshold       float64 `json:"knownThreshold" yaml:"known_threshold"`
}

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() Config {
	return Config{
		EndorsementThreshold: 2,
		MaxHops:              2,
		HopDecay:             0.5,
		AgeDecayWindowSteps:  1000,
		TrustedThreshold:     0.6,
		KnownThreshold:       0.2,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case c.EndorsementThreshold < 1:
		return fmt.Errorf("%w: endorsement threshold %d < 1", ErrInvalidConfig, c.EndorsementThreshold)
	case c.MaxHops < 1:
		return fmt.Errorf("%w: max hops %d < 1", ErrInvalidConfig, c.MaxHops)
	case c.AgeDecayWindowSteps <= 0:
		return fmt.Errorf("%w: age decay window must be positive", ErrInvalidConfig)
	case c.HopDecay < 0 || c.HopDecay > 1:
		return fmt.Errorf("%w: hop decay %v outside [0,1]", ErrInvalidConfig, c.HopDecay)
	case c.TrustedThreshold < 0 || c.TrustedThreshold > 1:
		return fmt.Errorf("%w: trusted threshold %v outside [0,1]", ErrInvalidConfig, c.TrustedThreshold)
	case c.KnownThreshold < 0 || c.KnownThreshold > 1:
		return fmt.Errorf("%w: known threshold %v outside [0,1]", ErrInvalidConfig, c.KnownThreshold)
	case c.KnownThreshold > c.TrustedThreshold:
		return fmt.Errorf("%w: known threshold above trusted threshold", ErrInvalidConfig)
	}
	return nil
}
