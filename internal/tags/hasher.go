package tags

import (
	"crypto/sha256"
	"fmt"
	"hash"

	simd "github.com/minio/sha256-simd"
)

// Strategy names a digest backend.
type Strategy string

const (
	// StrategyAccelerated uses SIMD/SHA-NI instructions when the CPU has them.
	StrategyAccelerated Strategy = "accelerated"
	// StrategyPortable uses the standard library implementation.
	StrategyPortable Strategy = "portable"
)

// DefaultStrategy is used when no strategy is configured.
const DefaultStrategy = StrategyAccelerated

// Hasher computes SHA-256 over the concatenation of parts.
type Hasher interface {
	Sum256(parts ...[]byte) [32]byte
	Strategy() Strategy
}

type digestHasher struct {
	strategy Strategy
	newHash  func() hash.Hash
}

func (h digestHasher) Sum256(parts ...[]byte) [32]byte {
	d := h.newHash()
	for _, p := range parts {
		d.Write(p)
	}
	var out [32]byte
	copy(out[:], d.Sum(nil))
	return out
}

func (h digestHasher) Strategy() Strategy {
	return h.strategy
}

// NewHasher returns the Hasher for a strategy. An empty strategy selects
// DefaultStrategy.
func NewHasher(s Strategy) (Hasher, error) {
	switch s {
	case "":
		return NewHasher(DefaultStrategy)
	case StrategyAccelerated:
		return digestHasher{strategy: s, newHash: simd.New}, nil
	case StrategyPortable:
		return digestHasher{strategy: s, newHash: sha256.New}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// ParseStrategy converts a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return DefaultStrategy, nil
	case StrategyAccelerated, StrategyPortable:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}
