package tags

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultEpochSeconds is the rendezvous rotation period.
const DefaultEpochSeconds = 86400

// PubkeySize is the length of a decoded public key.
const PubkeySize = 32

// TagSize is the length of a decoded tag.
const TagSize = 32

var (
	domainFeed = []byte("feed")
	domainRv   = []byte("rv")
)

// Derivation errors. These are caller mistakes and are never retried.
var (
	ErrInvalidPubkey      = errors.New("invalid pubkey hex")
	ErrInvalidEpochLength = errors.New("epoch length must be positive")
	ErrInvalidOverlap     = errors.New("overlap must not be negative")
	ErrInvalidTime        = errors.New("time must not be negative")
	ErrEpochOutOfRange    = errors.New("epoch does not fit in 32 bits")
	ErrUnknownStrategy    = errors.New("unknown hash strategy")
)

// Deriver derives feed and rendezvous tags with a fixed Hasher.
type Deriver struct {
	hasher Hasher
}

// NewDeriver creates a Deriver for the given strategy.
func NewDeriver(s Strategy) (*Deriver, error) {
	h, err := NewHasher(s)
	if err != nil {
		return nil, err
	}
	return &Deriver{hasher: h}, nil
}

// NewDeriverWithHasher creates a Deriver around an existing Hasher.
func NewDeriverWithHasher(h Hasher) *Deriver {
	return &Deriver{hasher: h}
}

// Strategy reports the strategy the Deriver hashes with.
func (d *Deriver) Strategy() Strategy {
	return d.hasher.Strategy()
}

// FeedTagHex derives the public feed tag for a publisher and namespace.
func (d *Deriver) FeedTagHex(publisherPubkeyHex string, namespace uint16) (string, error) {
	pk, err := decodePubkey(publisherPubkeyHex)
	if err != nil {
		return "", err
	}
	sum := d.hasher.Sum256(domainFeed, pk, be16(namespace))
	return hex.EncodeToString(sum[:]), nil
}

// RvTagHex derives the private rendezvous tag for a recipient in one epoch.
func (d *Deriver) RvTagHex(recipientPubkeyHex string, epoch uint32, namespace uint16) (string, error) {
	pk, err := decodePubkey(recipientPubkeyHex)
	if err != nil {
		return "", err
	}
	var e [4]byte
	binary.BigEndian.PutUint32(e[:], epoch)
	sum := d.hasher.Sum256(domainRv, pk, e[:], be16(namespace))
	return hex.EncodeToString(sum[:]), nil
}

// RvTagWindowHex returns the rendezvous tag for the epoch containing
// nowSeconds, followed by the tag of the neighbouring epoch when nowSeconds is
// within overlapSeconds of either boundary.
func (d *Deriver) RvTagWindowHex(recipientPubkeyHex string, nowSeconds int64, namespace uint16, epochSeconds, overlapSeconds int64) ([]string, error) {
	if overlapSeconds < 0 {
		return nil, ErrInvalidOverlap
	}
	epoch, err := CurrentEpoch(nowSeconds, epochSeconds)
	if err != nil {
		return nil, err
	}

	epochs := []int64{epoch}
	start := epoch * epochSeconds
	if epoch > 0 && nowSeconds-start < overlapSeconds {
		epochs = append(epochs, epoch-1)
	}
	if start+epochSeconds-nowSeconds <= overlapSeconds {
		epochs = append(epochs, epoch+1)
	}

	out := make([]string, 0, len(epochs))
	for _, e := range epochs {
		if e > int64(^uint32(0)) {
			return nil, fmt.Errorf("%w: %d", ErrEpochOutOfRange, e)
		}
		tag, err := d.RvTagHex(recipientPubkeyHex, uint32(e), namespace)
		if err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, nil
}

// CurrentEpoch returns floor(nowSeconds / epochSeconds).
func CurrentEpoch(nowSeconds, epochSeconds int64) (int64, error) {
	if epochSeconds <= 0 {
		return 0, ErrInvalidEpochLength
	}
	if nowSeconds < 0 {
		return 0, ErrInvalidTime
	}
	return nowSeconds / epochSeconds, nil
}

// IsTagHex reports whether s is a well-formed lowercase tag.
func IsTagHex(s string) bool {
	if len(s) != TagSize*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func decodePubkey(s string) ([]byte, error) {
	pk, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if len(pk) != PubkeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPubkey, len(pk), PubkeySize)
	}
	return pk, nil
}

func be16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}
