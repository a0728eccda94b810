// Package shard encodes shard envelopes and computes their content identity.
package shard

import (
	"encoding/hex"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/ipfs/go-cid"
	sha256 "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
)

// HashSize is the length of a content hash.
const HashSize = sha256.Size

// TagSize is the length of a routing tag.
const TagSize = 32

// Codec errors.
var (
	ErrMalformed   = errors.New("malformed shard")
	ErrInvalidHash = errors.New("invalid content hash")
)

// Shard is a decoded envelope.
type Shard struct {
	Tag     [TagSize]byte
	K       uint16
	N       uint16
	Index   uint16
	Created uint64
	Payload []byte
}

// Meta is the routing metadata the forwarding engine needs.
type Meta struct {
	TagHex  string
	K       uint16
	N       uint16
	Index   uint16
	Created uint64
}

// Decoder extracts routing metadata from raw shard bytes. Implementations
// must report malformed input with an error wrapping ErrMalformed and must
// not panic.
type Decoder interface {
	DecodeMeta(data []byte) (Meta, error)
}

// FlatCodec is the FlatBuffers envelope codec.
type FlatCodec struct{}

var _ Decoder = FlatCodec{}

// DecodeMeta implements Decoder.
func (FlatCodec) DecodeMeta(data []byte) (Meta, error) {
	s, err := Decode(data)
	if err != nil {
		return Meta{}, err
	}
	return s.Meta(), nil
}

// Meta returns the routing metadata of s.
func (s *Shard) Meta() Meta {
	return Meta{
		TagHex:  hex.EncodeToString(s.Tag[:]),
		K:       s.K,
		N:       s.N,
		Index:   s.Index,
		Created: s.Created,
	}
}

// Validate checks the erasure parameters. The maths behind k/n is not this
// package's concern; only their consistency is.
func (s *Shard) Validate() error {
	if s.K == 0 || s.N == 0 {
		return fmt.Errorf("%w: k and n must be positive", ErrMalformed)
	}
	if s.K > s.N {
		return fmt.Errorf("%w: k=%d exceeds n=%d", ErrMalformed, s.K, s.N)
	}
	if s.Index >= s.N {
		return fmt.Errorf("%w: index %d out of range for n=%d", ErrMalformed, s.Index, s.N)
	}
	return nil
}

// Encode serializes a shard into a size-prefixed envelope.
func Encode(s *Shard) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	builder := flatbuffers.NewBuilder(64 + len(s.Payload))
	payloadOffset := builder.CreateByteVector(s.Payload)
	tagOffset := builder.CreateByteVector(s.Tag[:])

	EnvelopeStart(builder)
	EnvelopeAddTag(builder, tagOffset)
	EnvelopeAddK(builder, s.K)
	EnvelopeAddN(builder, s.N)
	EnvelopeAddIndex(builder, s.Index)
	EnvelopeAddCreated(builder, s.Created)
	EnvelopeAddPayload(builder, payloadOffset)
	root := EnvelopeEnd(builder)
	FinishSizePrefixedEnvelopeBuffer(builder, root)

	data := make([]byte, len(builder.FinishedBytes()))
	copy(data, builder.FinishedBytes())
	return data, nil
}

// Decode parses and validates an envelope. It never panics on hostile
// input: out-of-range offsets inside the buffer are reported as ErrMalformed.
func Decode(data []byte) (s *Shard, err error) {
	if !SizePrefixedEnvelopeBufferHasIdentifier(data) {
		return nil, fmt.Errorf("%w: missing %s identifier", ErrMalformed, EnvelopeIdentifier)
	}

	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	env := GetSizePrefixedRootAsEnvelope(data, 0)
	tag := env.TagBytes()
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes", ErrMalformed, len(tag))
	}

	s = &Shard{
		K:       env.K(),
		N:       env.N(),
		Index:   env.Index(),
		Created: env.Created(),
	}
	copy(s.Tag[:], tag)
	if payload := env.PayloadBytes(); len(payload) > 0 {
		s.Payload = append([]byte(nil), payload...)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseTag decodes a 64-char tag hex string.
func ParseTag(tagHex string) ([TagSize]byte, error) {
	var tag [TagSize]byte
	b, err := hex.DecodeString(tagHex)
	if err != nil || len(b) != TagSize {
		return tag, fmt.Errorf("%w: bad tag %q", ErrMalformed, tagHex)
	}
	copy(tag[:], b)
	return tag, nil
}

// Hash returns the content hash of raw shard bytes.
func Hash(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}

// HashHex returns the content hash of data as lowercase hex.
func HashHex(data []byte) string {
	h := Hash(data)
	return hex.EncodeToString(h[:])
}

// CID renders a content hash as a CIDv1 with the raw codec, the form used
// when shards are exposed outside the engine.
func CID(hash [HashSize]byte) (cid.Cid, error) {
	mhash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mhash), nil
}

// CIDFromHex parses a hex content hash and renders it as a CID.
func CIDFromHex(hashHex string) (cid.Cid, error) {
	b, err := hex.DecodeString(hashHex)
	if err != nil || len(b) != HashSize {
		return cid.Undef, fmt.Errorf("%w: %q", ErrInvalidHash, hashHex)
	}
	var h [HashSize]byte
	copy(h[:], b)
	return CID(h)
}
