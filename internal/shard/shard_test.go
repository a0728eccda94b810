package shard

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testShard(t *testing.T) *Shard {
	t.Helper()
	tag, err := ParseTag(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return &Shard{
		Tag:     tag,
		K:       2,
		N:       3,
		Index:   1,
		Created: 1700000000,
		Payload: []byte("hello shard"),
	}
}

func TestEncodeDecode(t *testing.T) {
	in := testShard(t)
	data, err := Encode(in)
	require.NoError(t, err)
	require.True(t, SizePrefixedEnvelopeBufferHasIdentifier(data))

	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	meta, err := FlatCodec{}.DecodeMeta(data)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("ab", 32), meta.TagHex)
	require.Equal(t, uint16(2), meta.K)
	require.Equal(t, uint16(3), meta.N)
	require.Equal(t, uint16(1), meta.Index)
}

func TestEncodeRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name     string
		k, n, ix uint16
	}{
		{"zero k", 0, 3, 0},
		{"zero n", 1, 0, 0},
		{"k above n", 4, 3, 0},
		{"index out of range", 2, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testShard(t)
			s.K, s.N, s.Index = tt.k, tt.n, tt.ix
			_, err := Encode(s)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(testShard(t))
	require.NoError(t, err)

	inputs := map[string][]byte{
		"nil":       nil,
		"short":     {1, 2, 3},
		"text":      []byte("not a shard at all, just words"),
		"truncated": valid[:len(valid)-3],
		"extended":  append(append([]byte(nil), valid...), 0, 0),
		"ident": func() []byte {
			b := append([]byte(nil), valid...)
			copy(b[8:12], "PNM$")
			return b
		}(),
	}
	for name, data := range inputs {
		_, err := Decode(data)
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	valid, err := Encode(testShard(t))
	require.NoError(t, err)

	// Corrupt every byte after the identifier in turn; the size prefix and
	// identifier still pass so the table accessors see garbage offsets.
	for i := 12; i < len(valid); i++ {
		for _, v := range []byte{0x00, 0x7f, 0xff} {
			b := append([]byte(nil), valid...)
			b[i] = v
			require.NotPanics(t, func() {
				_, _ = Decode(b)
			})
		}
	}
}

func TestHashAndCID(t *testing.T) {
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashHex(nil))

	a := HashHex([]byte("one"))
	b := HashHex([]byte("one"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, HashHex([]byte("two")))

	c, err := CID(Hash([]byte("one")))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(c.String(), "bafkrei"), c.String())

	c2, err := CIDFromHex(a)
	require.NoError(t, err)
	require.True(t, c.Equals(c2))

	decoded, err := c.Prefix().Sum([]byte("one"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(decoded.Bytes(), c.Bytes()))

	_, err = CIDFromHex("abc")
	require.ErrorIs(t, err, ErrInvalidHash)
}
