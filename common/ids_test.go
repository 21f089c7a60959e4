package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIdDistanceAndOrdering(t *testing.T) {
	a, err := ParseNodeId("000000000000000000000000000000000000000a")
	require.NoError(t, err)
	b, err := ParseNodeId("000000000000000000000000000000000000000b")
	require.NoError(t, err)

	assert.Equal(t, int64(0), a.Distance(a).Int64())
	assert.Equal(t, int64(1), a.Distance(b).Int64())
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestParseNodeIdRejectsBadLength(t *testing.T) {
	_, err := ParseNodeId("deadbeef")
	require.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestContentHashEqualConstantTime(t *testing.T) {
	h1 := HashBytes([]byte("hello"))
	h2 := HashBytes([]byte("hello"))
	h3 := HashBytes([]byte("world"))
	assert.True(t, h1.Equal(h2))
	assert.False(t, h1.Equal(h3))
}

func TestParseInfoHashAcceptsBothLengths(t *testing.T) {
	sha1Hex := "0123456789abcdef0123456789abcdef01234567"[:40]
	sha256Hex := HashBytes([]byte("x")).String()

	ih1, err := ParseInfoHash(sha1Hex)
	require.NoError(t, err)
	assert.Equal(t, sha1Hex, ih1.Hex())

	ih2, err := ParseInfoHash(sha256Hex)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex, ih2.Hex())
}

func TestContentMapRoundTrip(t *testing.T) {
	m := NewContentMap()
	h := HashBytes([]byte("payload"))
	require.NoError(t, m.Add("my-content", h))

	got, ok := m.HashForContent("my-content")
	require.True(t, ok)
	assert.True(t, got.Equal(h))

	c, ok := m.ContentForHash(h)
	require.True(t, ok)
	assert.Equal(t, "my-content", c)
}

func TestContentMapAddIsIdempotent(t *testing.T) {
	m := NewContentMap()
	h := HashBytes([]byte("payload"))
	require.NoError(t, m.Add("c", h))
	require.NoError(t, m.Add("c", h))
	assert.Len(t, m.Snapshot(), 1)
}

func TestContentMapRejectsOversizedId(t *testing.T) {
	m := NewContentMap()
	big := make([]byte, MaxContentIdLen+1)
	for i := range big {
		big[i] = 'a'
	}
	err := m.Add(string(big), HashBytes([]byte("x")))
	require.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestContentMapLoadRoundTrip(t *testing.T) {
	m := NewContentMap()
	h := HashBytes([]byte("a"))
	require.NoError(t, m.Add("a", h))
	snap := m.Snapshot()

	m2 := NewContentMap()
	m2.Load(snap)
	got, ok := m2.HashForContent("a")
	require.True(t, ok)
	assert.True(t, got.Equal(h))
}
