package transfer

import (
	"bytes"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bitmapBytes(t *testing.T, indices ...uint32) []byte {
	t.Helper()
	bm := roaring.New()
	bm.AddMany(indices)
	var buf bytes.Buffer
	_, err := bm.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

// Two peers, ten chunks; P1 holds 0-8, P2 holds all ten. Chunk 9 (one holder,
// P2) must be scheduled before everything held by two peers.
func TestRarestFirstPrefersSingleHolderChunk(t *testing.T) {
	rt := newRarityTracker(10)
	p1, p2 := nodeIdFrom(1), nodeIdFrom(2)

	require.NoError(t, rt.AddPeerBitmap(p1, bitmapBytes(t, 0, 1, 2, 3, 4, 5, 6, 7, 8)))
	require.NoError(t, rt.AddPeerBitmap(p2, bitmapBytes(t, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)))
	// Chunks 0-8 now have two holders each; only P2 holds 9, so 9's holder
	// count stays at 1.

	index, ok := rt.RarestPending()
	require.True(t, ok)
	assert.EqualValues(t, 9, index)

	holders := rt.PeersHolding(9)
	require.Len(t, holders, 1)
	assert.Equal(t, p2.String(), holders[0])
}

func TestRarityDispatchCycle(t *testing.T) {
	rt := newRarityTracker(3)
	require.NoError(t, rt.AddPeerBitmap(nodeIdFrom(1), bitmapBytes(t, 0, 1, 2)))

	first, ok := rt.RarestPending()
	require.True(t, ok)
	rt.MarkInFlight(first)

	second, ok := rt.RarestPending()
	require.True(t, ok)
	assert.NotEqual(t, first, second, "an in-flight chunk must not be re-dispatched")

	// A failure reverts the chunk to pending and it becomes schedulable again.
	rt.MarkInFlight(second)
	rt.MarkPending(first)
	again, ok := rt.RarestPending()
	require.True(t, ok)
	assert.Equal(t, first, again)

	rt.MarkInFlight(again)
	third, ok := rt.RarestPending()
	require.True(t, ok)
	rt.MarkInFlight(third)
	_, ok = rt.RarestPending()
	assert.False(t, ok, "no pending chunks should remain")
}

func TestRarityPeerRemovalRestoresUnknown(t *testing.T) {
	rt := newRarityTracker(4)
	p := nodeIdFrom(7)
	require.NoError(t, rt.AddPeerBitmap(p, bitmapBytes(t, 0, 1, 2, 3)))
	assert.Equal(t, 1, rt.Rarity(2))

	rt.RemovePeer(p)
	assert.Equal(t, unknownRarity, rt.Rarity(2))

	// With no rarity data the order degrades to sequential: lowest index first.
	index, ok := rt.RarestPending()
	require.True(t, ok)
	assert.EqualValues(t, 0, index)
}

func TestRarityReconnectReplacesPriorBitmap(t *testing.T) {
	rt := newRarityTracker(4)
	p := nodeIdFrom(9)
	require.NoError(t, rt.AddPeerBitmap(p, bitmapBytes(t, 0, 1)))
	require.NoError(t, rt.AddPeerBitmap(p, bitmapBytes(t, 2, 3)))

	assert.Equal(t, unknownRarity, rt.Rarity(0), "stale contribution must be removed")
	assert.Equal(t, 1, rt.Rarity(2))
}
