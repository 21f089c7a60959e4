package transfer

import (
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/internal/reqorder"
)

// unknownRarity marks a chunk whose holder count has never been observed; such
// chunks fall back to sequential order.
const unknownRarity = math.MaxInt32

// rarityTracker holds each connected peer's piece bitmap using RoaringBitmap/roaring for the per-peer holder sets, and an
// ordered-by-(rarity,index) view of still-pending chunks backed by
// internal/reqorder so the scheduler can pick the rarest pending chunk in
// O(log n).
//
// AddPeerBitmap/RemovePeer may be called from a connection-phase goroutine
// concurrently with the scheduler goroutine reading Rarity/RarestPending, so a
// mutex guards the shared state.
type rarityTracker struct {
	mu         sync.Mutex
	holderCnt  map[uint32]int             // chunk index -> number of known holders
	peerBM     map[string]*roaring.Bitmap // peer id hex -> chunks that peer holds
	pending    *roaring.Bitmap            // indices still eligible for dispatch
	order      *reqorder.Tree
	chunkCount uint32
}

func newRarityTracker(chunkCount uint32) *rarityTracker {
	rt := &rarityTracker{
		holderCnt:  make(map[uint32]int),
		peerBM:     make(map[string]*roaring.Bitmap),
		pending:    roaring.New(),
		order:      reqorder.New(),
		chunkCount: chunkCount,
	}
	if chunkCount > 0 {
		rt.pending.AddRange(0, uint64(chunkCount))
	}
	for i := uint32(0); i < chunkCount; i++ {
		rt.order.Upsert(reqorder.Item{Rarity: unknownRarity, Index: i})
	}
	return rt
}

// AddPeerBitmap records which chunks a peer holds, decoded from the wire-format
// roaring.Bitmap bytes RequestBitmap returned, and bumps each held chunk's rarity.
// Re-adding the same peer (e.g. a reconnect) first removes its prior contribution.
func (rt *rarityTracker) AddPeerBitmap(peerId common.NodeId, raw []byte) error {
	bm := roaring.New()
	if len(raw) > 0 {
		if _, err := bm.FromBuffer(raw); err != nil {
			return err
		}
	}
	key := peerId.String()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if old, ok := rt.peerBM[key]; ok {
		rt.adjustLocked(old, -1)
	}
	rt.peerBM[key] = bm
	rt.adjustLocked(bm, +1)
	return nil
}

// RemovePeer drops a disconnected or evicted peer's contribution to rarity.
func (rt *rarityTracker) RemovePeer(peerId common.NodeId) {
	key := peerId.String()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bm, ok := rt.peerBM[key]
	if !ok {
		return
	}
	delete(rt.peerBM, key)
	rt.adjustLocked(bm, -1)
}

// adjustLocked applies delta (+1 or -1) to every chunk index set in bm's holder
// count and reindexes the pending order accordingly. Caller holds rt.mu.
func (rt *rarityTracker) adjustLocked(bm *roaring.Bitmap, delta int) {
	it := bm.Iterator()
	for it.HasNext() {
		index := it.Next()
		old := rt.holderCnt[index]
		effectiveOld := old
		if old == 0 {
			effectiveOld = unknownRarity
		}
		newCnt := old + delta
		if newCnt < 0 {
			newCnt = 0
		}
		rt.holderCnt[index] = newCnt
		effectiveNew := newCnt
		if newCnt == 0 {
			effectiveNew = unknownRarity
		}
		// Only still-pending chunks live in the order; reindexing a dispatched or
		// completed chunk would put it back in rotation.
		if rt.pending.Contains(index) {
			rt.order.Reindex(index, effectiveOld, effectiveNew)
		}
	}
}

// Rarity returns the current known holder count for index, or unknownRarity.
func (rt *rarityTracker) Rarity(index uint32) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cnt, ok := rt.holderCnt[index]
	if !ok || cnt == 0 {
		return unknownRarity
	}
	return cnt
}

// MarkInFlight removes index from the dispatch order while a request for it is
// outstanding.
func (rt *rarityTracker) MarkInFlight(index uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending.Remove(index)
	rt.order.Delete(reqorder.Item{Rarity: rt.rarityLocked(index), Index: index})
}

// MarkDone removes index permanently once its chunk completes.
func (rt *rarityTracker) MarkDone(index uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending.Remove(index)
	rt.order.Delete(reqorder.Item{Rarity: rt.rarityLocked(index), Index: index})
}

// MarkPending re-adds index to the dispatch order after an in-flight failure
// reverts it.
func (rt *rarityTracker) MarkPending(index uint32) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending.Add(index)
	rt.order.Upsert(reqorder.Item{Rarity: rt.rarityLocked(index), Index: index})
}

func (rt *rarityTracker) rarityLocked(index uint32) int {
	cnt, ok := rt.holderCnt[index]
	if !ok || cnt == 0 {
		return unknownRarity
	}
	return cnt
}

// RarestPending returns the pending chunk with the lowest holder count, ties
// broken by index. ok is false if nothing is
// pending.
func (rt *rarityTracker) RarestPending() (index uint32, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	item, found := rt.order.First()
	if !found {
		return 0, false
	}
	return item.Index, true
}

// PeersHolding returns the peer id hex strings known to hold index, for endgame
// fanout peer selection.
func (rt *rarityTracker) PeersHolding(index uint32) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []string
	for key, bm := range rt.peerBM {
		if bm.Contains(index) {
			out = append(out, key)
		}
	}
	return out
}
