// Package reqorder maintains chunk indices ordered by (rarity, index) so the
// transfer engine can pick the rarest pending chunk in O(log n).
package reqorder

import (
	"github.com/ajwerner/btree"
)

// Item is a single pending-chunk entry: its index and the number of known holders
// (its rarity). Lower rarity sorts first; ties break on index for determinism.
type Item struct {
	Rarity int
	Index  uint32
}

func less(a, b Item) int {
	if a.Rarity != b.Rarity {
		if a.Rarity < b.Rarity {
			return -1
		}
		return 1
	}
	if a.Index != b.Index {
		if a.Index < b.Index {
			return -1
		}
		return 1
	}
	return 0
}

// Tree is an ordered set of pending-chunk Items, rarest (then lowest index) first.
type Tree struct {
	set btree.Set[Item]
}

// New constructs an empty ordering.
func New() *Tree {
	return &Tree{set: btree.MakeSet(less)}
}

// Upsert inserts item. Items are keyed by (rarity, index), so an entry for the
// same index at a different rarity is not replaced; callers must Delete the old
// entry first if the index is already present at another rarity — see Reindex.
func (t *Tree) Upsert(item Item) {
	t.set.Upsert(item)
}

// Delete removes item. Idempotent.
func (t *Tree) Delete(item Item) {
	t.set.Delete(item)
}

// Reindex moves index from oldRarity to newRarity, e.g. when a new peer is added
// mid-download and rarity is rebuilt. A full rebuild calls Reindex for every
// still-pending index.
func (t *Tree) Reindex(index uint32, oldRarity, newRarity int) {
	t.set.Delete(Item{Rarity: oldRarity, Index: index})
	t.set.Upsert(Item{Rarity: newRarity, Index: index})
}

// First returns the rarest pending item, or ok=false if the tree is empty.
func (t *Tree) First() (item Item, ok bool) {
	it := t.set.Iterator()
	it.First()
	if !it.Valid() {
		return Item{}, false
	}
	return it.Cur(), true
}

// Len reports the number of pending items.
func (t *Tree) Len() int {
	return t.set.Len()
}

// Scan visits items in rarest-first order until f returns false.
func (t *Tree) Scan(f func(Item) bool) {
	it := t.set.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur()) {
			break
		}
	}
}
