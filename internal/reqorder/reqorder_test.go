package reqorder

import "testing"

func TestRarestFirstOrdering(t *testing.T) {
	tree := New()
	tree.Upsert(Item{Rarity: 2, Index: 0})
	tree.Upsert(Item{Rarity: 2, Index: 1})
	tree.Upsert(Item{Rarity: 1, Index: 9})

	first, ok := tree.First()
	if !ok {
		t.Fatal("expected a first item")
	}
	if first.Index != 9 || first.Rarity != 1 {
		t.Fatalf("expected rarest item (rarity=1, index=9) first, got %+v", first)
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	tree := New()
	tree.Upsert(Item{Rarity: 1, Index: 0})
	tree.Delete(Item{Rarity: 1, Index: 0})
	if _, ok := tree.First(); ok {
		t.Fatal("expected empty tree after delete")
	}
}

func TestReindexChangesOrder(t *testing.T) {
	tree := New()
	tree.Upsert(Item{Rarity: 5, Index: 3})
	tree.Upsert(Item{Rarity: 1, Index: 7})
	tree.Reindex(3, 5, 0)

	first, ok := tree.First()
	if !ok || first.Index != 3 {
		t.Fatalf("expected index 3 to be rarest after reindex, got %+v", first)
	}
}

func TestScanVisitsInOrder(t *testing.T) {
	tree := New()
	tree.Upsert(Item{Rarity: 3, Index: 1})
	tree.Upsert(Item{Rarity: 1, Index: 2})
	tree.Upsert(Item{Rarity: 2, Index: 3})

	var order []int
	tree.Scan(func(it Item) bool {
		order = append(order, it.Rarity)
		return true
	})
	want := []int{1, 2, 3}
	for i, r := range want {
		if order[i] != r {
			t.Fatalf("scan order = %v, want rarities in ascending order %v", order, want)
		}
	}
}
