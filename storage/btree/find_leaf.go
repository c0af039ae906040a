package btree

import "daemonkv/storage/page"

// chooseChild picks the child pagenum an internal node routes key to, per
// spec §4.4's descend rule: first_child_page if key < entries[0].key, else
// the child of the largest entry whose key <= the search key.
func chooseChild(pg *page.Page, key int64) uint64 {
	n := NumKeys(pg)
	if n == 0 {
		return FirstChildPage(pg)
	}
	if key < GetInternalEntry(pg, 0).Key {
		return FirstChildPage(pg)
	}
	child := GetInternalEntry(pg, 0).Child
	for i := 0; i < n; i++ {
		e := GetInternalEntry(pg, i)
		if e.Key > key {
			break
		}
		child = e.Child
	}
	return child
}

// findLeafPagenum descends from root to the leaf that would contain key,
// pinning and unpinning each node along the way. It never holds a pin
// across the call's return, so the caller is free to take a record lock
// (which may block) before re-pinning the leaf itself — the
// acquire-before-latch ordering required by spec §4.5.
func (t *Tree) findLeafPagenum(root uint64, key int64) (uint64, error) {
	pn := root
	for {
		pg, err := t.pool.GetPage(t.tableID, pn)
		if err != nil {
			return 0, err
		}
		if IsLeaf(pg) {
			t.pool.Unpin(pg)
			return pn, nil
		}
		next := chooseChild(pg, key)
		t.pool.Unpin(pg)
		if next == page.NullPagenum {
			return 0, ErrCorruptedTree
		}
		pn = next
	}
}

// findSlotInLeaf linearly scans pg's (key-ordered) slot array for key,
// per spec §4.4's "at leaf, linear scan slot array".
func findSlotInLeaf(pg *page.Page, key int64) (slot LeafSlot, idx int, found bool) {
	n := NumKeys(pg)
	for i := 0; i < n; i++ {
		s := GetLeafSlot(pg, i)
		if s.Key == key {
			return s, i, true
		}
		if s.Key > key {
			return LeafSlot{}, i, false
		}
	}
	return LeafSlot{}, n, false
}
