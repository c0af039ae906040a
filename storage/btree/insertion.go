package btree

import "daemonkv/storage/page"

// Insert adds a new key/value record, unlocked and unlogged — matching
// bpt.h's bpt_insert, which (unlike bpt_find/bpt_update) takes no trx_id.
// value must fall within [MinRecordSize, MaxRecordSize].
func (t *Tree) Insert(key int64, value []byte) error {
	if len(value) < MinRecordSize || len(value) > MaxRecordSize {
		return ErrInvalidSize
	}

	hdr, err := t.dm.ReadHeaderPage(t.tableID)
	if err != nil {
		return err
	}
	if hdr.RootPageNum == page.NullPagenum {
		return t.startNewTree(key, value)
	}

	leafPN, err := t.findLeafPagenum(hdr.RootPageNum, key)
	if err != nil {
		return err
	}
	pg, err := t.pool.GetPage(t.tableID, leafPN)
	if err != nil {
		return err
	}

	if _, _, found := findSlotInLeaf(pg, key); found {
		t.pool.Unpin(pg)
		return ErrDuplicateKey
	}

	parent := ParentPage(pg)
	rightSibling := RightSibling(pg)
	newEntry := leafEntry{Key: key, Payload: append([]byte(nil), value...)}
	merged := insertLeafSorted(leafEntries(pg), newEntry)

	if len(merged)*SlotSize+payloadBytesOf(merged) <= usableLeafBytes {
		writeLeafEntries(pg, parent, merged, rightSibling)
		t.pool.SetDirty(pg)
		t.pool.Unpin(pg)
		return nil
	}

	return t.splitLeaf(leafPN, pg, parent, merged)
}

func (t *Tree) startNewTree(key int64, value []byte) error {
	pn, err := t.pool.AllocPage(t.tableID)
	if err != nil {
		return err
	}
	pg, err := t.pool.GetPage(t.tableID, pn)
	if err != nil {
		return err
	}
	entries := []leafEntry{{Key: key, Payload: append([]byte(nil), value...)}}
	writeLeafEntries(pg, page.NullPagenum, entries, page.NullPagenum)
	t.pool.SetDirty(pg)
	t.pool.Unpin(pg)
	return t.setRoot(pn)
}

func insertLeafSorted(entries []leafEntry, e leafEntry) []leafEntry {
	out := make([]leafEntry, 0, len(entries)+1)
	inserted := false
	for _, x := range entries {
		if !inserted && e.Key < x.Key {
			out = append(out, e)
			inserted = true
		}
		out = append(out, x)
	}
	if !inserted {
		out = append(out, e)
	}
	return out
}

// splitPointByBytes picks the split index nearest to half of merged's
// total on-page footprint (slot + payload), per spec §4.4's "split by
// nearest half of used bytes, not half of key count" — grounded on
// bpt.cc's split_leaf, which accumulates amount_of_left_space slot by
// slot until it is at least half the leaf's total used space. Of the two
// indices around that crossing, the one whose left-side total is closer
// to half wins.
func splitPointByBytes(merged []leafEntry) int {
	total := 0
	for _, e := range merged {
		total += SlotSize + len(e.Payload)
	}
	half := total / 2
	acc := 0
	for i, e := range merged {
		prev := acc
		acc += SlotSize + len(e.Payload)
		if acc >= half {
			if i > 0 && half-prev < acc-half {
				return i
			}
			return i + 1
		}
	}
	return len(merged) - 1
}

// splitLeaf splits an overflowing leaf (leafPg, already holding the
// caller's pin) into two, threading the new leaf into the sibling chain,
// then promotes the new leaf's first key into the parent.
func (t *Tree) splitLeaf(leafPN uint64, leafPg *page.Page, parent uint64, merged []leafEntry) error {
	split := splitPointByBytes(merged)
	if split < 1 {
		split = 1
	}
	if split >= len(merged) {
		split = len(merged) - 1
	}
	left := merged[:split]
	right := merged[split:]

	newPN, err := t.pool.AllocPage(t.tableID)
	if err != nil {
		t.pool.Unpin(leafPg)
		return err
	}
	newPg, err := t.pool.GetPage(t.tableID, newPN)
	if err != nil {
		t.pool.Unpin(leafPg)
		return err
	}

	oldRightSibling := RightSibling(leafPg)
	writeLeafEntries(leafPg, parent, left, newPN)
	writeLeafEntries(newPg, parent, right, oldRightSibling)
	t.pool.SetDirty(leafPg)
	t.pool.SetDirty(newPg)
	t.pool.Unpin(leafPg)
	t.pool.Unpin(newPg)

	promotedKey := right[0].Key
	if parent == page.NullPagenum {
		return t.insertIntoNewRoot(leafPN, promotedKey, newPN)
	}
	return t.insertIntoParent(parent, leafPN, promotedKey, newPN)
}
