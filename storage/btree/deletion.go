package btree

import "daemonkv/storage/page"

// Delete removes key, unlocked and unlogged — matching bpt.h's bpt_delete
// (unlike bpt_find/bpt_update, it takes no trx_id).
func (t *Tree) Delete(key int64) error {
	hdr, err := t.dm.ReadHeaderPage(t.tableID)
	if err != nil {
		return err
	}
	if hdr.RootPageNum == page.NullPagenum {
		return ErrNoSuchKey
	}

	leafPN, err := t.findLeafPagenum(hdr.RootPageNum, key)
	if err != nil {
		return err
	}
	pg, err := t.pool.GetPage(t.tableID, leafPN)
	if err != nil {
		return err
	}
	_, idx, found := findSlotInLeaf(pg, key)
	if !found {
		t.pool.Unpin(pg)
		return ErrNoSuchKey
	}
	deleteEntryFromLeaf(pg, idx)
	t.pool.SetDirty(pg)

	if leafPN == hdr.RootPageNum {
		t.pool.Unpin(pg)
		return t.adjustRoot(leafPN)
	}

	if FreeSpace(pg) < MergeThreshold {
		t.pool.Unpin(pg)
		return nil
	}
	parent := ParentPage(pg)
	t.pool.Unpin(pg)
	return t.rebalanceLeaf(parent, leafPN)
}

func deleteEntryFromLeaf(pg *page.Page, idx int) {
	parent := ParentPage(pg)
	rs := RightSibling(pg)
	entries := leafEntries(pg)
	entries = append(entries[:idx:idx], entries[idx+1:]...)
	writeLeafEntries(pg, parent, entries, rs)
}

// getNeighbor returns childPN's left sibling under parentPN and the
// separator key between them, or (if childPN is the leftmost child) its
// right sibling and the separator key to its right. Grounded on bpt.cc's
// get_neighbor_pagenum, which always prefers the left neighbor.
func (t *Tree) getNeighbor(parentPN, childPN uint64) (neighborPN uint64, sepKey int64, err error) {
	pg, err := t.pool.GetPage(t.tableID, parentPN)
	if err != nil {
		return 0, 0, err
	}
	defer t.pool.Unpin(pg)
	first, entries := internalEntriesOf(pg)

	if first == childPN {
		if len(entries) == 0 {
			return 0, 0, ErrCorruptedTree
		}
		return entries[0].Child, entries[0].Key, nil
	}
	for i, e := range entries {
		if e.Child != childPN {
			continue
		}
		if i == 0 {
			return first, e.Key, nil
		}
		return entries[i-1].Child, e.Key, nil
	}
	return 0, 0, ErrCorruptedTree
}

// changeSeparatorKey rewrites the first internal entry in parentPN whose
// key equals from to to — used after a merge/redistribute shifts which
// key separates two now-rearranged subtrees.
func (t *Tree) changeSeparatorKey(parentPN uint64, from, to int64) error {
	pg, err := t.pool.GetPage(t.tableID, parentPN)
	if err != nil {
		return err
	}
	defer t.pool.Unpin(pg)
	n := NumKeys(pg)
	for i := 0; i < n; i++ {
		e := GetInternalEntry(pg, i)
		if e.Key == from {
			e.Key = to
			PutInternalEntry(pg, i, e)
			t.pool.SetDirty(pg)
			return nil
		}
	}
	return nil
}

// rebalanceLeaf handles a deficient leaf: merge into its neighbor if the
// neighbor has enough free space to absorb it outright, else
// redistribute entries between the two.
func (t *Tree) rebalanceLeaf(parentPN, leafPN uint64) error {
	neighborPN, sepKey, err := t.getNeighbor(parentPN, leafPN)
	if err != nil {
		return err
	}
	leafPg, err := t.pool.GetPage(t.tableID, leafPN)
	if err != nil {
		return err
	}
	neighborPg, err := t.pool.GetPage(t.tableID, neighborPN)
	if err != nil {
		t.pool.Unpin(leafPg)
		return err
	}

	// Normalize to (left, right) by key order, matching bpt.cc's
	// merge_leaf/redistribute_leaf, which always compare the two pages'
	// first keys rather than trusting which one was "self" vs "neighbor".
	leftPN, rightPN := leafPN, neighborPN
	leftPg, rightPg := leafPg, neighborPg
	if NumKeys(rightPg) > 0 && NumKeys(leftPg) > 0 && GetLeafSlot(rightPg, 0).Key < GetLeafSlot(leftPg, 0).Key {
		leftPN, rightPN = rightPN, leftPN
		leftPg, rightPg = rightPg, leftPg
	}
	targetIsLeft := leftPN == leafPN

	deficientUsed := usableLeafBytes - FreeSpace(leafPg)
	neighborFree := FreeSpace(neighborPg)
	if deficientUsed <= neighborFree {
		return t.mergeLeaf(leftPN, rightPN, leftPg, rightPg, parentPN, sepKey)
	}
	return t.redistributeLeaf(leftPN, rightPN, leftPg, rightPg, parentPN, sepKey, targetIsLeft)
}

func (t *Tree) mergeLeaf(leftPN, rightPN uint64, leftPg, rightPg *page.Page, parentPN uint64, sepKey int64) error {
	parent := ParentPage(leftPg)
	merged := append(leafEntries(leftPg), leafEntries(rightPg)...)
	rightSibling := RightSibling(rightPg)
	writeLeafEntries(leftPg, parent, merged, rightSibling)
	t.pool.SetDirty(leftPg)
	t.pool.Unpin(leftPg)
	t.pool.Unpin(rightPg)
	if err := t.pool.FreePage(t.tableID, rightPN); err != nil {
		return err
	}
	return t.deleteFromInternal(parentPN, sepKey, rightPN)
}

func (t *Tree) redistributeLeaf(leftPN, rightPN uint64, leftPg, rightPg *page.Page, parentPN uint64, sepKey int64, targetIsLeft bool) error {
	parent := ParentPage(leftPg)
	leftEntries := leafEntries(leftPg)
	rightEntries := leafEntries(rightPg)
	leftRS := RightSibling(leftPg)
	rightRS := RightSibling(rightPg)

	var newSep int64
	if targetIsLeft {
		// Move slots from the right neighbor into the (deficient) left
		// target until the target's own free space drops below T, per
		// bpt.cc:768's "while (target->free_space >= T) move one" — the
		// check is against the target's *current* free space, so the move
		// that crosses below T is the last one made.
		used := payloadBytesOf(leftEntries)
		n := len(leftEntries)
		i := 0
		for i < len(rightEntries) {
			fs := usableLeafBytes - n*SlotSize - used
			if fs < MergeThreshold {
				break
			}
			cand := rightEntries[i]
			used += len(cand.Payload)
			n++
			i++
		}
		if i == 0 {
			i = 1
		}
		leftEntries = append(leftEntries, rightEntries[:i]...)
		rightEntries = rightEntries[i:]
		newSep = rightEntries[0].Key
	} else {
		used := payloadBytesOf(rightEntries)
		n := len(rightEntries)
		i := len(leftEntries)
		for i > 0 {
			fs := usableLeafBytes - n*SlotSize - used
			if fs < MergeThreshold {
				break
			}
			cand := leftEntries[i-1]
			used += len(cand.Payload)
			n++
			i--
		}
		if i == len(leftEntries) {
			i = len(leftEntries) - 1
		}
		moved := append([]leafEntry(nil), leftEntries[i:]...)
		newSep = moved[0].Key
		rightEntries = append(moved, rightEntries...)
		leftEntries = leftEntries[:i]
	}

	writeLeafEntries(leftPg, parent, leftEntries, leftRS)
	writeLeafEntries(rightPg, parent, rightEntries, rightRS)
	t.pool.SetDirty(leftPg)
	t.pool.SetDirty(rightPg)
	t.pool.Unpin(leftPg)
	t.pool.Unpin(rightPg)
	return t.changeSeparatorKey(parentPN, sepKey, newSep)
}

func deleteEntryFromInternal(pg *page.Page, key int64, child uint64) {
	n := NumKeys(pg)
	entries := make([]InternalEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = GetInternalEntry(pg, i)
	}
	first := FirstChildPage(pg)

	keyIdx := -1
	for i, e := range entries {
		if e.Key == key {
			keyIdx = i
			break
		}
	}
	if keyIdx == -1 {
		return
	}

	removingRight := entries[keyIdx].Child == child
	if !removingRight {
		if keyIdx == 0 {
			first = entries[0].Child
		} else {
			entries[keyIdx-1].Child = entries[keyIdx].Child
		}
	}
	entries = append(entries[:keyIdx:keyIdx], entries[keyIdx+1:]...)

	parent := ParentPage(pg)
	writeInternalEntries(pg, parent, first, entries)
}

func (t *Tree) deleteFromInternal(parentPN uint64, key int64, child uint64) error {
	pg, err := t.pool.GetPage(t.tableID, parentPN)
	if err != nil {
		return err
	}
	deleteEntryFromInternal(pg, key, child)
	t.pool.SetDirty(pg)

	hdr, err := t.dm.ReadHeaderPage(t.tableID)
	if err != nil {
		t.pool.Unpin(pg)
		return err
	}

	if parentPN == hdr.RootPageNum {
		t.pool.Unpin(pg)
		return t.adjustRoot(parentPN)
	}

	if NumKeys(pg) >= MinInternalEntries {
		t.pool.Unpin(pg)
		return nil
	}
	grandparent := ParentPage(pg)
	t.pool.Unpin(pg)
	return t.rebalanceInternal(grandparent, parentPN)
}

func (t *Tree) rebalanceInternal(parentPN, nodePN uint64) error {
	neighborPN, sepKey, err := t.getNeighbor(parentPN, nodePN)
	if err != nil {
		return err
	}
	nodePg, err := t.pool.GetPage(t.tableID, nodePN)
	if err != nil {
		return err
	}
	neighborPg, err := t.pool.GetPage(t.tableID, neighborPN)
	if err != nil {
		t.pool.Unpin(nodePg)
		return err
	}

	leftPN, rightPN := nodePN, neighborPN
	leftPg, rightPg := nodePg, neighborPg
	if NumKeys(rightPg) > 0 && NumKeys(leftPg) > 0 && GetInternalEntry(rightPg, 0).Key < GetInternalEntry(leftPg, 0).Key {
		leftPN, rightPN = rightPN, leftPN
		leftPg, rightPg = rightPg, leftPg
	}
	targetIsLeft := leftPN == nodePN

	if NumKeys(leftPg)+NumKeys(rightPg) < MaxInternalEntries {
		return t.mergeInternal(leftPN, rightPN, leftPg, rightPg, parentPN, sepKey)
	}
	return t.redistributeInternal(leftPN, rightPN, leftPg, rightPg, parentPN, sepKey, targetIsLeft)
}

func (t *Tree) mergeInternal(leftPN, rightPN uint64, leftPg, rightPg *page.Page, parentPN uint64, sepKey int64) error {
	parent := ParentPage(leftPg)
	leftFirst, leftEntries := internalEntriesOf(leftPg)
	rightFirst, rightEntries := internalEntriesOf(rightPg)

	merged := append(append([]InternalEntry(nil), leftEntries...), InternalEntry{Key: sepKey, Child: rightFirst})
	merged = append(merged, rightEntries...)
	writeInternalEntries(leftPg, parent, leftFirst, merged)
	t.pool.SetDirty(leftPg)
	t.pool.Unpin(leftPg)
	t.pool.Unpin(rightPg)

	if err := t.setParentPage(rightFirst, leftPN); err != nil {
		return err
	}
	for _, e := range rightEntries {
		if err := t.setParentPage(e.Child, leftPN); err != nil {
			return err
		}
	}

	if err := t.pool.FreePage(t.tableID, rightPN); err != nil {
		return err
	}
	return t.deleteFromInternal(parentPN, sepKey, rightPN)
}

func (t *Tree) redistributeInternal(leftPN, rightPN uint64, leftPg, rightPg *page.Page, parentPN uint64, sepKey int64, targetIsLeft bool) error {
	parent := ParentPage(leftPg)
	leftFirst, leftEntries := internalEntriesOf(leftPg)
	rightFirst, rightEntries := internalEntriesOf(rightPg)
	var newSep int64

	if targetIsLeft {
		leftEntries = append(leftEntries, InternalEntry{Key: sepKey, Child: rightFirst})
		if err := t.setParentPage(rightFirst, leftPN); err != nil {
			t.pool.Unpin(leftPg)
			t.pool.Unpin(rightPg)
			return err
		}
		newRightFirst := rightEntries[0].Child
		newSep = rightEntries[0].Key
		rightEntries = rightEntries[1:]
		writeInternalEntries(leftPg, parent, leftFirst, leftEntries)
		writeInternalEntries(rightPg, parent, newRightFirst, rightEntries)
	} else {
		last := leftEntries[len(leftEntries)-1]
		leftEntries = leftEntries[:len(leftEntries)-1]
		newSep = last.Key
		rightEntries = append([]InternalEntry{{Key: sepKey, Child: rightFirst}}, rightEntries...)
		if err := t.setParentPage(last.Child, rightPN); err != nil {
			t.pool.Unpin(leftPg)
			t.pool.Unpin(rightPg)
			return err
		}
		writeInternalEntries(leftPg, parent, leftFirst, leftEntries)
		writeInternalEntries(rightPg, parent, last.Child, rightEntries)
	}

	t.pool.SetDirty(leftPg)
	t.pool.SetDirty(rightPg)
	t.pool.Unpin(leftPg)
	t.pool.Unpin(rightPg)
	return t.changeSeparatorKey(parentPN, sepKey, newSep)
}

// adjustRoot handles the after-delete check on the root page: if it still
// has entries, nothing to do; if it is an empty internal node, its sole
// remaining child is promoted to root; if it is an empty leaf, the tree
// becomes empty.
func (t *Tree) adjustRoot(rootPN uint64) error {
	pg, err := t.pool.GetPage(t.tableID, rootPN)
	if err != nil {
		return err
	}
	if NumKeys(pg) > 0 {
		t.pool.Unpin(pg)
		return nil
	}
	if !IsLeaf(pg) {
		newRoot := FirstChildPage(pg)
		t.pool.Unpin(pg)
		if err := t.setParentPage(newRoot, page.NullPagenum); err != nil {
			return err
		}
		if err := t.pool.FreePage(t.tableID, rootPN); err != nil {
			return err
		}
		return t.setRoot(newRoot)
	}
	t.pool.Unpin(pg)
	if err := t.pool.FreePage(t.tableID, rootPN); err != nil {
		return err
	}
	return t.setRoot(page.NullPagenum)
}
