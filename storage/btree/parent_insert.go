package btree

import "daemonkv/storage/page"

// insertIntoNewRoot builds a fresh one-entry root over leftPN/rightPN —
// the case where the tree's previous root just split.
func (t *Tree) insertIntoNewRoot(leftPN uint64, key int64, rightPN uint64) error {
	rootPN, err := t.pool.AllocPage(t.tableID)
	if err != nil {
		return err
	}
	rootPg, err := t.pool.GetPage(t.tableID, rootPN)
	if err != nil {
		return err
	}
	InitInternal(rootPg, page.NullPagenum)
	SetFirstChildPage(rootPg, leftPN)
	PutInternalEntry(rootPg, 0, InternalEntry{Key: key, Child: rightPN})
	setNumKeys(rootPg, 1)
	t.pool.SetDirty(rootPg)
	t.pool.Unpin(rootPg)

	if err := t.setParentPage(leftPN, rootPN); err != nil {
		return err
	}
	if err := t.setParentPage(rightPN, rootPN); err != nil {
		return err
	}
	return t.setRoot(rootPN)
}

func insertInternalSorted(entries []InternalEntry, e InternalEntry) []InternalEntry {
	out := make([]InternalEntry, 0, len(entries)+1)
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

// insertIntoParent threads a newly split child (rightPN, routed to by
// key) into parentPN's entries, splitting parentPN in turn if it
// overflows.
func (t *Tree) insertIntoParent(parentPN, leftPN uint64, key int64, rightPN uint64) error {
	pg, err := t.pool.GetPage(t.tableID, parentPN)
	if err != nil {
		return err
	}
	first, entries := internalEntriesOf(pg)
	grandparent := ParentPage(pg)
	newEntries := insertInternalSorted(entries, InternalEntry{Key: key, Child: rightPN})

	if len(newEntries) <= MaxInternalEntries {
		writeInternalEntries(pg, grandparent, first, newEntries)
		t.pool.SetDirty(pg)
		t.pool.Unpin(pg)
		return t.setParentPage(rightPN, parentPN)
	}

	t.pool.Unpin(pg)
	return t.splitInternal(parentPN, first, grandparent, newEntries)
}

// splitInternal splits an overflowing internal node's temporary
// (M+1)-entry list in half by count (entries are fixed-size, so there is
// no byte-balance concern the way there is for leaves), promoting the
// middle entry's key into the grandparent and handing its child pointer
// to the new right node as its first_child_page.
func (t *Tree) splitInternal(nodePN uint64, first, grandparent uint64, entries []InternalEntry) error {
	split := len(entries) / 2
	promoted := entries[split]
	leftEntries := entries[:split]
	rightFirst := promoted.Child
	rightEntries := entries[split+1:]

	newPN, err := t.pool.AllocPage(t.tableID)
	if err != nil {
		return err
	}
	newPg, err := t.pool.GetPage(t.tableID, newPN)
	if err != nil {
		return err
	}
	nodePg, err := t.pool.GetPage(t.tableID, nodePN)
	if err != nil {
		t.pool.Unpin(newPg)
		return err
	}

	writeInternalEntries(nodePg, grandparent, first, leftEntries)
	writeInternalEntries(newPg, grandparent, rightFirst, rightEntries)
	t.pool.SetDirty(nodePg)
	t.pool.SetDirty(newPg)
	t.pool.Unpin(nodePg)
	t.pool.Unpin(newPg)

	if err := t.setParentPage(rightFirst, newPN); err != nil {
		return err
	}
	for _, e := range rightEntries {
		if err := t.setParentPage(e.Child, newPN); err != nil {
			return err
		}
	}

	if grandparent == page.NullPagenum {
		return t.insertIntoNewRoot(nodePN, promoted.Key, newPN)
	}
	return t.insertIntoParent(grandparent, nodePN, promoted.Key, newPN)
}
