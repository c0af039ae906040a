package btree

import "daemonkv/storage/page"

// leafEntry is the decoded, self-contained form of one leaf record: a key,
// its implicit-lock annotation, and a copy of its payload bytes. Leaf
// mutations in this package work by decoding every live slot into a slice
// of leafEntry, splicing it, and rewriting the page from scratch — simpler
// and just as correct as the original's in-place shift-and-compact dance,
// at the cost of an O(n) rewrite per mutation (n <= 64 slots per leaf).
type leafEntry struct {
	Key      int64
	OwnerTrx int32
	Payload  []byte
}

// leafEntries decodes every slot of pg, in key order.
func leafEntries(pg *page.Page) []leafEntry {
	n := NumKeys(pg)
	out := make([]leafEntry, n)
	for i := 0; i < n; i++ {
		s := GetLeafSlot(pg, i)
		out[i] = leafEntry{
			Key:      s.Key,
			OwnerTrx: s.OwnerTrx,
			Payload:  append([]byte(nil), LeafPayload(pg, s)...),
		}
	}
	return out
}

// writeLeafEntries rewrites pg as a leaf with the given parent, entries
// (already key-sorted), and right-sibling pointer. Payloads are packed
// contiguously downward from the end of the page, matching the "payloads
// are contiguous from high end downward" invariant of spec §3.
func writeLeafEntries(pg *page.Page, parent uint64, entries []leafEntry, rightSibling uint64) {
	InitLeaf(pg, parent)
	offset := page.Size
	for i, e := range entries {
		size := len(e.Payload)
		offset -= size
		copy(pg.Data[offset:offset+size], e.Payload)
		PutLeafSlot(pg, i, LeafSlot{Key: e.Key, Size: uint16(size), Offset: uint16(offset), OwnerTrx: e.OwnerTrx})
	}
	n := len(entries)
	setNumKeys(pg, n)
	used := page.Size - offset
	setFreeSpace(pg, usableLeafBytes-n*SlotSize-used)
	SetRightSibling(pg, rightSibling)
}

func payloadBytesOf(entries []leafEntry) int {
	total := 0
	for _, e := range entries {
		total += len(e.Payload)
	}
	return total
}

// internalEntriesOf decodes an internal node's first-child pointer and its
// {key, child} entries, in key order.
func internalEntriesOf(pg *page.Page) (first uint64, entries []InternalEntry) {
	n := NumKeys(pg)
	entries = make([]InternalEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = GetInternalEntry(pg, i)
	}
	return FirstChildPage(pg), entries
}

// writeInternalEntries rewrites pg as an internal node with the given
// parent, first-child pointer, and {key,child} entries (already
// key-sorted).
func writeInternalEntries(pg *page.Page, parent uint64, first uint64, entries []InternalEntry) {
	InitInternal(pg, parent)
	SetFirstChildPage(pg, first)
	for i, e := range entries {
		PutInternalEntry(pg, i, e)
	}
	setNumKeys(pg, len(entries))
}
