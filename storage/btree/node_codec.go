// Package btree implements the clustered B+-tree index (C4): slotted
// leaves with a grow-forward slot array and grow-backward payload heap,
// fixed-width internal entries, and the find/insert/update/delete
// operations with splitting, merging, and redistribution.
//
// Grounded on the organizational split of storage_engine's sibling
// bplustree/ package (find_leaf.go/insertion.go/deletion.go/
// parent_insert.go/split_internal.go) and, for exact field layout and
// thresholds, on original_source/project6/db_project/db/src/
// index_manager/bpt.cc's bpt_leaf_page_t/leaf_slot_t/bpt_internal_page_t/
// internal_slot_t unions.
package btree

import (
	"encoding/binary"

	"daemonkv/storage/page"
)

// Header layout (128 bytes), shared prefix for leaf and internal nodes.
// Field order is an implementer's choice (spec §6 only pins down the
// 128-byte size, not a byte-exact field order); page_lsn is kept at
// offset 0 so it lines up with page.Page.LSN/SetLSN, which every other
// page type in this engine also relies on.
const (
	HeaderSize = 128

	offPageLSN    = 0 // via page.Page.LSN()/SetLSN()
	offParentPage = 8
	offIsLeaf     = 16
	offNumKeys    = 20

	// leaf-only trailing fields
	offFreeSpace    = 24
	offRightSibling = 32

	// internal-only trailing field
	offFirstChildPage = 24
)

const (
	// SlotSize is the 16-byte {key:int64, size:uint16, offset:uint16,
	// owner_trx:int32} leaf slot, per spec §3.
	SlotSize = 16

	// InternalEntrySize is the 16-byte {key:int64, child:pagenum} fixed
	// internal entry, per spec §3.
	InternalEntrySize = 16

	// MaxInternalEntries is M, ~248 for a 4096-byte page with a 128-byte
	// header, per spec §3.
	MaxInternalEntries = (page.Size - HeaderSize) / InternalEntrySize

	// MinInternalEntries is the internal deficiency floor, ceil(M/2)-1.
	MinInternalEntries = (MaxInternalEntries+1)/2 - 1

	// MinRecordSize/MaxRecordSize bound a leaf record's payload size,
	// bit-exact per spec §6.
	MinRecordSize = 46
	MaxRecordSize = 108

	// MergeThreshold (T) is the free_space level past which a leaf is
	// deficient, bit-exact per spec §6.
	MergeThreshold = 2500

	// usableLeafBytes is the slot-array + payload-heap region of a leaf.
	usableLeafBytes = page.Size - HeaderSize
)

func isLeafFlag(pg *page.Page) bool { return pg.Data[offIsLeaf] != 0 }

// IsLeaf reports whether pg is a leaf node.
func IsLeaf(pg *page.Page) bool { return isLeafFlag(pg) }

// ParentPage reads the node's parent pointer.
func ParentPage(pg *page.Page) uint64 {
	return binary.LittleEndian.Uint64(pg.Data[offParentPage:])
}

// SetParentPage rewrites the node's parent pointer.
func SetParentPage(pg *page.Page, parent uint64) {
	binary.LittleEndian.PutUint64(pg.Data[offParentPage:], parent)
}

// NumKeys reads num_of_keys (for an internal node, the number of
// {key,child} entries after first_child_page).
func NumKeys(pg *page.Page) int {
	return int(binary.LittleEndian.Uint32(pg.Data[offNumKeys:]))
}

func setNumKeys(pg *page.Page, n int) {
	binary.LittleEndian.PutUint32(pg.Data[offNumKeys:], uint32(n))
}

// FreeSpace reads a leaf's free_space header field.
func FreeSpace(pg *page.Page) int {
	return int(binary.LittleEndian.Uint16(pg.Data[offFreeSpace:]))
}

func setFreeSpace(pg *page.Page, fs int) {
	binary.LittleEndian.PutUint16(pg.Data[offFreeSpace:], uint16(fs))
}

// RightSibling reads a leaf's right-sibling pointer (page.NullPagenum if
// this is the rightmost leaf).
func RightSibling(pg *page.Page) uint64 {
	return binary.LittleEndian.Uint64(pg.Data[offRightSibling:])
}

// SetRightSibling rewrites a leaf's right-sibling pointer.
func SetRightSibling(pg *page.Page, sib uint64) {
	binary.LittleEndian.PutUint64(pg.Data[offRightSibling:], sib)
}

// FirstChildPage reads an internal node's subtree pointer for keys below
// entries[0].key.
func FirstChildPage(pg *page.Page) uint64 {
	return binary.LittleEndian.Uint64(pg.Data[offFirstChildPage:])
}

// SetFirstChildPage rewrites the internal node's first-child pointer.
func SetFirstChildPage(pg *page.Page, child uint64) {
	binary.LittleEndian.PutUint64(pg.Data[offFirstChildPage:], child)
}

// InitLeaf zeroes pg and stamps it as an empty leaf with the given parent.
func InitLeaf(pg *page.Page, parent uint64) {
	pg.Data = [page.Size]byte{}
	pg.SetLSN(0)
	pg.Data[offIsLeaf] = 1
	setNumKeys(pg, 0)
	SetParentPage(pg, parent)
	setFreeSpace(pg, usableLeafBytes)
	SetRightSibling(pg, page.NullPagenum)
}

// InitInternal zeroes pg and stamps it as an empty internal node with the
// given parent.
func InitInternal(pg *page.Page, parent uint64) {
	pg.Data = [page.Size]byte{}
	pg.SetLSN(0)
	pg.Data[offIsLeaf] = 0
	setNumKeys(pg, 0)
	SetParentPage(pg, parent)
	SetFirstChildPage(pg, page.NullPagenum)
}

// LeafSlot is the decoded form of one 16-byte leaf slot.
type LeafSlot struct {
	Key      int64
	Size     uint16
	Offset   uint16
	OwnerTrx int32
}

func leafSlotOffset(i int) int { return HeaderSize + i*SlotSize }

// GetLeafSlot decodes the i'th slot (0-indexed, key-ordered).
func GetLeafSlot(pg *page.Page, i int) LeafSlot {
	off := leafSlotOffset(i)
	return LeafSlot{
		Key:      int64(binary.LittleEndian.Uint64(pg.Data[off:])),
		Size:     binary.LittleEndian.Uint16(pg.Data[off+8:]),
		Offset:   binary.LittleEndian.Uint16(pg.Data[off+10:]),
		OwnerTrx: int32(binary.LittleEndian.Uint32(pg.Data[off+12:])),
	}
}

// PutLeafSlot encodes s into the i'th slot.
func PutLeafSlot(pg *page.Page, i int, s LeafSlot) {
	off := leafSlotOffset(i)
	binary.LittleEndian.PutUint64(pg.Data[off:], uint64(s.Key))
	binary.LittleEndian.PutUint16(pg.Data[off+8:], s.Size)
	binary.LittleEndian.PutUint16(pg.Data[off+10:], s.Offset)
	binary.LittleEndian.PutUint32(pg.Data[off+12:], uint32(s.OwnerTrx))
}

// SetSlotOwnerTrx rewrites only the owner_trx field of slot i — the
// implicit-lock annotation (spec §4.5) — without disturbing key/size/offset.
func SetSlotOwnerTrx(pg *page.Page, i int, trxID int32) {
	off := leafSlotOffset(i) + 12
	binary.LittleEndian.PutUint32(pg.Data[off:], uint32(trxID))
}

// LeafPayload returns the byte slice backing slot s's record.
func LeafPayload(pg *page.Page, s LeafSlot) []byte {
	return pg.Data[s.Offset : int(s.Offset)+int(s.Size)]
}

// InternalEntry is the decoded form of one 16-byte {key, child} entry.
type InternalEntry struct {
	Key   int64
	Child uint64
}

func internalEntryOffset(i int) int { return HeaderSize + i*InternalEntrySize }

// GetInternalEntry decodes the i'th entry.
func GetInternalEntry(pg *page.Page, i int) InternalEntry {
	off := internalEntryOffset(i)
	return InternalEntry{
		Key:   int64(binary.LittleEndian.Uint64(pg.Data[off:])),
		Child: binary.LittleEndian.Uint64(pg.Data[off+8:]),
	}
}

// PutInternalEntry encodes e into the i'th entry.
func PutInternalEntry(pg *page.Page, i int, e InternalEntry) {
	off := internalEntryOffset(i)
	binary.LittleEndian.PutUint64(pg.Data[off:], uint64(e.Key))
	binary.LittleEndian.PutUint64(pg.Data[off+8:], e.Child)
}

// usedPayloadBytes sums every live slot's Size — the inverse of free_space.
func usedPayloadBytes(pg *page.Page) int {
	n := NumKeys(pg)
	total := 0
	for i := 0; i < n; i++ {
		total += int(GetLeafSlot(pg, i).Size)
	}
	return total
}

// lowWaterMark returns the lowest byte offset currently occupied by the
// payload heap (payloads are packed contiguously downward from page.Size).
func lowWaterMark(pg *page.Page) int {
	return page.Size - usedPayloadBytes(pg)
}
