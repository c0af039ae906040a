package diskmanager

import (
	"encoding/binary"

	"daemonkv/storage/page"
)

// HeaderPage is the in-memory view of a table's page 0: the free-list head,
// the total page count, and the B+-tree root. Grounded on
// original_source/project6/db_project/db/include/disk_space_manager/file.h's
// header_page_t union.
type HeaderPage struct {
	FirstFreePage uint64
	NumOfPages    uint64
	RootPageNum   uint64
}

const (
	offFirstFreePage = 0
	offNumOfPages    = 8
	offRootPageNum   = 16
)

func encodeHeaderPage(h HeaderPage, dst *page.Page) {
	binary.LittleEndian.PutUint64(dst.Data[offFirstFreePage:], h.FirstFreePage)
	binary.LittleEndian.PutUint64(dst.Data[offNumOfPages:], h.NumOfPages)
	binary.LittleEndian.PutUint64(dst.Data[offRootPageNum:], h.RootPageNum)
}

func decodeHeaderPage(src *page.Page) HeaderPage {
	return HeaderPage{
		FirstFreePage: binary.LittleEndian.Uint64(src.Data[offFirstFreePage:]),
		NumOfPages:    binary.LittleEndian.Uint64(src.Data[offNumOfPages:]),
		RootPageNum:   binary.LittleEndian.Uint64(src.Data[offRootPageNum:]),
	}
}

// freePageNext/setFreePageNext address a free page's first 8 bytes, which
// hold the next entry in the free list (page_node_t in the original source).
func freePageNext(p *page.Page) uint64 {
	return binary.LittleEndian.Uint64(p.Data[0:8])
}

func setFreePageNext(p *page.Page, next uint64) {
	binary.LittleEndian.PutUint64(p.Data[0:8], next)
}
