// Package wal implements the write-ahead log: record encoding, the
// in-memory log buffer, and ARIES-style analysis/redo/undo recovery.
// Grounded on storage_engine/wal_manager/wal_segment.go for the segment
// open/append/sync shape and on
// original_source/project6/db_project/db/include/recovery.h for the exact
// log_record_t layout and type constants.
package wal

import "encoding/binary"

// Record types, matching recovery.h's BEGIN_LOG..COMPENSATE_LOG.
const (
	TypeBegin      int32 = 0
	TypeUpdate     int32 = 1
	TypeCommit     int32 = 2
	TypeRollback   int32 = 3
	TypeCompensate int32 = 4
)

// fixedPrefixSize is log_size(4) + lsn(8) + prev_lsn(8) + trx_id(4) +
// type(4): the 28-byte prefix every record carries, BEGIN/COMMIT/ROLLBACK
// included.
const fixedPrefixSize = 4 + 8 + 8 + 4 + 4

// updateHeaderSize adds table_id(8) + page_num(8) + offset(2) + len(2) on
// top of the fixed prefix, carried by UPDATE and COMPENSATE records.
const updateHeaderSize = fixedPrefixSize + 8 + 8 + 2 + 2

// Record is the in-memory form of one log_record_t plus its variable-length
// before/after images and (for a compensation record) the LSN the next undo
// step should continue from.
type Record struct {
	LSN         uint64
	PrevLSN     uint64
	TrxID       int32
	Type        int32
	TableID     uint32
	Pagenum     uint64
	Offset      uint16
	Len         uint16
	OldImage    []byte
	NewImage    []byte
	NextUndoLSN uint64 // only meaningful when Type == TypeCompensate
}

func (r *Record) hasUpdateFields() bool {
	return r.Type == TypeUpdate || r.Type == TypeCompensate
}

// Size returns the number of bytes Encode will produce for r.
func (r *Record) Size() int {
	if !r.hasUpdateFields() {
		return fixedPrefixSize
	}
	n := updateHeaderSize + int(r.Len)*2
	if r.Type == TypeCompensate {
		n += 8
	}
	return n
}

// Encode serializes r into dst, which must be at least r.Size() bytes. It
// returns the number of bytes written.
func (r *Record) Encode(dst []byte) int {
	size := r.Size()
	binary.LittleEndian.PutUint32(dst[0:4], uint32(size))
	binary.LittleEndian.PutUint64(dst[4:12], r.LSN)
	binary.LittleEndian.PutUint64(dst[12:20], r.PrevLSN)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(r.TrxID))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(r.Type))
	if !r.hasUpdateFields() {
		return fixedPrefixSize
	}
	binary.LittleEndian.PutUint64(dst[28:36], uint64(r.TableID))
	binary.LittleEndian.PutUint64(dst[36:44], r.Pagenum)
	binary.LittleEndian.PutUint16(dst[44:46], r.Offset)
	binary.LittleEndian.PutUint16(dst[46:48], r.Len)
	off := updateHeaderSize
	copy(dst[off:off+int(r.Len)], r.OldImage)
	off += int(r.Len)
	copy(dst[off:off+int(r.Len)], r.NewImage)
	off += int(r.Len)
	if r.Type == TypeCompensate {
		binary.LittleEndian.PutUint64(dst[off:off+8], r.NextUndoLSN)
		off += 8
	}
	return off
}

// decodeFixedPrefix reads the first 28 bytes of a record: enough to learn
// its declared log_size and type before deciding how many more bytes to
// read from the log file.
func decodeFixedPrefix(src []byte) (logSize uint32, r Record) {
	logSize = binary.LittleEndian.Uint32(src[0:4])
	r = Record{
		LSN:     binary.LittleEndian.Uint64(src[4:12]),
		PrevLSN: binary.LittleEndian.Uint64(src[12:20]),
		TrxID:   int32(binary.LittleEndian.Uint32(src[20:24])),
		Type:    int32(binary.LittleEndian.Uint32(src[24:28])),
	}
	return logSize, r
}

// decodeRest fills in everything after the 28-byte fixed prefix, given the
// remaining `logSize - fixedPrefixSize` bytes of the record (empty for
// BEGIN/COMMIT/ROLLBACK).
func decodeRest(r *Record, rest []byte) {
	if !r.hasUpdateFields() {
		return
	}
	r.TableID = uint32(binary.LittleEndian.Uint64(rest[0:8]))
	r.Pagenum = binary.LittleEndian.Uint64(rest[8:16])
	r.Offset = binary.LittleEndian.Uint16(rest[16:18])
	r.Len = binary.LittleEndian.Uint16(rest[18:20])
	off := 20
	r.OldImage = append([]byte(nil), rest[off:off+int(r.Len)]...)
	off += int(r.Len)
	r.NewImage = append([]byte(nil), rest[off:off+int(r.Len)]...)
	off += int(r.Len)
	if r.Type == TypeCompensate {
		r.NextUndoLSN = binary.LittleEndian.Uint64(rest[off : off+8])
	}
}
