package btree

import "errors"

var (
	// ErrNoSuchKey is returned by Find/Update/Delete when the key is absent.
	ErrNoSuchKey = errors.New("btree: no such key")

	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("btree: duplicate key")

	// ErrInvalidSize is returned when a record's payload falls outside
	// [MinRecordSize, MaxRecordSize], or an Update's new_size exceeds the
	// record's existing stored size (growth in place is unsupported; see
	// spec §9 Open Question 1 — this implementation treats the "new_size <
	// old_size" prefix-overwrite path as the only legal shrink and refuses
	// growth outright rather than guessing at a resize-in-place scheme the
	// source never specifies).
	ErrInvalidSize = errors.New("btree: invalid record size")

	// ErrCorruptedTree is returned when a traversal reaches a null child
	// pointer or other structurally impossible state.
	ErrCorruptedTree = errors.New("btree: corrupted tree structure")
)
