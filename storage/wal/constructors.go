package wal

// NewBeginRecord, NewCommitRecord, and NewRollbackRecord build the
// unpushed, unassigned-LSN form of a transaction boundary record. Call
// Manager.Append to assign the LSN and enqueue it.
func NewBeginRecord(trxID int32, prevLSN uint64) *Record {
	return &Record{PrevLSN: prevLSN, TrxID: trxID, Type: TypeBegin}
}

func NewCommitRecord(trxID int32, prevLSN uint64) *Record {
	return &Record{PrevLSN: prevLSN, TrxID: trxID, Type: TypeCommit}
}

func NewRollbackRecord(trxID int32, prevLSN uint64) *Record {
	return &Record{PrevLSN: prevLSN, TrxID: trxID, Type: TypeRollback}
}

// NewUpdateRecord builds an unpushed UPDATE record. oldImage/newImage must
// each be exactly length bytes: the before and after contents of
// tableID/pagenum at the given byte offset.
func NewUpdateRecord(trxID int32, prevLSN uint64, tableID uint32, pagenum uint64, offset, length uint16, oldImage, newImage []byte) *Record {
	return &Record{
		PrevLSN:  prevLSN,
		TrxID:    trxID,
		Type:     TypeUpdate,
		TableID:  tableID,
		Pagenum:  pagenum,
		Offset:   offset,
		Len:      length,
		OldImage: oldImage,
		NewImage: newImage,
	}
}
