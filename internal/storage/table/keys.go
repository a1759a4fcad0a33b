package table

// Key layout. All keys are byte strings built from NUL-separated segments so
// that lexicographic key order matches (segment1, segment2, ...) order:
//
//	r \x00 <table> \x00 <id>                                    row
//	x \x00 <table> \x00 <index> \x00 <hash> \x00 <range> \x00 <id>  index entry
//	m \x00 <table> \x00 <index>                                 index meta
//
// Indexed attribute values must not contain NUL bytes; ids, timestamps and
// the enum attributes used by the ledger never do.

const keySep = byte(0x00)

func appendSeg(dst []byte, seg string) []byte {
	dst = append(dst, keySep)
	return append(dst, seg...)
}

func rowKey(tbl, id string) []byte {
	k := []byte{'r'}
	k = appendSeg(k, tbl)
	k = appendSeg(k, id)
	return k
}

// rowPrefix covers all row keys of a table.
func rowPrefix(tbl string) []byte {
	k := []byte{'r'}
	k = appendSeg(k, tbl)
	k = append(k, keySep)
	return k
}

func indexEntryKey(tbl, index, hashVal, rangeVal, id string) []byte {
	k := indexPrefix(tbl, index)
	k = append(k, hashVal...)
	k = append(k, keySep)
	k = append(k, rangeVal...)
	k = append(k, keySep)
	k = append(k, id...)
	return k
}

// indexPrefix covers all entries of one index.
func indexPrefix(tbl, index string) []byte {
	k := []byte{'x'}
	k = appendSeg(k, tbl)
	k = appendSeg(k, index)
	k = append(k, keySep)
	return k
}

// indexHashPrefix covers all entries of one index under one hash value.
func indexHashPrefix(tbl, index, hashVal string) []byte {
	k := indexPrefix(tbl, index)
	k = append(k, hashVal...)
	k = append(k, keySep)
	return k
}

func indexMetaKey(tbl, index string) []byte {
	k := []byte{'m'}
	k = appendSeg(k, tbl)
	k = appendSeg(k, index)
	return k
}

// metaPrefix covers all index meta keys of all tables.
func metaPrefix() []byte {
	return []byte{'m', keySep}
}

// idFromIndexKey extracts the trailing id segment of an index entry key.
func idFromIndexKey(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == keySep {
			return string(key[i+1:])
		}
	}
	return ""
}

// idFromRowKey extracts the trailing id segment of a row key.
func idFromRowKey(key []byte) string {
	return idFromIndexKey(key)
}
