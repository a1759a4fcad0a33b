// Package table implements a wide-column store with named secondary indexes
// on top of the byte-level kv contract. Rows are attribute maps keyed by a
// string id; each named index maps a (hash attribute, range attribute) pair
// to row ids and is maintained synchronously on every write.
//
// The contract deliberately mirrors a hosted wide-column service: single-row
// conditional updates, index queries with range conditions, paged scans, and
// an explicit "index not ready" failure mode that callers handle with
// documented fallbacks.
package table

import (
	"errors"
)

// Row is an attribute map. Values are strings, numbers (int64/float64),
// bools, nested maps, slices, or nil. The "id" attribute is the primary key.
type Row = map[string]any

// IDAttr is the primary-key attribute every row must carry.
const IDAttr = "id"

var (
	// ErrRowNotFound is returned by Get when the id does not exist.
	ErrRowNotFound = errors.New("row not found")

	// ErrConditionFailed is returned by UpdateConditional when the row is
	// missing or any condition attribute does not match the stored value.
	ErrConditionFailed = errors.New("conditional update failed")

	// ErrIndexUnavailable is returned by QueryByIndex when the named index
	// is unknown or has not finished building. Callers fall back to an
	// alternate index or a scan.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrIndexExists is returned by EnsureIndex when an index with the same
	// name but a different definition is already registered.
	ErrIndexExists = errors.New("index exists with different definition")

	// ErrMissingID is returned by Put when the row has no id attribute.
	ErrMissingID = errors.New("row is missing id attribute")
)

// Index names a secondary index over a hash attribute and a range attribute.
// Rows missing either attribute are not indexed (sparse behavior, matching
// how the state index only carries rows that have a state).
type Index struct {
	Name     string
	HashKey  string
	RangeKey string
}

// Condition is a set of attribute equality checks for UpdateConditional.
// Every listed attribute must be present on the stored row and equal.
type Condition map[string]any

// RangeCond narrows an index query on the range attribute. At most one of
// EQ or the bound pairs should be set; zero values mean unbounded.
type RangeCond struct {
	EQ  string
	GT  string
	GTE string
	LT  string
	LTE string
}

// QueryOptions controls pagination of QueryByIndex. Results are ordered by
// (range attribute, id) ascending.
type QueryOptions struct {
	// Limit bounds the number of rows returned; 0 means unbounded.
	Limit int

	// StartAfterRange/StartAfterID resume strictly after the given
	// (range value, id) position. Both must be set together.
	StartAfterRange string
	StartAfterID    string
}

// ScanOptions controls pagination of Scan. Results are ordered by id.
type ScanOptions struct {
	Limit        int
	StartAfterID string
}
