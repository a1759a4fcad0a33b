package token

import (
	"encoding/json"
	"fmt"

	"github.com/fanvault/tokend/internal/storage/table"
)

// Row attribute names. The registry is a sparse wide-column table; absent
// attributes decode to zero values.
const (
	attrID            = "id"
	attrUserID        = "userId"
	attrBeneficiaryID = "beneficiaryId"
	attrType          = "transactionType"
	attrAmount        = "amount"
	attrPurpose       = "purpose"
	attrRefID         = "refId"
	attrExpiresAt     = "expiresAt"
	attrCreatedAt     = "createdAt"
	attrMetadata      = "metadata"
	attrState         = "state"
	attrVersion       = "version"
	attrFreeBen       = "freeBeneficiaryConsumed"
	attrFreeSys       = "freeSystemConsumed"
	attrFreeBenSource = "freeBeneficiarySourceId"
)

// testingFlagKey relaxes hold timeout bounds when present in input metadata.
// The flag is consumed at validation time and stripped before persistence.
const testingFlagKey = "testing"

// encodeEntry renders an entry as a sparse row. Metadata keeps its nested
// shape for DEBIT and TIP events and is serialized to a JSON string for all
// other types.
func encodeEntry(e *Entry) table.Row {
	row := table.Row{
		attrID:        e.ID,
		attrUserID:    e.UserID,
		attrType:      string(e.TransactionType),
		attrAmount:    e.Amount,
		attrRefID:     e.RefID,
		attrCreatedAt: e.CreatedAt,
	}
	if e.BeneficiaryID != "" {
		row[attrBeneficiaryID] = e.BeneficiaryID
	}
	if e.Purpose != "" {
		row[attrPurpose] = e.Purpose
	}
	if e.ExpiresAt != "" {
		row[attrExpiresAt] = e.ExpiresAt
	}
	if e.State != "" {
		row[attrState] = string(e.State)
	}
	if e.Version > 0 {
		row[attrVersion] = e.Version
	}
	if e.FreeBeneficiaryConsumed != 0 {
		row[attrFreeBen] = e.FreeBeneficiaryConsumed
	}
	if e.FreeSystemConsumed != 0 {
		row[attrFreeSys] = e.FreeSystemConsumed
	}
	if e.FreeBeneficiarySourceID != "" {
		row[attrFreeBenSource] = e.FreeBeneficiarySourceID
	}
	if v, ok := encodeMetadata(e.TransactionType, e.Metadata); ok {
		row[attrMetadata] = v
	}
	return row
}

// encodeMetadata produces the stored metadata value, stripping the testing
// flag. Raw metadata that never parsed is carried through unchanged.
func encodeMetadata(t TransactionType, m Metadata) (any, bool) {
	if m.IsRaw {
		if m.Raw == "" {
			return nil, false
		}
		return m.Raw, true
	}
	if len(m.Structured) == 0 {
		return nil, false
	}

	bag := make(map[string]any, len(m.Structured))
	for k, v := range m.Structured {
		if k == testingFlagKey {
			continue
		}
		bag[k] = v
	}
	if len(bag) == 0 {
		return nil, false
	}

	if t == TypeDebit || t == TypeTip {
		return bag, true
	}
	data, err := json.Marshal(bag)
	if err != nil {
		// Unserializable values degrade to their fmt rendering rather
		// than dropping the write.
		return fmt.Sprintf("%v", bag), true
	}
	return string(data), true
}

// decodeEntry parses a row back into an entry. Metadata parsing never fails
// the decode; only a missing id or an unknown transaction type does.
func decodeEntry(row table.Row) (*Entry, error) {
	id := asString(row[attrID])
	if id == "" {
		return nil, fmt.Errorf("row has no id")
	}
	t := TransactionType(asString(row[attrType]))
	if !t.valid() {
		return nil, fmt.Errorf("row %s: unknown transaction type %q", id, row[attrType])
	}

	e := &Entry{
		ID:                      id,
		UserID:                  asString(row[attrUserID]),
		BeneficiaryID:           asString(row[attrBeneficiaryID]),
		TransactionType:         t,
		Amount:                  asInt64(row[attrAmount]),
		Purpose:                 asString(row[attrPurpose]),
		RefID:                   asString(row[attrRefID]),
		ExpiresAt:               asString(row[attrExpiresAt]),
		CreatedAt:               asString(row[attrCreatedAt]),
		State:                   HoldState(asString(row[attrState])),
		Version:                 asInt64(row[attrVersion]),
		FreeBeneficiaryConsumed: asInt64(row[attrFreeBen]),
		FreeSystemConsumed:      asInt64(row[attrFreeSys]),
		FreeBeneficiarySourceID: asString(row[attrFreeBenSource]),
	}
	e.Metadata = decodeMetadata(row[attrMetadata])
	return e, nil
}

// decodeMetadata tolerates both stored shapes. A string that fails to parse
// as JSON is kept raw so corrupt metadata never blocks reads.
func decodeMetadata(v any) Metadata {
	switch m := v.(type) {
	case nil:
		return Metadata{}
	case map[string]any:
		return Metadata{Structured: m}
	case string:
		if m == "" {
			return Metadata{}
		}
		var bag map[string]any
		if err := json.Unmarshal([]byte(m), &bag); err != nil {
			return Metadata{Raw: m, IsRaw: true}
		}
		return Metadata{Structured: bag}
	default:
		return Metadata{Raw: fmt.Sprintf("%v", v), IsRaw: true}
	}
}

// encodeMetadataValue is the mutation-side counterpart of encodeMetadata for
// conditional updates, where the stored shape must match the row's type.
func encodeMetadataValue(t TransactionType, m Metadata) any {
	v, ok := encodeMetadata(t, m)
	if !ok {
		return nil
	}
	return v
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt64 widens the integer encodings seen from the row codec and from
// JSON-decoded input.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
