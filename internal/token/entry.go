// Package token implements the token ledger core: an append-oriented,
// transaction-keyed virtual-currency ledger over the wide-column table store.
// Balances are never stored; they are computed by folding the event log.
// HOLD events are the only mutable rows and change only through
// version-conditional updates.
package token

import "encoding/json"

// TransactionType discriminates ledger events.
type TransactionType string

const (
	TypeCreditPaid TransactionType = "CREDIT_PAID"
	TypeCreditFree TransactionType = "CREDIT_FREE"
	TypeDebit      TransactionType = "DEBIT"
	TypeHold       TransactionType = "HOLD"
	TypeTip        TransactionType = "TIP"
)

// valid reports whether t is one of the five ledger event types.
func (t TransactionType) valid() bool {
	switch t {
	case TypeCreditPaid, TypeCreditFree, TypeDebit, TypeHold, TypeTip:
		return true
	}
	return false
}

// HoldState is the lifecycle state of a HOLD event. It is empty on every
// other event type; an empty state on a HOLD row is data corruption.
type HoldState string

const (
	StateOpen     HoldState = "OPEN"
	StateCaptured HoldState = "CAPTURED"
	StateReversed HoldState = "REVERSED"
)

const (
	// SystemBucket is the sentinel beneficiary id for universal free grants
	// not tied to a specific creator.
	SystemBucket = "system"

	// NeverExpires is the sentinel expiry for grants that never expire.
	NeverExpires = "9999-12-31T23:59:59.999Z"

	// RegistryTable is the primary ledger table.
	RegistryTable = "TokenRegistry"

	// ArchiveTable names the retention archive.
	ArchiveTable = "TokenRegistryArchive"
)

// syntheticRefPrefix marks refIds the writer materialized because the caller
// omitted one. Synthetic values keep the refId indexes usable but carry no
// semantic linkage and are exempt from the open-hold uniqueness rule.
const syntheticRefPrefix = "noref:"

// IsSyntheticRef reports whether refID was writer-materialized.
func IsSyntheticRef(refID string) bool {
	return len(refID) >= len(syntheticRefPrefix) && refID[:len(syntheticRefPrefix)] == syntheticRefPrefix
}

// Secondary index names over the registry table.
const (
	IndexUserCreated        = "userId-createdAt-index"
	IndexBeneficiaryCreated = "beneficiaryId-createdAt-index"
	IndexUserExpires        = "userId-expiresAt-index"
	IndexUserRef            = "userId-refId-index"
	IndexRefType            = "refId-transactionType-index"
	IndexRefState           = "refId-state-index"
	IndexTypeExpires        = "transactionType-expiresAt-index"
)

// Hold lifecycle bounds, in seconds. Holds created with the testing flag in
// their metadata may use the relaxed minimum.
const (
	MinHoldSeconds        = 300
	MinHoldSecondsTesting = 1
	MaxHoldSeconds        = 3600
	MaxHoldTotalSeconds   = 7200
)

// Entry is one ledger event. Amount interpretation depends on the type:
//
//	CREDIT_PAID  paid tokens added to the holder
//	CREDIT_FREE  free tokens added to the (BeneficiaryID, ExpiresAt) bucket
//	DEBIT        paid tokens deducted; free consumption fields carry the rest
//	HOLD         paid tokens reserved; free consumption charged at hold time
//	TIP          paid tokens transferred; consumed free tokens are destroyed
//
// The nominal amount of a DEBIT/HOLD/TIP is Amount plus both free
// consumption fields.
type Entry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	BeneficiaryID   string          `json:"beneficiaryId,omitempty"`
	TransactionType TransactionType `json:"transactionType"`

	// Amount is a non-negative token count whose meaning depends on
	// TransactionType (see above).
	Amount int64 `json:"amount"`

	Purpose   string `json:"purpose,omitempty"`
	RefID     string `json:"refId,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	CreatedAt string `json:"createdAt"`

	Metadata Metadata `json:"metadata"`

	// State and Version are set only on HOLD events. Version starts at 1
	// and increments on every lifecycle mutation.
	State   HoldState `json:"state,omitempty"`
	Version int64     `json:"version,omitempty"`

	// Free consumption recorded by DEBIT, HOLD and TIP events.
	FreeBeneficiaryConsumed int64 `json:"freeBeneficiaryConsumed,omitempty"`
	FreeSystemConsumed      int64 `json:"freeSystemConsumed,omitempty"`

	// FreeBeneficiarySourceID names the creator bucket a TIP debited when
	// the consumed bucket is not the tip's beneficiary.
	FreeBeneficiarySourceID string `json:"freeBeneficiarySourceId,omitempty"`
}

// NominalAmount is the full value of the event: the paid portion plus any
// free tokens consumed alongside it.
func (e *Entry) NominalAmount() int64 {
	return e.Amount + e.FreeBeneficiaryConsumed + e.FreeSystemConsumed
}

// IsTerminal reports whether a HOLD has reached a final state.
func (e *Entry) IsTerminal() bool {
	return e.State == StateCaptured || e.State == StateReversed
}

// Metadata is the structured bag attached to an event. The stored shape is
// polymorphic: DEBIT and TIP events persist a nested attribute map, all other
// types persist a JSON string. Readers tolerate both; a string that does not
// parse stays Raw and never fails the read.
type Metadata struct {
	Structured map[string]any
	Raw        string
	IsRaw      bool
}

// NewMetadata wraps a structured bag. A nil map is an empty bag.
func NewMetadata(m map[string]any) Metadata {
	return Metadata{Structured: m}
}

// Map returns the structured view of the metadata, or nil when only a raw
// unparseable string is held.
func (m Metadata) Map() map[string]any {
	if m.IsRaw {
		return nil
	}
	return m.Structured
}

// MarshalJSON renders the bag as an object, a raw string when it never
// parsed, or null when empty.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.IsRaw {
		return json.Marshal(m.Raw)
	}
	if len(m.Structured) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(m.Structured)
}

// UnmarshalJSON accepts the same shapes the registry stores: an object, a
// JSON string wrapping one, or null.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*m = Metadata{}
		return nil
	}
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err == nil {
		*m = Metadata{Structured: bag}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*m = Metadata{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &bag); err != nil {
		*m = Metadata{Raw: raw, IsRaw: true}
		return nil
	}
	*m = Metadata{Structured: bag}
	return nil
}

// Get looks up a key in the structured view.
func (m Metadata) Get(key string) (any, bool) {
	bag := m.Map()
	if bag == nil {
		return nil, false
	}
	v, ok := bag[key]
	return v, ok
}

// Bool reads a boolean key from the structured view; absent or mistyped
// values are false.
func (m Metadata) Bool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// AuditTrail returns the lifecycle audit entries of a HOLD. The trail lives
// at metadata.auditTrail and is append-only under the version guard.
func (m Metadata) AuditTrail() []map[string]any {
	v, ok := m.Get(auditTrailKey)
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	trail := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			trail = append(trail, entry)
		}
	}
	return trail
}

const auditTrailKey = "auditTrail"

// appendAudit returns a copy of the metadata with one more audit entry.
// Raw metadata that never parsed is replaced by a fresh bag so the trail is
// still recorded; the original raw payload is preserved under "corrupt".
func appendAudit(m Metadata, entry map[string]any) Metadata {
	bag := make(map[string]any)
	if m.IsRaw {
		if m.Raw != "" {
			bag["corrupt"] = m.Raw
		}
	} else {
		for k, v := range m.Structured {
			bag[k] = v
		}
	}

	var trail []any
	if existing, ok := bag[auditTrailKey].([]any); ok {
		trail = make([]any, len(existing), len(existing)+1)
		copy(trail, existing)
	}
	bag[auditTrailKey] = append(trail, any(entry))
	return Metadata{Structured: bag}
}

// auditEntry builds one lifecycle audit record.
func auditEntry(status HoldState, action, timestamp string, extra map[string]any) map[string]any {
	entry := map[string]any{
		"status":    string(status),
		"action":    action,
		"timestamp": timestamp,
	}
	for k, v := range extra {
		entry[k] = v
	}
	return entry
}
