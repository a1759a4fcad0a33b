package token

import (
	"context"

	"github.com/fanvault/tokend/internal/logging"
)

// Default purpose labels stamped on events when the caller supplies none.
const (
	purposeCredit    = "credit"
	purposeFreeGrant = "free_grant"
	purposeDebit     = "debit"
	purposeTip       = "tip"
	purposeHold      = "hold"
)

// breakdownKey is the metadata key carrying the split snapshot recorded on
// every consuming write.
const breakdownKey = "breakdown"

// CreditPaid appends a CREDIT_PAID event adding purchased tokens to userID.
func (m *Manager) CreditPaid(ctx context.Context, userID string, amount int64, purpose string, meta map[string]any) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId":  {Value: userID, Type: FieldString, Required: true},
		"purpose": {Value: purpose, Type: FieldString, Default: purposeCredit},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	e := m.newEntry(TypeCreditPaid, vals["userId"].(string), "", amount, vals["purpose"].(string), "", meta)
	if err := m.writeEntry(ctx, e); err != nil {
		return nil, err
	}
	m.sideEffect("saveToken", func() error {
		return m.payment.SaveToken(ctx, e.UserID, e.Metadata.Map())
	})
	return e, nil
}

// CreditFree appends a CREDIT_FREE event granting free tokens to userID in
// the bucket keyed by beneficiaryID. An empty expiresAt grants tokens that
// never expire.
func (m *Manager) CreditFree(ctx context.Context, userID, beneficiaryID string, amount int64, expiresAt, purpose string, meta map[string]any) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId":        {Value: userID, Type: FieldString, Required: true},
		"beneficiaryId": {Value: beneficiaryID, Type: FieldString, Required: true},
		"purpose":       {Value: purpose, Type: FieldString, Default: purposeFreeGrant},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if expiresAt == "" {
		expiresAt = NeverExpires
	}

	e := m.newEntry(TypeCreditFree, vals["userId"].(string), vals["beneficiaryId"].(string), amount, vals["purpose"].(string), "", meta)
	e.ExpiresAt = expiresAt
	if err := m.writeEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DebitOptions carries the optional inputs of Debit.
type DebitOptions struct {
	// BeneficiaryID scopes which free bucket is spent first. Empty means
	// only the system bucket and paid tokens are reachable.
	BeneficiaryID string
	Purpose       string
	RefID         string
	Metadata      map[string]any
}

// Debit appends a DEBIT event spending amount from userID, free tokens
// first. The written event carries the split: Amount is the paid portion and
// the free consumption fields carry the rest.
func (m *Manager) Debit(ctx context.Context, userID string, amount int64, opts DebitOptions) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId":  {Value: userID, Type: FieldString, Required: true},
		"purpose": {Value: opts.Purpose, Type: FieldString, Default: purposeDebit},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	userID = vals["userId"].(string)

	balance, err := m.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	split := ComputeSplit(balance.snapshot(), opts.BeneficiaryID, amount, SplitDefault)
	if !split.Covers() {
		return nil, ErrInsufficientTokens
	}

	e := m.newEntry(TypeDebit, userID, opts.BeneficiaryID, split.PaidAmount, vals["purpose"].(string), opts.RefID, opts.Metadata)
	e.FreeBeneficiaryConsumed = split.BeneficiaryFreeConsumed
	e.FreeSystemConsumed = split.SystemFreeConsumed
	attachBreakdown(e, split)

	if err := m.writeEntry(ctx, e); err != nil {
		return nil, err
	}
	if opts.RefID != "" {
		m.sideEffect("grantAccess", func() error {
			return m.payment.GrantAccess(ctx, e.UserID, e.RefID)
		})
	}
	return e, nil
}

// TransferOptions carries the optional inputs of Transfer.
type TransferOptions struct {
	IsAnonymous bool
	Note        string
	RefID       string
	Metadata    map[string]any
}

// Transfer appends a TIP event moving tokens from senderID to beneficiaryID.
// The paid portion of the split transfers to the receiver; consumed free
// tokens are destroyed, and the receiver is credited their value as paid
// tokens. Senders cannot tip themselves.
func (m *Manager) Transfer(ctx context.Context, senderID, beneficiaryID string, amount int64, purpose string, opts TransferOptions) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId":        {Value: senderID, Type: FieldString, Required: true},
		"beneficiaryId": {Value: beneficiaryID, Type: FieldString, Required: true},
		"purpose":       {Value: purpose, Type: FieldString, Default: purposeTip},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	senderID = vals["userId"].(string)
	beneficiaryID = vals["beneficiaryId"].(string)
	if senderID == beneficiaryID {
		return nil, NewError(ErrInvalidPayload.Code, "sender and beneficiary must differ")
	}

	balance, err := m.GetBalance(ctx, senderID)
	if err != nil {
		return nil, err
	}
	split := ComputeSplit(balance.snapshot(), beneficiaryID, amount, SplitTransfer)
	if !split.Covers() {
		return nil, ErrInsufficientTokens
	}

	meta := cloneMeta(opts.Metadata)
	meta["isAnonymous"] = opts.IsAnonymous
	if opts.Note != "" {
		meta["note"] = opts.Note
	}

	e := m.newEntry(TypeTip, senderID, beneficiaryID, split.PaidAmount, vals["purpose"].(string), opts.RefID, meta)
	e.FreeBeneficiaryConsumed = split.BeneficiaryFreeConsumed
	e.FreeSystemConsumed = split.SystemFreeConsumed
	e.FreeBeneficiarySourceID = split.FreeBeneficiarySourceID
	attachBreakdown(e, split)

	if err := m.writeEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// newEntry builds an event skeleton. A missing refId is materialized so the
// refId indexes stay dense; synthetic values are marked and carry no
// semantic linkage.
func (m *Manager) newEntry(t TransactionType, userID, beneficiaryID string, amount int64, purpose, refID string, meta map[string]any) *Entry {
	if refID == "" {
		refID = syntheticRefPrefix + m.newID()
	}
	return &Entry{
		ID:              m.newID(),
		UserID:          userID,
		BeneficiaryID:   beneficiaryID,
		TransactionType: t,
		Amount:          amount,
		Purpose:         purpose,
		RefID:           refID,
		CreatedAt:       m.nowISO(),
		Metadata:        NewMetadata(meta),
	}
}

// writeEntry persists the event, then logs and publishes it.
func (m *Manager) writeEntry(ctx context.Context, e *Entry) error {
	if err := m.store.Put(ctx, m.table, encodeEntry(e)); err != nil {
		return err
	}
	m.log.WriteLog(logging.Event{
		Flag:    logging.FlagTokens,
		Action:  string(e.TransactionType),
		Message: "ledger write",
		Data: map[string]any{
			"id":     e.ID,
			"userId": e.UserID,
			"amount": e.Amount,
			"refId":  e.RefID,
		},
	})
	m.publish(e)
	return nil
}

// attachBreakdown records the split snapshot in the event metadata. The bag
// is copied so caller-owned maps are never mutated.
func attachBreakdown(e *Entry, split Split) {
	bag := cloneMeta(e.Metadata.Structured)
	breakdown := map[string]any{
		"requested":       split.Requested,
		"paid":            split.PaidAmount,
		"beneficiaryFree": split.BeneficiaryFreeConsumed,
		"systemFree":      split.SystemFreeConsumed,
	}
	if split.FreeBeneficiarySourceID != "" {
		breakdown["freeBeneficiarySourceId"] = split.FreeBeneficiarySourceID
	}
	bag[breakdownKey] = breakdown
	e.Metadata = Metadata{Structured: bag}
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
