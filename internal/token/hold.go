package token

import (
	"context"
	"errors"
	"time"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// HoldOptions carries the optional inputs of Hold.
type HoldOptions struct {
	// RefID links the hold to an external order. Caller-provided refIds
	// admit at most one OPEN hold at a time.
	RefID string

	// ExpiresAfterSeconds is the reservation lifetime. It must fall inside
	// the allowed window; metadata {"testing": true} relaxes the minimum.
	ExpiresAfterSeconds int64

	Purpose  string
	Metadata map[string]any
}

// HoldRef addresses holds either by event id or by external refId. Exactly
// one should be set; when both are, the id wins.
type HoldRef struct {
	TransactionID string
	RefID         string
}

// HoldResult reports the outcome of a lifecycle call. Already marks the
// idempotent no-op: every matching hold had reached the requested state
// before this call touched it.
type HoldResult struct {
	Entries []*Entry `json:"entries"`
	Count   int      `json:"count"`
	Skipped int      `json:"skipped"`
	Already bool     `json:"already"`
}

// ExtendOptions carries the inputs of ExtendHoldExpiry.
type ExtendOptions struct {
	ExtendBySeconds int64

	// MaxTotalSeconds caps the hold's total lifetime from creation.
	// Zero applies the default cap.
	MaxTotalSeconds int64
}

// Hold appends an OPEN HOLD event reserving amount from userID for
// beneficiaryID. Paid tokens are reserved first so the reservation is backed
// by real funds. The hold auto-reverses once expired and unprocessed.
func (m *Manager) Hold(ctx context.Context, userID string, amount int64, beneficiaryID string, opts HoldOptions) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId":        {Value: userID, Type: FieldString, Required: true},
		"beneficiaryId": {Value: beneficiaryID, Type: FieldString, Required: true},
		"purpose":       {Value: opts.Purpose, Type: FieldString, Default: purposeHold},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	userID = vals["userId"].(string)
	beneficiaryID = vals["beneficiaryId"].(string)

	minSeconds := int64(MinHoldSeconds)
	if NewMetadata(opts.Metadata).Bool(testingFlagKey) {
		minSeconds = MinHoldSecondsTesting
	}
	if opts.ExpiresAfterSeconds < minSeconds || opts.ExpiresAfterSeconds > MaxHoldSeconds {
		return nil, ErrInvalidTimeout
	}

	if opts.RefID != "" && !IsSyntheticRef(opts.RefID) {
		open, err := m.openHoldsByRef(ctx, opts.RefID)
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			return nil, ErrDuplicateHoldRef
		}
	}

	balance, err := m.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	split := ComputeSplit(balance.snapshot(), beneficiaryID, amount, SplitHold)
	if !split.Covers() {
		return nil, ErrInsufficientTokens
	}

	now := m.now()
	e := m.newEntry(TypeHold, userID, beneficiaryID, split.PaidAmount, vals["purpose"].(string), opts.RefID, opts.Metadata)
	e.State = StateOpen
	e.Version = 1
	e.ExpiresAt = timeutil.FormatISO(now.Add(time.Duration(opts.ExpiresAfterSeconds) * time.Second))
	e.FreeBeneficiaryConsumed = split.BeneficiaryFreeConsumed
	e.FreeSystemConsumed = split.SystemFreeConsumed
	attachBreakdown(e, split)
	e.Metadata = appendAudit(e.Metadata, auditEntry(StateOpen, "created", e.CreatedAt, map[string]any{
		"expiresAt": e.ExpiresAt,
	}))

	if err := m.writeEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CaptureHeld finalizes holds: OPEN becomes CAPTURED and the reserved value
// is credited to the hold beneficiary. Capturing an already captured hold is
// a no-op reported through Already; capturing a reversed hold fails.
func (m *Manager) CaptureHeld(ctx context.Context, ref HoldRef) (*HoldResult, error) {
	result, err := m.applyTransition(ctx, ref, StateCaptured, "capture", nil)
	if err != nil {
		return nil, err
	}
	for _, h := range result.Entries {
		if !IsSyntheticRef(h.RefID) {
			h := h
			m.sideEffect("grantAccess", func() error {
				return m.payment.GrantAccess(ctx, h.UserID, h.RefID)
			})
		}
	}
	return result, nil
}

// ReverseHeld releases holds: OPEN becomes REVERSED and the reservation
// stops affecting balances entirely. Reversing an already reversed hold is a
// no-op reported through Already; reversing a captured hold fails.
func (m *Manager) ReverseHeld(ctx context.Context, ref HoldRef) (*HoldResult, error) {
	return m.reverseHeld(ctx, ref, "")
}

func (m *Manager) reverseHeld(ctx context.Context, ref HoldRef, reason string) (*HoldResult, error) {
	var extra map[string]any
	if reason != "" {
		extra = map[string]any{"reason": reason}
	}
	result, err := m.applyTransition(ctx, ref, StateReversed, "reverse", extra)
	if err != nil {
		return nil, err
	}
	for _, h := range result.Entries {
		if !IsSyntheticRef(h.RefID) {
			h := h
			m.sideEffect("denyAccess", func() error {
				return m.payment.DenyAccess(ctx, h.UserID, h.RefID)
			})
		}
	}
	return result, nil
}

// ExtendHoldExpiry pushes an OPEN hold's expiry further out. Extensions are
// strict: each call moves expiresAt forward from its current value, and the
// total lifetime from creation is capped. A lost update race fails with
// ALREADY_PROCESSED rather than retrying.
func (m *Manager) ExtendHoldExpiry(ctx context.Context, ref HoldRef, opts ExtendOptions) (*HoldResult, error) {
	if opts.ExtendBySeconds <= 0 {
		return nil, ErrInvalidTimeout
	}
	maxTotal := opts.MaxTotalSeconds
	if maxTotal <= 0 {
		maxTotal = MaxHoldTotalSeconds
	}

	targets, already, err := m.resolveHolds(ctx, ref)
	if err != nil {
		return nil, err
	}
	if already != nil {
		return nil, alreadyError(already)
	}

	out := &HoldResult{}
	for _, h := range targets {
		base, ok := timeutil.Parse(h.ExpiresAt)
		if !ok {
			// Corrupt expiry; extend from now so the hold stays usable.
			m.log.AddError("hold has unparseable expiresAt", logging.Fields{"id": h.ID, "expiresAt": h.ExpiresAt})
			base = m.now()
		}
		newExpiry := base.Add(time.Duration(opts.ExtendBySeconds) * time.Second)

		if created, ok := timeutil.Parse(h.CreatedAt); ok {
			if newExpiry.Sub(created) > time.Duration(maxTotal)*time.Second {
				return nil, ErrTimeoutExceeded
			}
		} else {
			m.log.AddError("hold has unparseable createdAt", logging.Fields{"id": h.ID, "createdAt": h.CreatedAt})
		}

		meta := appendAudit(h.Metadata, auditEntry(StateOpen, "extend", m.nowISO(), map[string]any{
			"extendBySeconds": opts.ExtendBySeconds,
			"expiresAt":       timeutil.FormatISO(newExpiry),
		}))
		mutations := table.Row{
			attrExpiresAt: timeutil.FormatISO(newExpiry),
			attrVersion:   h.Version + 1,
			attrMetadata:  encodeMetadataValue(TypeHold, meta),
		}
		post, err := m.updateHold(ctx, h, mutations)
		if err != nil {
			if errors.Is(err, table.ErrConditionFailed) {
				return nil, ErrAlreadyProcessed
			}
			return nil, err
		}
		out.Entries = append(out.Entries, post)
		out.Count++
	}
	return out, nil
}

// applyTransition drives capture and reverse. Targets are resolved to OPEN
// holds first; each is then flipped under the version condition. Losing a
// race against the same terminal state is benign, losing against the other
// terminal state fails single-target calls.
func (m *Manager) applyTransition(ctx context.Context, ref HoldRef, to HoldState, action string, extra map[string]any) (*HoldResult, error) {
	targets, already, err := m.resolveHolds(ctx, ref)
	if err != nil {
		return nil, err
	}
	if already != nil {
		if already.State == to {
			return &HoldResult{Already: true}, nil
		}
		return nil, alreadyError(already)
	}

	out := &HoldResult{}
	for _, h := range targets {
		meta := appendAudit(h.Metadata, auditEntry(to, action, m.nowISO(), extra))
		mutations := table.Row{
			attrState:    string(to),
			attrVersion:  h.Version + 1,
			attrMetadata: encodeMetadataValue(TypeHold, meta),
		}
		post, err := m.updateHold(ctx, h, mutations)
		if err == nil {
			out.Entries = append(out.Entries, post)
			out.Count++
			continue
		}
		if !errors.Is(err, table.ErrConditionFailed) {
			return nil, err
		}

		// Lost the race; the winner decides the outcome.
		cur, getErr := m.Get(ctx, h.ID)
		if getErr == nil && cur.State == to {
			out.Skipped++
			continue
		}
		if len(targets) == 1 {
			if getErr == nil {
				if err := alreadyError(cur); err != nil {
					return nil, err
				}
			}
			return nil, ErrAlreadyProcessed
		}
		out.Skipped++
	}
	out.Already = out.Count == 0 && out.Skipped > 0
	return out, nil
}

// updateHold applies mutations to one hold under the full optimistic-lock
// condition, then logs and publishes the post-image.
func (m *Manager) updateHold(ctx context.Context, h *Entry, mutations table.Row) (*Entry, error) {
	cond := table.Condition{
		attrType:    string(TypeHold),
		attrState:   string(StateOpen),
		attrVersion: h.Version,
	}
	row, err := m.store.UpdateConditional(ctx, m.table, h.ID, mutations, cond)
	if err != nil {
		return nil, err
	}
	post, err := decodeEntry(row)
	if err != nil {
		return nil, err
	}
	m.log.WriteLog(logging.Event{
		Flag:    logging.FlagTokens,
		Action:  "HOLD_" + string(post.State),
		Message: "hold transition",
		Data: map[string]any{
			"id":      post.ID,
			"refId":   post.RefID,
			"version": post.Version,
		},
	})
	m.publish(post)
	return post, nil
}

// alreadyError maps a terminal hold to its lifecycle error, or nil for
// non-terminal states.
func alreadyError(h *Entry) error {
	switch h.State {
	case StateCaptured:
		return ErrAlreadyCaptured
	case StateReversed:
		return ErrAlreadyReversed
	}
	return nil
}

// resolveHolds turns a HoldRef into the OPEN holds to act on. When the
// target exists but is already terminal, it is returned as already instead
// of an error so callers can apply their own idempotency policy.
func (m *Manager) resolveHolds(ctx context.Context, ref HoldRef) (targets []*Entry, already *Entry, err error) {
	switch {
	case ref.TransactionID != "":
		h, err := m.Get(ctx, ref.TransactionID)
		if err != nil {
			return nil, nil, err
		}
		if h.TransactionType != TypeHold {
			return nil, nil, ErrNoHeldTokens
		}
		if h.State == "" {
			m.log.AddError(ErrHoldMissingState.Message, logging.Fields{"id": h.ID})
			return nil, nil, ErrHoldMissingState
		}
		if h.IsTerminal() {
			return nil, h, nil
		}
		return []*Entry{h}, nil, nil

	case ref.RefID != "":
		open, err := m.openHoldsByRef(ctx, ref.RefID)
		if err != nil {
			return nil, nil, err
		}
		if len(open) > 0 {
			return open, nil, nil
		}
		// Nothing open; look for terminal holds so repeat calls stay
		// idempotent instead of failing.
		all, err := m.holdsByRef(ctx, ref.RefID)
		if err != nil {
			return nil, nil, err
		}
		for _, h := range all {
			if h.IsTerminal() {
				return nil, h, nil
			}
		}
		return nil, nil, ErrNoOpenHolds

	default:
		return nil, nil, ErrMissingIdentifier
	}
}

// openHoldsByRef lists OPEN holds for a refId. The state index is the fast
// path; while it backfills the type index answers with a post-filter, and a
// scan is the last resort.
func (m *Manager) openHoldsByRef(ctx context.Context, refID string) ([]*Entry, error) {
	rows, err := m.store.QueryByIndex(ctx, m.table, IndexRefState, refID, table.RangeCond{EQ: string(StateOpen)}, table.QueryOptions{})
	if err == nil {
		return m.decodeAll(rows, nil), nil
	}
	if !errors.Is(err, table.ErrIndexUnavailable) {
		return nil, err
	}

	all, err := m.holdsByRef(ctx, refID)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, h := range all {
		if h.State == StateOpen {
			open = append(open, h)
		}
	}
	return open, nil
}

// holdsByRef lists every hold for a refId regardless of state.
func (m *Manager) holdsByRef(ctx context.Context, refID string) ([]*Entry, error) {
	rows, err := m.store.QueryByIndex(ctx, m.table, IndexRefType, refID, table.RangeCond{EQ: string(TypeHold)}, table.QueryOptions{})
	if err == nil {
		return m.decodeAll(rows, nil), nil
	}
	if !errors.Is(err, table.ErrIndexUnavailable) {
		return nil, err
	}

	m.log.Debugf("refId indexes unavailable, scanning for %s", refID)
	rows, err = m.store.Scan(ctx, m.table, table.ScanOptions{})
	if err != nil {
		return nil, err
	}
	return m.decodeAll(rows, func(e *Entry) bool {
		return e.TransactionType == TypeHold && e.RefID == refID
	}), nil
}

// decodeAll parses rows into entries, skipping and reporting undecodable
// ones. A nil keep accepts everything.
func (m *Manager) decodeAll(rows []table.Row, keep func(*Entry) bool) []*Entry {
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			m.log.AddError("undecodable ledger row: "+err.Error(), nil)
			continue
		}
		if keep == nil || keep(e) {
			entries = append(entries, e)
		}
	}
	return entries
}
