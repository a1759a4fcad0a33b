package token

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// Page is one slice of an ordered listing. PageToken resumes after the last
// returned record; an empty token means the listing is exhausted.
type Page struct {
	Records   []*Entry `json:"records"`
	PageToken string   `json:"pageToken,omitempty"`
}

// pageCursor is the decoded "<createdAt>|<id>" position. Tokens that fail to
// parse restart the listing from the beginning rather than erroring.
type pageCursor struct {
	createdAt string
	id        string
}

func parsePageToken(token string) pageCursor {
	if token == "" {
		return pageCursor{}
	}
	parts := strings.SplitN(token, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return pageCursor{}
	}
	return pageCursor{createdAt: parts[0], id: parts[1]}
}

func (c pageCursor) zero() bool {
	return c.createdAt == "" && c.id == ""
}

// after reports whether e sits strictly after the cursor in (createdAt, id)
// order.
func (c pageCursor) after(e *Entry) bool {
	if c.zero() {
		return true
	}
	if e.CreatedAt != c.createdAt {
		return e.CreatedAt > c.createdAt
	}
	return e.ID > c.id
}

// sortEntries orders entries by (createdAt, id) ascending, the canonical
// listing order.
func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		return entries[i].ID < entries[j].ID
	})
}

// paginate applies cursor and limit over sorted entries and builds the next
// token.
func paginate(entries []*Entry, cursor pageCursor, limit int) *Page {
	page := &Page{Records: make([]*Entry, 0)}
	for _, e := range entries {
		if !cursor.after(e) {
			continue
		}
		page.Records = append(page.Records, e)
		if limit > 0 && len(page.Records) >= limit {
			break
		}
	}
	if limit > 0 && len(page.Records) == limit {
		last := page.Records[len(page.Records)-1]
		page.PageToken = last.CreatedAt + "|" + last.ID
	}
	return page
}

// CountAll returns the total number of ledger events.
func (m *Manager) CountAll(ctx context.Context) (int64, error) {
	return m.store.Count(ctx, m.table)
}

// CountHolds counts HOLD events, optionally narrowed to one state.
func (m *Manager) CountHolds(ctx context.Context, state HoldState) (int64, error) {
	holds, err := m.allHolds(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, h := range holds {
		if state == "" || h.State == state {
			n++
		}
	}
	return n, nil
}

// ListAll pages through every ledger event in (createdAt, id) order. This is
// an admin path and accepts the cost of a full scan.
func (m *Manager) ListAll(ctx context.Context, limit int, pageToken string) (*Page, error) {
	entries, err := m.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return paginate(entries, parsePageToken(pageToken), limit), nil
}

// ListHolds pages through HOLD events, optionally narrowed to one state.
func (m *Manager) ListHolds(ctx context.Context, state HoldState, limit int, pageToken string) (*Page, error) {
	holds, err := m.allHolds(ctx)
	if err != nil {
		return nil, err
	}
	if state != "" {
		filtered := holds[:0]
		for _, h := range holds {
			if h.State == state {
				filtered = append(filtered, h)
			}
		}
		holds = filtered
	}
	sortEntries(holds)
	return paginate(holds, parsePageToken(pageToken), limit), nil
}

// UserRecordsOptions narrows ListUserRecords.
type UserRecordsOptions struct {
	// IncludeBeneficiaryRecords also returns events where the user is the
	// beneficiary rather than the payer.
	IncludeBeneficiaryRecords bool

	// RefID narrows to the user's events for one external reference.
	RefID string

	Limit     int
	PageToken string
}

// ListUserRecords pages through one user's events in (createdAt, id) order.
func (m *Manager) ListUserRecords(ctx context.Context, userID string, opts UserRecordsOptions) (*Page, error) {
	if userID == "" {
		return nil, ErrInvalidPayload
	}

	var entries []*Entry
	if opts.RefID != "" {
		rows, err := m.queryOrScan(ctx, IndexUserRef, userID, table.RangeCond{EQ: opts.RefID}, func(e *Entry) bool {
			return e.UserID == userID && e.RefID == opts.RefID
		})
		if err != nil {
			return nil, err
		}
		entries = m.decodeAll(rows, nil)
	} else {
		rows, err := m.queryOrScan(ctx, IndexUserCreated, userID, table.RangeCond{}, func(e *Entry) bool {
			return e.UserID == userID
		})
		if err != nil {
			return nil, err
		}
		entries = m.decodeAll(rows, nil)

		if opts.IncludeBeneficiaryRecords {
			seen := make(map[string]struct{}, len(entries))
			for _, e := range entries {
				seen[e.ID] = struct{}{}
			}
			rows, err = m.queryOrScan(ctx, IndexBeneficiaryCreated, userID, table.RangeCond{}, func(e *Entry) bool {
				return e.BeneficiaryID == userID
			})
			if err != nil {
				return nil, err
			}
			for _, e := range m.decodeAll(rows, nil) {
				if _, dup := seen[e.ID]; !dup {
					entries = append(entries, e)
				}
			}
		}
	}

	sortEntries(entries)
	return paginate(entries, parsePageToken(opts.PageToken), opts.Limit), nil
}

// ExpiringGrant is one free grant approaching its expiry.
type ExpiringGrant struct {
	TransactionID string `json:"transactionId"`
	BeneficiaryID string `json:"beneficiaryId"`
	Amount        int64  `json:"amount"`
	ExpiresAt     string `json:"expiresAt"`
}

// ListExpiringGrants returns the user's live free grants expiring within the
// given number of days, soonest first.
func (m *Manager) ListExpiringGrants(ctx context.Context, userID string, withinDays int) ([]ExpiringGrant, error) {
	if userID == "" {
		return nil, ErrInvalidPayload
	}
	if withinDays <= 0 {
		withinDays = 30
	}
	now := m.now()
	until := timeutil.FormatISO(now.AddDate(0, 0, withinDays))

	rows, err := m.queryOrScan(ctx, IndexUserExpires, userID,
		table.RangeCond{GTE: timeutil.FormatISO(now), LTE: until}, func(e *Entry) bool {
			return e.UserID == userID
		})
	if err != nil {
		return nil, err
	}

	grants := make([]ExpiringGrant, 0)
	for _, e := range m.decodeAll(rows, nil) {
		if e.TransactionType != TypeCreditFree || m.isPast(e.ExpiresAt) {
			continue
		}
		exp, ok := timeutil.Parse(e.ExpiresAt)
		if !ok || exp.After(now.AddDate(0, 0, withinDays)) {
			continue
		}
		grants = append(grants, ExpiringGrant{
			TransactionID: e.ID,
			BeneficiaryID: e.BeneficiaryID,
			Amount:        e.Amount,
			ExpiresAt:     e.ExpiresAt,
		})
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].ExpiresAt != grants[j].ExpiresAt {
			return grants[i].ExpiresAt < grants[j].ExpiresAt
		}
		return grants[i].TransactionID < grants[j].TransactionID
	})
	return grants, nil
}

// ListAllUserBalances folds the whole ledger into per-user balances, sorted
// by user id. Search narrows to ids containing the given substring. Admin
// path; full scan.
func (m *Manager) ListAllUserBalances(ctx context.Context, search string) ([]*Balance, error) {
	entries, err := m.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	perUser := make(map[string][]*Entry)
	touch := func(userID string, e *Entry) {
		if userID == "" || userID == SystemBucket {
			return
		}
		perUser[userID] = append(perUser[userID], e)
	}
	for _, e := range entries {
		touch(e.UserID, e)
		if e.BeneficiaryID != e.UserID {
			touch(e.BeneficiaryID, e)
		}
	}

	balances := make([]*Balance, 0, len(perUser))
	for userID, events := range perUser {
		if search != "" && !strings.Contains(userID, search) {
			continue
		}
		balances = append(balances, m.foldEntries(events, userID))
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].UserID < balances[j].UserID })
	return balances, nil
}

// AdjustParams describes a manual balance adjustment. Amount is signed:
// positive credits, negative removes.
type AdjustParams struct {
	UserID        string
	Amount        int64
	TokenType     string // paid or free
	Reason        string
	BeneficiaryID string // bucket for free adjustments
	ExpiresAt     string // optional expiry for free credits
}

// AdjustBalance writes a manual correction as a regular ledger event, so
// corrections stay visible in the event log like any other movement.
func (m *Manager) AdjustBalance(ctx context.Context, p AdjustParams) (*Entry, error) {
	vals, err := ValidateFields(map[string]Field{
		"userId": {Value: p.UserID, Type: FieldString, Required: true},
		"reason": {Value: p.Reason, Type: FieldString, Required: true},
	})
	if err != nil {
		return nil, normalizeFieldError(err)
	}
	if p.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	userID := vals["userId"].(string)
	reason := vals["reason"].(string)
	meta := map[string]any{"adjustment": true, "reason": reason}

	switch p.TokenType {
	case "paid":
		if p.Amount > 0 {
			return m.CreditPaid(ctx, userID, p.Amount, reason, meta)
		}
		remove := -p.Amount
		balance, err := m.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if balance.PaidTokens < remove {
			return nil, ErrInsufficientPaidTokens
		}
		e := m.newEntry(TypeDebit, userID, "", remove, reason, "", meta)
		if err := m.writeEntry(ctx, e); err != nil {
			return nil, err
		}
		return e, nil

	case "free":
		if p.BeneficiaryID == "" {
			return nil, ErrMissingBeneficiary
		}
		if p.Amount > 0 {
			return m.CreditFree(ctx, userID, p.BeneficiaryID, p.Amount, p.ExpiresAt, reason, meta)
		}
		remove := -p.Amount
		balance, err := m.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if balance.FreeTokensPerBeneficiary[p.BeneficiaryID] < remove {
			return nil, ErrInsufficientTokens
		}
		e := m.newEntry(TypeDebit, userID, p.BeneficiaryID, 0, reason, "", meta)
		if p.BeneficiaryID == SystemBucket {
			e.FreeSystemConsumed = remove
		} else {
			e.FreeBeneficiaryConsumed = remove
		}
		if err := m.writeEntry(ctx, e); err != nil {
			return nil, err
		}
		return e, nil

	default:
		return nil, ErrInvalidTokenType
	}
}

// EarningsDay is one day of a beneficiary's earnings.
type EarningsDay struct {
	Date     string `json:"date"`
	Tips     int64  `json:"tips"`
	Captures int64  `json:"captures"`
	Total    int64  `json:"total"`
}

// EarningsReport aggregates what a beneficiary earned per day: tips received
// plus captured holds. When the archive store can report, archived events
// are merged in.
type EarningsReport struct {
	BeneficiaryID   string        `json:"beneficiaryId"`
	From            string        `json:"from"`
	To              string        `json:"to"`
	Days            []EarningsDay `json:"days"`
	Total           int64         `json:"total"`
	IncludesArchive bool          `json:"includesArchive"`
}

// EarningsReporter is implemented by archive stores that can aggregate
// archived earnings per day.
type EarningsReporter interface {
	EarningsBetween(ctx context.Context, beneficiaryID string, from, to time.Time) (map[string]int64, error)
}

// Earnings builds the report from the beneficiary index over [from, to],
// inclusive of both days.
func (m *Manager) Earnings(ctx context.Context, beneficiaryID, from, to string) (*EarningsReport, error) {
	if beneficiaryID == "" {
		return nil, ErrMissingBeneficiary
	}
	fromTime, ok := timeutil.Parse(from)
	if !ok {
		return nil, &FieldError{Field: "from", Message: "from must be a datetime"}
	}
	toTime, ok := timeutil.Parse(to)
	if !ok {
		return nil, &FieldError{Field: "to", Message: "to must be a datetime"}
	}
	fromTime = timeutil.StartOfDay(fromTime)
	toTime = timeutil.EndOfDay(toTime)
	if toTime.Before(fromTime) {
		return nil, &FieldError{Field: "to", Message: "to must not precede from"}
	}

	rows, err := m.queryOrScan(ctx, IndexBeneficiaryCreated, beneficiaryID,
		table.RangeCond{GTE: timeutil.FormatISO(fromTime), LTE: timeutil.FormatISO(toTime)},
		func(e *Entry) bool { return e.BeneficiaryID == beneficiaryID })
	if err != nil {
		return nil, err
	}

	days := make(map[string]*EarningsDay)
	day := func(date string) *EarningsDay {
		if d, ok := days[date]; ok {
			return d
		}
		d := &EarningsDay{Date: date}
		days[date] = d
		return d
	}

	for _, e := range m.decodeAll(rows, nil) {
		created, ok := timeutil.Parse(e.CreatedAt)
		if !ok || created.Before(fromTime) || created.After(toTime) {
			continue
		}
		date := created.Format("2006-01-02")

		switch {
		case e.TransactionType == TypeTip && e.UserID != beneficiaryID:
			d := day(date)
			d.Tips += e.NominalAmount()
			d.Total += e.NominalAmount()
		case e.TransactionType == TypeHold && e.State == StateCaptured && e.UserID != beneficiaryID:
			d := day(date)
			d.Captures += e.Amount
			d.Total += e.Amount
		}
	}

	report := &EarningsReport{BeneficiaryID: beneficiaryID, From: from, To: to}
	if reporter, ok := m.archive.(EarningsReporter); ok {
		archived, err := reporter.EarningsBetween(ctx, beneficiaryID, fromTime, toTime)
		if err != nil {
			m.log.AddError("earnings: archive query failed: "+err.Error(), nil)
		} else {
			report.IncludesArchive = true
			for date, total := range archived {
				day(date).Total += total
			}
		}
	}

	for _, d := range days {
		report.Days = append(report.Days, *d)
		report.Total += d.Total
	}
	sort.Slice(report.Days, func(i, j int) bool { return report.Days[i].Date < report.Days[j].Date })
	return report, nil
}

// scanAll loads and decodes the whole table.
func (m *Manager) scanAll(ctx context.Context) ([]*Entry, error) {
	rows, err := m.store.Scan(ctx, m.table, table.ScanOptions{})
	if err != nil {
		return nil, err
	}
	return m.decodeAll(rows, nil), nil
}

// allHolds lists every HOLD event, preferring the type index.
func (m *Manager) allHolds(ctx context.Context) ([]*Entry, error) {
	rows, err := m.store.QueryByIndex(ctx, m.table, IndexTypeExpires, string(TypeHold),
		table.RangeCond{}, table.QueryOptions{})
	if err == nil {
		return m.decodeAll(rows, nil), nil
	}
	if !errors.Is(err, table.ErrIndexUnavailable) {
		return nil, err
	}
	entries, err := m.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	holds := entries[:0]
	for _, e := range entries {
		if e.TransactionType == TypeHold {
			holds = append(holds, e)
		}
	}
	return holds, nil
}
