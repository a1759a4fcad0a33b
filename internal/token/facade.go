package token

import (
	"context"
	"fmt"

	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// Facade operation names accepted by Query.
const (
	OpCountAll            = "countAll"
	OpCountHolds          = "countHolds"
	OpListAll             = "listAll"
	OpListHolds           = "listHolds"
	OpListUserRecords     = "listUserRecords"
	OpBalanceDrilldown    = "getUserBalanceDrilldown"
	OpListAllUserBalances = "listAllUserBalances"
	OpManualAdjustBalance = "manualAdjustBalance"
	OpEarningsReport      = "earningsReport"
)

// QueryParams carries the parameters of a facade operation. Each operation
// reads the fields it needs and ignores the rest.
type QueryParams struct {
	UserID        string `json:"userId,omitempty"`
	BeneficiaryID string `json:"beneficiaryId,omitempty"`
	State         string `json:"state,omitempty"`
	RefID         string `json:"refId,omitempty"`
	Search        string `json:"search,omitempty"`

	IncludeBeneficiaryRecords bool `json:"includeBeneficiaryRecords,omitempty"`

	Limit     int    `json:"limit,omitempty"`
	PageToken string `json:"pageToken,omitempty"`

	// manualAdjustBalance parameters. Amount is signed.
	Amount    int64  `json:"amount,omitempty"`
	TokenType string `json:"type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`

	// earningsReport date range, inclusive of both days.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Query is the unified admin read entry point. All operations share the
// pagination and filter semantics of the typed methods they dispatch to.
func (m *Manager) Query(ctx context.Context, op string, p QueryParams) (any, error) {
	switch op {
	case OpCountAll:
		n, err := m.CountAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil

	case OpCountHolds:
		n, err := m.CountHolds(ctx, HoldState(p.State))
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil

	case OpListAll:
		return m.ListAll(ctx, p.Limit, p.PageToken)

	case OpListHolds:
		return m.ListHolds(ctx, HoldState(p.State), p.Limit, p.PageToken)

	case OpListUserRecords:
		return m.ListUserRecords(ctx, p.UserID, UserRecordsOptions{
			IncludeBeneficiaryRecords: p.IncludeBeneficiaryRecords,
			RefID:                     p.RefID,
			Limit:                     p.Limit,
			PageToken:                 p.PageToken,
		})

	case OpBalanceDrilldown:
		return m.GetBalanceDrilldown(ctx, p.UserID)

	case OpListAllUserBalances:
		balances, err := m.ListAllUserBalances(ctx, p.Search)
		if err != nil {
			return nil, err
		}
		return map[string]any{"users": balances}, nil

	case OpManualAdjustBalance:
		if _, err := m.AdjustBalance(ctx, AdjustParams{
			UserID:        p.UserID,
			Amount:        p.Amount,
			TokenType:     p.TokenType,
			Reason:        p.Reason,
			BeneficiaryID: p.BeneficiaryID,
			ExpiresAt:     p.ExpiresAt,
		}); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil

	case OpEarningsReport:
		return m.Earnings(ctx, p.BeneficiaryID, p.From, p.To)

	default:
		return nil, fmt.Errorf("unknown query operation: %s", op)
	}
}

// ListFilters narrows ListFiltered. Zero-valued fields do not constrain;
// set fields combine as a conjunction.
type ListFilters struct {
	UserID          string
	BeneficiaryID   string
	TransactionType TransactionType
	State           HoldState
	RefID           string
	Purpose         string

	// CreatedFrom and CreatedTo bound the event creation time, inclusive.
	// A date-only CreatedTo covers the whole day.
	CreatedFrom string
	CreatedTo   string
}

func (f ListFilters) zero() bool {
	return f == ListFilters{}
}

// bounds resolves the datetime filters into comparable ISO strings.
// Malformed values are validation errors, never silently ignored.
func (f ListFilters) bounds() (from, to string, err error) {
	if f.CreatedFrom != "" {
		t, ok := timeutil.Parse(f.CreatedFrom)
		if !ok {
			return "", "", &FieldError{Field: "createdFrom", Message: "createdFrom must be a datetime"}
		}
		from = timeutil.FormatISO(t)
	}
	if f.CreatedTo != "" {
		t, ok := timeutil.Parse(f.CreatedTo)
		if !ok {
			return "", "", &FieldError{Field: "createdTo", Message: "createdTo must be a datetime"}
		}
		if len(f.CreatedTo) == len("2006-01-02") {
			t = timeutil.EndOfDay(t)
		}
		to = timeutil.FormatISO(t)
	}
	return from, to, nil
}

// match applies the non-datetime filters.
func (f ListFilters) match(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.BeneficiaryID != "" && e.BeneficiaryID != f.BeneficiaryID {
		return false
	}
	if f.TransactionType != "" && e.TransactionType != f.TransactionType {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.RefID != "" && e.RefID != f.RefID {
		return false
	}
	if f.Purpose != "" && e.Purpose != f.Purpose {
		return false
	}
	return true
}

// ListFiltered pages through events matching every set filter, in
// (createdAt, id) order. With a userId filter it reads the user index;
// otherwise it scans, like ListAll.
func (m *Manager) ListFiltered(ctx context.Context, f ListFilters, limit int, pageToken string) (*Page, error) {
	if f.zero() {
		return m.ListAll(ctx, limit, pageToken)
	}

	from, to, err := f.bounds()
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	if f.UserID != "" {
		rows, err := m.queryOrScan(ctx, IndexUserCreated, f.UserID,
			table.RangeCond{GTE: from, LTE: to}, func(e *Entry) bool {
				return e.UserID == f.UserID
			})
		if err != nil {
			return nil, err
		}
		entries = m.decodeAll(rows, nil)
	} else {
		entries, err = m.scanAll(ctx)
		if err != nil {
			return nil, err
		}
	}

	matched := entries[:0]
	for _, e := range entries {
		if !f.match(e) {
			continue
		}
		if from != "" && e.CreatedAt < from {
			continue
		}
		if to != "" && e.CreatedAt > to {
			continue
		}
		matched = append(matched, e)
	}

	sortEntries(matched)
	return paginate(matched, parsePageToken(pageToken), limit), nil
}
