package token

import (
	"context"
	"errors"
	"sort"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/table"
)

// Balance is the computed funds view for one user. Balances are derived on
// every read by folding the user's events; nothing here is stored.
type Balance struct {
	UserID                   string           `json:"userId"`
	PaidTokens               int64            `json:"paidTokens"`
	FreeTokensPerBeneficiary map[string]int64 `json:"freeTokensPerBeneficiary"`
	TotalFreeTokens          int64            `json:"totalFreeTokens"`
}

// snapshot converts the balance into split-calculator input. Reported paid
// is already clamped; per-bucket clamping happens inside the calculator.
func (b *Balance) snapshot() BalanceSnapshot {
	return BalanceSnapshot{Paid: b.PaidTokens, FreePerBeneficiary: b.FreeTokensPerBeneficiary}
}

// ExpirySlice is one non-expired grant contributing to a bucket.
type ExpirySlice struct {
	ExpiresAt     string `json:"expiresAt"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transactionId"`
}

// BucketBreakdown details where a free bucket's tokens came from. Total sums
// the live grants and can exceed the bucket's net balance once consumption
// has been charged against it.
type BucketBreakdown struct {
	Total    int64         `json:"total"`
	ByExpiry []ExpirySlice `json:"byExpiry"`
}

// BalanceDrilldown extends the balance with per-bucket grant provenance.
type BalanceDrilldown struct {
	Balance
	FreeTokensBreakdown map[string]BucketBreakdown `json:"freeTokensBreakdown"`
}

// GetBalance folds the user's ledger events into a balance. Concurrent calls
// for the same user share one computation.
func (m *Manager) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ErrInvalidPayload
	}
	v, err, _ := m.flight.Do("balance\x00"+userID, func() (any, error) {
		return m.computeBalance(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Balance), nil
}

// GetBalanceDrilldown folds the user's events and additionally reports the
// live grants backing each free bucket.
func (m *Manager) GetBalanceDrilldown(ctx context.Context, userID string) (*BalanceDrilldown, error) {
	if userID == "" {
		return nil, ErrInvalidPayload
	}
	v, err, _ := m.flight.Do("drilldown\x00"+userID, func() (any, error) {
		entries, err := m.eventsTouching(ctx, userID)
		if err != nil {
			return nil, err
		}
		balance := m.foldEntries(entries, userID)
		drill := &BalanceDrilldown{
			Balance:             *balance,
			FreeTokensBreakdown: m.grantBreakdown(entries, userID),
		}
		return drill, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BalanceDrilldown), nil
}

func (m *Manager) computeBalance(ctx context.Context, userID string) (*Balance, error) {
	entries, err := m.eventsTouching(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.foldEntries(entries, userID), nil
}

// eventsTouching loads every event where the user is the payer or the
// beneficiary, deduplicated by id. Each index query independently falls back
// to a filtered scan while its index is still backfilling.
func (m *Manager) eventsTouching(ctx context.Context, userID string) ([]*Entry, error) {
	seen := make(map[string]struct{})
	var entries []*Entry

	collect := func(rows []table.Row) {
		for _, row := range rows {
			e, err := decodeEntry(row)
			if err != nil {
				m.log.AddError("balance fold: "+err.Error(), logging.Fields{"userId": userID})
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			entries = append(entries, e)
		}
	}

	rows, err := m.queryOrScan(ctx, IndexUserCreated, userID, table.RangeCond{}, func(e *Entry) bool {
		return e.UserID == userID
	})
	if err != nil {
		return nil, err
	}
	collect(rows)

	rows, err = m.queryOrScan(ctx, IndexBeneficiaryCreated, userID, table.RangeCond{}, func(e *Entry) bool {
		return e.BeneficiaryID == userID
	})
	if err != nil {
		return nil, err
	}
	collect(rows)

	return entries, nil
}

// queryOrScan queries one index and degrades to a full scan with a
// post-filter while the index is unavailable. The filter must imply the
// query's hash and range conditions; scan results are not otherwise
// narrowed.
func (m *Manager) queryOrScan(ctx context.Context, index, hashValue string, rng table.RangeCond, keep func(*Entry) bool) ([]table.Row, error) {
	rows, err := m.store.QueryByIndex(ctx, m.table, index, hashValue, rng, table.QueryOptions{})
	if err == nil {
		return rows, nil
	}
	if !errors.Is(err, table.ErrIndexUnavailable) {
		return nil, err
	}

	m.log.Debugf("index %s unavailable, scanning", index)
	all, err := m.store.Scan(ctx, m.table, table.ScanOptions{})
	if err != nil {
		return nil, err
	}
	filtered := rows[:0]
	for _, row := range all {
		e, decErr := decodeEntry(row)
		if decErr != nil {
			continue
		}
		if keep(e) {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

// foldEntries applies the balance fold rules for userID over a deduplicated
// event list. Reversed holds contribute nothing; expired free grants are
// excluded from credits while their past consumption stays charged.
func (m *Manager) foldEntries(entries []*Entry, userID string) *Balance {
	paid := int64(0)
	buckets := make(map[string]int64)

	for _, e := range entries {
		switch e.TransactionType {
		case TypeCreditPaid:
			if e.UserID == userID {
				paid += e.Amount
			}

		case TypeCreditFree:
			if e.UserID == userID && !m.isPast(e.ExpiresAt) {
				buckets[e.BeneficiaryID] += e.Amount
			}

		case TypeDebit:
			if e.UserID == userID {
				paid -= e.Amount
				m.chargeFree(buckets, e.BeneficiaryID, e)
			}

		case TypeHold:
			if e.State == StateReversed {
				continue
			}
			if e.State == "" {
				// Funds stay reserved until the record is repaired.
				m.log.AddError(ErrHoldMissingState.Message, logging.Fields{
					"id":   e.ID,
					"code": ErrHoldMissingState.Code,
				})
			}
			if e.UserID == userID {
				paid -= e.Amount
				m.chargeFree(buckets, e.BeneficiaryID, e)
			}
			if e.State == StateCaptured && e.BeneficiaryID == userID && e.UserID != userID {
				paid += e.Amount
			}

		case TypeTip:
			if e.UserID == userID {
				paid -= e.Amount
				source := e.FreeBeneficiarySourceID
				if source == "" {
					source = e.BeneficiaryID
				}
				m.chargeFree(buckets, source, e)
			}
			if e.BeneficiaryID == userID && e.UserID != userID {
				paid += e.NominalAmount()
			}
		}
	}

	if paid < 0 {
		m.log.AddError("negative paid balance", logging.Fields{"userId": userID, "paid": paid})
		paid = 0
	}

	var totalFree int64
	for _, v := range buckets {
		totalFree += v
	}
	return &Balance{
		UserID:                   userID,
		PaidTokens:               paid,
		FreeTokensPerBeneficiary: buckets,
		TotalFreeTokens:          totalFree,
	}
}

// chargeFree subtracts an event's free consumption from the fold state. The
// beneficiary share comes out of bucket; the system share always comes out
// of the system bucket.
func (m *Manager) chargeFree(buckets map[string]int64, bucket string, e *Entry) {
	if e.FreeBeneficiaryConsumed != 0 && bucket != "" {
		buckets[bucket] -= e.FreeBeneficiaryConsumed
	}
	if e.FreeSystemConsumed != 0 {
		buckets[SystemBucket] -= e.FreeSystemConsumed
	}
}

// grantBreakdown lists the live grants behind each bucket, ordered by expiry.
func (m *Manager) grantBreakdown(entries []*Entry, userID string) map[string]BucketBreakdown {
	slices := make(map[string][]ExpirySlice)
	for _, e := range entries {
		if e.TransactionType != TypeCreditFree || e.UserID != userID || m.isPast(e.ExpiresAt) {
			continue
		}
		slices[e.BeneficiaryID] = append(slices[e.BeneficiaryID], ExpirySlice{
			ExpiresAt:     e.ExpiresAt,
			Amount:        e.Amount,
			TransactionID: e.ID,
		})
	}

	breakdown := make(map[string]BucketBreakdown, len(slices))
	for bucket, list := range slices {
		sort.Slice(list, func(i, j int) bool {
			if list[i].ExpiresAt != list[j].ExpiresAt {
				return list[i].ExpiresAt < list[j].ExpiresAt
			}
			return list[i].TransactionID < list[j].TransactionID
		})
		var total int64
		for _, s := range list {
			total += s.Amount
		}
		breakdown[bucket] = BucketBreakdown{Total: total, ByExpiry: list}
	}
	return breakdown
}
