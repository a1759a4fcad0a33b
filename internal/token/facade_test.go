package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvault/tokend/internal/timeutil"
)

func TestQueryDispatchesOperations(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := m.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = m.Hold(ctx, "alice", 40, "creatorX", HoldOptions{ExpiresAfterSeconds: 600})
	require.NoError(t, err)

	res, err := m.Query(ctx, OpCountAll, QueryParams{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": int64(2)}, res)

	res, err = m.Query(ctx, OpCountHolds, QueryParams{State: "OPEN"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": int64(1)}, res)

	res, err = m.Query(ctx, OpListAll, QueryParams{Limit: 10})
	require.NoError(t, err)
	page, ok := res.(*Page)
	require.True(t, ok)
	assert.Len(t, page.Records, 2)

	res, err = m.Query(ctx, OpListHolds, QueryParams{State: "OPEN", Limit: 10})
	require.NoError(t, err)
	page = res.(*Page)
	require.Len(t, page.Records, 1)
	assert.Equal(t, TypeHold, page.Records[0].TransactionType)

	res, err = m.Query(ctx, OpListUserRecords, QueryParams{UserID: "alice", Limit: 10})
	require.NoError(t, err)
	page = res.(*Page)
	assert.Len(t, page.Records, 2)

	res, err = m.Query(ctx, OpBalanceDrilldown, QueryParams{UserID: "alice"})
	require.NoError(t, err)
	drill, ok := res.(*BalanceDrilldown)
	require.True(t, ok)
	assert.Equal(t, int64(60), drill.Balance.PaidTokens)

	res, err = m.Query(ctx, OpListAllUserBalances, QueryParams{})
	require.NoError(t, err)
	users, ok := res.(map[string]any)["users"].([]*Balance)
	require.True(t, ok)
	assert.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
}

func TestQueryManualAdjustment(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := m.Query(ctx, OpManualAdjustBalance, QueryParams{
		UserID:    "alice",
		Amount:    50,
		TokenType: "paid",
		Reason:    "support credit",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true}, res)

	balance, err := m.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.PaidTokens)

	// Validation failures pass through with their stable codes.
	_, err = m.Query(ctx, OpManualAdjustBalance, QueryParams{
		UserID:    "alice",
		Amount:    10,
		TokenType: "bonus",
		Reason:    "oops",
	})
	require.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestQueryRejectsUnknownOperation(t *testing.T) {
	m, _ := newTestLedger(t)

	_, err := m.Query(context.Background(), "dropTables", QueryParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown query operation")
}

func TestListFilteredConjunction(t *testing.T) {
	m, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := m.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = m.CreditPaid(ctx, "bob", 100, "topup", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = m.Debit(ctx, "alice", 10, DebitOptions{Purpose: "chapter", RefID: "book-1"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = m.Debit(ctx, "alice", 5, DebitOptions{Purpose: "sticker", RefID: "shop-1"})
	require.NoError(t, err)

	page, err := m.ListFiltered(ctx, ListFilters{UserID: "alice", TransactionType: TypeDebit}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	page, err = m.ListFiltered(ctx, ListFilters{UserID: "alice", TransactionType: TypeDebit, RefID: "book-1"}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "chapter", page.Records[0].Purpose)

	page, err = m.ListFiltered(ctx, ListFilters{Purpose: "topup"}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)

	// No filters behaves exactly like ListAll.
	page, err = m.ListFiltered(ctx, ListFilters{}, 3, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
	assert.NotEmpty(t, page.PageToken)
}

func TestListFilteredCreatedBounds(t *testing.T) {
	m, clock := newTestLedger(t)
	ctx := context.Background()

	first := clock.Now()
	_, err := m.CreditPaid(ctx, "alice", 10, "day one", nil)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = m.CreditPaid(ctx, "alice", 20, "day two", nil)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = m.CreditPaid(ctx, "alice", 30, "day three", nil)
	require.NoError(t, err)

	page, err := m.ListFiltered(ctx, ListFilters{
		CreatedFrom: timeutil.FormatISO(first.Add(12 * time.Hour)),
	}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)

	// A date-only upper bound includes events from the whole day.
	page, err = m.ListFiltered(ctx, ListFilters{
		CreatedTo: first.AddDate(0, 0, 1).Format("2006-01-02"),
	}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)

	page, err = m.ListFiltered(ctx, ListFilters{
		CreatedFrom: timeutil.FormatISO(first),
		CreatedTo:   timeutil.FormatISO(first),
	}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "day one", page.Records[0].Purpose)
}

func TestListFilteredRejectsMalformedDates(t *testing.T) {
	m, _ := newTestLedger(t)

	_, err := m.ListFiltered(context.Background(), ListFilters{CreatedFrom: "last tuesday"}, 10, "")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "createdFrom", fe.Field)

	_, err = m.ListFiltered(context.Background(), ListFilters{CreatedTo: "whenever"}, 10, "")
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "createdTo", fe.Field)
}

func TestListFilteredUsesUserIndexWithFallback(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := m.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = m.Debit(ctx, "alice", 10, DebitOptions{Purpose: "chapter"})
	require.NoError(t, err)

	flaky := &flakyStore{Store: m.store, down: map[string]bool{IndexUserCreated: true}}
	m2 := NewManager(flaky, WithTable(m.table))

	page, err := m2.ListFiltered(ctx, ListFilters{UserID: "alice", TransactionType: TypeDebit}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(10), page.Records[0].Amount)
}
