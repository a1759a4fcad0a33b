package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/kv/memory"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/token"
)

// testClock is a manually advanced clock for the test ledger.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestServer builds an RPC server over an in-memory ledger with a
// pinned clock and sequential event ids.
func newTestServer(t *testing.T) (*Server, *token.Manager, *testClock) {
	t.Helper()

	store, err := table.New(memory.New(), table.Options{})
	require.NoError(t, err)

	clock := newTestClock()
	log := logging.NewNop()
	var seq int
	var mu sync.Mutex
	manager := token.NewManager(store,
		token.WithLogger(log),
		token.WithClock(clock.Now),
		token.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("tx-%06d", seq)
		}),
	)
	require.NoError(t, manager.EnsureIndexes(context.Background()))

	services := &Services{
		Ledger:  manager,
		Log:     log,
		Metrics: NewMetrics(),
		Version: "test",
		Backend: "memory",
		Started: time.Now(),
	}
	server := NewServer(Config{
		AdminToken:  "secret",
		AdminIPs:    []string{"127.0.0.1"},
		MetricsPath: "/metrics",
	}, services)
	return server, manager, clock
}

// doRPC posts one method call and returns the result object.
func doRPC(t *testing.T, server http.Handler, method string, params map[string]interface{}, headers map[string]string) map[string]interface{} {
	t.Helper()

	body := map[string]interface{}{"method": method}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	return resp.Result
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Token": "secret"}
}

func TestPingMethod(t *testing.T) {
	server, _, _ := newTestServer(t)

	result := doRPC(t, server, "ping", nil, nil)
	assert.Equal(t, "success", result["status"])
}

func TestGetRequestDefaultsToServerInfo(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Result["status"])

	info, ok := resp.Result["info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "test", info["build_version"])
	assert.Equal(t, "memory", info["storage_backend"])
	assert.NotContains(t, info, "recent_errors")
}

func TestServerInfoAdminIncludesErrorTail(t *testing.T) {
	server, manager, _ := newTestServer(t)
	manager.Log().AddError("synthetic failure", nil)

	result := doRPC(t, server, "server_info", nil, adminHeaders())
	info := result["info"].(map[string]interface{})
	assert.EqualValues(t, 1, info["errors_recorded"])
	assert.Contains(t, info, "recent_errors")
}

func TestUnknownMethodEchoesRequest(t *testing.T) {
	server, _, _ := newTestServer(t)

	result := doRPC(t, server, "no_such_method", map[string]interface{}{"x": 1}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "unknownCmd", result["error"])
	assert.EqualValues(t, CodeMethodNotFound, result["error_code"])

	request, ok := result["request"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "no_such_method", request["command"])
	assert.EqualValues(t, 1, request["x"])
}

func TestInvalidJSONBody(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Result["status"])
	assert.Equal(t, "parseError", resp.Result["error"])
}

func TestMissingMethodField(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"params":[{}]}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalidRequest", resp.Result["error"])
}

func TestTokenCountAndGet(t *testing.T) {
	server, manager, _ := newTestServer(t)
	ctx := context.Background()

	entry, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)

	result := doRPC(t, server, "token_count", nil, nil)
	assert.Equal(t, "success", result["status"])
	assert.EqualValues(t, 1, result["count"])

	result = doRPC(t, server, "token_get", map[string]interface{}{"id": entry.ID}, nil)
	assert.Equal(t, "success", result["status"])
	tx := result["transaction"].(map[string]interface{})
	assert.Equal(t, entry.ID, tx["id"])
	assert.Equal(t, "alice", tx["userId"])

	result = doRPC(t, server, "token_get", map[string]interface{}{"id": "missing"}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "TRANSACTION_NOT_FOUND", result["error"])
	assert.EqualValues(t, CodeNotFound, result["error_code"])
}

func TestTokenListFiltersAndPagination(t *testing.T) {
	server, manager, clock := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = manager.Debit(ctx, "alice", 30, token.DebitOptions{Purpose: "spend"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = manager.CreditPaid(ctx, "bob", 50, "topup", nil)
	require.NoError(t, err)

	// Filter conjunction narrows to alice's debits.
	result := doRPC(t, server, "token_list", map[string]interface{}{
		"userId":          "alice",
		"transactionType": "DEBIT",
	}, nil)
	require.Equal(t, "success", result["status"])
	records := result["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "DEBIT", records[0].(map[string]interface{})["transactionType"])

	// Page through everything one record at a time.
	seen := make([]string, 0, 3)
	marker := ""
	for {
		params := map[string]interface{}{"limit": 1}
		if marker != "" {
			params["marker"] = marker
		}
		result = doRPC(t, server, "token_list", params, nil)
		require.Equal(t, "success", result["status"])
		for _, rec := range result["records"].([]interface{}) {
			seen = append(seen, rec.(map[string]interface{})["id"].(string))
		}
		next, _ := result["marker"].(string)
		if next == "" {
			break
		}
		marker = next
	}
	assert.Equal(t, []string{"tx-000001", "tx-000002", "tx-000003"}, seen)
}

func TestTokenListValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	result := doRPC(t, server, "token_list", map[string]interface{}{"limit": 2000}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "invalidParams", result["error"])

	result = doRPC(t, server, "token_list", map[string]interface{}{"state": "PENDING"}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "invalidParams", result["error"])

	result = doRPC(t, server, "token_list", map[string]interface{}{"createdFrom": "not a date"}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "invalidParams", result["error"])
	assert.Contains(t, result["error_message"], "createdFrom")
}

func TestHoldListAndCount(t *testing.T) {
	server, manager, _ := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = manager.Hold(ctx, "alice", 40, "bob", token.HoldOptions{ExpiresAfterSeconds: 600})
	require.NoError(t, err)

	result := doRPC(t, server, "hold_count", map[string]interface{}{"state": "OPEN"}, nil)
	assert.EqualValues(t, 1, result["count"])

	result = doRPC(t, server, "hold_list", map[string]interface{}{"state": "OPEN"}, nil)
	records := result["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "HOLD", records[0].(map[string]interface{})["transactionType"])

	result = doRPC(t, server, "hold_count", map[string]interface{}{"state": "CAPTURED"}, nil)
	assert.EqualValues(t, 0, result["count"])
}

func TestUserEndpoints(t *testing.T) {
	server, manager, _ := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = manager.CreditFree(ctx, "alice", "bob", 25, "", "promo", nil)
	require.NoError(t, err)

	result := doRPC(t, server, "user_balance", map[string]interface{}{"userId": "alice"}, nil)
	balance := result["balance"].(map[string]interface{})
	assert.EqualValues(t, 100, balance["paidTokens"])
	assert.EqualValues(t, 25, balance["totalFreeTokens"])

	result = doRPC(t, server, "balance_drilldown", map[string]interface{}{"userId": "alice"}, nil)
	drilldown := result["drilldown"].(map[string]interface{})
	assert.Contains(t, drilldown, "freeTokensBreakdown")

	result = doRPC(t, server, "user_records", map[string]interface{}{"userId": "alice"}, nil)
	assert.EqualValues(t, 2, result["count"])

	result = doRPC(t, server, "user_records", nil, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "invalidParams", result["error"])

	result = doRPC(t, server, "balances_list", map[string]interface{}{"search": "ali"}, nil)
	users := result["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].(map[string]interface{})["userId"])
}

func TestAdminMethodsRequireAdmin(t *testing.T) {
	server, _, _ := newTestServer(t)

	params := map[string]interface{}{
		"userId": "alice", "amount": 10, "type": "paid", "reason": "grant",
	}

	// Guest caller is refused.
	result := doRPC(t, server, "adjust_balance", params, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "forbidden", result["error"])
	assert.EqualValues(t, CodeForbidden, result["error_code"])

	// Admin token grants access.
	result = doRPC(t, server, "adjust_balance", params, adminHeaders())
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, true, result["success"])
}

func TestAdminViaLoopbackAddress(t *testing.T) {
	server, _, _ := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{
		"method": "adjust_balance",
		"params": []interface{}{map[string]interface{}{
			"userId": "alice", "amount": 10, "type": "paid", "reason": "grant",
		}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:39441"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Result["status"])
}

func TestForwardedHeaderNeverGrantsAdmin(t *testing.T) {
	server, _, _ := newTestServer(t)

	body, err := json.Marshal(map[string]interface{}{
		"method": "adjust_balance",
		"params": []interface{}{map[string]interface{}{
			"userId": "alice", "amount": 10, "type": "paid", "reason": "grant",
		}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.7:4242"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var resp struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Result["status"])
	assert.Equal(t, "forbidden", resp.Result["error"])
}

func TestAdjustBalanceChangesLedger(t *testing.T) {
	server, manager, _ := newTestServer(t)

	result := doRPC(t, server, "adjust_balance", map[string]interface{}{
		"userId": "alice", "amount": 75, "type": "paid", "reason": "support credit",
	}, adminHeaders())
	require.Equal(t, "success", result["status"])
	tx := result["transaction"].(map[string]interface{})
	assert.Equal(t, "CREDIT_PAID", tx["transactionType"])

	balance, err := manager.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance.PaidTokens)

	// Ledger validation surfaces as invalid params.
	result = doRPC(t, server, "adjust_balance", map[string]interface{}{
		"userId": "alice", "amount": 10, "type": "bonus", "reason": "oops",
	}, adminHeaders())
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "INVALID_TOKEN_TYPE", result["error"])
}

func TestExpireHoldsMethod(t *testing.T) {
	server, manager, clock := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = manager.Hold(ctx, "alice", 40, "bob", token.HoldOptions{ExpiresAfterSeconds: 600})
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)

	result := doRPC(t, server, "expire_holds", map[string]interface{}{}, adminHeaders())
	require.Equal(t, "success", result["status"])
	assert.EqualValues(t, 1, result["found"])
	assert.EqualValues(t, 1, result["reversed"])

	balance, err := manager.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.PaidTokens)
}

func TestPurgeOldDefaultsToDryRun(t *testing.T) {
	server, manager, clock := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 10, "ancient", nil)
	require.NoError(t, err)
	clock.Advance(3 * 365 * 24 * time.Hour)

	result := doRPC(t, server, "purge_old", map[string]interface{}{}, adminHeaders())
	require.Equal(t, "success", result["status"])
	assert.Equal(t, true, result["dryRun"])
	assert.EqualValues(t, 1, result["candidates"])
	assert.EqualValues(t, 0, result["deleted"])

	// The event is still there.
	n, err := manager.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result = doRPC(t, server, "purge_old", map[string]interface{}{"dryRun": false}, adminHeaders())
	require.Equal(t, "success", result["status"])
	assert.EqualValues(t, 1, result["deleted"])

	n, err = manager.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestEarningsReportMethod(t *testing.T) {
	server, manager, _ := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditPaid(ctx, "alice", 100, "topup", nil)
	require.NoError(t, err)
	_, err = manager.Transfer(ctx, "alice", "bob", 60, "tip", token.TransferOptions{})
	require.NoError(t, err)

	result := doRPC(t, server, "earnings_report", map[string]interface{}{
		"beneficiaryId": "bob", "from": "2026-01-15", "to": "2026-01-15",
	}, nil)
	require.Equal(t, "success", result["status"])
	report := result["report"].(map[string]interface{})
	assert.EqualValues(t, 60, report["total"])

	result = doRPC(t, server, "earnings_report", map[string]interface{}{
		"beneficiaryId": "bob", "from": "bad", "to": "2026-01-15",
	}, nil)
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "invalidParams", result["error"])
}

func TestExpiringGrantsMethod(t *testing.T) {
	server, manager, _ := newTestServer(t)
	ctx := context.Background()

	_, err := manager.CreditFree(ctx, "alice", "bob", 25, "2026-01-20T00:00:00.000Z", "promo", nil)
	require.NoError(t, err)
	_, err = manager.CreditFree(ctx, "alice", "carol", 10, "2027-06-01T00:00:00.000Z", "promo", nil)
	require.NoError(t, err)

	result := doRPC(t, server, "expiring_grants", map[string]interface{}{
		"userId": "alice", "withinDays": 10,
	}, nil)
	require.Equal(t, "success", result["status"])
	assert.EqualValues(t, 1, result["count"])
	grants := result["grants"].([]interface{})
	require.Len(t, grants, 1)
	assert.Equal(t, "bob", grants[0].(map[string]interface{})["beneficiaryId"])
}

func TestRoutesServeHealthAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)
	mux := server.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	// Touch a counter, then scrape.
	doRPC(t, server, "ping", nil, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokend_rpc_requests_total")
}

func TestOptionsPreflightWithCORS(t *testing.T) {
	_, manager, _ := newTestServer(t)
	services := &Services{Ledger: manager, Log: logging.NewNop()}
	server := NewServer(Config{EnableCORS: true}, services)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodRegistryRejectsDuplicates(t *testing.T) {
	registry := NewMethodRegistry()
	require.NoError(t, registry.Register("ping", &pingMethod{}))
	assert.Error(t, registry.Register("PING", &pingMethod{}))
	assert.Error(t, registry.Register("", &pingMethod{}))
	assert.Error(t, registry.Register("x", nil))

	handler, ok := registry.Get("Ping")
	assert.True(t, ok)
	assert.NotNil(t, handler)
}
