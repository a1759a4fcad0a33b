package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/fanvault/tokend/internal/token"
)

// registerAllMethods wires the complete method registry. Called by
// NewServer.
func (s *Server) registerAllMethods() {
	svc := s.services

	// Server methods
	s.registry.Register("ping", &pingMethod{})
	s.registry.Register("server_info", &serverInfoMethod{svc: svc, server: s})

	// Ledger read methods
	s.registry.Register("token_count", &tokenCountMethod{svc: svc})
	s.registry.Register("token_get", &tokenGetMethod{svc: svc})
	s.registry.Register("token_list", &tokenListMethod{svc: svc})
	s.registry.Register("hold_count", &holdCountMethod{svc: svc})
	s.registry.Register("hold_list", &holdListMethod{svc: svc})

	// User methods
	s.registry.Register("user_records", &userRecordsMethod{svc: svc})
	s.registry.Register("user_balance", &userBalanceMethod{svc: svc})
	s.registry.Register("balance_drilldown", &balanceDrilldownMethod{svc: svc})
	s.registry.Register("balances_list", &balancesListMethod{svc: svc})
	s.registry.Register("expiring_grants", &expiringGrantsMethod{svc: svc})
	s.registry.Register("earnings_report", &earningsReportMethod{svc: svc})

	// Admin methods
	s.registry.Register("adjust_balance", &adjustBalanceMethod{svc: svc})
	s.registry.Register("expire_holds", &expireHoldsMethod{svc: svc})
	s.registry.Register("purge_old", &purgeOldMethod{svc: svc})
}

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// decodeParams unmarshals the request params into dst. Absent params
// leave dst at its zero value.
func decodeParams(params json.RawMessage, dst interface{}) *RpcError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return RpcInvalidParams("malformed params: " + err.Error())
	}
	return nil
}

// clampLimit applies the [1, maxListLimit] bound with the documented
// default for an absent limit.
func clampLimit(limit int) (int, *RpcError) {
	if limit == 0 {
		return defaultListLimit, nil
	}
	if limit < 1 || limit > maxListLimit {
		return 0, RpcInvalidParams(fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
	}
	return limit, nil
}

// parseHoldState validates an optional hold state filter.
func parseHoldState(state string) (token.HoldState, *RpcError) {
	switch token.HoldState(state) {
	case "", token.StateOpen, token.StateCaptured, token.StateReversed:
		return token.HoldState(state), nil
	default:
		return "", RpcInvalidParams(fmt.Sprintf("unknown hold state %q", state))
	}
}

// pageResult shapes a listing page. The marker resumes the listing when
// passed back in the next call.
func pageResult(page *token.Page) map[string]interface{} {
	result := map[string]interface{}{
		"records": page.Records,
		"count":   len(page.Records),
	}
	if page.PageToken != "" {
		result["marker"] = page.PageToken
	}
	return result
}
