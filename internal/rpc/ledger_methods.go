package rpc

import (
	"encoding/json"
	"time"

	"github.com/fanvault/tokend/internal/token"
)

// pingMethod answers connectivity probes with an empty success result.
type pingMethod struct{}

func (m *pingMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	return map[string]interface{}{}, nil
}

func (m *pingMethod) RequiredRole() Role { return RoleGuest }

// serverInfoMethod reports daemon state. Admin callers additionally get
// the recorded-error tail.
type serverInfoMethod struct {
	svc    *Services
	server *Server
}

func (m *serverInfoMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	version := m.svc.Version
	if version == "" {
		version = "dev"
	}

	info := map[string]interface{}{
		"build_version":   version,
		"storage_backend": m.svc.Backend,
		"uptime_seconds":  int64(m.svc.uptime().Seconds()),
		"time":            time.Now().UTC().Format(time.RFC3339),
	}

	if ledger := m.svc.Ledger; ledger != nil {
		if total, err := ledger.CountAll(ctx.Context); err == nil {
			info["total_events"] = total
		}
		if open, err := ledger.CountHolds(ctx.Context, token.StateOpen); err == nil {
			info["open_holds"] = open
		}
	}
	if m.server != nil && m.server.ws != nil {
		info["websocket_clients"] = m.server.ws.ConnectionCount()
	}
	if log := m.svc.Log; log != nil {
		info["errors_recorded"] = log.ErrorCount()
		if ctx.IsAdmin() {
			info["recent_errors"] = log.RecentErrors()
		}
	}

	return map[string]interface{}{"info": info}, nil
}

func (m *serverInfoMethod) RequiredRole() Role { return RoleGuest }

// tokenCountMethod returns the total number of ledger events.
type tokenCountMethod struct {
	svc *Services
}

func (m *tokenCountMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	n, err := m.svc.Ledger.CountAll(ctx.Context)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"count": n}, nil
}

func (m *tokenCountMethod) RequiredRole() Role { return RoleGuest }

// tokenGetMethod loads one event by id.
type tokenGetMethod struct {
	svc *Services
}

func (m *tokenGetMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, RpcInvalidParams("id is required")
	}

	entry, err := m.svc.Ledger.Get(ctx.Context, p.ID)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"transaction": entry}, nil
}

func (m *tokenGetMethod) RequiredRole() Role { return RoleGuest }

// tokenListMethod pages through ledger events matching a filter
// conjunction.
type tokenListMethod struct {
	svc *Services
}

func (m *tokenListMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID          string `json:"userId"`
		BeneficiaryID   string `json:"beneficiaryId"`
		TransactionType string `json:"transactionType"`
		State           string `json:"state"`
		RefID           string `json:"refId"`
		Purpose         string `json:"purpose"`
		CreatedFrom     string `json:"createdFrom"`
		CreatedTo       string `json:"createdTo"`
		Limit           int    `json:"limit"`
		Marker          string `json:"marker"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	limit, rpcErr := clampLimit(p.Limit)
	if rpcErr != nil {
		return nil, rpcErr
	}
	state, rpcErr := parseHoldState(p.State)
	if rpcErr != nil {
		return nil, rpcErr
	}

	page, err := m.svc.Ledger.ListFiltered(ctx.Context, token.ListFilters{
		UserID:          p.UserID,
		BeneficiaryID:   p.BeneficiaryID,
		TransactionType: token.TransactionType(p.TransactionType),
		State:           state,
		RefID:           p.RefID,
		Purpose:         p.Purpose,
		CreatedFrom:     p.CreatedFrom,
		CreatedTo:       p.CreatedTo,
	}, limit, p.Marker)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return pageResult(page), nil
}

func (m *tokenListMethod) RequiredRole() Role { return RoleGuest }

// holdCountMethod counts holds, optionally narrowed to one state.
type holdCountMethod struct {
	svc *Services
}

func (m *holdCountMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		State string `json:"state"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	state, rpcErr := parseHoldState(p.State)
	if rpcErr != nil {
		return nil, rpcErr
	}

	n, err := m.svc.Ledger.CountHolds(ctx.Context, state)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"count": n}, nil
}

func (m *holdCountMethod) RequiredRole() Role { return RoleGuest }

// holdListMethod pages through holds, optionally narrowed to one state.
type holdListMethod struct {
	svc *Services
}

func (m *holdListMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		State  string `json:"state"`
		Limit  int    `json:"limit"`
		Marker string `json:"marker"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	limit, rpcErr := clampLimit(p.Limit)
	if rpcErr != nil {
		return nil, rpcErr
	}
	state, rpcErr := parseHoldState(p.State)
	if rpcErr != nil {
		return nil, rpcErr
	}

	page, err := m.svc.Ledger.ListHolds(ctx.Context, state, limit, p.Marker)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return pageResult(page), nil
}

func (m *holdListMethod) RequiredRole() Role { return RoleGuest }
