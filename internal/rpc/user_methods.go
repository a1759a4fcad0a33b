package rpc

import (
	"encoding/json"

	"github.com/fanvault/tokend/internal/token"
)

// userRecordsMethod pages through one user's events.
type userRecordsMethod struct {
	svc *Services
}

func (m *userRecordsMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID                    string `json:"userId"`
		IncludeBeneficiaryRecords bool   `json:"includeBeneficiaryRecords"`
		RefID                     string `json:"refId"`
		Limit                     int    `json:"limit"`
		Marker                    string `json:"marker"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UserID == "" {
		return nil, RpcInvalidParams("userId is required")
	}
	limit, rpcErr := clampLimit(p.Limit)
	if rpcErr != nil {
		return nil, rpcErr
	}

	page, err := m.svc.Ledger.ListUserRecords(ctx.Context, p.UserID, token.UserRecordsOptions{
		IncludeBeneficiaryRecords: p.IncludeBeneficiaryRecords,
		RefID:                     p.RefID,
		Limit:                     limit,
		PageToken:                 p.Marker,
	})
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return pageResult(page), nil
}

func (m *userRecordsMethod) RequiredRole() Role { return RoleGuest }

// userBalanceMethod folds one user's events into a balance.
type userBalanceMethod struct {
	svc *Services
}

func (m *userBalanceMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID string `json:"userId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UserID == "" {
		return nil, RpcInvalidParams("userId is required")
	}

	balance, err := m.svc.Ledger.GetBalance(ctx.Context, p.UserID)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"balance": balance}, nil
}

func (m *userBalanceMethod) RequiredRole() Role { return RoleGuest }

// balanceDrilldownMethod reports a balance with per-bucket grant
// provenance.
type balanceDrilldownMethod struct {
	svc *Services
}

func (m *balanceDrilldownMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID string `json:"userId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UserID == "" {
		return nil, RpcInvalidParams("userId is required")
	}

	drilldown, err := m.svc.Ledger.GetBalanceDrilldown(ctx.Context, p.UserID)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"drilldown": drilldown}, nil
}

func (m *balanceDrilldownMethod) RequiredRole() Role { return RoleGuest }

// balancesListMethod folds the whole ledger into per-user balances.
type balancesListMethod struct {
	svc *Services
}

func (m *balancesListMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		Search string `json:"search"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	balances, err := m.svc.Ledger.ListAllUserBalances(ctx.Context, p.Search)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{
		"users": balances,
		"count": len(balances),
	}, nil
}

func (m *balancesListMethod) RequiredRole() Role { return RoleGuest }

// expiringGrantsMethod lists a user's free grants approaching expiry.
type expiringGrantsMethod struct {
	svc *Services
}

func (m *expiringGrantsMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID     string `json:"userId"`
		WithinDays int    `json:"withinDays"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.UserID == "" {
		return nil, RpcInvalidParams("userId is required")
	}

	grants, err := m.svc.Ledger.ListExpiringGrants(ctx.Context, p.UserID, p.WithinDays)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{
		"grants": grants,
		"count":  len(grants),
	}, nil
}

func (m *expiringGrantsMethod) RequiredRole() Role { return RoleGuest }

// earningsReportMethod aggregates a beneficiary's earnings per day.
type earningsReportMethod struct {
	svc *Services
}

func (m *earningsReportMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		BeneficiaryID string `json:"beneficiaryId"`
		From          string `json:"from"`
		To            string `json:"to"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	report, err := m.svc.Ledger.Earnings(ctx.Context, p.BeneficiaryID, p.From, p.To)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	return map[string]interface{}{"report": report}, nil
}

func (m *earningsReportMethod) RequiredRole() Role { return RoleGuest }
