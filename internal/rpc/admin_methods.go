package rpc

import (
	"encoding/json"

	"github.com/fanvault/tokend/internal/token"
)

// adjustBalanceMethod writes a manual balance correction as a regular
// ledger event.
type adjustBalanceMethod struct {
	svc *Services
}

func (m *adjustBalanceMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		UserID        string `json:"userId"`
		Amount        int64  `json:"amount"`
		TokenType     string `json:"type"`
		Reason        string `json:"reason"`
		BeneficiaryID string `json:"beneficiaryId"`
		ExpiresAt     string `json:"expiresAt"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := m.svc.Ledger.AdjustBalance(ctx.Context, token.AdjustParams{
		UserID:        p.UserID,
		Amount:        p.Amount,
		TokenType:     p.TokenType,
		Reason:        p.Reason,
		BeneficiaryID: p.BeneficiaryID,
		ExpiresAt:     p.ExpiresAt,
	})
	if err != nil {
		return nil, errorFromLedger(err)
	}
	m.svc.logger().WriteLog(newAuditEvent("adjust_balance", ctx, map[string]any{
		"userId": p.UserID,
		"amount": p.Amount,
		"type":   p.TokenType,
	}))
	return map[string]interface{}{
		"success":     true,
		"transaction": entry,
	}, nil
}

func (m *adjustBalanceMethod) RequiredRole() Role { return RoleAdmin }

// expireHoldsMethod runs one expiry pass and reports the outcome.
type expireHoldsMethod struct {
	svc *Services
}

func (m *expireHoldsMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		ExpiredForSeconds int64 `json:"expiredForSeconds"`
		BatchSize         int   `json:"batchSize"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.ExpiredForSeconds < 0 {
		return nil, RpcInvalidParams("expiredForSeconds must not be negative")
	}

	result, err := m.svc.Ledger.ProcessExpiredHolds(ctx.Context, p.ExpiredForSeconds, p.BatchSize)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	m.svc.logger().WriteLog(newAuditEvent("expire_holds", ctx, map[string]any{
		"found":    result.Found,
		"reversed": result.Reversed,
	}))
	return map[string]interface{}{
		"cutoff":   result.Cutoff,
		"found":    result.Found,
		"reversed": result.Reversed,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}, nil
}

func (m *expireHoldsMethod) RequiredRole() Role { return RoleAdmin }

// purgeOldMethod runs one retention pass. DryRun defaults to true so an
// empty params object never deletes anything.
type purgeOldMethod struct {
	svc *Services
}

func (m *purgeOldMethod) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p struct {
		OlderThanDays int   `json:"olderThanDays"`
		Limit         int   `json:"limit"`
		DryRun        *bool `json:"dryRun"`
		Archive       bool  `json:"archive"`
		MaxSeconds    int   `json:"maxSeconds"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}

	opts := token.DefaultPurgeOptions()
	if p.OlderThanDays > 0 {
		opts.OlderThanDays = p.OlderThanDays
	}
	if p.Limit > 0 {
		opts.Limit = p.Limit
	}
	if p.DryRun != nil {
		opts.DryRun = *p.DryRun
	}
	if p.MaxSeconds > 0 {
		opts.MaxSeconds = p.MaxSeconds
	}
	opts.Archive = p.Archive

	result, err := m.svc.Ledger.PurgeOld(ctx.Context, opts)
	if err != nil {
		return nil, errorFromLedger(err)
	}
	m.svc.logger().WriteLog(newAuditEvent("purge_old", ctx, map[string]any{
		"dryRun":  result.DryRun,
		"deleted": result.Deleted,
	}))
	return map[string]interface{}{
		"cutoff":     result.Cutoff,
		"dryRun":     result.DryRun,
		"scanned":    result.Scanned,
		"candidates": result.Candidates,
		"archived":   result.Archived,
		"deleted":    result.Deleted,
		"timedOut":   result.TimedOut,
		"seconds":    result.Seconds,
	}, nil
}

func (m *purgeOldMethod) RequiredRole() Role { return RoleAdmin }
