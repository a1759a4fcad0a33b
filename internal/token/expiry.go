package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// Expiry sweep defaults.
const (
	DefaultExpiryBatch = 25

	// expiryWorkers bounds concurrent reversals inside one sweep.
	expiryWorkers = 4
)

// ExpiryResult summarizes one expiry sweep.
type ExpiryResult struct {
	Cutoff   string `json:"cutoff"`
	Found    int    `json:"found"`
	Reversed int    `json:"reversed"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// FindExpiredHolds returns OPEN holds whose expiry is at least
// expiredForSeconds in the past, oldest first, at most limit. Missing-state
// holds are reported as corruption and excluded; malformed expiries never
// qualify.
func (m *Manager) FindExpiredHolds(ctx context.Context, expiredForSeconds int64, limit int) ([]*Entry, error) {
	cutoffTime := m.now().Add(-time.Duration(expiredForSeconds) * time.Second)
	cutoff := timeutil.FormatISO(cutoffTime)

	rows, err := m.store.QueryByIndex(ctx, m.table, IndexTypeExpires, string(TypeHold),
		table.RangeCond{LTE: cutoff}, table.QueryOptions{})
	if err != nil {
		if !errors.Is(err, table.ErrIndexUnavailable) {
			return nil, err
		}
		m.log.Debugf("expiry index unavailable, scanning")
		rows, err = m.store.Scan(ctx, m.table, table.ScanOptions{})
		if err != nil {
			return nil, err
		}
	}

	var expired []*Entry
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			m.log.AddError("expiry sweep: "+err.Error(), nil)
			continue
		}
		if e.TransactionType != TypeHold {
			continue
		}
		if e.State == "" {
			m.log.AddError(ErrHoldMissingState.Message, logging.Fields{"id": e.ID})
			continue
		}
		if e.State != StateOpen {
			continue
		}
		exp, ok := timeutil.Parse(e.ExpiresAt)
		if !ok {
			m.log.AddError("hold has unparseable expiresAt", logging.Fields{"id": e.ID, "expiresAt": e.ExpiresAt})
			continue
		}
		if exp.After(cutoffTime) {
			continue
		}
		expired = append(expired, e)
		if limit > 0 && len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

// ProcessExpiredHolds finds and reverses one batch of expired holds. Each
// reversal runs independently; races with concurrent captures or reversals
// are counted as skips, and failures never abort the sweep.
func (m *Manager) ProcessExpiredHolds(ctx context.Context, expiredForSeconds int64, batchSize int) (*ExpiryResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultExpiryBatch
	}

	result := &ExpiryResult{
		Cutoff: timeutil.FormatISO(m.now().Add(-time.Duration(expiredForSeconds) * time.Second)),
	}

	expired, err := m.FindExpiredHolds(ctx, expiredForSeconds, batchSize)
	if err != nil {
		return nil, err
	}
	result.Found = len(expired)
	if len(expired) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expiryWorkers)
	for _, h := range expired {
		h := h
		g.Go(func() error {
			res, err := m.reverseHeld(gctx, HoldRef{TransactionID: h.ID}, "expired")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Count > 0:
				result.Reversed += res.Count
			case err == nil:
				result.Skipped++
			case errors.Is(err, ErrAlreadyReversed), errors.Is(err, ErrAlreadyCaptured), errors.Is(err, ErrAlreadyProcessed):
				result.Skipped++
			default:
				result.Failed++
				m.log.AddError("expire hold failed: "+err.Error(), logging.Fields{"id": h.ID})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.log.WriteLog(logging.Event{
		Flag:    logging.FlagTokens,
		Action:  "EXPIRE_HOLDS",
		Message: "expiry sweep finished",
		Data: map[string]any{
			"found":    result.Found,
			"reversed": result.Reversed,
			"skipped":  result.Skipped,
			"failed":   result.Failed,
		},
	})
	return result, nil
}

// RunExpiryWorker sweeps on a fixed cadence until the context is canceled.
// A sweep that fails is logged and the cadence continues.
func (m *Manager) RunExpiryWorker(ctx context.Context, interval time.Duration, expiredForSeconds int64, batchSize int) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ProcessExpiredHolds(ctx, expiredForSeconds, batchSize); err != nil {
				m.log.AddError("expiry sweep failed: "+err.Error(), nil)
			}
		}
	}
}
