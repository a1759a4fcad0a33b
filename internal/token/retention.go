package token

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// Retention defaults. Deletion is irreversible, so the zero-configured
// worker only reports what it would remove.
const (
	DefaultPurgeOlderThanDays = 730
	DefaultPurgeLimit         = 1000
	DefaultPurgeMaxSeconds    = 25

	purgeScanPage       = 200
	purgeArchiveRetries = 3
)

// PurgeOptions controls one retention pass.
type PurgeOptions struct {
	// OlderThanDays selects events created strictly before now minus this
	// many days.
	OlderThanDays int

	// Limit caps how many candidates one pass processes.
	Limit int

	// DryRun only counts candidates. Note the safe default comes from
	// DefaultPurgeOptions, not from the zero value.
	DryRun bool

	// Archive copies each candidate to the relational archive before
	// deleting it. Rows that fail to archive are kept.
	Archive bool

	// MaxSeconds is the wall-clock budget for the pass.
	MaxSeconds int
}

// DefaultPurgeOptions returns the documented defaults: a dry run over two
// years of history with a 25 second budget.
func DefaultPurgeOptions() PurgeOptions {
	return PurgeOptions{
		OlderThanDays: DefaultPurgeOlderThanDays,
		Limit:         DefaultPurgeLimit,
		DryRun:        true,
		MaxSeconds:    DefaultPurgeMaxSeconds,
	}
}

// PurgeResult summarizes one retention pass.
type PurgeResult struct {
	Cutoff     string  `json:"cutoff"`
	DryRun     bool    `json:"dryRun"`
	Scanned    int     `json:"scanned"`
	Candidates int     `json:"candidates"`
	Archived   int     `json:"archived"`
	Deleted    int     `json:"deleted"`
	TimedOut   bool    `json:"timedOut"`
	Seconds    float64 `json:"seconds"`
}

// ErrArchiveUnconfigured rejects an archiving purge when no archive store is
// wired.
var ErrArchiveUnconfigured = errors.New("archive requested but no archive store configured")

// PurgeOld scans the ledger for events older than the cutoff and, unless
// dry-running, deletes them, optionally archiving each first. The pass stops
// at the limit, at the time budget, or at the end of the table, whichever
// comes first.
func (m *Manager) PurgeOld(ctx context.Context, opts PurgeOptions) (*PurgeResult, error) {
	if opts.OlderThanDays <= 0 {
		opts.OlderThanDays = DefaultPurgeOlderThanDays
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultPurgeLimit
	}
	if opts.MaxSeconds <= 0 {
		opts.MaxSeconds = DefaultPurgeMaxSeconds
	}
	if opts.Archive && !opts.DryRun && m.archive == nil {
		return nil, ErrArchiveUnconfigured
	}

	start := m.now()
	deadline := start.Add(time.Duration(opts.MaxSeconds) * time.Second)
	cutoff := start.AddDate(0, 0, -opts.OlderThanDays)
	result := &PurgeResult{Cutoff: timeutil.FormatISO(cutoff), DryRun: opts.DryRun}

	lastID := ""
scan:
	for {
		rows, err := m.store.Scan(ctx, m.table, table.ScanOptions{Limit: purgeScanPage, StartAfterID: lastID})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if id := asString(row[attrID]); id != "" {
				lastID = id
			}
			result.Scanned++

			if m.now().After(deadline) {
				result.TimedOut = true
				break scan
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			e, err := decodeEntry(row)
			if err != nil {
				m.log.AddError("purge: "+err.Error(), nil)
				continue
			}
			created, ok := timeutil.Parse(e.CreatedAt)
			if !ok || !created.Before(cutoff) {
				continue
			}

			result.Candidates++
			if !opts.DryRun {
				if opts.Archive {
					if err := m.archiveWithRetry(ctx, e); err != nil {
						m.log.AddError("purge: archive failed, keeping row: "+err.Error(),
							logging.Fields{"id": e.ID})
						continue
					}
					result.Archived++
				}
				if err := m.store.Delete(ctx, m.table, e.ID); err != nil {
					m.log.AddError("purge: delete failed: "+err.Error(), logging.Fields{"id": e.ID})
					continue
				}
				result.Deleted++
			}

			if result.Candidates >= opts.Limit {
				break scan
			}
		}
	}

	result.Seconds = m.now().Sub(start).Seconds()
	m.log.WriteLog(logging.Event{
		Flag:    logging.FlagTokens,
		Action:  "PURGE_OLD",
		Message: "retention pass finished",
		Data: map[string]any{
			"cutoff":     result.Cutoff,
			"dryRun":     result.DryRun,
			"scanned":    result.Scanned,
			"candidates": result.Candidates,
			"archived":   result.Archived,
			"deleted":    result.Deleted,
			"timedOut":   result.TimedOut,
		},
	})
	return result, nil
}

// RunRetentionWorker runs purge passes on a fixed cadence until the context
// is canceled. A pass that fails is logged and the cadence continues.
func (m *Manager) RunRetentionWorker(ctx context.Context, interval time.Duration, opts PurgeOptions) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PurgeOld(ctx, opts); err != nil {
				m.log.AddError("retention pass failed: "+err.Error(), nil)
			}
		}
	}
}

// archiveWithRetry pushes one entry to the archive store, retrying transient
// failures with exponential backoff before giving up.
func (m *Manager) archiveWithRetry(ctx context.Context, e *Entry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		return m.archive.ArchiveEntry(ctx, e)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, purgeArchiveRetries), ctx))
}
