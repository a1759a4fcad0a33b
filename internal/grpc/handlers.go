package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fanvault/tokend/internal/token"
)

// GetCountsRequest asks for the ledger's headline counts.
type GetCountsRequest struct{}

// GetCountsResponse carries the ledger's headline counts.
type GetCountsResponse struct {
	// TotalEvents is the number of ledger events in the registry.
	TotalEvents int64 `json:"totalEvents"`

	// OpenHolds is the number of holds still reserving tokens.
	OpenHolds int64 `json:"openHolds"`

	// CapturedHolds and ReversedHolds count terminal holds.
	CapturedHolds int64 `json:"capturedHolds"`
	ReversedHolds int64 `json:"reversedHolds"`
}

// GetCounts reports the event and hold counts.
func (s *Server) GetCounts(ctx context.Context, req *GetCountsRequest) (*GetCountsResponse, error) {
	if s.ledger == nil {
		return nil, status.Error(codes.Internal, "ledger not available")
	}

	total, err := s.ledger.CountAll(ctx)
	if err != nil {
		return nil, statusFromLedger(err)
	}
	open, err := s.ledger.CountHolds(ctx, token.StateOpen)
	if err != nil {
		return nil, statusFromLedger(err)
	}
	captured, err := s.ledger.CountHolds(ctx, token.StateCaptured)
	if err != nil {
		return nil, statusFromLedger(err)
	}
	reversed, err := s.ledger.CountHolds(ctx, token.StateReversed)
	if err != nil {
		return nil, statusFromLedger(err)
	}

	return &GetCountsResponse{
		TotalEvents:   total,
		OpenHolds:     open,
		CapturedHolds: captured,
		ReversedHolds: reversed,
	}, nil
}

// ExpireHoldsRequest triggers one hold expiry pass.
type ExpireHoldsRequest struct {
	// ExpiredForSeconds is the grace period: only holds expired at least
	// this long are reversed.
	ExpiredForSeconds int64 `json:"expiredForSeconds"`

	// BatchSize caps how many holds the pass reverses. Zero uses the
	// ledger default.
	BatchSize int `json:"batchSize"`
}

// ExpireHoldsResponse summarizes one expiry pass.
type ExpireHoldsResponse struct {
	Cutoff   string `json:"cutoff"`
	Found    int    `json:"found"`
	Reversed int    `json:"reversed"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// ExpireHolds runs one expiry pass over open holds.
func (s *Server) ExpireHolds(ctx context.Context, req *ExpireHoldsRequest) (*ExpireHoldsResponse, error) {
	if s.ledger == nil {
		return nil, status.Error(codes.Internal, "ledger not available")
	}
	if req.ExpiredForSeconds < 0 {
		return nil, status.Error(codes.InvalidArgument, "expiredForSeconds must not be negative")
	}
	if req.BatchSize < 0 {
		return nil, status.Error(codes.InvalidArgument, "batchSize must not be negative")
	}

	start := time.Now()
	result, err := s.ledger.ProcessExpiredHolds(ctx, req.ExpiredForSeconds, req.BatchSize)
	s.observeRun("grpc_expire_holds", start, err)
	if err != nil {
		return nil, statusFromLedger(err)
	}

	return &ExpireHoldsResponse{
		Cutoff:   result.Cutoff,
		Found:    result.Found,
		Reversed: result.Reversed,
		Skipped:  result.Skipped,
		Failed:   result.Failed,
	}, nil
}

// PurgeOldRequest triggers one retention pass. Omitted fields keep the
// ledger defaults; DryRun in particular defaults to true.
type PurgeOldRequest struct {
	OlderThanDays int   `json:"olderThanDays"`
	Limit         int   `json:"limit"`
	DryRun        *bool `json:"dryRun"`
	Archive       bool  `json:"archive"`
	MaxSeconds    int   `json:"maxSeconds"`
}

// PurgeOldResponse summarizes one retention pass.
type PurgeOldResponse struct {
	Cutoff     string  `json:"cutoff"`
	DryRun     bool    `json:"dryRun"`
	Scanned    int     `json:"scanned"`
	Candidates int     `json:"candidates"`
	Archived   int     `json:"archived"`
	Deleted    int     `json:"deleted"`
	TimedOut   bool    `json:"timedOut"`
	Seconds    float64 `json:"seconds"`
}

// PurgeOld runs one retention pass over old events.
func (s *Server) PurgeOld(ctx context.Context, req *PurgeOldRequest) (*PurgeOldResponse, error) {
	if s.ledger == nil {
		return nil, status.Error(codes.Internal, "ledger not available")
	}

	opts := token.DefaultPurgeOptions()
	if req.OlderThanDays > 0 {
		opts.OlderThanDays = req.OlderThanDays
	}
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.MaxSeconds > 0 {
		opts.MaxSeconds = req.MaxSeconds
	}
	opts.Archive = req.Archive

	start := time.Now()
	result, err := s.ledger.PurgeOld(ctx, opts)
	s.observeRun("grpc_purge_old", start, err)
	if err != nil {
		return nil, statusFromLedger(err)
	}

	return &PurgeOldResponse{
		Cutoff:     result.Cutoff,
		DryRun:     result.DryRun,
		Scanned:    result.Scanned,
		Candidates: result.Candidates,
		Archived:   result.Archived,
		Deleted:    result.Deleted,
		TimedOut:   result.TimedOut,
		Seconds:    result.Seconds,
	}, nil
}

// statusFromLedger maps ledger errors onto gRPC status codes. Validation
// failures become InvalidArgument; anything without a stable ledger code
// is Internal.
func statusFromLedger(err error) error {
	if err == nil {
		return nil
	}
	var fieldErr *token.FieldError
	if errors.As(err, &fieldErr) {
		return status.Error(codes.InvalidArgument, fieldErr.Error())
	}
	if errors.Is(err, token.ErrArchiveUnconfigured) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	var tokenErr *token.Error
	if !errors.As(err, &tokenErr) {
		return status.Error(codes.Internal, err.Error())
	}

	code := codes.InvalidArgument
	switch {
	case errors.Is(err, token.ErrTransactionNotFound),
		errors.Is(err, token.ErrNoHeldTokens),
		errors.Is(err, token.ErrNoOpenHolds):
		code = codes.NotFound
	case errors.Is(err, token.ErrAlreadyCaptured),
		errors.Is(err, token.ErrAlreadyReversed),
		errors.Is(err, token.ErrAlreadyProcessed),
		errors.Is(err, token.ErrDuplicateHoldRef):
		code = codes.FailedPrecondition
	case errors.Is(err, token.ErrInsufficientTokens),
		errors.Is(err, token.ErrInsufficientPaidTokens):
		code = codes.FailedPrecondition
	case errors.Is(err, token.ErrHoldMissingState):
		code = codes.Internal
	}
	return status.Error(code, tokenErr.Error())
}
