package token

// SplitMode selects the consumption priority for a split.
type SplitMode int

const (
	// SplitDefault spends free tokens before paid: beneficiary bucket,
	// then system bucket, then paid.
	SplitDefault SplitMode = iota

	// SplitHold reserves paid tokens first so real funds back the
	// reservation, then beneficiary bucket, then system bucket. Any
	// remainder is still charged to paid; callers detect the overdraw.
	SplitHold

	// SplitTransfer serves tips. When the sender holds no bucket granted
	// by the tip's beneficiary it spends the single largest non-system
	// creator bucket, then system, then paid; otherwise it behaves like
	// SplitDefault.
	SplitTransfer
)

// BalanceSnapshot is the funds view a split draws from.
type BalanceSnapshot struct {
	Paid               int64
	FreePerBeneficiary map[string]int64
}

// available returns the spendable amount of a bucket; buckets driven
// negative by expired grants contribute nothing.
func (s BalanceSnapshot) available(bucket string) int64 {
	v := s.FreePerBeneficiary[bucket]
	if v < 0 {
		return 0
	}
	return v
}

// TotalFree sums the spendable free buckets.
func (s BalanceSnapshot) TotalFree() int64 {
	var total int64
	for bucket := range s.FreePerBeneficiary {
		total += s.available(bucket)
	}
	return total
}

// Split is the planned decomposition of one spend across the three sources.
// The three consumed quantities sum to the requested amount when the
// reachable balance covers it; under SplitHold the paid component absorbs
// any shortfall instead.
type Split struct {
	BeneficiaryFreeConsumed int64
	SystemFreeConsumed      int64
	PaidAmount              int64

	// FreeBeneficiarySourceID names the creator bucket a transfer split
	// consumed when it differs from the beneficiary.
	FreeBeneficiarySourceID string

	// Requested and Available record the inputs the split was planned
	// against; Available counts only sources the mode can reach.
	Requested int64
	Available int64
}

// Covered is the total the split actually consumes from existing funds.
func (s Split) Covered() int64 {
	return s.BeneficiaryFreeConsumed + s.SystemFreeConsumed + s.PaidAmount
}

// Covers reports whether the split pays for the full requested amount from
// the snapshot, without overdrawing any source.
func (s Split) Covers() bool {
	return s.Requested <= s.Available
}

// ComputeSplit plans how amount is consumed from snap for the given mode and
// beneficiary. It is pure: no reads, no writes, no clock.
func ComputeSplit(snap BalanceSnapshot, beneficiaryID string, amount int64, mode SplitMode) Split {
	split := Split{Requested: amount}
	if amount <= 0 {
		return split
	}
	need := amount

	switch mode {
	case SplitHold:
		take := minInt64(need, maxInt64(snap.Paid, 0))
		split.PaidAmount = take
		need -= take

		if beneficiaryID != SystemBucket {
			take = minInt64(need, snap.available(beneficiaryID))
			split.BeneficiaryFreeConsumed = take
			need -= take
		}

		take = minInt64(need, snap.available(SystemBucket))
		split.SystemFreeConsumed = take
		need -= take

		// Shortfall is charged to paid anyway; Covers() exposes it.
		split.PaidAmount += need
		split.Available = maxInt64(snap.Paid, 0) + split.reachableFree(snap, beneficiaryID)
		return split

	case SplitTransfer:
		if snap.available(beneficiaryID) == 0 || beneficiaryID == SystemBucket {
			source, balance := largestCreatorBucket(snap, beneficiaryID)
			if source != "" {
				take := minInt64(need, balance)
				split.BeneficiaryFreeConsumed = take
				split.FreeBeneficiarySourceID = source
				need -= take
			}

			take := minInt64(need, snap.available(SystemBucket))
			split.SystemFreeConsumed = take
			need -= take

			take = minInt64(need, maxInt64(snap.Paid, 0))
			split.PaidAmount = take

			split.Available = maxInt64(snap.Paid, 0) + balance + snap.available(SystemBucket)
			return split
		}
		// The sender holds tokens granted by the beneficiary; spend those
		// first like a regular debit.
		fallthrough

	default:
		if beneficiaryID != SystemBucket {
			take := minInt64(need, snap.available(beneficiaryID))
			split.BeneficiaryFreeConsumed = take
			need -= take
		}

		take := minInt64(need, snap.available(SystemBucket))
		split.SystemFreeConsumed = take
		need -= take

		take = minInt64(need, maxInt64(snap.Paid, 0))
		split.PaidAmount = take

		split.Available = maxInt64(snap.Paid, 0) + split.reachableFree(snap, beneficiaryID)
		return split
	}
}

// reachableFree is the free balance the default and hold priority orders can
// reach: the beneficiary bucket plus the system bucket, counted once when
// the beneficiary is the system.
func (s Split) reachableFree(snap BalanceSnapshot, beneficiaryID string) int64 {
	total := snap.available(SystemBucket)
	if beneficiaryID != SystemBucket {
		total += snap.available(beneficiaryID)
	}
	return total
}

// largestCreatorBucket picks the single biggest non-system bucket, excluding
// the beneficiary's own. Ties break on the lexicographically smallest id so
// concurrent planners agree. Transfers never split across creator buckets.
func largestCreatorBucket(snap BalanceSnapshot, beneficiaryID string) (string, int64) {
	var best string
	var bestBalance int64
	for bucket := range snap.FreePerBeneficiary {
		if bucket == SystemBucket || bucket == beneficiaryID {
			continue
		}
		balance := snap.available(bucket)
		if balance == 0 {
			continue
		}
		if balance > bestBalance || (balance == bestBalance && (best == "" || bucket < best)) {
			best = bucket
			bestBalance = balance
		}
	}
	return best, bestBalance
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
