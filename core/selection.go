package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

// RandSource provides random number generation for winner sampling.
// This interface enables dependency injection for deterministic testing.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

// cryptoRandSource wraps crypto/rand for production use
type cryptoRandSource struct{}

// Intn returns a cryptographically secure random integer in [0, n).
// Panics if n <= 0 (programmer error).
func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	// rand.Int does not error when using rand.Reader
	// https://pkg.go.dev/pkg/crypto/rand#Int
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// defaultRandSource provides a cryptographically secure random source for production
var defaultRandSource RandSource = cryptoRandSource{}

// DefaultRandSource returns the production crypto/rand source.
func DefaultRandSource() RandSource {
	return defaultRandSource
}

// SelectionConfig parameterizes one winner-selection pass.
type SelectionConfig struct {
	Scope AuctionScope

	Currency CurrencyChecker

	// EnforceKAnon gates ghost-winner collection; when false every candidate
	// is treated as eligible to win.
	EnforceKAnon bool

	// MaxGhostWinners bounds how many ghost winners are sampled.
	MaxGhostWinners int

	// Rand is the sampling source; nil selects the crypto/rand default.
	Rand RandSource
}

// SelectWinner runs the selection pass over parsed ad scores:
// filtering, sorting, partitioning, sampling, bucketing. The input slice is
// not reordered; rejected candidates are reported in the returned
// ScoringData rather than compacted in place, so callers can keep iterating
// the original order for debug reporting.
func SelectWinner(ads []*ScoredAd, cfg SelectionConfig) *ScoringData {
	if cfg.Rand == nil {
		cfg.Rand = defaultRandSource
	}

	data := &ScoringData{
		WinnerIndex:        -1,
		BidsByDesirability: make(map[float64][]int),
	}

	// Phase 1: filtering. A fresh filtered list replaces in-place tail
	// compaction so accepted candidates keep a well-defined order.
	active := make([]*ScoredAd, 0, len(ads))
	for _, ad := range ads {
		if ad == nil || ad.Score == nil {
			continue
		}
		reason, rejected := rejectionFor(ad, cfg)

		// Component auctions default the modified bid to the original buyer
		// bid when adtech declined to set one.
		if cfg.Scope.IsComponent() && ad.Score.Bid == 0 {
			ad.Score.Bid = ad.Score.BuyerBid
			if ad.Score.BidCurrency == "" {
				ad.Score.BidCurrency = ad.Score.BuyerBidCurrency
			}
		}

		if rejected {
			ad.Score.RejectReason = reason
			ad.Score.HasRejectReason = true
			data.RejectedAds = append(data.RejectedAds, RejectedAd{
				InterestGroupOwner: ad.Score.InterestGroupOwner,
				InterestGroupName:  ad.Score.InterestGroupName,
				Reason:             reason,
			})
			continue
		}
		active = append(active, ad)
	}

	// Phase 2: sorting. Descending by desirability, then buyer bid, then
	// k-anon eligibility. The residual tie-break is insertion order (stable
	// sort), which keeps the partition below deterministic.
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Score.Desirability != b.Score.Desirability {
			return a.Score.Desirability > b.Score.Desirability
		}
		if a.Score.BuyerBid != b.Score.BuyerBid {
			return a.Score.BuyerBid > b.Score.BuyerBid
		}
		return a.KAnonEligible && !b.KAnonEligible
	})
	data.Active = active

	if len(active) == 0 || active[0].Score.Desirability <= 0 {
		// No candidate can win; the caller still emits debug pings and a
		// winner-less OK response.
		return data
	}

	// Phase 3: partitioning the maximum-desirability run. Ghost candidates
	// are only collected while the winner-candidate set is still empty, so
	// the two sets are disjoint by construction.
	maxDesirability := active[0].Score.Desirability
	i := 0
	if cfg.EnforceKAnon {
		for i < len(active) && active[i].Score.Desirability == maxDesirability && !active[i].KAnonEligible {
			// Ghost winners can never win, so their debug URLs are dead weight.
			active[i].Score.DebugURLs = DebugReportURLs{}
			data.GhostCandidates = append(data.GhostCandidates, i)
			i++
		}
	}
	for i < len(active) && active[i].Score.Desirability == maxDesirability && eligible(active[i], cfg) {
		data.WinnerCandidates = append(data.WinnerCandidates, i)
		i++
	}
	// Phase 4: sampling.
	if len(data.WinnerCandidates) > 0 {
		pick := cfg.Rand.Intn(len(data.WinnerCandidates))
		data.WinnerIndex = data.WinnerCandidates[pick]
	}
	data.GhostWinnerIndexes = sampleWithoutReplacement(data.GhostCandidates, cfg.MaxGhostWinners, cfg.Rand)

	// Phase 5: bucketing for highest-scoring-other-bid disclosure. Ghost
	// winners are excluded; the winner is excluded later per bucket.
	ghostSet := make(map[int]bool, len(data.GhostWinnerIndexes))
	for _, g := range data.GhostWinnerIndexes {
		ghostSet[g] = true
	}
	for idx := range active {
		if ghostSet[idx] {
			continue
		}
		d := active[idx].Score.Desirability
		data.BidsByDesirability[d] = append(data.BidsByDesirability[d], idx)
	}

	return data
}

func eligible(ad *ScoredAd, cfg SelectionConfig) bool {
	return !cfg.EnforceKAnon || ad.KAnonEligible
}

// rejectionFor computes the rejection reason for one candidate, checking in
// fixed priority order. The second return is false for the not-available
// sentinel, which marks a non-positive score without removing the candidate.
func rejectionFor(ad *ScoredAd, cfg SelectionConfig) (RejectionReason, bool) {
	score := ad.Score

	if cfg.Scope.IsComponent() && cfg.Currency.MismatchedModifiedCurrency(score.Bid, score.BidCurrency) {
		return RejectionFailedCurrencyCheck, true
	}

	if cfg.Currency.IllegallyModifiedIncomingBid(score.BuyerBidCurrency, score.BuyerBid, score.IncomingBidInSellerCurrency) {
		return RejectionInvalidBid, true
	}

	if score.Desirability <= 0 {
		if score.HasRejectReason && score.RejectReason != RejectionNotAvailable {
			return score.RejectReason, true
		}
		// Not-available is a sentinel, not a removal: the candidate stays
		// active but can never win because its desirability is non-positive.
		return RejectionNotAvailable, false
	}

	if cfg.Scope == ScopeDeviceComponentMultiSeller && !score.AllowComponentAuction {
		return RejectionComponentAuctionDisabled, true
	}

	return "", false
}

// sampleWithoutReplacement picks up to max indexes uniformly from candidates.
// When the candidate set fits the budget it is returned whole. Sampling uses
// a partial Fisher-Yates shuffle over a copy.
func sampleWithoutReplacement(candidates []int, max int, randSource RandSource) []int {
	if max <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= max {
		out := make([]int, len(candidates))
		copy(out, candidates)
		return out
	}
	pool := make([]int, len(candidates))
	copy(pool, candidates)
	for k := 0; k < max; k++ {
		pick := k + randSource.Intn(len(pool)-k)
		pool[k], pool[pick] = pool[pick], pool[k]
	}
	return pool[:max]
}

// HighestScoringOtherBids returns the disclosed bids of the top two distinct
// non-zero desirability buckets, excluding the winner's own index. Bids use
// the seller currency when one is configured.
func HighestScoringOtherBids(data *ScoringData, currency CurrencyChecker) []float64 {
	desirabilities := make([]float64, 0, len(data.BidsByDesirability))
	for d := range data.BidsByDesirability {
		if d > 0 {
			desirabilities = append(desirabilities, d)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(desirabilities)))

	bids := make([]float64, 0, 2)
	buckets := 0
	for _, d := range desirabilities {
		if buckets == 2 {
			break
		}
		contributed := false
		for _, idx := range data.BidsByDesirability[d] {
			if idx == data.WinnerIndex {
				continue
			}
			bids = append(bids, currency.DisclosedBid(data.Active[idx].Score))
			contributed = true
		}
		if contributed {
			buckets++
		}
	}
	return bids
}
