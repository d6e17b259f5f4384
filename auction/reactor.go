// Package auction implements the ScoreAds pipeline: dispatch construction,
// untrusted-code batch execution, winner selection, the reporting cascade,
// and debug-report sampling.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

// RPC-level failure classes. Everything else degrades per candidate.
var (
	// ErrInvalidRequest maps to INVALID_ARGUMENT at the server edge.
	ErrInvalidRequest = errors.New("invalid scoring request")
	// ErrInternal maps to INTERNAL; the message never leaks details.
	ErrInternal = errors.New("internal scoring failure")
)

// ReactorConfig is the runtime configuration of the scoring pipeline.
type ReactorConfig struct {
	// RequireScoringSignals silently skips candidates whose render URL has no
	// scoring signals entry.
	RequireScoringSignals bool

	MaxGhostWinners int

	// DefaultUDFVersion is used unless the request overrides it.
	DefaultUDFVersion string

	// CurrencyModificationEpsilon tunes the illegal-bid-modification check;
	// zero selects the default.
	CurrencyModificationEpsilon float64

	Reporting ReportingConfig
	Debug     DebugConfig
}

// Reactor owns the per-request scoring flow. One Reactor serves many
// requests; all per-request state lives on the stack of Execute, so nothing
// is shared across requests except the enrollment cache.
type Reactor struct {
	cfg        ReactorConfig
	executor   dispatch.BatchExecutor
	enrollment *EnrollmentCache
	reporter   AsyncReporter
	rand       core.RandSource
}

// NewReactor wires the scoring pipeline. A nil randSource selects the
// crypto/rand default; a nil reporter disables direct debug pings.
func NewReactor(cfg ReactorConfig, executor dispatch.BatchExecutor, enrollment *EnrollmentCache, reporter AsyncReporter, randSource core.RandSource) *Reactor {
	if reporter == nil {
		reporter = NewHTTPReporter(5 * time.Second)
	}
	return &Reactor{
		cfg:        cfg,
		executor:   executor,
		enrollment: enrollment,
		reporter:   reporter,
		rand:       randSource,
	}
}

// Execute scores one decrypted request end to end. A winner-less outcome is
// an OK response with no ad score, not an error.
func (r *Reactor) Execute(ctx context.Context, req *auctionapi.ScoreAdsRequest) (*auctionapi.ScoreAdsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, dispatch.ErrCancelled
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	scope := scopeFor(req)
	udfVersion := r.cfg.DefaultUDFVersion
	if req.Flags.UDFVersionOverride != "" {
		udfVersion = req.Flags.UDFVersionOverride
	}

	builder := NewBatchBuilder(BuilderConfig{
		Scope:                 scope,
		Seller:                req.Seller,
		TopLevelSeller:        req.TopLevelSeller,
		PublisherHostname:     req.PublisherHostname,
		SellerCurrency:        req.SellerCurrency,
		AuctionSignals:        req.AuctionSignals,
		SellerSignals:         req.SellerSignals,
		ScoringSignals:        req.ScoringSignals,
		RequireScoringSignals: r.cfg.RequireScoringSignals,
		Flags:                 req.Flags,
		UDFVersion:            udfVersion,
	})
	r.buildBatch(builder, req)

	response := &auctionapi.ScoreAdsResponse{ResponseID: uuid.NewString()}

	requests := builder.Requests()
	if len(requests) == 0 {
		// Candidates existed but none were dispatchable (signals filtering).
		// This is a graceful winner-less outcome, not an error.
		log.Printf("INFO: No dispatchable candidates for seller %s, returning winner-less response", req.Seller)
		return response, nil
	}
	builder.AttachMetadata(map[string]string{
		"batch_id": uuid.NewString(),
		"seller":   req.Seller,
	})

	results, err := r.executeBatch(ctx, requests)
	if err != nil {
		return nil, err
	}

	scoredAds, parser := r.parseResults(results, req, builder)

	currency := core.NewCurrencyChecker(req.SellerCurrency)
	if r.cfg.CurrencyModificationEpsilon > 0 {
		currency.ModificationEpsilon = r.cfg.CurrencyModificationEpsilon
	}

	scoring := core.SelectWinner(scoredAds, core.SelectionConfig{
		Scope:           scope,
		Currency:        currency,
		EnforceKAnon:    req.Flags.EnforceKAnonymity,
		MaxGhostWinners: r.cfg.MaxGhostWinners,
		Rand:            r.rand,
	})

	for _, rej := range scoring.RejectedAds {
		response.RejectedAds = append(response.RejectedAds, auctionapi.RejectedAd{
			InterestGroupOwner: rej.InterestGroupOwner,
			InterestGroupName:  rej.InterestGroupName,
			RejectionReason:    string(rej.Reason),
		})
	}
	r.collectContributions(response, parser, builder)

	winner := scoring.Winner()
	otherBids := core.HighestScoringOtherBids(scoring, currency)
	otherBidOwners := highestOtherBidOwners(scoring)
	if winner != nil {
		response.Winner = adScoreToAPI(winner, builder)
		response.Winner.HighestScoringOtherBids = otherBids
	}
	for _, ghost := range scoring.GhostWinners() {
		response.GhostWinners = append(response.GhostWinners, *adScoreToAPI(ghost, builder))
	}

	if err := r.runReporting(ctx, response, winner, req, scope, builder, otherBids, otherBidOwners); err != nil {
		return nil, err
	}

	r.runDebugReporting(response, req, scope, scoredAds, winner, otherBids, otherBidOwners)

	return response, nil
}

// buildBatch adds every candidate of every ad format. Per-candidate build
// failures (missing signals, duplicates) log and drop only that candidate.
func (r *Reactor) buildBatch(builder *BatchBuilder, req *auctionapi.ScoreAdsRequest) {
	for i := range req.AdBids {
		if err := builder.AddProtectedAudienceAd(&req.AdBids[i]); err != nil {
			log.Printf("INFO: Skipping protected-audience ad: %v", err)
		}
	}
	for i := range req.ProtectedAppSignalsAdBids {
		if err := builder.AddProtectedAppSignalsAd(&req.ProtectedAppSignalsAdBids[i]); err != nil {
			log.Printf("INFO: Skipping app-signals ad: %v", err)
		}
	}
	for i := range req.ComponentAuctionResults {
		if err := builder.AddComponentAuctionResult(&req.ComponentAuctionResults[i]); err != nil {
			log.Printf("INFO: Skipping component auction result: %v", err)
		}
	}
}

// executeBatch submits the scoring batch and waits for its single completion
// callback.
func (r *Reactor) executeBatch(ctx context.Context, requests []dispatch.Request) ([]dispatch.Result, error) {
	done := make(chan []dispatch.Result, 1)
	err := r.executor.BatchExecute(ctx, requests, func(results []dispatch.Result) {
		done <- results
	})
	if err != nil {
		// Synchronous rejection: no batch was scheduled, the whole RPC fails.
		log.Printf("ERROR: Scoring batch rejected by executor: %v", err)
		return nil, fmt.Errorf("%w: batch dispatch rejected", ErrInternal)
	}

	results := <-done
	if ctx.Err() != nil {
		return nil, dispatch.ErrCancelled
	}
	return results, nil
}

func (r *Reactor) parseResults(results []dispatch.Result, req *auctionapi.ScoreAdsRequest, builder *BatchBuilder) ([]*core.ScoredAd, *ResponseParser) {
	parser := &ResponseParser{
		EnforceKAnon:              req.Flags.EnforceKAnonymity,
		CapturePrivateAggregation: req.Flags.EnablePrivateAggregation,
		LogAdtechCode:             req.Flags.EnableAdtechCodeLogging,
	}
	scoredAds := make([]*core.ScoredAd, 0, len(results))
	for _, res := range results {
		ad, err := parser.Parse(res, builder.Candidate)
		if err != nil {
			log.Printf("INFO: Excluding candidate from scoring: %v", err)
			continue
		}
		scoredAds = append(scoredAds, ad)
	}
	return scoredAds, parser
}

func (r *Reactor) collectContributions(response *auctionapi.ScoreAdsResponse, parser *ResponseParser, builder *BatchBuilder) {
	for id, contributions := range parser.Contributions {
		entry := auctionapi.PrivateAggregationContribution{
			AdID:          id,
			Contributions: contributions,
		}
		if cand, ok := builder.Candidate(id); ok {
			entry.IGOwner = cand.InterestGroupOwner
		}
		response.PrivateAggregationContributions = append(response.PrivateAggregationContributions, entry)
	}
}

func (r *Reactor) runReporting(ctx context.Context, response *auctionapi.ScoreAdsResponse, winner *core.ScoredAd, req *auctionapi.ScoreAdsRequest, scope core.AuctionScope, builder *BatchBuilder, otherBids []float64, otherBidOwners map[string]bool) error {
	if winner == nil || !r.cfg.Reporting.EnableSellerReporting {
		return nil
	}

	highestOther := 0.0
	if len(otherBids) > 0 {
		highestOther = otherBids[0]
	}
	orchestrator := NewReportingOrchestrator(r.cfg.Reporting, r.executor, r.rand)
	reporting, err := orchestrator.Run(ctx, winner, &ReportingContext{
		Scope:                      scope,
		Seller:                     req.Seller,
		TopLevelSeller:             req.TopLevelSeller,
		PublisherHostname:          req.PublisherHostname,
		AuctionConfigJSON:          builder.auctionConfigJSON,
		PerBuyerSignals:            req.PerBuyerSignals,
		HighestScoringOtherBid:     highestOther,
		MadeHighestScoringOtherBid: otherBidOwners[winner.Score.InterestGroupOwner],
	})
	if err != nil {
		// Only cancellation escapes the orchestrator; finish CANCELLED
		// instead of returning partial reporting.
		return dispatch.ErrCancelled
	}

	if reporting.Seller != nil {
		switch scope {
		case core.ScopeDeviceComponentMultiSeller, core.ScopeServerComponentMultiSeller:
			response.ComponentSellerReportingURLs = reporting.Seller
		case core.ScopeServerTopLevel:
			response.TopLevelSellerReportingURLs = reporting.Seller
		default:
			response.SellerReportingURLs = reporting.Seller
		}
	}
	response.BuyerReportingURLs = reporting.Buyer

	if len(reporting.SellerContributions) > 0 {
		response.PrivateAggregationContributions = append(response.PrivateAggregationContributions,
			auctionapi.PrivateAggregationContribution{
				AdID:          winner.ID,
				IGOwner:       winner.Score.InterestGroupOwner,
				Contributions: reporting.SellerContributions,
			})
	}
	if len(reporting.BuyerContributions) > 0 {
		response.PrivateAggregationContributions = append(response.PrivateAggregationContributions,
			auctionapi.PrivateAggregationContribution{
				AdID:          winner.ID,
				IGOwner:       winner.Score.InterestGroupOwner,
				Contributions: reporting.BuyerContributions,
			})
	}
	return nil
}

func (r *Reactor) runDebugReporting(response *auctionapi.ScoreAdsResponse, req *auctionapi.ScoreAdsRequest, scope core.AuctionScope, scoredAds []*core.ScoredAd, winner *core.ScoredAd, otherBids []float64, otherBidOwners map[string]bool) {
	if !r.cfg.Debug.Enabled || !req.Flags.EnableDebugReporting {
		return
	}

	winningBid := 0.0
	if winner != nil {
		winningBid = winner.Score.BuyerBid
	}
	highestOther := 0.0
	if len(otherBids) > 0 {
		highestOther = otherBids[0]
	}

	sampler := NewDebugSampler(r.cfg.Debug, scope, r.enrollment, r.reporter, r.rand)
	reports := sampler.Process(scoredAds, winner, func(ad *core.ScoredAd, won bool) core.PlaceholderValues {
		return core.PlaceholderValues{
			WinningBid:                 winningBid,
			MadeWinningBid:             won,
			HighestScoringOtherBid:     highestOther,
			MadeHighestScoringOtherBid: otherBidOwners[ad.Score.InterestGroupOwner],
			RejectReason:               ad.Score.RejectReason,
		}
	})
	response.DebugReports = reports
}

// validateRequest accumulates every mandatory-field violation into one
// INVALID_ARGUMENT error.
func validateRequest(req *auctionapi.ScoreAdsRequest) error {
	var problems []string
	if req.Seller == "" {
		problems = append(problems, "seller is required")
	}
	if req.PublisherHostname == "" {
		problems = append(problems, "publisher hostname is required")
	}
	if len(req.AdBids) == 0 && len(req.ProtectedAppSignalsAdBids) == 0 && len(req.ComponentAuctionResults) == 0 {
		problems = append(problems, "no ad candidates of any type")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// scopeFor derives the auction scope from the request shape: component
// results mean this is the top-level tier, a top-level seller means this is a
// component tier.
func scopeFor(req *auctionapi.ScoreAdsRequest) core.AuctionScope {
	if len(req.ComponentAuctionResults) > 0 {
		return core.ScopeServerTopLevel
	}
	if req.TopLevelSeller != "" {
		return core.ScopeDeviceComponentMultiSeller
	}
	return core.ScopeSingleSeller
}

// highestOtherBidOwners collects the interest-group owners whose ads sit in
// the top non-winner desirability bucket, the bucket whose bids are disclosed
// as the highest scoring other bids.
func highestOtherBidOwners(data *core.ScoringData) map[string]bool {
	owners := make(map[string]bool)
	best := 0.0
	for d, idxs := range data.BidsByDesirability {
		if d <= 0 {
			continue
		}
		hasOther := false
		for _, idx := range idxs {
			if idx != data.WinnerIndex {
				hasOther = true
				break
			}
		}
		if hasOther && d > best {
			best = d
		}
	}
	if best == 0 {
		return owners
	}
	for _, idx := range data.BidsByDesirability[best] {
		if idx == data.WinnerIndex {
			continue
		}
		owners[data.Active[idx].Score.InterestGroupOwner] = true
	}
	return owners
}

func adScoreToAPI(ad *core.ScoredAd, builder *BatchBuilder) *auctionapi.AdScore {
	score := ad.Score
	out := &auctionapi.AdScore{
		Desirability:                score.Desirability,
		RenderURL:                   score.RenderURL,
		AdComponentURLs:             score.AdComponentURLs,
		InterestGroupName:           score.InterestGroupName,
		InterestGroupOwner:          score.InterestGroupOwner,
		InterestGroupOrigin:         score.InterestGroupOrigin,
		Bid:                         score.Bid,
		BidCurrency:                 score.BidCurrency,
		BuyerBid:                    score.BuyerBid,
		IncomingBidInSellerCurrency: score.IncomingBidInSellerCurrency,
		AllowComponentAuction:       score.AllowComponentAuction,
		DataVersion:                 score.DataVersion,
	}
	if score.AdMetadataJSON != "" && score.AdMetadataJSON != emptyJSONObject {
		out.AdMetadata = json.RawMessage(score.AdMetadataJSON)
	}
	if jc, ok := builder.JoinCandidate(ad.ID); ok {
		out.KAnonJoinCandidate = json.RawMessage(jc)
	} else if score.KAnonJoinCandidateJSON != "" && score.KAnonJoinCandidateJSON != emptyJSONObject {
		out.KAnonJoinCandidate = json.RawMessage(score.KAnonJoinCandidateJSON)
	}
	return out
}
