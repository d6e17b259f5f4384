package auction

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

// scoreAd positional arguments. The UDF signature is
//
//	scoreAd(adMetadata, bid, auctionConfig, scoringSignals, deviceSignals,
//	        directFromSellerSignals, featureFlags)
//
// Protected-app-signals requests omit directFromSellerSignals (and carry
// reduced device signals), so their argument count differs.
const (
	argAdMetadata = iota
	argBid
	argAuctionConfig
	argScoringSignals
	argDeviceSignals
	argDirectFromSellerSignals
	argFeatureFlags
	scoreAdArgCount
)

const pasScoreAdArgCount = scoreAdArgCount - 1

// emptyJSONObject substitutes for absent optional scoring signals.
const emptyJSONObject = "{}"

// DuplicateIdentifierError reports a dispatch identifier produced twice in
// one batch. The duplicate is dropped; the batch continues.
type DuplicateIdentifierError struct {
	ID string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate dispatch identifier %q", e.ID)
}

// ErrMissingScoringSignals marks a candidate silently skipped because the
// runtime requires scoring signals and none exist for its render URL.
type ErrMissingScoringSignals struct {
	RenderURL string
}

func (e *ErrMissingScoringSignals) Error() string {
	return fmt.Sprintf("no scoring signals for %q", e.RenderURL)
}

// BuilderConfig carries the request-scoped inputs shared by every dispatch
// request in one scoring batch.
type BuilderConfig struct {
	Scope core.AuctionScope

	Seller            string
	TopLevelSeller    string
	PublisherHostname string
	SellerCurrency    string

	AuctionSignals json.RawMessage
	SellerSignals  json.RawMessage

	// ScoringSignals maps render URLs to trusted scoring signals.
	ScoringSignals map[string]json.RawMessage

	// RequireScoringSignals skips candidates without signals instead of
	// substituting an empty object.
	RequireScoringSignals bool

	Flags auctionapi.FeatureFlags

	// UDFVersion is the scoring code version, already resolved against any
	// per-request override.
	UDFVersion string
}

// BatchBuilder accumulates the scoring dispatch batch and the side tables
// needed to correlate results back to their candidates. It is scoped to one
// request and never shared.
type BatchBuilder struct {
	cfg BuilderConfig

	auctionConfigJSON string
	featureFlagsJSON  string

	requests   []dispatch.Request
	candidates map[string]*core.AdCandidate

	// componentSellers and joinCandidates are keyed by dispatch identifier
	// and consumed when re-constituting the top-level response.
	componentSellers map[string]string
	joinCandidates   map[string]string
}

// NewBatchBuilder creates an empty builder for one scoring batch.
func NewBatchBuilder(cfg BuilderConfig) *BatchBuilder {
	b := &BatchBuilder{
		cfg:              cfg,
		candidates:       make(map[string]*core.AdCandidate),
		componentSellers: make(map[string]string),
		joinCandidates:   make(map[string]string),
	}
	b.auctionConfigJSON = b.buildAuctionConfig()
	b.featureFlagsJSON = b.buildFeatureFlags()
	return b
}

// AddProtectedAudienceAd builds the scoreAd request for a protected-audience
// bid. A missing-signals return is a silent skip, not a failure.
func (b *BatchBuilder) AddProtectedAudienceAd(ad *auctionapi.AdWithBidMetadata) error {
	signals, err := b.scoringSignalsFor(ad.RenderURL)
	if err != nil {
		return err
	}

	cand := &core.AdCandidate{
		Kind:                        core.AdKindProtectedAudience,
		ID:                          ad.RenderURL,
		RenderURL:                   ad.RenderURL,
		AdComponentURLs:             ad.AdComponentURLs,
		InterestGroupName:           ad.InterestGroupName,
		InterestGroupOwner:          ad.InterestGroupOwner,
		InterestGroupOrigin:         ad.InterestGroupOrigin,
		BuyerBid:                    ad.Bid,
		BidCurrency:                 ad.BidCurrency,
		IncomingBidInSellerCurrency: ad.IncomingBidInSellerCurrency,
		BuyerReportingID:            ad.BuyerReportingID,
		BuyerAndSellerReportingID:   ad.BuyerAndSellerReportingID,
		SelectedReportingID:         ad.SelectedReportingID,
		KAnonEligible:               ad.KAnonStatus,
		AdMetadataJSON:              rawOrEmpty(ad.AdMetadata),
		JoinCount:                   ad.JoinCount,
		Recency:                     ad.Recency,
		ModelingSignals:             ad.ModelingSignals,
		DataVersion:                 ad.DataVersion,
	}

	deviceSignals := map[string]any{
		"topWindowHostname":  b.cfg.PublisherHostname,
		"interestGroupOwner": cand.InterestGroupOwner,
		"interestGroupName":  cand.InterestGroupName,
		"renderUrl":          cand.RenderURL,
		"adComponents":       cand.AdComponentURLs,
		"bidCurrency":        cand.BidCurrency,
		"dataVersion":        cand.DataVersion,
	}
	if cand.BuyerReportingID != "" {
		deviceSignals["buyerReportingId"] = cand.BuyerReportingID
	}
	if cand.BuyerAndSellerReportingID != "" {
		deviceSignals["buyerAndSellerReportingId"] = cand.BuyerAndSellerReportingID
	}
	if cand.SelectedReportingID != "" {
		deviceSignals["selectedBuyerAndSellerReportingId"] = cand.SelectedReportingID
	}

	args := make([]string, scoreAdArgCount)
	args[argAdMetadata] = cand.AdMetadataJSON
	args[argBid] = formatFloat(cand.BuyerBid)
	args[argAuctionConfig] = b.auctionConfigJSON
	args[argScoringSignals] = signals
	args[argDeviceSignals] = mustJSON(deviceSignals)
	args[argDirectFromSellerSignals] = emptyJSONObject
	args[argFeatureFlags] = b.featureFlagsJSON

	return b.append(cand, args)
}

// AddProtectedAppSignalsAd builds the scoreAd request for an app-signals
// bid. App-signals requests omit ad components, reporting ids, and the
// direct-from-seller argument.
func (b *BatchBuilder) AddProtectedAppSignalsAd(ad *auctionapi.ProtectedAppSignalsAdWithBidMetadata) error {
	signals, err := b.scoringSignalsFor(ad.RenderURL)
	if err != nil {
		return err
	}

	cand := &core.AdCandidate{
		Kind:                        core.AdKindProtectedAppSignals,
		ID:                          ad.RenderURL,
		RenderURL:                   ad.RenderURL,
		InterestGroupOwner:          ad.Owner,
		BuyerBid:                    ad.Bid,
		BidCurrency:                 ad.BidCurrency,
		IncomingBidInSellerCurrency: ad.IncomingBidInSellerCurrency,
		KAnonEligible:               ad.KAnonStatus,
		AdMetadataJSON:              rawOrEmpty(ad.AdMetadata),
		DataVersion:                 ad.DataVersion,
	}

	deviceSignals := map[string]any{
		"topWindowHostname": b.cfg.PublisherHostname,
		"owner":             cand.InterestGroupOwner,
		"renderUrl":         cand.RenderURL,
		"bidCurrency":       cand.BidCurrency,
	}

	args := make([]string, pasScoreAdArgCount)
	args[argAdMetadata] = cand.AdMetadataJSON
	args[argBid] = formatFloat(cand.BuyerBid)
	args[argAuctionConfig] = b.auctionConfigJSON
	args[argScoringSignals] = signals
	args[argDeviceSignals] = mustJSON(deviceSignals)
	args[pasScoreAdArgCount-1] = b.featureFlagsJSON

	return b.append(cand, args)
}

// AddComponentAuctionResult builds the top-level scoreAd requests for a
// component winner and its ghost winners. Component entries synthesize their
// identifiers from the owning seller so two sellers bidding the same render
// URL never collide.
func (b *BatchBuilder) AddComponentAuctionResult(res *auctionapi.ComponentAuctionResult) error {
	id := componentAdScoreKey(res.Seller, res.AdRenderURL)
	cand := &core.AdCandidate{
		Kind:                  core.AdKindComponentResult,
		ID:                    id,
		RenderURL:             res.AdRenderURL,
		AdComponentURLs:       res.AdComponentURLs,
		InterestGroupName:     res.InterestGroupName,
		InterestGroupOwner:    res.InterestGroupOwner,
		InterestGroupOrigin:   res.InterestGroupOrigin,
		BuyerBid:              res.Bid,
		BidCurrency:           res.BidCurrency,
		KAnonEligible:         true,
		AdMetadataJSON:        rawOrEmpty(res.AdMetadata),
		OwningComponentSeller: res.Seller,
		DataVersion:           res.DataVersion,
	}

	if err := b.appendComponent(cand, res.Seller, ""); err != nil {
		return err
	}

	for i := range res.KAnonGhostWinners {
		ghost := &res.KAnonGhostWinners[i]
		gid := componentGhostKey(res.Seller, ghost.RenderURL)
		gcand := &core.AdCandidate{
			Kind:                   core.AdKindComponentGhost,
			ID:                     gid,
			RenderURL:              ghost.RenderURL,
			InterestGroupName:      ghost.InterestGroupName,
			InterestGroupOwner:     ghost.InterestGroupOwner,
			BuyerBid:               ghost.Bid,
			BidCurrency:            ghost.BidCurrency,
			KAnonEligible:          false,
			AdMetadataJSON:         rawOrEmpty(ghost.AdMetadata),
			OwningComponentSeller:  res.Seller,
			KAnonJoinCandidateJSON: rawOrEmpty(ghost.JoinCandidate),
		}
		if err := b.appendComponent(gcand, res.Seller, gcand.KAnonJoinCandidateJSON); err != nil {
			// A ghost collision must not discard the component winner.
			log.Printf("INFO: Dropping component ghost winner: %v", err)
		}
	}
	return nil
}

func (b *BatchBuilder) appendComponent(cand *core.AdCandidate, seller, joinCandidate string) error {
	signals, err := b.scoringSignalsFor(cand.RenderURL)
	if err != nil {
		return err
	}

	deviceSignals := map[string]any{
		"topWindowHostname":  b.cfg.PublisherHostname,
		"interestGroupOwner": cand.InterestGroupOwner,
		"renderUrl":          cand.RenderURL,
		"adComponents":       cand.AdComponentURLs,
		"bidCurrency":        cand.BidCurrency,
		"componentSeller":    seller,
		"dataVersion":        cand.DataVersion,
	}

	args := make([]string, scoreAdArgCount)
	args[argAdMetadata] = cand.AdMetadataJSON
	args[argBid] = formatFloat(cand.BuyerBid)
	args[argAuctionConfig] = b.auctionConfigJSON
	args[argScoringSignals] = signals
	args[argDeviceSignals] = mustJSON(deviceSignals)
	args[argDirectFromSellerSignals] = emptyJSONObject
	args[argFeatureFlags] = b.featureFlagsJSON

	if err := b.append(cand, args); err != nil {
		return err
	}
	b.componentSellers[cand.ID] = seller
	if joinCandidate != "" {
		b.joinCandidates[cand.ID] = joinCandidate
	}
	return nil
}

func (b *BatchBuilder) append(cand *core.AdCandidate, args []string) error {
	if _, exists := b.candidates[cand.ID]; exists {
		return &DuplicateIdentifierError{ID: cand.ID}
	}
	b.candidates[cand.ID] = cand
	b.requests = append(b.requests, dispatch.Request{
		ID:         cand.ID,
		Handler:    dispatch.HandlerScoreAd,
		Version:    b.cfg.UDFVersion,
		Args:       args,
		TimeoutTag: dispatch.TimeoutTagScoring,
	})
	return nil
}

// scoringSignalsFor resolves the trusted scoring signals for a render URL.
// Missing signals are a silent skip when required, an empty-object
// substitution otherwise.
func (b *BatchBuilder) scoringSignalsFor(renderURL string) (string, error) {
	if raw, ok := b.cfg.ScoringSignals[renderURL]; ok && len(raw) > 0 {
		return string(raw), nil
	}
	if b.cfg.RequireScoringSignals {
		return "", &ErrMissingScoringSignals{RenderURL: renderURL}
	}
	return emptyJSONObject, nil
}

// Requests returns the accumulated batch. AttachMetadata must run before
// submission.
func (b *BatchBuilder) Requests() []dispatch.Request {
	return b.requests
}

// AttachMetadata sets the batch-shared metadata on every request just before
// submission.
func (b *BatchBuilder) AttachMetadata(metadata map[string]string) {
	for i := range b.requests {
		b.requests[i].Metadata = metadata
	}
}

// Candidate looks up the candidate for a dispatch identifier.
func (b *BatchBuilder) Candidate(id string) (*core.AdCandidate, bool) {
	cand, ok := b.candidates[id]
	return cand, ok
}

// ComponentSeller returns the owning component seller recorded for an
// identifier.
func (b *BatchBuilder) ComponentSeller(id string) (string, bool) {
	seller, ok := b.componentSellers[id]
	return seller, ok
}

// JoinCandidate returns the stashed k-anon join candidate for an identifier.
func (b *BatchBuilder) JoinCandidate(id string) (string, bool) {
	jc, ok := b.joinCandidates[id]
	return jc, ok
}

func (b *BatchBuilder) buildAuctionConfig() string {
	cfg := map[string]any{
		"seller": b.cfg.Seller,
	}
	if len(b.cfg.AuctionSignals) > 0 {
		cfg["auctionSignals"] = json.RawMessage(b.cfg.AuctionSignals)
	}
	if len(b.cfg.SellerSignals) > 0 {
		cfg["sellerSignals"] = json.RawMessage(b.cfg.SellerSignals)
	}
	if b.cfg.SellerCurrency != "" {
		cfg["sellerCurrency"] = b.cfg.SellerCurrency
	}
	if b.cfg.TopLevelSeller != "" {
		cfg["topLevelSeller"] = b.cfg.TopLevelSeller
	}
	if b.cfg.Scope.IsComponent() {
		cfg["componentAuction"] = true
	}
	return mustJSON(cfg)
}

func (b *BatchBuilder) buildFeatureFlags() string {
	return mustJSON(map[string]any{
		"enableLogging":            b.cfg.Flags.EnableAdtechCodeLogging,
		"enableDebugUrlGeneration": b.cfg.Flags.EnableDebugReporting,
		"enablePrivateAggregation": b.cfg.Flags.EnablePrivateAggregation,
	})
}

func componentAdScoreKey(seller, renderURL string) string {
	return seller + "|" + renderURL
}

func componentGhostKey(seller, renderURL string) string {
	return seller + "|ghost|" + renderURL
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return emptyJSONObject
	}
	return string(raw)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// mustJSON marshals values assembled locally from basic types; a failure is
// a programmer error.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal of local value failed: %v", err))
	}
	return string(data)
}
