package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

// reportingState tracks the reporting cascade. reportWin never dispatches
// before the reportResult callback has fired.
type reportingState int

const (
	stateIdle reportingState = iota
	stateSellerReporting
	stateBuyerReporting
	stateDone
)

// ReportingConfig is the runtime reporting configuration.
type ReportingConfig struct {
	EnableSellerReporting bool
	EnableBuyerReporting  bool

	// SellerBuyerCodeIsolated selects the two-phase reportResult→reportWin
	// cascade; when false a single combined reporting dispatch runs instead.
	SellerBuyerCodeIsolated bool

	// BuyerAllowList and PASBuyerAllowList gate reportWin per ad type. A nil
	// list allows every buyer; an empty non-nil list allows none.
	BuyerAllowList    map[string]bool
	PASBuyerAllowList map[string]bool

	// EnableNoising applies stochastic rounding and bucketing to buyer
	// reporting inputs.
	EnableNoising bool

	EnableAdtechCodeLogging bool

	SellerUDFVersion string
	BuyerUDFVersion  string
}

// ReportingContext carries the auction-level inputs reporting needs beyond
// the winner itself.
type ReportingContext struct {
	Scope core.AuctionScope

	Seller            string
	TopLevelSeller    string
	PublisherHostname string

	AuctionConfigJSON string

	PerBuyerSignals map[string]json.RawMessage

	HighestScoringOtherBid     float64
	MadeHighestScoringOtherBid bool
}

// ReportingResult is whatever the cascade produced before finishing or
// degrading. Reporting failure never fails the RPC, so a partial result is a
// normal outcome.
type ReportingResult struct {
	Seller *auctionapi.ReportingURLs
	Buyer  *auctionapi.ReportingURLs

	SignalsForWinner string

	// SellerContributions and BuyerContributions are private-aggregation
	// payloads captured from the reporting UDFs, tagged by the caller with
	// the winning interest group.
	SellerContributions json.RawMessage
	BuyerContributions  json.RawMessage
}

// ReportingOrchestrator drives the reporting cascade for one winner.
type ReportingOrchestrator struct {
	cfg      ReportingConfig
	executor dispatch.BatchExecutor
	rand     core.RandSource
}

// NewReportingOrchestrator creates an orchestrator over the given executor.
// A nil randSource selects the crypto/rand default used for input noising.
func NewReportingOrchestrator(cfg ReportingConfig, executor dispatch.BatchExecutor, randSource core.RandSource) *ReportingOrchestrator {
	return &ReportingOrchestrator{cfg: cfg, executor: executor, rand: randSource}
}

// Run executes the cascade for the winner. The only error returned is
// cancellation: any sub-stage failure degrades to Done with the partial
// result assembled so far.
func (o *ReportingOrchestrator) Run(ctx context.Context, winner *core.ScoredAd, rctx *ReportingContext) (*ReportingResult, error) {
	result := &ReportingResult{}
	if winner == nil || !o.cfg.EnableSellerReporting {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("reporting cancelled: %w", dispatch.ErrCancelled)
	}

	if !o.cfg.SellerBuyerCodeIsolated {
		return o.runCombined(ctx, winner, rctx)
	}

	sellerSignals := o.sellerDeviceSignals(winner, rctx)

	state := stateIdle
	for state != stateDone {
		switch state {
		case stateIdle:
			state = stateSellerReporting

		case stateSellerReporting:
			res, err := o.dispatchOne(ctx, dispatch.Request{
				ID:         winner.ID,
				Handler:    dispatch.HandlerReportResult,
				Version:    o.cfg.SellerUDFVersion,
				Args:       o.reportResultArgs(rctx, sellerSignals),
				TimeoutTag: dispatch.TimeoutTagReporting,
			})
			if err != nil {
				return result, err
			}
			if res.Err != nil {
				log.Printf("INFO: Seller reporting failed for %s: %v", winner.ID, res.Err)
				return result, nil
			}
			urls, signalsForWinner, pagg, err := parseReportResult(res.Payload)
			if err != nil {
				log.Printf("INFO: Unparseable reportResult output for %s: %v", winner.ID, err)
				return result, nil
			}
			result.Seller = urls
			result.SignalsForWinner = signalsForWinner
			result.SellerContributions = pagg

			if o.buyerReportingAllowed(winner) {
				state = stateBuyerReporting
			} else {
				state = stateDone
			}

		case stateBuyerReporting:
			res, err := o.dispatchOne(ctx, dispatch.Request{
				ID:         winner.ID,
				Handler:    dispatch.HandlerReportWin,
				Version:    o.cfg.BuyerUDFVersion,
				Args:       o.reportWinArgs(winner, rctx, sellerSignals, result.SignalsForWinner),
				TimeoutTag: dispatch.TimeoutTagReporting,
			})
			if err != nil {
				return result, err
			}
			if res.Err != nil {
				log.Printf("INFO: Buyer reporting failed for %s: %v", winner.ID, res.Err)
				return result, nil
			}
			urls, pagg, err := parseReportWin(res.Payload)
			if err != nil {
				log.Printf("INFO: Unparseable reportWin output for %s: %v", winner.ID, err)
				return result, nil
			}
			result.Buyer = urls
			result.BuyerContributions = pagg
			state = stateDone
		}
	}
	return result, nil
}

// runCombined is the legacy single-dispatch path used when seller and buyer
// code share an execution context. Its argument list is a distinct contract,
// not a degenerate two-phase call.
func (o *ReportingOrchestrator) runCombined(ctx context.Context, winner *core.ScoredAd, rctx *ReportingContext) (*ReportingResult, error) {
	result := &ReportingResult{}

	signals := o.sellerDeviceSignals(winner, rctx)
	signals["interestGroupName"] = winner.Score.InterestGroupName
	signals["buyerSignals"] = o.buyerSignalsFor(winner, rctx)

	res, err := o.dispatchOne(ctx, dispatch.Request{
		ID:         winner.ID,
		Handler:    dispatch.HandlerReporting,
		Version:    o.cfg.SellerUDFVersion,
		Args: []string{
			rctx.AuctionConfigJSON,
			mustJSON(signals),
			mustJSON(o.cfg.EnableAdtechCodeLogging),
		},
		TimeoutTag: dispatch.TimeoutTagReporting,
	})
	if err != nil {
		return result, err
	}
	if res.Err != nil {
		log.Printf("INFO: Combined reporting failed for %s: %v", winner.ID, res.Err)
		return result, nil
	}

	var wrapper struct {
		Response struct {
			ReportResultURL         string            `json:"reportResultUrl,omitempty"`
			ReportWinURL            string            `json:"reportWinUrl,omitempty"`
			InteractionReportingURL map[string]string `json:"interactionReportingUrls,omitempty"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(res.Payload), &wrapper); err != nil {
		log.Printf("INFO: Unparseable combined reporting output for %s: %v", winner.ID, err)
		return result, nil
	}
	if wrapper.Response.ReportResultURL != "" {
		result.Seller = &auctionapi.ReportingURLs{
			ReportingURL:            wrapper.Response.ReportResultURL,
			InteractionReportingURL: wrapper.Response.InteractionReportingURL,
		}
	}
	if wrapper.Response.ReportWinURL != "" {
		result.Buyer = &auctionapi.ReportingURLs{ReportingURL: wrapper.Response.ReportWinURL}
	}
	return result, nil
}

// dispatchOne submits a single-request batch and waits for its completion
// callback. Cancellation is checked before dispatch and surfaces as an error
// so the RPC can finish CANCELLED instead of completing partial reporting.
func (o *ReportingOrchestrator) dispatchOne(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.Result{}, fmt.Errorf("reporting cancelled: %w", dispatch.ErrCancelled)
	}

	done := make(chan dispatch.Result, 1)
	err := o.executor.BatchExecute(ctx, []dispatch.Request{req}, func(results []dispatch.Result) {
		if len(results) > 0 {
			done <- results[0]
		} else {
			done <- dispatch.Result{ID: req.ID, Err: fmt.Errorf("executor returned no results")}
		}
	})
	if err != nil {
		// Whole-batch rejection: nothing was scheduled.
		return dispatch.Result{ID: req.ID, Err: err}, nil
	}

	// The executor invokes the callback exactly once, even when cancelled.
	res := <-done
	if res.Err != nil && ctx.Err() != nil {
		return dispatch.Result{}, fmt.Errorf("reporting cancelled: %w", dispatch.ErrCancelled)
	}
	return res, nil
}

func (o *ReportingOrchestrator) buyerReportingAllowed(winner *core.ScoredAd) bool {
	if !o.cfg.EnableBuyerReporting {
		return false
	}
	var allowList map[string]bool
	switch winner.Candidate.Kind {
	case core.AdKindProtectedAppSignals:
		allowList = o.cfg.PASBuyerAllowList
	default:
		allowList = o.cfg.BuyerAllowList
	}
	if allowList == nil {
		return true
	}
	return allowList[winner.Score.InterestGroupOwner]
}

// sellerDeviceSignals computes the scope-specific seller reporting signals.
func (o *ReportingOrchestrator) sellerDeviceSignals(winner *core.ScoredAd, rctx *ReportingContext) map[string]any {
	score := winner.Score
	signals := map[string]any{
		"topWindowHostname":      rctx.PublisherHostname,
		"interestGroupOwner":     score.InterestGroupOwner,
		"renderURL":              score.RenderURL,
		"bid":                    score.BuyerBid,
		"bidCurrency":            score.BuyerBidCurrency,
		"desirability":           score.Desirability,
		"highestScoringOtherBid": rctx.HighestScoringOtherBid,
	}
	switch rctx.Scope {
	case core.ScopeDeviceComponentMultiSeller, core.ScopeServerComponentMultiSeller:
		signals["componentSeller"] = rctx.Seller
		signals["topLevelSeller"] = rctx.TopLevelSeller
		signals["modifiedBid"] = score.Bid
	case core.ScopeServerTopLevel:
		signals["topLevelSeller"] = rctx.Seller
	case core.ScopeSingleSeller:
		// Single-seller reporting carries no seller hierarchy fields.
	}
	return signals
}

func (o *ReportingOrchestrator) reportResultArgs(rctx *ReportingContext, sellerSignals map[string]any) []string {
	return []string{
		rctx.AuctionConfigJSON,
		mustJSON(sellerSignals),
		emptyJSONObject, // directFromSellerSignals
		mustJSON(o.cfg.EnableAdtechCodeLogging),
	}
}

func (o *ReportingOrchestrator) reportWinArgs(winner *core.ScoredAd, rctx *ReportingContext, sellerSignals map[string]any, signalsForWinner string) []string {
	buyerSignals := make(map[string]any, len(sellerSignals)+4)
	for k, v := range sellerSignals {
		buyerSignals[k] = v
	}
	for k, v := range o.buyerSignalsFor(winner, rctx) {
		buyerSignals[k] = v
	}

	perBuyer := emptyJSONObject
	if raw, ok := rctx.PerBuyerSignals[winner.Score.InterestGroupOwner]; ok && len(raw) > 0 {
		perBuyer = string(raw)
	}
	if signalsForWinner == "" {
		signalsForWinner = emptyJSONObject
	}

	return []string{
		rctx.AuctionConfigJSON,
		perBuyer,
		signalsForWinner,
		mustJSON(buyerSignals),
		emptyJSONObject, // directFromSellerSignals
		mustJSON(o.cfg.EnableAdtechCodeLogging),
	}
}

// buyerSignalsFor derives the buyer-specific reporting metadata. Monetary
// values are stochastically rounded to 8 mantissa bits and integer signals
// bucketed when input noising is enabled; a failed rounding drops the field.
func (o *ReportingOrchestrator) buyerSignalsFor(winner *core.ScoredAd, rctx *ReportingContext) map[string]any {
	cand := winner.Candidate
	signals := map[string]any{
		"interestGroupName":          winner.Score.InterestGroupName,
		"madeHighestScoringOtherBid": rctx.MadeHighestScoringOtherBid,
	}
	if o.cfg.EnableNoising {
		signals["joinCount"] = core.NoiseAndBucketJoinCount(cand.JoinCount, o.rand)
		signals["recency"] = core.NoiseAndBucketRecency(cand.Recency, o.rand)
		signals["modelingSignals"] = core.NoiseModelingSignals(cand.ModelingSignals, o.rand)
		if rounded, ok := core.RoundStochastically(winner.Score.BuyerBid, 8, o.rand); ok {
			signals["bid"] = rounded
		} else {
			delete(signals, "bid")
		}
	} else {
		signals["joinCount"] = cand.JoinCount
		signals["recency"] = cand.Recency
		signals["modelingSignals"] = cand.ModelingSignals
	}
	return signals
}

func parseReportResult(payload string) (*auctionapi.ReportingURLs, string, json.RawMessage, error) {
	var wrapper struct {
		Response struct {
			ReportResultURL         string            `json:"reportResultUrl,omitempty"`
			SignalsForWinner        json.RawMessage   `json:"signalsForWinner,omitempty"`
			InteractionReportingURL map[string]string `json:"interactionReportingUrls,omitempty"`
			PAggResponse            json.RawMessage   `json:"paggResponse,omitempty"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return nil, "", nil, err
	}
	urls := &auctionapi.ReportingURLs{
		ReportingURL:            wrapper.Response.ReportResultURL,
		InteractionReportingURL: wrapper.Response.InteractionReportingURL,
	}
	return urls, string(wrapper.Response.SignalsForWinner), wrapper.Response.PAggResponse, nil
}

func parseReportWin(payload string) (*auctionapi.ReportingURLs, json.RawMessage, error) {
	var wrapper struct {
		Response struct {
			ReportWinURL            string            `json:"reportWinUrl,omitempty"`
			InteractionReportingURL map[string]string `json:"interactionReportingUrls,omitempty"`
			PAggResponse            json.RawMessage   `json:"paggResponse,omitempty"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return nil, nil, err
	}
	urls := &auctionapi.ReportingURLs{
		ReportingURL:            wrapper.Response.ReportWinURL,
		InteractionReportingURL: wrapper.Response.InteractionReportingURL,
	}
	return urls, wrapper.Response.PAggResponse, nil
}
