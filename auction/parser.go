package auction

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

// scoreAdWrapper is the outer shape of a scoreAd execution result.
type scoreAdWrapper struct {
	Response json.RawMessage `json:"response"`
	Logs     []string        `json:"logs,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// scoreAdResponse is the adtech-declared scoring verdict. scoreAd may also
// return a bare number, interpreted as the desirability alone.
type scoreAdResponse struct {
	Desirability                float64 `json:"desirability"`
	Bid                         float64 `json:"bid,omitempty"`
	BidCurrency                 string  `json:"bidCurrency,omitempty"`
	IncomingBidInSellerCurrency float64 `json:"incomingBidInSellerCurrency,omitempty"`
	AllowComponentAuction       bool    `json:"allowComponentAuction,omitempty"`
	RejectReason                string  `json:"rejectReason,omitempty"`

	DebugReportURLs *struct {
		AuctionDebugWinURL  string `json:"auctionDebugWinUrl,omitempty"`
		AuctionDebugLossURL string `json:"auctionDebugLossUrl,omitempty"`
	} `json:"debugReportUrls,omitempty"`

	PAggResponse json.RawMessage `json:"paggResponse,omitempty"`
}

// CandidateLookup resolves a dispatch identifier to its candidate.
type CandidateLookup func(id string) (*core.AdCandidate, bool)

// ResponseParser turns raw scoreAd results into scored ads. Parse failures
// are per-element: one malformed result drops only its own candidate.
type ResponseParser struct {
	// EnforceKAnon copies eligibility from the candidate; when false every
	// scored ad is treated as eligible.
	EnforceKAnon bool

	// CapturePrivateAggregation keeps paggResponse payloads keyed by
	// dispatch identifier, independent of win/loss outcome.
	CapturePrivateAggregation bool

	// LogAdtechCode forwards UDF console output to the server log.
	LogAdtechCode bool

	// Contributions accumulates captured private-aggregation payloads.
	Contributions map[string]json.RawMessage
}

// Parse converts one batch element. All failure modes are non-fatal to the
// batch: the error is logged by the caller and the candidate is excluded.
func (p *ResponseParser) Parse(res dispatch.Result, lookup CandidateLookup) (*core.ScoredAd, error) {
	if res.Err != nil {
		return nil, fmt.Errorf("execution failed for %s: %w", res.ID, res.Err)
	}

	cand, ok := lookup(res.ID)
	if !ok {
		// Defensive invariant check: every submitted id has a candidate.
		return nil, fmt.Errorf("result id %q not found in candidate table", res.ID)
	}

	var wrapper scoreAdWrapper
	if err := json.Unmarshal([]byte(res.Payload), &wrapper); err != nil {
		return nil, fmt.Errorf("malformed scoreAd output for %s: %w", res.ID, err)
	}
	if len(wrapper.Response) == 0 {
		return nil, fmt.Errorf("scoreAd output for %s has no response field", res.ID)
	}

	if p.LogAdtechCode {
		for _, line := range wrapper.Logs {
			log.Printf("INFO: [udf %s] %s", res.ID, line)
		}
		for _, line := range wrapper.Errors {
			log.Printf("ERROR: [udf %s] %s", res.ID, line)
		}
	}

	var verdict scoreAdResponse
	if err := json.Unmarshal(wrapper.Response, &verdict); err != nil {
		// A bare number is a valid scoreAd response meaning desirability only.
		var desirability float64
		if numErr := json.Unmarshal(wrapper.Response, &desirability); numErr != nil {
			return nil, fmt.Errorf("unparseable scoreAd response for %s: %w", res.ID, err)
		}
		verdict = scoreAdResponse{Desirability: desirability}
	}

	// Identity fields come from the candidate before any adtech override is
	// applied, so untrusted code cannot forge them.
	score := &core.AdScore{
		InterestGroupName:           cand.InterestGroupName,
		InterestGroupOwner:          cand.InterestGroupOwner,
		InterestGroupOrigin:         cand.InterestGroupOrigin,
		RenderURL:                   cand.RenderURL,
		AdComponentURLs:             cand.AdComponentURLs,
		BuyerBid:                    cand.BuyerBid,
		BuyerBidCurrency:            cand.BidCurrency,
		IncomingBidInSellerCurrency: cand.IncomingBidInSellerCurrency,
		AdMetadataJSON:              cand.AdMetadataJSON,
		KAnonJoinCandidateJSON:      cand.KAnonJoinCandidateJSON,
		DataVersion:                 cand.DataVersion,
	}

	score.Desirability = verdict.Desirability
	score.Bid = verdict.Bid
	score.BidCurrency = verdict.BidCurrency
	score.AllowComponentAuction = verdict.AllowComponentAuction
	if verdict.IncomingBidInSellerCurrency != 0 {
		score.IncomingBidInSellerCurrency = verdict.IncomingBidInSellerCurrency
	}
	if verdict.RejectReason != "" {
		reason, known := core.ParseRejectionReason(verdict.RejectReason)
		if !known {
			log.Printf("INFO: Unknown reject reason %q for %s, defaulting to %s",
				verdict.RejectReason, res.ID, core.RejectionNotAvailable)
		}
		score.RejectReason = reason
		score.HasRejectReason = true
	}
	if verdict.DebugReportURLs != nil {
		score.DebugURLs = core.DebugReportURLs{
			WinURL:  verdict.DebugReportURLs.AuctionDebugWinURL,
			LossURL: verdict.DebugReportURLs.AuctionDebugLossURL,
		}
	}

	if p.CapturePrivateAggregation && len(verdict.PAggResponse) > 0 {
		if p.Contributions == nil {
			p.Contributions = make(map[string]json.RawMessage)
		}
		p.Contributions[res.ID] = verdict.PAggResponse
	}

	eligible := true
	if p.EnforceKAnon {
		eligible = cand.KAnonEligible
	}

	return &core.ScoredAd{
		ID:            res.ID,
		Score:         score,
		Candidate:     cand,
		KAnonEligible: eligible,
	}, nil
}
