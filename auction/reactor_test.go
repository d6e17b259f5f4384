package auction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/dispatch"
)

func scoreAdsRequest() *auctionapi.ScoreAdsRequest {
	return &auctionapi.ScoreAdsRequest{
		PublisherHostname: "publisher.example",
		Seller:            "https://seller.example",
		AdBids: []auctionapi.AdWithBidMetadata{
			{
				RenderURL:          "https://cdn.example/ad1",
				InterestGroupName:  "shoes",
				InterestGroupOwner: "https://buyer.example",
				Bid:                1.25,
				KAnonStatus:        true,
			},
		},
	}
}

func newTestReactor(cfg ReactorConfig, exec dispatch.BatchExecutor) *Reactor {
	return NewReactor(cfg, exec, NewEnrollmentCache("buyer.example"), &fakeReporter{}, &mockRandSource{})
}

func TestReactor_WinnerSelected(t *testing.T) {
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerScoreAd: `{"response":{"desirability":8.5}}`,
	}}
	r := newTestReactor(ReactorConfig{}, exec)

	resp, err := r.Execute(context.Background(), scoreAdsRequest())
	check.Nil(t, err)

	check.NotEqual(t, "", resp.ResponseID)
	check.NotNil(t, resp.Winner)
	check.Equal(t, 8.5, resp.Winner.Desirability)
	check.Equal(t, "https://cdn.example/ad1", resp.Winner.RenderURL)
	check.Equal(t, "shoes", resp.Winner.InterestGroupName)
	check.Equal(t, 1.25, resp.Winner.BuyerBid)
}

func TestReactor_InvalidRequest(t *testing.T) {
	r := newTestReactor(ReactorConfig{}, &fakeExecutor{})

	cases := []*auctionapi.ScoreAdsRequest{
		{},
		{Seller: "https://seller.example", PublisherHostname: "publisher.example"},
		{PublisherHostname: "publisher.example", AdBids: scoreAdsRequest().AdBids},
	}
	for _, req := range cases {
		_, err := r.Execute(context.Background(), req)
		check.True(t, errors.Is(err, ErrInvalidRequest))
	}
}

func TestReactor_AllCandidatesSkippedIsWinnerless(t *testing.T) {
	r := newTestReactor(ReactorConfig{RequireScoringSignals: true}, &fakeExecutor{})

	// The request carries an ad, but no scoring signals exist for it.
	resp, err := r.Execute(context.Background(), scoreAdsRequest())
	check.Nil(t, err)
	check.Nil(t, resp.Winner)
	check.NotEqual(t, "", resp.ResponseID)
}

func TestReactor_ExecutorRejectionIsInternal(t *testing.T) {
	exec := &fakeExecutor{syncErr: errors.New("sandbox unavailable")}
	r := newTestReactor(ReactorConfig{}, exec)

	_, err := r.Execute(context.Background(), scoreAdsRequest())
	check.True(t, errors.Is(err, ErrInternal))
}

func TestReactor_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestReactor(ReactorConfig{}, &fakeExecutor{})
	_, err := r.Execute(ctx, scoreAdsRequest())
	check.True(t, errors.Is(err, dispatch.ErrCancelled))
}

func TestReactor_AllScoresZeroIsWinnerless(t *testing.T) {
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerScoreAd: `{"response":{"desirability":0}}`,
	}}
	r := newTestReactor(ReactorConfig{}, exec)

	resp, err := r.Execute(context.Background(), scoreAdsRequest())
	check.Nil(t, err)
	check.Nil(t, resp.Winner)
}

func TestReactor_RejectedAdsReported(t *testing.T) {
	req := scoreAdsRequest()
	req.AdBids = append(req.AdBids, auctionapi.AdWithBidMetadata{
		RenderURL:          "https://cdn.example/ad2",
		InterestGroupName:  "hats",
		InterestGroupOwner: "https://buyer2.example",
		Bid:                0.5,
		KAnonStatus:        true,
	})

	exec := &fakeExecutor{
		payloads: map[string]string{
			dispatch.HandlerScoreAd: `{"response":{"desirability":8}}`,
		},
		payloadsByID: map[string]string{
			"https://cdn.example/ad2": `{"response":{"desirability":0,"rejectReason":"bid-below-auction-floor"}}`,
		},
	}
	r := newTestReactor(ReactorConfig{}, exec)

	resp, err := r.Execute(context.Background(), req)
	check.Nil(t, err)

	check.NotNil(t, resp.Winner)
	check.Equal(t, "https://cdn.example/ad1", resp.Winner.RenderURL)
	check.Equal(t, 1, len(resp.RejectedAds))
	check.Equal(t, "https://buyer2.example", resp.RejectedAds[0].InterestGroupOwner)
	check.Equal(t, "bid-below-auction-floor", resp.RejectedAds[0].RejectionReason)
}

func TestReactor_ReportingCascadeOrdering(t *testing.T) {
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerScoreAd:      `{"response":{"desirability":8}}`,
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://seller.example/rr","signalsForWinner":{"s":1}}}`,
		dispatch.HandlerReportWin:    `{"response":{"reportWinUrl":"https://buyer.example/rw"}}`,
	}}
	r := newTestReactor(ReactorConfig{
		Reporting: ReportingConfig{
			EnableSellerReporting:   true,
			EnableBuyerReporting:    true,
			SellerBuyerCodeIsolated: true,
		},
	}, exec)

	resp, err := r.Execute(context.Background(), scoreAdsRequest())
	check.Nil(t, err)

	check.NotNil(t, resp.SellerReportingURLs)
	check.Equal(t, "https://seller.example/rr", resp.SellerReportingURLs.ReportingURL)
	check.NotNil(t, resp.BuyerReportingURLs)
	check.Equal(t, "https://buyer.example/rw", resp.BuyerReportingURLs.ReportingURL)
	check.Nil(t, resp.ComponentSellerReportingURLs)

	// Dispatch order across the whole flow: score, then reportResult, then
	// reportWin.
	requests := exec.recorded()
	check.Equal(t, 3, len(requests))
	check.Equal(t, dispatch.HandlerScoreAd, requests[0].Handler)
	check.Equal(t, dispatch.HandlerReportResult, requests[1].Handler)
	check.Equal(t, dispatch.HandlerReportWin, requests[2].Handler)
}

func TestReactor_ComponentScopeReportingSlot(t *testing.T) {
	req := scoreAdsRequest()
	req.TopLevelSeller = "https://top.example"

	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerScoreAd:      `{"response":{"desirability":8,"bid":1.1,"allowComponentAuction":true}}`,
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://component.example/rr"}}`,
	}}
	r := newTestReactor(ReactorConfig{
		Reporting: ReportingConfig{
			EnableSellerReporting:   true,
			SellerBuyerCodeIsolated: true,
		},
	}, exec)

	resp, err := r.Execute(context.Background(), req)
	check.Nil(t, err)

	check.NotNil(t, resp.Winner)
	check.NotNil(t, resp.ComponentSellerReportingURLs)
	check.Nil(t, resp.SellerReportingURLs)
}

func TestReactor_TopLevelGhostWinners(t *testing.T) {
	req := &auctionapi.ScoreAdsRequest{
		PublisherHostname: "publisher.example",
		Seller:            "https://top.example",
		Flags:             auctionapi.FeatureFlags{EnforceKAnonymity: true},
		ComponentAuctionResults: []auctionapi.ComponentAuctionResult{{
			Seller:             "https://component.example",
			AdRenderURL:        "https://cdn.example/ad1",
			InterestGroupOwner: "https://buyer.example",
			Bid:                2.0,
			KAnonGhostWinners: []auctionapi.KAnonGhostWinner{{
				RenderURL:          "https://cdn.example/ghost1",
				InterestGroupOwner: "https://buyer2.example",
				Bid:                1.9,
				JoinCandidate:      json.RawMessage(`{"adRenderUrlHash":"abc"}`),
			}},
		}},
	}

	exec := &fakeExecutor{
		payloads: map[string]string{
			dispatch.HandlerScoreAd: `{"response":{"desirability":8}}`,
		},
		payloadsByID: map[string]string{
			"https://component.example|ghost|https://cdn.example/ghost1": `{"response":{"desirability":9}}`,
		},
	}
	r := newTestReactor(ReactorConfig{MaxGhostWinners: 1}, exec)

	resp, err := r.Execute(context.Background(), req)
	check.Nil(t, err)

	// The ghost outranks the winner, so the auction is winner-less and the
	// ghost is reported for k-anon measurement.
	check.Nil(t, resp.Winner)
	check.Equal(t, 1, len(resp.GhostWinners))
	check.Equal(t, "https://cdn.example/ghost1", resp.GhostWinners[0].RenderURL)
	check.Equal(t, `{"adRenderUrlHash":"abc"}`, string(resp.GhostWinners[0].KAnonJoinCandidate))
}

func TestReactor_PrivateAggregationContributions(t *testing.T) {
	req := scoreAdsRequest()
	req.Flags.EnablePrivateAggregation = true

	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerScoreAd: `{"response":{"desirability":8,"paggResponse":[{"bucket":1,"value":2}]}}`,
	}}
	r := newTestReactor(ReactorConfig{}, exec)

	resp, err := r.Execute(context.Background(), req)
	check.Nil(t, err)

	check.Equal(t, 1, len(resp.PrivateAggregationContributions))
	contribution := resp.PrivateAggregationContributions[0]
	check.Equal(t, "https://cdn.example/ad1", contribution.AdID)
	check.Equal(t, "https://buyer.example", contribution.IGOwner)
	check.Equal(t, `[{"bucket":1,"value":2}]`, string(contribution.Contributions))
}
