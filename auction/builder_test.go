package auction

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

func testBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Scope:             core.ScopeSingleSeller,
		Seller:            "https://seller.example",
		PublisherHostname: "publisher.example",
		SellerCurrency:    "USD",
		AuctionSignals:    json.RawMessage(`{"slot":"top"}`),
		SellerSignals:     json.RawMessage(`{"floor":0.5}`),
		ScoringSignals: map[string]json.RawMessage{
			"https://cdn.example/ad1": json.RawMessage(`{"quality":9}`),
		},
		UDFVersion: "v3",
	}
}

func paAd(renderURL string) *auctionapi.AdWithBidMetadata {
	return &auctionapi.AdWithBidMetadata{
		RenderURL:          renderURL,
		InterestGroupName:  "shoes",
		InterestGroupOwner: "https://buyer.example",
		Bid:                1.25,
		BidCurrency:        "USD",
		KAnonStatus:        true,
	}
}

func TestBatchBuilder_ProtectedAudienceAd(t *testing.T) {
	b := NewBatchBuilder(testBuilderConfig())

	err := b.AddProtectedAudienceAd(paAd("https://cdn.example/ad1"))
	check.Nil(t, err)

	requests := b.Requests()
	check.Equal(t, 1, len(requests))

	req := requests[0]
	check.Equal(t, "https://cdn.example/ad1", req.ID)
	check.Equal(t, dispatch.HandlerScoreAd, req.Handler)
	check.Equal(t, "v3", req.Version)
	check.Equal(t, dispatch.TimeoutTagScoring, req.TimeoutTag)
	check.Equal(t, scoreAdArgCount, len(req.Args))

	check.Equal(t, "1.25", req.Args[argBid])
	check.Equal(t, `{"quality":9}`, req.Args[argScoringSignals])

	var auctionConfig map[string]any
	check.Nil(t, json.Unmarshal([]byte(req.Args[argAuctionConfig]), &auctionConfig))
	check.Equal(t, "https://seller.example", auctionConfig["seller"])
	check.Equal(t, "USD", auctionConfig["sellerCurrency"])

	var deviceSignals map[string]any
	check.Nil(t, json.Unmarshal([]byte(req.Args[argDeviceSignals]), &deviceSignals))
	check.Equal(t, "publisher.example", deviceSignals["topWindowHostname"])
	check.Equal(t, "https://buyer.example", deviceSignals["interestGroupOwner"])

	cand, ok := b.Candidate(req.ID)
	check.True(t, ok)
	check.Equal(t, core.AdKindProtectedAudience, cand.Kind)
	check.True(t, cand.KAnonEligible)
}

func TestBatchBuilder_MissingSignalsSubstitutesEmptyObject(t *testing.T) {
	b := NewBatchBuilder(testBuilderConfig())

	err := b.AddProtectedAudienceAd(paAd("https://cdn.example/unknown"))
	check.Nil(t, err)
	check.Equal(t, emptyJSONObject, b.Requests()[0].Args[argScoringSignals])
}

func TestBatchBuilder_MissingSignalsSkipsWhenRequired(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.RequireScoringSignals = true
	b := NewBatchBuilder(cfg)

	err := b.AddProtectedAudienceAd(paAd("https://cdn.example/unknown"))
	var missing *ErrMissingScoringSignals
	check.True(t, errors.As(err, &missing))
	check.Equal(t, 0, len(b.Requests()))
}

func TestBatchBuilder_DuplicateIdentifier(t *testing.T) {
	b := NewBatchBuilder(testBuilderConfig())

	check.Nil(t, b.AddProtectedAudienceAd(paAd("https://cdn.example/ad1")))
	err := b.AddProtectedAudienceAd(paAd("https://cdn.example/ad1"))

	var dup *DuplicateIdentifierError
	check.True(t, errors.As(err, &dup))
	// First-wins: the original request survives.
	check.Equal(t, 1, len(b.Requests()))
}

func TestBatchBuilder_ProtectedAppSignalsAd(t *testing.T) {
	b := NewBatchBuilder(testBuilderConfig())

	err := b.AddProtectedAppSignalsAd(&auctionapi.ProtectedAppSignalsAdWithBidMetadata{
		RenderURL: "https://cdn.example/pas1",
		Owner:     "https://appbuyer.example",
		Bid:       0.8,
	})
	check.Nil(t, err)

	req := b.Requests()[0]
	check.Equal(t, pasScoreAdArgCount, len(req.Args))

	cand, ok := b.Candidate(req.ID)
	check.True(t, ok)
	check.Equal(t, core.AdKindProtectedAppSignals, cand.Kind)
	check.Equal(t, "https://appbuyer.example", cand.InterestGroupOwner)
}

func TestBatchBuilder_ComponentAuctionResult(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Scope = core.ScopeServerTopLevel
	b := NewBatchBuilder(cfg)

	err := b.AddComponentAuctionResult(&auctionapi.ComponentAuctionResult{
		Seller:             "https://component.example",
		AdRenderURL:        "https://cdn.example/ad1",
		InterestGroupName:  "shoes",
		InterestGroupOwner: "https://buyer.example",
		Bid:                2.0,
		KAnonGhostWinners: []auctionapi.KAnonGhostWinner{{
			RenderURL:     "https://cdn.example/ghost1",
			Bid:           1.9,
			JoinCandidate: json.RawMessage(`{"adRenderUrlHash":"abc"}`),
		}},
	})
	check.Nil(t, err)

	requests := b.Requests()
	check.Equal(t, 2, len(requests))
	check.Equal(t, "https://component.example|https://cdn.example/ad1", requests[0].ID)
	check.Equal(t, "https://component.example|ghost|https://cdn.example/ghost1", requests[1].ID)

	winnerCand, ok := b.Candidate(requests[0].ID)
	check.True(t, ok)
	check.Equal(t, core.AdKindComponentResult, winnerCand.Kind)
	check.True(t, winnerCand.KAnonEligible)

	ghostCand, ok := b.Candidate(requests[1].ID)
	check.True(t, ok)
	check.Equal(t, core.AdKindComponentGhost, ghostCand.Kind)
	check.False(t, ghostCand.KAnonEligible)

	seller, ok := b.ComponentSeller(requests[0].ID)
	check.True(t, ok)
	check.Equal(t, "https://component.example", seller)

	jc, ok := b.JoinCandidate(requests[1].ID)
	check.True(t, ok)
	check.Equal(t, `{"adRenderUrlHash":"abc"}`, jc)
}

func TestBatchBuilder_GhostCollisionKeepsWinner(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Scope = core.ScopeServerTopLevel
	b := NewBatchBuilder(cfg)

	ghost := auctionapi.KAnonGhostWinner{RenderURL: "https://cdn.example/ghost1", Bid: 1.0}
	res := &auctionapi.ComponentAuctionResult{
		Seller:            "https://component.example",
		AdRenderURL:       "https://cdn.example/ad1",
		KAnonGhostWinners: []auctionapi.KAnonGhostWinner{ghost, ghost},
	}

	check.Nil(t, b.AddComponentAuctionResult(res))
	// The duplicated ghost is dropped, winner and first ghost survive.
	check.Equal(t, 2, len(b.Requests()))
}

func TestBatchBuilder_ComponentScopeAuctionConfig(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Scope = core.ScopeDeviceComponentMultiSeller
	cfg.TopLevelSeller = "https://top.example"
	b := NewBatchBuilder(cfg)

	check.Nil(t, b.AddProtectedAudienceAd(paAd("https://cdn.example/ad1")))

	var auctionConfig map[string]any
	check.Nil(t, json.Unmarshal([]byte(b.Requests()[0].Args[argAuctionConfig]), &auctionConfig))
	check.Equal(t, true, auctionConfig["componentAuction"])
	check.Equal(t, "https://top.example", auctionConfig["topLevelSeller"])
}

func TestBatchBuilder_AttachMetadata(t *testing.T) {
	b := NewBatchBuilder(testBuilderConfig())
	check.Nil(t, b.AddProtectedAudienceAd(paAd("https://cdn.example/ad1")))
	check.Nil(t, b.AddProtectedAudienceAd(paAd("https://cdn.example/ad2")))

	b.AttachMetadata(map[string]string{"batch_id": "batch-1"})
	for _, req := range b.Requests() {
		check.Equal(t, "batch-1", req.Metadata["batch_id"])
	}
}
