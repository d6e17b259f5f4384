package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
)

// mockRandSource provides a deterministic random source for testing
type mockRandSource struct {
	sequence []int
	index    int
}

func (m *mockRandSource) Intn(n int) int {
	if m.index >= len(m.sequence) {
		return 0
	}
	val := m.sequence[m.index] % n
	m.index++
	return val
}

// fakeExecutor scripts batch results by handler name and records every
// dispatched request in order.
type fakeExecutor struct {
	mu sync.Mutex

	// payloads maps handler name to the payload returned for its requests.
	payloads map[string]string

	// payloadsByID overrides payloads for specific request ids.
	payloadsByID map[string]string

	// failHandlers maps handler name to an item error.
	failHandlers map[string]error

	// syncErr rejects every batch before scheduling.
	syncErr error

	requests []dispatch.Request
}

func (f *fakeExecutor) BatchExecute(ctx context.Context, requests []dispatch.Request, onDone dispatch.DoneCallback) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.mu.Lock()
	f.requests = append(f.requests, requests...)
	f.mu.Unlock()

	results := make([]dispatch.Result, len(requests))
	for i, req := range requests {
		if err, ok := f.failHandlers[req.Handler]; ok {
			results[i] = dispatch.Result{ID: req.ID, Err: err}
			continue
		}
		if payload, ok := f.payloadsByID[req.ID]; ok {
			results[i] = dispatch.Result{ID: req.ID, Payload: payload}
			continue
		}
		results[i] = dispatch.Result{ID: req.ID, Payload: f.payloads[req.Handler]}
	}
	go onDone(results)
	return nil
}

func (f *fakeExecutor) recorded() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func reportingWinner() *core.ScoredAd {
	return &core.ScoredAd{
		ID: "https://cdn.example/ad1",
		Score: &core.AdScore{
			Desirability:       9.0,
			BuyerBid:           1.25,
			BuyerBidCurrency:   "USD",
			InterestGroupName:  "shoes",
			InterestGroupOwner: "https://buyer.example",
			RenderURL:          "https://cdn.example/ad1",
		},
		Candidate: &core.AdCandidate{
			Kind:               core.AdKindProtectedAudience,
			ID:                 "https://cdn.example/ad1",
			InterestGroupOwner: "https://buyer.example",
			JoinCount:          4,
			Recency:            7,
			ModelingSignals:    0xFABC,
		},
		KAnonEligible: true,
	}
}

func reportingContext() *ReportingContext {
	return &ReportingContext{
		Scope:                  core.ScopeSingleSeller,
		Seller:                 "https://seller.example",
		PublisherHostname:      "publisher.example",
		AuctionConfigJSON:      `{"seller":"https://seller.example"}`,
		HighestScoringOtherBid: 0.9,
	}
}

func isolatedConfig() ReportingConfig {
	return ReportingConfig{
		EnableSellerReporting:   true,
		EnableBuyerReporting:    true,
		SellerBuyerCodeIsolated: true,
	}
}

func TestReportingCascade_SellerThenBuyer(t *testing.T) {
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://seller.example/rr","signalsForWinner":{"s":1},"interactionReportingUrls":{"click":"https://seller.example/click"}}}`,
		dispatch.HandlerReportWin:    `{"response":{"reportWinUrl":"https://buyer.example/rw"}}`,
	}}

	o := NewReportingOrchestrator(isolatedConfig(), exec, &mockRandSource{})
	result, err := o.Run(context.Background(), reportingWinner(), reportingContext())
	check.Nil(t, err)

	check.NotNil(t, result.Seller)
	check.Equal(t, "https://seller.example/rr", result.Seller.ReportingURL)
	check.Equal(t, "https://seller.example/click", result.Seller.InteractionReportingURL["click"])
	check.NotNil(t, result.Buyer)
	check.Equal(t, "https://buyer.example/rw", result.Buyer.ReportingURL)

	// reportWin dispatches strictly after reportResult and receives its
	// signalsForWinner output.
	requests := exec.recorded()
	check.Equal(t, 2, len(requests))
	check.Equal(t, dispatch.HandlerReportResult, requests[0].Handler)
	check.Equal(t, dispatch.HandlerReportWin, requests[1].Handler)
	check.Equal(t, `{"s":1}`, requests[1].Args[2])
}

func TestReportingCascade_BuyerDisabled(t *testing.T) {
	cfg := isolatedConfig()
	cfg.EnableBuyerReporting = false
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://seller.example/rr"}}`,
	}}

	o := NewReportingOrchestrator(cfg, exec, &mockRandSource{})
	result, err := o.Run(context.Background(), reportingWinner(), reportingContext())
	check.Nil(t, err)

	check.NotNil(t, result.Seller)
	check.Nil(t, result.Buyer)
	check.Equal(t, 1, len(exec.recorded()))
}

func TestReportingCascade_BuyerAllowList(t *testing.T) {
	cfg := isolatedConfig()
	cfg.BuyerAllowList = map[string]bool{"https://other.example": true}
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://seller.example/rr"}}`,
	}}

	o := NewReportingOrchestrator(cfg, exec, &mockRandSource{})
	result, err := o.Run(context.Background(), reportingWinner(), reportingContext())
	check.Nil(t, err)
	check.Nil(t, result.Buyer)
	check.Equal(t, 1, len(exec.recorded()))
}

func TestReportingCascade_SellerFailureDegrades(t *testing.T) {
	exec := &fakeExecutor{failHandlers: map[string]error{
		dispatch.HandlerReportResult: errors.New("script threw"),
	}}

	o := NewReportingOrchestrator(isolatedConfig(), exec, &mockRandSource{})
	result, err := o.Run(context.Background(), reportingWinner(), reportingContext())

	// Reporting failure never fails the RPC.
	check.Nil(t, err)
	check.Nil(t, result.Seller)
	check.Nil(t, result.Buyer)
	check.Equal(t, 1, len(exec.recorded()))
}

func TestReportingCascade_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewReportingOrchestrator(isolatedConfig(), &fakeExecutor{}, &mockRandSource{})
	_, err := o.Run(ctx, reportingWinner(), reportingContext())
	check.True(t, errors.Is(err, dispatch.ErrCancelled))
}

func TestReportingCascade_NilWinner(t *testing.T) {
	exec := &fakeExecutor{}
	o := NewReportingOrchestrator(isolatedConfig(), exec, &mockRandSource{})

	result, err := o.Run(context.Background(), nil, reportingContext())
	check.Nil(t, err)
	check.Nil(t, result.Seller)
	check.Equal(t, 0, len(exec.recorded()))
}

func TestReportingCombined_LegacyPath(t *testing.T) {
	cfg := ReportingConfig{EnableSellerReporting: true, EnableBuyerReporting: true}
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReporting: `{"response":{"reportResultUrl":"https://seller.example/rr","reportWinUrl":"https://buyer.example/rw"}}`,
	}}

	o := NewReportingOrchestrator(cfg, exec, &mockRandSource{})
	result, err := o.Run(context.Background(), reportingWinner(), reportingContext())
	check.Nil(t, err)

	check.NotNil(t, result.Seller)
	check.NotNil(t, result.Buyer)
	requests := exec.recorded()
	check.Equal(t, 1, len(requests))
	check.Equal(t, dispatch.HandlerReporting, requests[0].Handler)
}

func TestReportingCascade_ComponentSignals(t *testing.T) {
	rctx := reportingContext()
	rctx.Scope = core.ScopeDeviceComponentMultiSeller
	rctx.TopLevelSeller = "https://top.example"

	winner := reportingWinner()
	winner.Score.Bid = 1.1

	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReportResult: `{"response":{}}`,
	}}
	cfg := isolatedConfig()
	cfg.EnableBuyerReporting = false

	o := NewReportingOrchestrator(cfg, exec, &mockRandSource{})
	_, err := o.Run(context.Background(), winner, rctx)
	check.Nil(t, err)

	var signals map[string]any
	check.Nil(t, json.Unmarshal([]byte(exec.recorded()[0].Args[1]), &signals))
	check.Equal(t, "https://seller.example", signals["componentSeller"])
	check.Equal(t, "https://top.example", signals["topLevelSeller"])
	check.Equal(t, 1.1, signals["modifiedBid"])
}

func TestReportingCascade_NoisedBuyerSignals(t *testing.T) {
	cfg := isolatedConfig()
	cfg.EnableNoising = true
	exec := &fakeExecutor{payloads: map[string]string{
		dispatch.HandlerReportResult: `{"response":{"reportResultUrl":"https://seller.example/rr"}}`,
		dispatch.HandlerReportWin:    `{"response":{}}`,
	}}

	// Noise coins of 1 mean plain bucketing for every signal.
	o := NewReportingOrchestrator(cfg, exec, &mockRandSource{sequence: []int{1, 1, 1, 1}})
	_, err := o.Run(context.Background(), reportingWinner(), reportingContext())
	check.Nil(t, err)

	requests := exec.recorded()
	check.Equal(t, 2, len(requests))

	var buyerSignals map[string]any
	check.Nil(t, json.Unmarshal([]byte(requests[1].Args[3]), &buyerSignals))
	check.Equal(t, 5.0, buyerSignals["joinCount"])
	check.Equal(t, 4.0, buyerSignals["recency"])
	check.Equal[any](t, float64(0x0ABC), buyerSignals["modelingSignals"])
}
