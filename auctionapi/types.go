// Package auctionapi defines the wire types of the encrypted ScoreAds
// endpoint. The plaintext request/response bodies are JSON; the envelope
// around them is encrypted end to end so bids are only ever visible inside
// the TEE where scoring runs.
package auctionapi

import (
	"encoding/json"
)

// FeatureFlags is the per-request feature bundle consumed by scoring.
type FeatureFlags struct {
	EnableDebugReporting     bool   `json:"enable_debug_reporting,omitempty"`
	EnforceKAnonymity        bool   `json:"enforce_kanon,omitempty"`
	EnableAdtechCodeLogging  bool   `json:"enable_adtech_code_logging,omitempty"`
	EnablePrivateAggregation bool   `json:"enable_private_aggregation,omitempty"`
	UDFVersionOverride       string `json:"udf_version_override,omitempty"`
}

// AdWithBidMetadata is a protected-audience bid entering scoring.
type AdWithBidMetadata struct {
	RenderURL       string   `json:"render_url"`
	AdComponentURLs []string `json:"ad_component_urls,omitempty"`

	InterestGroupName   string `json:"interest_group_name"`
	InterestGroupOwner  string `json:"interest_group_owner"`
	InterestGroupOrigin string `json:"interest_group_origin,omitempty"`

	Bid         float64 `json:"bid"`
	BidCurrency string  `json:"bid_currency,omitempty"`

	// IncomingBidInSellerCurrency is pre-computed by the frontend; equals Bid
	// when BidCurrency already matches the seller currency.
	IncomingBidInSellerCurrency float64 `json:"incoming_bid_in_seller_currency,omitempty"`

	// AdMetadata is adtech metadata forwarded verbatim to scoreAd.
	AdMetadata json.RawMessage `json:"ad,omitempty"`

	BuyerReportingID          string `json:"buyer_reporting_id,omitempty"`
	BuyerAndSellerReportingID string `json:"buyer_and_seller_reporting_id,omitempty"`
	SelectedReportingID       string `json:"selected_buyer_and_seller_reporting_id,omitempty"`

	KAnonStatus bool `json:"k_anon_status,omitempty"`

	JoinCount       int    `json:"join_count,omitempty"`
	Recency         int    `json:"recency,omitempty"`
	ModelingSignals uint16 `json:"modeling_signals,omitempty"`

	DataVersion uint32 `json:"data_version,omitempty"`
}

// ProtectedAppSignalsAdWithBidMetadata is an app-signals bid entering
// scoring. App-signals ads carry no ad components and a reduced reporting-id
// surface.
type ProtectedAppSignalsAdWithBidMetadata struct {
	RenderURL string `json:"render_url"`

	Owner string `json:"owner"`

	Bid         float64 `json:"bid"`
	BidCurrency string  `json:"bid_currency,omitempty"`

	IncomingBidInSellerCurrency float64 `json:"incoming_bid_in_seller_currency,omitempty"`

	AdMetadata json.RawMessage `json:"ad,omitempty"`

	EgressPayload          string `json:"egress_payload,omitempty"`
	TemporaryEgressPayload string `json:"temporary_unlimited_egress_payload,omitempty"`

	KAnonStatus bool `json:"k_anon_status,omitempty"`

	DataVersion uint32 `json:"data_version,omitempty"`
}

// KAnonGhostWinner is a component auction's k-anon-ineligible top scorer
// forwarded to the top-level auction for measurement.
type KAnonGhostWinner struct {
	RenderURL          string          `json:"render_url"`
	InterestGroupName  string          `json:"interest_group_name,omitempty"`
	InterestGroupOwner string          `json:"interest_group_owner,omitempty"`
	Bid                float64         `json:"bid"`
	BidCurrency        string          `json:"bid_currency,omitempty"`
	AdMetadata         json.RawMessage `json:"ad,omitempty"`
	JoinCandidate      json.RawMessage `json:"k_anon_join_candidate,omitempty"`
}

// ComponentAuctionResult is one component seller's winner (plus optional
// ghost winners) entering a top-level auction.
type ComponentAuctionResult struct {
	Seller string `json:"seller"`

	AdRenderURL     string   `json:"ad_render_url"`
	AdComponentURLs []string `json:"ad_component_render_urls,omitempty"`

	InterestGroupName   string `json:"interest_group_name,omitempty"`
	InterestGroupOwner  string `json:"interest_group_owner,omitempty"`
	InterestGroupOrigin string `json:"interest_group_origin,omitempty"`

	Bid         float64 `json:"bid"`
	BidCurrency string  `json:"bid_currency,omitempty"`

	AdMetadata json.RawMessage `json:"ad_metadata,omitempty"`

	KAnonGhostWinners []KAnonGhostWinner `json:"k_anon_ghost_winners,omitempty"`

	DataVersion uint32 `json:"data_version,omitempty"`
}

// ScoreAdsRequest is the decrypted scoring request body.
type ScoreAdsRequest struct {
	PublisherHostname string `json:"publisher_hostname"`
	Seller            string `json:"seller"`
	TopLevelSeller    string `json:"top_level_seller,omitempty"`
	SellerCurrency    string `json:"seller_currency,omitempty"`

	AuctionSignals json.RawMessage `json:"auction_signals,omitempty"`
	SellerSignals  json.RawMessage `json:"seller_signals,omitempty"`

	// ScoringSignals maps render URLs to their trusted scoring signals.
	ScoringSignals map[string]json.RawMessage `json:"scoring_signals,omitempty"`

	PerBuyerSignals map[string]json.RawMessage `json:"per_buyer_signals,omitempty"`

	AdBids                    []AdWithBidMetadata                    `json:"ad_bids,omitempty"`
	ProtectedAppSignalsAdBids []ProtectedAppSignalsAdWithBidMetadata `json:"protected_app_signals_ad_bids,omitempty"`
	ComponentAuctionResults   []ComponentAuctionResult               `json:"component_auction_results,omitempty"`

	Flags FeatureFlags `json:"flags"`
}

// AdScore is one scored ad in the response: the winner or a ghost winner.
type AdScore struct {
	Desirability float64 `json:"desirability"`

	RenderURL       string   `json:"render_url"`
	AdComponentURLs []string `json:"ad_component_urls,omitempty"`

	InterestGroupName   string `json:"interest_group_name,omitempty"`
	InterestGroupOwner  string `json:"interest_group_owner,omitempty"`
	InterestGroupOrigin string `json:"interest_group_origin,omitempty"`

	Bid         float64 `json:"bid,omitempty"`
	BidCurrency string  `json:"bid_currency,omitempty"`

	BuyerBid                    float64 `json:"buyer_bid,omitempty"`
	IncomingBidInSellerCurrency float64 `json:"incoming_bid_in_seller_currency,omitempty"`

	AllowComponentAuction bool `json:"allow_component_auction,omitempty"`

	AdMetadata json.RawMessage `json:"ad_metadata,omitempty"`

	KAnonJoinCandidate json.RawMessage `json:"k_anon_join_candidate,omitempty"`

	// HighestScoringOtherBids disclosed alongside the winner.
	HighestScoringOtherBids []float64 `json:"highest_scoring_other_bids,omitempty"`

	DataVersion uint32 `json:"data_version,omitempty"`
}

// RejectedAd reports one candidate excluded during selection.
type RejectedAd struct {
	InterestGroupOwner string `json:"interest_group_owner"`
	InterestGroupName  string `json:"interest_group_name,omitempty"`
	RejectionReason    string `json:"rejection_reason"`
}

// DebugReport is one debug win/loss entry embedded in the response rather
// than pinged from the server (component winners, sampled cooldowns).
type DebugReport struct {
	URL string `json:"url"`
	// IsWinReport distinguishes win from loss URLs.
	IsWinReport bool `json:"is_win_report,omitempty"`
	// IsSellerReport distinguishes seller from buyer debug URLs.
	IsSellerReport bool `json:"is_seller_report,omitempty"`
	// ComponentWin marks a component-auction winner report.
	ComponentWin bool `json:"component_win,omitempty"`
}

// PrivateAggregationContribution is an adtech contribution payload captured
// verbatim from a UDF response, tagged with its origin.
type PrivateAggregationContribution struct {
	AdID          string          `json:"ad_id,omitempty"`
	IGOwner       string          `json:"ig_owner,omitempty"`
	IGIndex       int             `json:"ig_index,omitempty"`
	Contributions json.RawMessage `json:"contributions"`
}

// ReportingURLs carries the reporting outcome of one reporting stage.
type ReportingURLs struct {
	ReportingURL            string            `json:"reporting_url,omitempty"`
	InteractionReportingURL map[string]string `json:"interaction_reporting_urls,omitempty"`
}

// ScoreAdsResponse is the plaintext scoring response body.
type ScoreAdsResponse struct {
	ResponseID string `json:"response_id"`

	// Winner is absent for a winner-less (chaff-equivalent) outcome.
	Winner *AdScore `json:"winner,omitempty"`

	GhostWinners []AdScore `json:"ghost_winners,omitempty"`

	RejectedAds []RejectedAd `json:"rejected_ads,omitempty"`

	// Seller reporting URLs land in the slot matching the auction scope.
	SellerReportingURLs          *ReportingURLs `json:"seller_reporting_urls,omitempty"`
	ComponentSellerReportingURLs *ReportingURLs `json:"component_seller_reporting_urls,omitempty"`
	TopLevelSellerReportingURLs  *ReportingURLs `json:"top_level_seller_reporting_urls,omitempty"`
	BuyerReportingURLs           *ReportingURLs `json:"buyer_reporting_urls,omitempty"`

	DebugReports []DebugReport `json:"debug_reports,omitempty"`

	PrivateAggregationContributions []PrivateAggregationContribution `json:"private_aggregation_contributions,omitempty"`
}

// EncryptedRequest is the outer envelope accepted by the endpoint.
type EncryptedRequest struct {
	Type       string `json:"type"`
	Ciphertext string `json:"ciphertext"` // base64

	// ResponsePublicKey is the caller's base64 X25519 key the response is
	// encrypted to. When absent the response body is plaintext JSON.
	ResponsePublicKey string `json:"response_public_key,omitempty"`
}

// EncryptedResponse is the outer envelope returned by the endpoint.
type EncryptedResponse struct {
	Type       string `json:"type"`
	Ciphertext string `json:"ciphertext"` // base64
}
