package core

// AdKind distinguishes the candidate variants that can enter scoring.
// Exactly one kind applies to a candidate; every consumption site switches
// exhaustively on it instead of probing nullable pointers.
type AdKind int

const (
	// AdKindProtectedAudience is a device interest-group bid.
	AdKindProtectedAudience AdKind = iota
	// AdKindProtectedAppSignals is an app-signals bid (no ad components,
	// reduced reporting-id surface).
	AdKindProtectedAppSignals
	// AdKindComponentResult is a component auction's winner entering a
	// top-level auction.
	AdKindComponentResult
	// AdKindComponentGhost is a component auction's k-anon ghost winner
	// entering a top-level auction.
	AdKindComponentGhost
)

func (k AdKind) String() string {
	switch k {
	case AdKindProtectedAudience:
		return "protected_audience"
	case AdKindProtectedAppSignals:
		return "protected_app_signals"
	case AdKindComponentResult:
		return "component_result"
	case AdKindComponentGhost:
		return "component_ghost"
	}
	return "unknown"
}

// AuctionScope identifies which tier of a (possibly multi-seller) auction
// this service is scoring.
type AuctionScope int

const (
	// ScopeSingleSeller is a plain single-seller auction.
	ScopeSingleSeller AuctionScope = iota
	// ScopeDeviceComponentMultiSeller is a component auction whose top level
	// runs on the device.
	ScopeDeviceComponentMultiSeller
	// ScopeServerComponentMultiSeller is a component auction whose top level
	// runs server-side.
	ScopeServerComponentMultiSeller
	// ScopeServerTopLevel is the server-side top-level auction over component
	// results.
	ScopeServerTopLevel
)

// IsComponent reports whether the scope is a component tier of a multi-seller
// auction.
func (s AuctionScope) IsComponent() bool {
	return s == ScopeDeviceComponentMultiSeller || s == ScopeServerComponentMultiSeller
}

// RejectionReason is the adtech-visible reason an ad was excluded from winner
// selection. Values follow the UDF contract strings.
type RejectionReason string

const (
	RejectionNotAvailable             RejectionReason = "not-available"
	RejectionInvalidBid               RejectionReason = "invalid-bid"
	RejectionBidBelowAuctionFloor     RejectionReason = "bid-below-auction-floor"
	RejectionPendingApproval          RejectionReason = "pending-approval-by-exchange"
	RejectionDisapprovedByExchange    RejectionReason = "disapproved-by-exchange"
	RejectionBlockedByPublisher       RejectionReason = "blocked-by-publisher"
	RejectionLanguageExclusions       RejectionReason = "language-exclusions"
	RejectionCategoryExclusions       RejectionReason = "category-exclusions"
	RejectionFailedCurrencyCheck      RejectionReason = "bid-from-score-ad-failed-currency-check"
	RejectionBelowKAnonThreshold      RejectionReason = "did-not-meet-the-kanonymity-threshold"
	RejectionComponentAuctionDisabled RejectionReason = "component-auction-not-allowed"
)

// knownRejectionReasons is the set of reasons adtech may declare in a scoreAd
// response. Anything else is treated as undeclared.
var knownRejectionReasons = map[RejectionReason]bool{
	RejectionNotAvailable:          true,
	RejectionInvalidBid:            true,
	RejectionBidBelowAuctionFloor:  true,
	RejectionPendingApproval:       true,
	RejectionDisapprovedByExchange: true,
	RejectionBlockedByPublisher:    true,
	RejectionLanguageExclusions:    true,
	RejectionCategoryExclusions:    true,
}

// ParseRejectionReason maps an adtech-declared string to a known reason.
// Unknown or empty strings yield (RejectionNotAvailable, false).
func ParseRejectionReason(s string) (RejectionReason, bool) {
	r := RejectionReason(s)
	if knownRejectionReasons[r] {
		return r, true
	}
	return RejectionNotAvailable, false
}

// AdCandidate is the immutable bid metadata for one ad entering scoring.
// It is created once from the request and looked up by dispatch identifier
// throughout scoring and reporting.
type AdCandidate struct {
	Kind AdKind

	// ID is the dispatch identifier: the render URL, or a synthesized key for
	// component results. Unique within one batch.
	ID string

	RenderURL       string
	AdComponentURLs []string

	InterestGroupName   string
	InterestGroupOwner  string
	InterestGroupOrigin string

	BuyerBid    float64
	BidCurrency string

	// IncomingBidInSellerCurrency is pre-computed upstream; when BidCurrency
	// equals the seller currency it must equal BuyerBid.
	IncomingBidInSellerCurrency float64

	BuyerReportingID          string
	BuyerAndSellerReportingID string
	SelectedReportingID       string

	KAnonEligible bool

	// AdMetadataJSON is the adtech metadata forwarded verbatim to scoreAd.
	AdMetadataJSON string

	// OwningComponentSeller is set for component result and ghost candidates.
	OwningComponentSeller string

	// KAnonJoinCandidateJSON carries the join-candidate payload for ghost
	// candidates, re-attached to the top-level response.
	KAnonJoinCandidateJSON string

	// Buyer reporting inputs, noised before reportWin.
	JoinCount       int
	Recency         int
	ModelingSignals uint16

	DataVersion uint32
}

// DebugReportURLs are the adtech-declared win/loss ping URLs for one ad.
type DebugReportURLs struct {
	WinURL  string
	LossURL string
}

// AdScore is the parsed-and-augmented scoring verdict for one candidate.
// Identity fields are copied from the AdCandidate before adtech overrides
// apply, so untrusted code cannot forge them.
type AdScore struct {
	Desirability float64

	// Bid is the modified bid returned by scoreAd (component auctions); zero
	// until defaulted from the buyer bid.
	Bid         float64
	BidCurrency string

	BuyerBid         float64
	BuyerBidCurrency string

	IncomingBidInSellerCurrency float64

	InterestGroupName   string
	InterestGroupOwner  string
	InterestGroupOrigin string

	RenderURL       string
	AdComponentURLs []string

	AllowComponentAuction bool

	AdMetadataJSON string

	DebugURLs DebugReportURLs

	RejectReason    RejectionReason
	HasRejectReason bool

	KAnonJoinCandidateJSON string

	DataVersion uint32
}

// ScoredAd pairs a parsed ad score with its originating candidate.
// The single Candidate back-reference plus its Kind tag replaces the
// mutually-exclusive nullable pair the scoring contract describes.
type ScoredAd struct {
	ID            string
	Score         *AdScore
	Candidate     *AdCandidate
	KAnonEligible bool
}

// RejectedAd records one filtered-out candidate for the response.
type RejectedAd struct {
	InterestGroupOwner string
	InterestGroupName  string
	Reason             RejectionReason
}

// ScoringData is the transient state of one selection pass. It is discarded
// after winner and ghost winners are copied into the response.
type ScoringData struct {
	// Active is the filtered candidate list in sorted order.
	Active []*ScoredAd

	// WinnerCandidates and GhostCandidates index into Active and are disjoint.
	WinnerCandidates []int
	GhostCandidates  []int

	// WinnerIndex indexes into Active, -1 when no winner was selected.
	WinnerIndex int

	// GhostWinnerIndexes index into Active.
	GhostWinnerIndexes []int

	RejectedAds []RejectedAd

	// BidsByDesirability maps desirability to Active indexes for the
	// highest-scoring-other-bid disclosure. Ghost winners are excluded.
	BidsByDesirability map[float64][]int
}

// Winner returns the selected winner, or nil.
func (d *ScoringData) Winner() *ScoredAd {
	if d.WinnerIndex < 0 || d.WinnerIndex >= len(d.Active) {
		return nil
	}
	return d.Active[d.WinnerIndex]
}

// GhostWinners returns the selected ghost winners in selection order.
func (d *ScoringData) GhostWinners() []*ScoredAd {
	ghosts := make([]*ScoredAd, 0, len(d.GhostWinnerIndexes))
	for _, i := range d.GhostWinnerIndexes {
		ghosts = append(ghosts, d.Active[i])
	}
	return ghosts
}
