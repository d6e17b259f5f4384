package auction

import (
	"log"
	"net/http"
	"time"

	"github.com/cloudx-io/sealedauction/auctionapi"
	"github.com/cloudx-io/sealedauction/core"
)

// AsyncReporter sends a debug ping without awaiting completion. Failures are
// logged only.
type AsyncReporter interface {
	DoReport(url string)
}

// HTTPReporter is the fire-and-forget ping sender used in production.
type HTTPReporter struct {
	client *http.Client
}

// NewHTTPReporter creates a reporter with the given per-ping timeout.
func NewHTTPReporter(timeout time.Duration) *HTTPReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReporter{client: &http.Client{Timeout: timeout}}
}

// DoReport issues the ping in the background; the caller never waits.
func (r *HTTPReporter) DoReport(url string) {
	go func() {
		resp, err := r.client.Get(url)
		if err != nil {
			log.Printf("INFO: Debug ping failed for %s: %v", url, err)
			return
		}
		resp.Body.Close()
	}()
}

// DebugConfig is the runtime debug reporting configuration.
type DebugConfig struct {
	Enabled bool

	// Sampled selects the probabilistic policy; when false every accepted
	// URL is sent.
	Sampled bool

	// SamplingUpperBound is the sampling denominator: a draw of 0 from
	// [0, SamplingUpperBound) succeeds. Values <= 1 always succeed.
	SamplingUpperBound int

	PerURLCapBytes int
	TotalCapBytes  int
}

// DebugSampler validates, samples, and routes the debug win/loss pings for
// one auction. It operates over all parsed ad scores after the winner is
// known.
type DebugSampler struct {
	cfg        DebugConfig
	scope      core.AuctionScope
	enrollment *EnrollmentCache
	reporter   AsyncReporter
	rand       core.RandSource
}

// NewDebugSampler wires a sampler for one auction scope. A nil randSource
// selects the crypto/rand default.
func NewDebugSampler(cfg DebugConfig, scope core.AuctionScope, enrollment *EnrollmentCache, reporter AsyncReporter, randSource core.RandSource) *DebugSampler {
	return &DebugSampler{cfg: cfg, scope: scope, enrollment: enrollment, reporter: reporter, rand: randSource}
}

// componentBookkeeping tracks the early-exit conditions of the component
// sub-policy: once the win is handled and a loss outcome is determined,
// remaining candidates need no work.
type componentBookkeeping struct {
	winHandled         bool
	lossSelected       bool
	cooldownDetermined bool
}

func (b componentBookkeeping) done() bool {
	return b.winHandled && (b.lossSelected || b.cooldownDetermined)
}

// Process runs the policy over every scored ad. The winner may be nil; loss
// pings still go out for a winner-less auction. Returned entries are the
// reports embedded in the response (component winner URLs, sampled
// cooldown placeholders); direct pings leave through the AsyncReporter.
func (s *DebugSampler) Process(ads []*core.ScoredAd, winner *core.ScoredAd, values func(ad *core.ScoredAd, won bool) core.PlaceholderValues) []auctionapi.DebugReport {
	if !s.cfg.Enabled {
		return nil
	}

	budget := &core.DebugURLBudget{
		PerURLCap: s.cfg.PerURLCapBytes,
		TotalCap:  s.cfg.TotalCapBytes,
	}

	if s.scope == core.ScopeDeviceComponentMultiSeller || s.scope == core.ScopeServerComponentMultiSeller {
		return s.processComponent(ads, winner, values, budget)
	}
	return s.processSingleSeller(ads, winner, values, budget)
}

func (s *DebugSampler) processSingleSeller(ads []*core.ScoredAd, winner *core.ScoredAd, values func(*core.ScoredAd, bool) core.PlaceholderValues, budget *core.DebugURLBudget) []auctionapi.DebugReport {
	var reports []auctionapi.DebugReport
	cooldownEmitted := false

	for _, ad := range ads {
		won := winner != nil && ad == winner
		var raw string
		if won {
			raw = ad.Score.DebugURLs.WinURL
		} else {
			raw = ad.Score.DebugURLs.LossURL
		}

		url, ok := s.accept(raw, values(ad, won), budget)
		if !ok {
			continue
		}

		if !s.cfg.Sampled {
			s.reporter.DoReport(url)
			continue
		}

		if s.sampleSucceeds() {
			// At most one win report per auction: the winner has exactly one
			// win URL, so sending it here preserves the bound.
			s.reporter.DoReport(url)
		} else if !cooldownEmitted {
			// An empty-URL placeholder tells the client to apply its
			// cooldown/lockout logic even though no ping was sent.
			reports = append(reports, auctionapi.DebugReport{URL: "", IsWinReport: won, IsSellerReport: true})
			cooldownEmitted = true
		}
	}
	return reports
}

// processComponent embeds the component winner's win and loss URLs into the
// response (the top-level outcome is unknown here) and handles every losing
// ad's loss URL, sampled independently of the winner.
func (s *DebugSampler) processComponent(ads []*core.ScoredAd, winner *core.ScoredAd, values func(*core.ScoredAd, bool) core.PlaceholderValues, budget *core.DebugURLBudget) []auctionapi.DebugReport {
	var reports []auctionapi.DebugReport
	var book componentBookkeeping

	for _, ad := range ads {
		if s.cfg.Sampled && book.done() {
			break
		}

		if winner != nil && ad == winner {
			vals := values(ad, true)
			if url, ok := s.accept(ad.Score.DebugURLs.WinURL, vals, budget); ok {
				reports = append(reports, auctionapi.DebugReport{URL: url, IsWinReport: true, ComponentWin: true})
			}
			if url, ok := s.accept(ad.Score.DebugURLs.LossURL, vals, budget); ok {
				reports = append(reports, auctionapi.DebugReport{URL: url, ComponentWin: true})
			}
			book.winHandled = true
			continue
		}

		if s.cfg.Sampled && (book.lossSelected || book.cooldownDetermined) {
			continue
		}
		url, ok := s.accept(ad.Score.DebugURLs.LossURL, values(ad, false), budget)
		if !ok {
			continue
		}
		if !s.cfg.Sampled {
			s.reporter.DoReport(url)
			continue
		}
		if s.sampleSucceeds() {
			s.reporter.DoReport(url)
			book.lossSelected = true
		} else {
			reports = append(reports, auctionapi.DebugReport{URL: ""})
			book.cooldownDetermined = true
		}
	}

	if winner == nil {
		book.winHandled = true
	}
	return reports
}

// accept validates one URL: enrollment attestation of its eTLD+1 site, then
// placeholder expansion, then the byte budgets. Rejections log and drop.
func (s *DebugSampler) accept(raw string, vals core.PlaceholderValues, budget *core.DebugURLBudget) (string, bool) {
	if raw == "" {
		return "", false
	}
	site, err := core.DebugURLSite(raw)
	if err != nil {
		log.Printf("INFO: Dropping debug url: %v", err)
		return "", false
	}
	if !s.enrollment.Query(site) {
		log.Printf("INFO: Dropping debug url for unenrolled site %s", site)
		return "", false
	}
	url := core.ExpandDebugURL(raw, vals)
	if !budget.TryAdd(url) {
		log.Printf("INFO: Debug url budget exhausted, dropping url for site %s", site)
		return "", false
	}
	return url, true
}

func (s *DebugSampler) sampleSucceeds() bool {
	if s.cfg.SamplingUpperBound <= 1 {
		return true
	}
	r := s.rand
	if r == nil {
		r = core.DefaultRandSource()
	}
	return r.Intn(s.cfg.SamplingUpperBound) == 0
}
