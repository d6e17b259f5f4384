package core

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DebugURLBudget tracks the per-URL and cumulative byte budgets for all debug
// report URLs attached to one auction response. Exceeding either cap drops
// the URL; the cumulative budget never regresses.
type DebugURLBudget struct {
	// PerURLCap is the maximum byte length of a single URL; 0 disables the
	// per-URL check.
	PerURLCap int

	// TotalCap is the cumulative byte budget for the auction; 0 disables the
	// cumulative check.
	TotalCap int

	used int
}

// TryAdd charges url against the budget. It returns false, without charging,
// when the URL exceeds the per-URL cap or would push the cumulative total
// past the budget.
func (b *DebugURLBudget) TryAdd(u string) bool {
	n := len(u)
	if b.PerURLCap > 0 && n > b.PerURLCap {
		return false
	}
	if b.TotalCap > 0 && b.used+n > b.TotalCap {
		return false
	}
	b.used += n
	return true
}

// Used returns the bytes consumed so far.
func (b *DebugURLBudget) Used() int {
	return b.used
}

// PlaceholderValues are the auction outcome values substituted into debug
// report URL templates.
type PlaceholderValues struct {
	WinningBid                 float64
	MadeWinningBid             bool
	HighestScoringOtherBid     float64
	MadeHighestScoringOtherBid bool
	RejectReason               RejectionReason
}

// ExpandDebugURL substitutes the ${} placeholders of the debug reporting
// contract into a win/loss URL template.
func ExpandDebugURL(template string, vals PlaceholderValues) string {
	if !strings.Contains(template, "${") {
		return template
	}
	reason := string(vals.RejectReason)
	if reason == "" {
		reason = string(RejectionNotAvailable)
	}
	r := strings.NewReplacer(
		"${winningBid}", formatBid(vals.WinningBid),
		"${madeWinningBid}", strconv.FormatBool(vals.MadeWinningBid),
		"${highestScoringOtherBid}", formatBid(vals.HighestScoringOtherBid),
		"${madeHighestScoringOtherBid}", strconv.FormatBool(vals.MadeHighestScoringOtherBid),
		"${rejectReason}", reason,
	)
	return r.Replace(template)
}

func formatBid(bid float64) string {
	return strconv.FormatFloat(bid, 'f', -1, 64)
}

// DebugURLSite extracts the eTLD+1 site of a debug URL for the enrollment
// check. Only http(s) URLs with a resolvable registrable domain are accepted.
func DebugURLSite(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid debug url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported debug url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("debug url %q has no host", raw)
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("no registrable domain for %q: %w", host, err)
	}
	return site, nil
}
