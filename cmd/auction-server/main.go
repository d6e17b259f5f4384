// Command auction-server runs the privacy-preserving ad scoring service.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudx-io/sealedauction/auction"
	"github.com/cloudx-io/sealedauction/core"
	"github.com/cloudx-io/sealedauction/dispatch"
	"github.com/cloudx-io/sealedauction/encryption"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	keys, err := encryption.NewKeyManager()
	if err != nil {
		log.Fatalf("ERROR: Failed to initialize key manager: %v", err)
	}
	log.Printf("INFO: Key manager initialized, current key %s", keys.CurrentKeyID())

	executor, err := dispatch.NewHTTPExecutor(cfg.ExecutorEndpoint, cfg.ExecutorTimeout)
	if err != nil {
		log.Fatalf("ERROR: Failed to initialize executor: %v", err)
	}

	enrollment := auction.NewEnrollmentCache(cfg.Enrollment.Sites...)
	log.Printf("INFO: Enrollment allow-list seeded with %d sites", enrollment.Len())
	if cfg.Enrollment.FetchURL != "" {
		enrollment.StartRefresher(context.Background(), cfg.Enrollment.RefreshInterval,
			fetchEnrollment(cfg.Enrollment.FetchURL))
	}

	reactor := auction.NewReactor(auction.ReactorConfig{
		RequireScoringSignals: cfg.RequireScoringSignals,
		MaxGhostWinners:       cfg.MaxGhostWinners,
		DefaultUDFVersion:     cfg.SellerUDFVersion,
		Reporting: auction.ReportingConfig{
			EnableSellerReporting:   cfg.Reporting.EnableSellerReporting,
			EnableBuyerReporting:    cfg.Reporting.EnableBuyerReporting,
			SellerBuyerCodeIsolated: cfg.Reporting.SellerBuyerCodeIsolated,
			EnableNoising:           cfg.Reporting.EnableNoising,
			BuyerAllowList:          allowList(cfg.Reporting.BuyerAllowList),
			PASBuyerAllowList:       allowList(cfg.Reporting.PASBuyerAllowList),
			SellerUDFVersion:        cfg.SellerUDFVersion,
			BuyerUDFVersion:         cfg.BuyerUDFVersion,
		},
		Debug: auction.DebugConfig{
			Enabled:            cfg.Debug.Enabled,
			Sampled:            cfg.Debug.Sampled,
			SamplingUpperBound: cfg.Debug.SamplingUpperBound,
			PerURLCapBytes:     cfg.Debug.PerURLCapBytes,
			TotalCapBytes:      cfg.Debug.TotalCapBytes,
		},
	}, executor, enrollment, nil, core.DefaultRandSource())

	crypto := encryption.NewHybridClient(keys)
	server := NewAuctionServer(cfg, reactor, crypto, keys)

	if cfg.VsockPort > 0 {
		go func() {
			if err := server.StartVsock(cfg.VsockPort); err != nil {
				log.Fatalf("ERROR: Vsock server failed: %v", err)
			}
		}()
	}

	router := chi.NewRouter()
	server.RegisterRoutes(router)
	log.Printf("INFO: Scoring server listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, router))
}

// fetchEnrollment fetches a newline-delimited site list for the enrollment
// refresher.
func fetchEnrollment(url string) func(context.Context) ([]string, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("enrollment fetch returned status %d", resp.StatusCode)
		}

		var sites []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			site := strings.TrimSpace(scanner.Text())
			if site != "" && !strings.HasPrefix(site, "#") {
				sites = append(sites, site)
			}
		}
		return sites, scanner.Err()
	}
}
