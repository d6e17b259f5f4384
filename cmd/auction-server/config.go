package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from YAML with environment
// overrides for the deployment-specific knobs.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// VsockPort enables the vsock listener when non-zero. Deployments inside
	// an enclave expose the service over vsock instead of TCP.
	VsockPort uint32 `yaml:"vsock_port"`

	// ExecutorEndpoint is the sandbox sidecar URL scoring batches are posted
	// to. Required.
	ExecutorEndpoint string        `yaml:"executor_endpoint"`
	ExecutorTimeout  time.Duration `yaml:"executor_timeout"`

	MaxWorkers int `yaml:"max_workers"`

	SellerUDFVersion string `yaml:"seller_udf_version"`
	BuyerUDFVersion  string `yaml:"buyer_udf_version"`

	RequireScoringSignals bool `yaml:"require_scoring_signals"`
	MaxGhostWinners       int  `yaml:"max_ghost_winners"`

	Reporting ReportingSettings `yaml:"reporting"`
	Debug     DebugSettings     `yaml:"debug"`

	Enrollment EnrollmentSettings `yaml:"enrollment"`
}

// ReportingSettings configures the reporting cascade.
type ReportingSettings struct {
	EnableSellerReporting   bool     `yaml:"enable_seller_reporting"`
	EnableBuyerReporting    bool     `yaml:"enable_buyer_reporting"`
	SellerBuyerCodeIsolated bool     `yaml:"seller_buyer_code_isolated"`
	EnableNoising           bool     `yaml:"enable_noising"`
	BuyerAllowList          []string `yaml:"buyer_allow_list"`
	PASBuyerAllowList       []string `yaml:"pas_buyer_allow_list"`
}

// DebugSettings configures debug win/loss reporting.
type DebugSettings struct {
	Enabled            bool `yaml:"enabled"`
	Sampled            bool `yaml:"sampled"`
	SamplingUpperBound int  `yaml:"sampling_upper_bound"`
	PerURLCapBytes     int  `yaml:"per_url_cap_bytes"`
	TotalCapBytes      int  `yaml:"total_cap_bytes"`
}

// EnrollmentSettings configures the adtech enrollment allow-list.
type EnrollmentSettings struct {
	// Sites seeds the allow-list at startup.
	Sites []string `yaml:"sites"`

	// FetchURL enables periodic refresh from a newline-delimited list.
	FetchURL        string        `yaml:"fetch_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoadConfig reads the YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:      ":8080",
		ExecutorTimeout: 10 * time.Second,
		MaxWorkers:      16,
		MaxGhostWinners: 1,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("AUCTION_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AUCTION_EXECUTOR_ENDPOINT"); v != "" {
		cfg.ExecutorEndpoint = v
	}
	if v := os.Getenv("AUCTION_MAX_WORKERS"); v != "" {
		workers, err := getEnvInt("AUCTION_MAX_WORKERS")
		if err != nil {
			return nil, err
		}
		cfg.MaxWorkers = workers
	}

	if cfg.ExecutorEndpoint == "" {
		return nil, fmt.Errorf("executor_endpoint is required (config file or AUCTION_EXECUTOR_ENDPOINT)")
	}
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max_workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.Enrollment.RefreshInterval <= 0 {
		cfg.Enrollment.RefreshInterval = 5 * time.Minute
	}
	return cfg, nil
}

// getEnvInt parses an integer environment variable.
func getEnvInt(key string) (int, error) {
	value := os.Getenv(key)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a valid integer)", key, value)
	}
	log.Printf("INFO: Using %s=%d from environment", key, intValue)
	return intValue, nil
}

// allowList converts a configured buyer list to the nil-means-allow-all form.
func allowList(buyers []string) map[string]bool {
	if buyers == nil {
		return nil
	}
	m := make(map[string]bool, len(buyers))
	for _, b := range buyers {
		m[b] = true
	}
	return m
}
