// Package config loads the environment-driven configuration surface
// enumerated in the system specification into one immutable value. It is
// read once at process start and passed explicitly into each component's
// constructor; there is no mutable package-level config state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full environment-driven configuration surface for the HPC
// consumer, producer, and supporting CLIs.
type Config struct {
	// Producer auth
	APIKey string

	// Queue service
	QueueBaseURL   string
	QueuesAPIToken string
	AccountID      string
	JobsQueueID    string
	ResultsQueueID string

	// Container runtime
	ApptainerBin    string
	ApptainerImage  string
	ApptainerOCIRef string
	ApptainerSIFURL string

	// Persistence
	ResultsDir string

	// Loop timings
	PollInterval    time.Duration
	HeartbeatPeriod time.Duration

	// Image refresh cadence
	ImageRefreshInterval time.Duration

	// Operational sidecar
	AdminAddr string
}

// overlay mirrors the subset of Config that may be supplied via an optional
// YAML file; env vars always take precedence over values loaded here.
type overlay struct {
	APIKey               string `yaml:"api_key"`
	QueueBaseURL         string `yaml:"cf_queues_base_url"`
	QueuesAPIToken       string `yaml:"cf_queues_api_token"`
	AccountID            string `yaml:"cf_account_id"`
	JobsQueueID          string `yaml:"cf_jobs_queue_id"`
	ResultsQueueID       string `yaml:"cf_results_queue_id"`
	ApptainerBin         string `yaml:"apptainer_bin"`
	ApptainerImage       string `yaml:"apptainer_image"`
	ApptainerOCIRef      string `yaml:"apptainer_oci_ref"`
	ApptainerSIFURL      string `yaml:"apptainer_sif_url"`
	ResultsDir           string `yaml:"results_dir"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	HeartbeatSeconds     int    `yaml:"heartbeat_seconds"`
	ImageRefreshHours    int    `yaml:"image_refresh_hours"`
	AdminAddr            string `yaml:"admin_addr"`
}

// defaults returns a Config with the spec's documented defaults applied.
func defaults() Config {
	return Config{
		ApptainerBin:         "apptainer",
		ResultsDir:           "hpc-consumer/results",
		PollInterval:         5 * time.Second,
		HeartbeatPeriod:      30 * time.Second,
		ImageRefreshInterval: 24 * time.Hour,
		AdminAddr:            "127.0.0.1:9090",
		QueueBaseURL:         "https://api.cloudflare.com/client/v4/accounts",
	}
}

// Load reads OverlayPath (if it exists) and then the environment variables
// enumerated in spec §6.3, env vars winning on conflict, and validates the
// required fields are present.
func Load(overlayPath string) (*Config, error) {
	cfg := defaults()

	if overlayPath != "" {
		if err := applyOverlayFile(&cfg, overlayPath); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "API_KEY")
	}
	if cfg.QueuesAPIToken == "" {
		missing = append(missing, "CF_QUEUES_API_TOKEN")
	}
	if cfg.AccountID == "" {
		missing = append(missing, "CF_ACCOUNT_ID")
	}
	if cfg.JobsQueueID == "" {
		missing = append(missing, "CF_JOBS_QUEUE_ID")
	}
	if cfg.ResultsQueueID == "" {
		missing = append(missing, "CF_RESULTS_QUEUE_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required settings: %v", missing)
	}

	return &cfg, nil
}

func applyOverlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading overlay %s: %w", path, err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: parsing overlay %s: %w", path, err)
	}

	if o.APIKey != "" {
		cfg.APIKey = o.APIKey
	}
	if o.QueueBaseURL != "" {
		cfg.QueueBaseURL = o.QueueBaseURL
	}
	if o.QueuesAPIToken != "" {
		cfg.QueuesAPIToken = o.QueuesAPIToken
	}
	if o.AccountID != "" {
		cfg.AccountID = o.AccountID
	}
	if o.JobsQueueID != "" {
		cfg.JobsQueueID = o.JobsQueueID
	}
	if o.ResultsQueueID != "" {
		cfg.ResultsQueueID = o.ResultsQueueID
	}
	if o.ApptainerBin != "" {
		cfg.ApptainerBin = o.ApptainerBin
	}
	if o.ApptainerImage != "" {
		cfg.ApptainerImage = o.ApptainerImage
	}
	if o.ApptainerOCIRef != "" {
		cfg.ApptainerOCIRef = o.ApptainerOCIRef
	}
	if o.ApptainerSIFURL != "" {
		cfg.ApptainerSIFURL = o.ApptainerSIFURL
	}
	if o.ResultsDir != "" {
		cfg.ResultsDir = o.ResultsDir
	}
	if o.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(o.PollIntervalSeconds) * time.Second
	}
	if o.HeartbeatSeconds > 0 {
		cfg.HeartbeatPeriod = time.Duration(o.HeartbeatSeconds) * time.Second
	}
	if o.ImageRefreshHours > 0 {
		cfg.ImageRefreshInterval = time.Duration(o.ImageRefreshHours) * time.Hour
	}
	if o.AdminAddr != "" {
		cfg.AdminAddr = o.AdminAddr
	}

	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CF_QUEUES_BASE_URL"); v != "" {
		cfg.QueueBaseURL = v
	}
	if v := os.Getenv("CF_QUEUES_API_TOKEN"); v != "" {
		cfg.QueuesAPIToken = v
	}
	if v := os.Getenv("CF_ACCOUNT_ID"); v != "" {
		cfg.AccountID = v
	}
	if v := os.Getenv("CF_JOBS_QUEUE_ID"); v != "" {
		cfg.JobsQueueID = v
	}
	if v := os.Getenv("CF_RESULTS_QUEUE_ID"); v != "" {
		cfg.ResultsQueueID = v
	}
	if v := os.Getenv("APPTAINER_BIN"); v != "" {
		cfg.ApptainerBin = v
	}
	if v := os.Getenv("APPTAINER_IMAGE"); v != "" {
		cfg.ApptainerImage = v
	}
	if v := os.Getenv("APPTAINER_OCI_REF"); v != "" {
		cfg.ApptainerOCIRef = v
	}
	if v := os.Getenv("APPTAINER_SIF_URL"); v != "" {
		cfg.ApptainerSIFURL = v
	}
	if v := os.Getenv("RESULTS_DIR"); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatPeriod = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("IMAGE_REFRESH_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ImageRefreshInterval = time.Duration(n) * time.Hour
		}
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
}

// VisibilitySeconds computes the pull visibility window for a job with the
// given timeout, per spec §4.5: max(600, min(43200, timeout+60)).
func VisibilitySeconds(timeoutSeconds int) int {
	v := timeoutSeconds + 60
	if v < 600 {
		v = 600
	}
	if v > 43200 {
		v = 43200
	}
	return v
}
