package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alvmarrod/storefront-scout/internal/parser"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultUserAgent is a desktop browser string; the listing site rejects bare clients
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config holds all runtime configuration parameters
type Config struct {
	ListingBaseURL      string `json:"listing_base_url"`
	CatalogURLTemplate  string `json:"catalog_url_template"`
	UserAgent           string `json:"user_agent"`
	RequestTimeoutMs    int    `json:"request_timeout_ms"`
	EnrichConcurrency   int    `json:"enrich_concurrency"`
	DayBatchSize        int    `json:"day_batch_size"`
	ImportPageSize      int    `json:"import_page_size"`
	ImportConcurrency   int    `json:"import_concurrency"`
	DBPath              string `json:"db_path"`
	BlobDir             string `json:"blob_dir"`
	HTTPAddr            string `json:"http_addr"`
	MetricsPath         string `json:"metrics_path"`
	DailySchedule       string `json:"daily_schedule"`
	LogLevel            string `json:"log_level"`
	ProgressIntervalSec int    `json:"progress_interval_sec"`

	// ListingSelectors switches listing extraction to CSS selectors when Block is set
	ListingSelectors parser.Selectors `json:"listing_selectors"`
}

// LoadConfig reads and validates configuration from a JSON file.
// A missing file is not an error: defaults and environment overrides still apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		decoder := json.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		logrus.Debugf("Config file %s not found, using defaults and environment", path)
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFiles loads .env.local then .env; missing files are ignored
func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// applyEnv overrides file values with SCOUT_* environment variables
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SCOUT_LISTING_BASE_URL":     &cfg.ListingBaseURL,
		"SCOUT_CATALOG_URL_TEMPLATE": &cfg.CatalogURLTemplate,
		"SCOUT_USER_AGENT":           &cfg.UserAgent,
		"SCOUT_DB_PATH":              &cfg.DBPath,
		"SCOUT_BLOB_DIR":             &cfg.BlobDir,
		"SCOUT_HTTP_ADDR":            &cfg.HTTPAddr,
		"SCOUT_METRICS_PATH":         &cfg.MetricsPath,
		"SCOUT_DAILY_SCHEDULE":       &cfg.DailySchedule,
		"SCOUT_LOG_LEVEL":            &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SCOUT_REQUEST_TIMEOUT_MS":    &cfg.RequestTimeoutMs,
		"SCOUT_ENRICH_CONCURRENCY":    &cfg.EnrichConcurrency,
		"SCOUT_DAY_BATCH_SIZE":        &cfg.DayBatchSize,
		"SCOUT_IMPORT_PAGE_SIZE":      &cfg.ImportPageSize,
		"SCOUT_IMPORT_CONCURRENCY":    &cfg.ImportConcurrency,
		"SCOUT_PROGRESS_INTERVAL_SEC": &cfg.ProgressIntervalSec,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = n
	}
	return nil
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	cfg.ListingBaseURL = strings.TrimRight(cfg.ListingBaseURL, "/")
	if cfg.CatalogURLTemplate == "" {
		cfg.CatalogURLTemplate = "https://%s/products.json?limit=10"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 15000
	}
	if cfg.EnrichConcurrency == 0 {
		cfg.EnrichConcurrency = 5
	}
	if cfg.DayBatchSize == 0 {
		cfg.DayBatchSize = 50
	}
	if cfg.ImportPageSize == 0 {
		cfg.ImportPageSize = 25
	}
	if cfg.ImportConcurrency == 0 {
		cfg.ImportConcurrency = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "scout.db"
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = "uploads"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ProgressIntervalSec == 0 {
		cfg.ProgressIntervalSec = 30
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.ListingBaseURL == "" {
		return fmt.Errorf("listing_base_url is required")
	}
	if !strings.HasPrefix(cfg.ListingBaseURL, "http://") && !strings.HasPrefix(cfg.ListingBaseURL, "https://") {
		return fmt.Errorf("listing_base_url must start with http:// or https://")
	}
	if strings.Count(cfg.CatalogURLTemplate, "%s") != 1 {
		return fmt.Errorf("catalog_url_template must contain exactly one %%s")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.EnrichConcurrency < 1 {
		return fmt.Errorf("enrich_concurrency must be >= 1")
	}
	if cfg.DayBatchSize < 1 {
		return fmt.Errorf("day_batch_size must be >= 1")
	}
	if cfg.ImportPageSize < 1 {
		return fmt.Errorf("import_page_size must be >= 1")
	}
	if cfg.ImportConcurrency < 1 {
		return fmt.Errorf("import_concurrency must be >= 1")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if cfg.DailySchedule != "" {
		if _, err := cron.ParseStandard(cfg.DailySchedule); err != nil {
			return fmt.Errorf("daily_schedule: %w", err)
		}
	}
	return nil
}
