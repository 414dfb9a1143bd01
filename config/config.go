// Package config holds the immutable, process-wide configuration record for
// the ingestion/outbox pipeline. It is constructed once at process start from
// environment variables and never mutated afterward except in tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the closed set of recognized options. Every field has a sane
// default; Load only overrides what the environment actually sets. The yaml
// tags let an operator hand LoadFile a static override document instead of
// (or layered under) environment variables — e.g. the webhook header
// allowlist or the tenant allowlist, which are awkward to express as a
// single env var.
type Config struct {
	// Upload / MIME.
	MaxUploadMB   int      `yaml:"max_upload_mb"`
	MIMEAllowlist []string `yaml:"mime_allowlist"`

	// Parser (inbox worker).
	ParserMaxBytes            int64           `yaml:"parser_max_bytes"`
	ParserChunkThresholdBytes int64           `yaml:"parser_chunk_threshold_bytes"`
	WorkerBatchSize           int             `yaml:"worker_batch_size"`
	WorkerPollInterval        time.Duration   `yaml:"worker_poll_interval"`
	ParserBackoffSteps        []time.Duration `yaml:"parser_backoff_steps"`
	ParserRetryMax            int             `yaml:"parser_retry_max"`

	// Publisher.
	PublishTransport    string          `yaml:"publish_transport"` // "stdout" | "webhook"
	PublishBatchSize    int             `yaml:"publish_batch_size"`
	PublishPollInterval time.Duration   `yaml:"publish_poll_interval"`
	PublishBackoffSteps []time.Duration `yaml:"publish_backoff_steps"`
	PublishRetryMax     int             `yaml:"publish_retry_max"`

	// Webhook transport.
	WebhookURL              string            `yaml:"webhook_url"`
	WebhookTimeout          time.Duration     `yaml:"webhook_timeout"`
	WebhookSuccessCodes     string            `yaml:"webhook_success_codes"`
	WebhookHeadersAllowlist map[string]string `yaml:"webhook_headers_allowlist"`
	WebhookDomainAllowlist  []string          `yaml:"webhook_domain_allowlist"`

	// Ingest fetch policy.
	IngestTimeoutConnect time.Duration `yaml:"ingest_timeout_connect"`
	IngestTimeoutRead    time.Duration `yaml:"ingest_timeout_read"`
	IngestRedirectLimit  int           `yaml:"ingest_redirect_limit"`
	IngestURLAllowlist   []string      `yaml:"ingest_url_allowlist"`
	IngestURLDenylist    []string      `yaml:"ingest_url_denylist"`

	// Tenant validator.
	TenantAllowlist        []string      `yaml:"tenant_allowlist"`
	TenantAllowlistPath    string        `yaml:"tenant_allowlist_path"`
	TenantAllowlistRefresh time.Duration `yaml:"tenant_allowlist_refresh"`
	AppEnv                 string        `yaml:"app_env"`

	// Storage.
	StorageBackend string `yaml:"storage_backend"` // "file"
	StorageBaseURI string `yaml:"storage_base_uri"`

	// Supplemented: cursor signing (§4.10).
	CursorHMACKey string `yaml:"cursor_hmac_key"`

	// Ambient: logging/metrics.
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the closed-set defaults taken from the original system's
// settings module, restricted to what this implementation recognizes.
func Default() *Config {
	return &Config{
		MaxUploadMB:   25,
		MIMEAllowlist: []string{"application/pdf", "image/png", "image/jpeg", "text/csv", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/json", "application/xml"},

		ParserMaxBytes:            10_000_000,
		ParserChunkThresholdBytes: 262_144,
		WorkerBatchSize:           50,
		WorkerPollInterval:        time.Second,
		ParserBackoffSteps:        []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second},
		ParserRetryMax:            3,

		PublishTransport:    "stdout",
		PublishBatchSize:    50,
		PublishPollInterval: time.Second,
		PublishBackoffSteps: []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second},
		PublishRetryMax:     3,

		WebhookTimeout:      3 * time.Second,
		WebhookSuccessCodes: "200-299",

		IngestTimeoutConnect: 2 * time.Second,
		IngestTimeoutRead:    5 * time.Second,
		IngestRedirectLimit:  3,

		TenantAllowlistRefresh: 30 * time.Second,
		AppEnv:                 "production",

		StorageBackend: "file",
		StorageBaseURI: "file:///var/lib/ibxpub/uploads",

		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load builds a Config from Default() overridden by environment variables.
// It does not look at flags; callers (cmd/...) merge flags in afterward.
func Load() (*Config, error) {
	c := Default()

	if v, ok := os.LookupEnv("MAX_UPLOAD_MB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MAX_UPLOAD_MB: %w", err)
		}
		c.MaxUploadMB = n
	}
	if v, ok := os.LookupEnv("MIME_ALLOWLIST"); ok {
		c.MIMEAllowlist = splitCSV(v)
	}

	if v, ok := os.LookupEnv("PARSER_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: PARSER_MAX_BYTES: %w", err)
		}
		c.ParserMaxBytes = n
	}
	if v, ok := os.LookupEnv("PARSER_CHUNK_THRESHOLD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: PARSER_CHUNK_THRESHOLD_BYTES: %w", err)
		}
		c.ParserChunkThresholdBytes = n
	}
	if v, ok := os.LookupEnv("WORKER_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: WORKER_BATCH_SIZE: %w", err)
		}
		c.WorkerBatchSize = n
	}
	if v, ok := os.LookupEnv("WORKER_POLL_INTERVAL_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("config: WORKER_POLL_INTERVAL_MS: %w", err)
		}
		c.WorkerPollInterval = d
	}
	if v, ok := os.LookupEnv("PARSER_BACKOFF_STEPS"); ok {
		steps, err := parseBackoffSteps(v)
		if err != nil {
			return nil, fmt.Errorf("config: PARSER_BACKOFF_STEPS: %w", err)
		}
		c.ParserBackoffSteps = steps
	}
	if v, ok := os.LookupEnv("PARSER_RETRY_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PARSER_RETRY_MAX: %w", err)
		}
		c.ParserRetryMax = n
	}

	if v, ok := os.LookupEnv("PUBLISH_TRANSPORT"); ok {
		c.PublishTransport = v
	}
	if v, ok := os.LookupEnv("PUBLISH_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PUBLISH_BATCH_SIZE: %w", err)
		}
		c.PublishBatchSize = n
	}
	if v, ok := os.LookupEnv("PUBLISH_POLL_INTERVAL_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("config: PUBLISH_POLL_INTERVAL_MS: %w", err)
		}
		c.PublishPollInterval = d
	}
	if v, ok := os.LookupEnv("PUBLISH_BACKOFF_STEPS"); ok {
		steps, err := parseBackoffSteps(v)
		if err != nil {
			return nil, fmt.Errorf("config: PUBLISH_BACKOFF_STEPS: %w", err)
		}
		c.PublishBackoffSteps = steps
	}
	if v, ok := os.LookupEnv("PUBLISH_RETRY_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PUBLISH_RETRY_MAX: %w", err)
		}
		c.PublishRetryMax = n
	}

	if v, ok := os.LookupEnv("WEBHOOK_URL"); ok {
		c.WebhookURL = v
	}
	if v, ok := os.LookupEnv("WEBHOOK_TIMEOUT_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("config: WEBHOOK_TIMEOUT_MS: %w", err)
		}
		c.WebhookTimeout = d
	}
	if v, ok := os.LookupEnv("WEBHOOK_SUCCESS_CODES"); ok && v != "" {
		c.WebhookSuccessCodes = v
	}
	if v, ok := os.LookupEnv("WEBHOOK_HEADERS_ALLOWLIST"); ok {
		c.WebhookHeadersAllowlist = parseKVList(v)
	}
	if v, ok := os.LookupEnv("WEBHOOK_DOMAIN_ALLOWLIST"); ok {
		c.WebhookDomainAllowlist = splitCSV(v)
	}

	if v, ok := os.LookupEnv("INGEST_TIMEOUT_CONNECT_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("config: INGEST_TIMEOUT_CONNECT_MS: %w", err)
		}
		c.IngestTimeoutConnect = d
	}
	if v, ok := os.LookupEnv("INGEST_TIMEOUT_READ_MS"); ok {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("config: INGEST_TIMEOUT_READ_MS: %w", err)
		}
		c.IngestTimeoutRead = d
	}
	if v, ok := os.LookupEnv("INGEST_REDIRECT_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: INGEST_REDIRECT_LIMIT: %w", err)
		}
		c.IngestRedirectLimit = n
	}
	if v, ok := os.LookupEnv("INGEST_URL_ALLOWLIST"); ok {
		c.IngestURLAllowlist = splitCSV(v)
	}
	if v, ok := os.LookupEnv("INGEST_URL_DENYLIST"); ok {
		c.IngestURLDenylist = splitCSV(v)
	}

	if v, ok := os.LookupEnv("TENANT_ALLOWLIST"); ok {
		c.TenantAllowlist = splitCSV(v)
	}
	if v, ok := os.LookupEnv("TENANT_ALLOWLIST_PATH"); ok {
		c.TenantAllowlistPath = v
	}
	if v, ok := os.LookupEnv("TENANT_ALLOWLIST_REFRESH_SEC"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: TENANT_ALLOWLIST_REFRESH_SEC: %w", err)
		}
		c.TenantAllowlistRefresh = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("APP_ENV"); ok {
		c.AppEnv = v
	}

	if v, ok := os.LookupEnv("STORAGE_BACKEND"); ok {
		c.StorageBackend = v
	}
	if v, ok := os.LookupEnv("STORAGE_BASE_URI"); ok {
		c.StorageBaseURI = v
	}

	if v, ok := os.LookupEnv("CURSOR_HMAC_KEY"); ok {
		c.CursorHMACKey = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	return c, c.Validate()
}

// LoadFile reads a YAML override document and applies it on top of
// Default(). Any field the file omits keeps its default; it does not read
// the environment at all, the way Load does — callers that want both layer
// LoadFile's result and re-run Validate themselves.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate rejects configurations that cannot run correctly. It never mutates
// the receiver.
func (c *Config) Validate() error {
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_MB must be > 0")
	}
	if len(c.MIMEAllowlist) == 0 {
		return fmt.Errorf("config: MIME_ALLOWLIST must not be empty")
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("config: WORKER_BATCH_SIZE must be > 0")
	}
	if c.PublishBatchSize <= 0 {
		return fmt.Errorf("config: PUBLISH_BATCH_SIZE must be > 0")
	}
	switch c.PublishTransport {
	case "stdout", "webhook":
	default:
		return fmt.Errorf("config: PUBLISH_TRANSPORT must be stdout or webhook, got %q", c.PublishTransport)
	}
	if c.PublishTransport == "webhook" && c.WebhookURL == "" {
		return fmt.Errorf("config: PUBLISH_TRANSPORT=webhook requires WEBHOOK_URL")
	}
	if c.StorageBackend != "file" {
		return fmt.Errorf("config: STORAGE_BACKEND %q not supported in this build", c.StorageBackend)
	}
	return nil
}

// MaxUploadBytes is MaxUploadMB converted to a byte count.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseMillis(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseBackoffSteps(s string) ([]time.Duration, error) {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty backoff step list")
	}
	steps := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad step %q: %w", p, err)
		}
		steps = append(steps, time.Duration(n)*time.Second)
	}
	return steps, nil
}

func parseKVList(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(s) {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// BackoffFor returns the retry delay for the given 1-based attempt number,
// indexing the ordered steps list with min(attempt-1, len(steps)-1).
func BackoffFor(steps []time.Duration, attempt int) time.Duration {
	if len(steps) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	return steps[idx]
}
