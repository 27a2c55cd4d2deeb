// Package config defines the tap configuration model and its loader.
//
// Configuration is organized into sections covering the API endpoint,
// OAuth2 credentials, sync behavior, output, reliability, and
// observability. Files may be YAML or JSON; ${VAR} references are
// substituted from the environment before parsing, and QUASAR_*
// environment variables override the sensitive fields afterward.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Config is the root tap configuration.
type Config struct {
	API           APIConfig           `yaml:"api" json:"api"`
	OAuth         OAuthConfig         `yaml:"oauth" json:"oauth"`
	Sync          SyncConfig          `yaml:"sync" json:"sync"`
	Output        OutputConfig        `yaml:"output" json:"output"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// APIConfig locates the Dataverse organization endpoint.
type APIConfig struct {
	// OrganizationURI is the root of the target organization, for example
	// https://org12345.crm.dynamics.com. It doubles as the AAD resource
	// identifier during token exchange.
	OrganizationURI string `yaml:"organization_uri" json:"organization_uri"`
	// Version selects the Web API version segment, without the leading "v".
	Version   string `yaml:"version" json:"version"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// MaxPageSize is sent as the odata.maxpagesize preference. The service
	// caps pages at 5000 rows; larger values are clamped at startup.
	MaxPageSize int           `yaml:"max_page_size" json:"max_page_size"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// OAuthConfig carries the refresh-token credential set.
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url" json:"token_url"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri" json:"redirect_uri"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token"`
	// RefreshMargin renews the access token this long before its reported
	// expiry so in-flight requests never race the deadline.
	RefreshMargin time.Duration `yaml:"refresh_margin" json:"refresh_margin"`
}

// SyncConfig governs replication behavior.
type SyncConfig struct {
	// StartDate is the initial incremental cutoff for entities that have
	// no bookmark yet, RFC3339.
	StartDate string `yaml:"start_date" json:"start_date"`
	// Concurrency bounds how many entities sync at once. At 1 the engine
	// also maintains the currently-syncing marker in emitted state.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// CheckpointRecords emits an intermediate state message every N
	// records per entity. Zero checkpoints only at entity completion.
	CheckpointRecords  int  `yaml:"checkpoint_records" json:"checkpoint_records"`
	SelectAllByDefault bool `yaml:"select_all_by_default" json:"select_all_by_default"`
}

// OutputConfig controls the Singer message stream destination.
type OutputConfig struct {
	// Path receives the message stream; empty means stdout.
	Path string `yaml:"path" json:"path"`
	// Compression applies to Path output only: none, gzip, zstd, or lz4.
	Compression string `yaml:"compression" json:"compression"`
	BufferSize  int    `yaml:"buffer_size" json:"buffer_size"`
}

// ReliabilityConfig tunes retries and client-side rate limiting.
type ReliabilityConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// RequestsPerMinute matches the service limit of 500 calls per rolling
	// minute per user.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `yaml:"burst" json:"burst"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel       string  `yaml:"log_level" json:"log_level"`
	LogDevelopment bool    `yaml:"log_development" json:"log_development"`
	TracingEnabled bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultTokenURL is the AAD common-tenant v1 token endpoint used when
// oauth.token_url is unset.
const DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/token"

// NewConfig returns a Config populated with production defaults.
// Credentials and the organization URI must still be supplied.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			Version:     "9.2",
			MaxPageSize: 5000,
			Timeout:     120 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL:      DefaultTokenURL,
			RefreshMargin: 60 * time.Second,
		},
		Sync: SyncConfig{
			Concurrency:        1,
			CheckpointRecords:  0,
			SelectAllByDefault: false,
		},
		Output: OutputConfig{
			Compression: "none",
			BufferSize:  256 * 1024,
		},
		Reliability: ReliabilityConfig{
			MaxAttempts:       10,
			InitialDelay:      time.Second,
			MaxDelay:          120 * time.Second,
			BackoffMultiplier: 2.0,
			RequestsPerMinute: 500,
			Burst:             10,
		},
		Observability: ObservabilityConfig{
			LogLevel:   "info",
			SampleRate: 0.1,
		},
	}
}

// Validate checks that every field required to reach the API is present
// and well formed. It returns a config error naming the first problem.
func (c *Config) Validate() error {
	if c.API.OrganizationURI == "" {
		return errors.New(errors.ErrorTypeConfig, "api.organization_uri is required")
	}
	u, err := url.Parse(c.API.OrganizationURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.ErrorTypeConfig, "api.organization_uri %q is not an absolute URL", c.API.OrganizationURI)
	}
	if c.API.UserAgent == "" {
		return errors.New(errors.ErrorTypeConfig, "api.user_agent is required")
	}
	if c.API.Version == "" {
		return errors.New(errors.ErrorTypeConfig, "api.version is required")
	}
	if c.OAuth.ClientID == "" {
		return errors.New(errors.ErrorTypeConfig, "oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		return errors.New(errors.ErrorTypeConfig, "oauth.client_secret is required")
	}
	if c.OAuth.RedirectURI == "" {
		return errors.New(errors.ErrorTypeConfig, "oauth.redirect_uri is required")
	}
	if c.OAuth.RefreshToken == "" {
		return errors.New(errors.ErrorTypeConfig, "oauth.refresh_token is required")
	}
	if c.Sync.StartDate == "" {
		return errors.New(errors.ErrorTypeConfig, "sync.start_date is required")
	}
	if _, err := time.Parse(time.RFC3339, c.Sync.StartDate); err != nil {
		return errors.Newf(errors.ErrorTypeConfig, "sync.start_date %q is not RFC3339", c.Sync.StartDate)
	}
	if c.Sync.Concurrency < 1 {
		return errors.New(errors.ErrorTypeConfig, "sync.concurrency must be at least 1")
	}
	if c.Sync.CheckpointRecords < 0 {
		return errors.New(errors.ErrorTypeConfig, "sync.checkpoint_records must not be negative")
	}
	if c.Reliability.MaxAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.max_attempts must be at least 1")
	}
	if c.Reliability.BackoffMultiplier < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.backoff_multiplier must be at least 1")
	}
	if c.Reliability.RequestsPerMinute < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.requests_per_minute must be at least 1")
	}
	switch strings.ToLower(c.Output.Compression) {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "output.compression %q is not supported", c.Output.Compression)
	}
	return nil
}

// StartTime parses sync.start_date. Call Validate first.
func (c *Config) StartTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, c.Sync.StartDate)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeConfig, "parsing sync.start_date")
	}
	return t.UTC(), nil
}

// BaseURL assembles the versioned Web API root, always with a trailing
// slash so relative resources join cleanly.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("%s/api/data/v%s/", strings.TrimRight(c.API.OrganizationURI, "/"), c.API.Version)
}

// Resource returns the AAD resource identifier for token exchange.
func (c *Config) Resource() string {
	return strings.TrimRight(c.API.OrganizationURI, "/")
}
