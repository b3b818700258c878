package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/kelseyhightower/envconfig"
)

// Config holds server configuration loaded from CAXE_* environment variables.
type Config struct {
	ListenAddr  string   `envconfig:"LISTEN_ADDR" default:":8723"`
	DBPath      string   `envconfig:"DB_PATH" default:"caxe.db"`
	AdminToken  string   `envconfig:"ADMIN_TOKEN"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`

	VerifyTimeout     time.Duration `envconfig:"VERIFY_TIMEOUT" default:"10s"`
	KeepAliveInterval time.Duration `envconfig:"KEEP_ALIVE_INTERVAL" default:"1s"`
	TickInterval      time.Duration `envconfig:"TICK_INTERVAL" default:"10ms"`
	MatchBackoffMax   time.Duration `envconfig:"MATCH_BACKOFF_MAX" default:"500ms"`
	FetchTimeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
	EscrowTTL         time.Duration `envconfig:"ESCROW_TTL" default:"1h"`

	Digest              string `envconfig:"DIGEST" default:"blake3"`
	CredentialMediaType string `envconfig:"CREDENTIAL_MEDIA_TYPE" default:"application/json+acdc"`
	MaxDocumentBytes    int64  `envconfig:"MAX_DOCUMENT_BYTES" default:"16777216"`

	Algorithm crypto.Algorithm `ignored:"true"`
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("caxe", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes cfg and reports the first invalid setting.
func (c *Config) Validate() error {
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return fmt.Errorf("CAXE_ADMIN_TOKEN must be at least 16 characters")
	}

	alg, err := crypto.ParseAlgorithm(c.Digest)
	if err != nil {
		return fmt.Errorf("CAXE_DIGEST: %w", err)
	}
	c.Algorithm = alg

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"CAXE_VERIFY_TIMEOUT", c.VerifyTimeout},
		{"CAXE_KEEP_ALIVE_INTERVAL", c.KeepAliveInterval},
		{"CAXE_TICK_INTERVAL", c.TickInterval},
		{"CAXE_MATCH_BACKOFF_MAX", c.MatchBackoffMax},
		{"CAXE_FETCH_TIMEOUT", c.FetchTimeout},
		{"CAXE_ESCROW_TTL", c.EscrowTTL},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.v)
		}
	}
	if c.MatchBackoffMax < c.TickInterval {
		return fmt.Errorf("CAXE_MATCH_BACKOFF_MAX (%s) must not be shorter than CAXE_TICK_INTERVAL (%s)", c.MatchBackoffMax, c.TickInterval)
	}
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("CAXE_MAX_DOCUMENT_BYTES must be positive")
	}

	c.CredentialMediaType = strings.TrimSpace(c.CredentialMediaType)
	if c.CredentialMediaType == "" {
		return fmt.Errorf("CAXE_CREDENTIAL_MEDIA_TYPE must not be empty")
	}

	var origins []string
	for _, o := range c.CORSOrigins {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
	return nil
}

// Pipeline returns the scheduler settings.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		VerifyTimeout:    c.VerifyTimeout,
		TickInterval:     c.TickInterval,
		MatchBackoffMax:  c.MatchBackoffMax,
		FetchTimeout:     c.FetchTimeout,
		Algorithm:        c.Algorithm,
		MediaType:        c.CredentialMediaType,
		MaxDocumentBytes: c.MaxDocumentBytes,
	}
}
