package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`

	DBDriver string `mapstructure:"db_driver"`
	DBPath   string `mapstructure:"db_path"`

	Microsoft MicrosoftConfig `mapstructure:",squash"`
	Google    GoogleConfig    `mapstructure:",squash"`

	// JWKSURL is where bearer-token signing keys are published
	JWKSURL string `mapstructure:"jwks_url"`

	// NATSURL switches the event bus to JetStream when set
	NATSURL string `mapstructure:"nats_url"`

	QueueWorkers       int           `mapstructure:"queue_workers"`
	MaxChunksPerFolder int           `mapstructure:"max_chunks_per_folder"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MicrosoftConfig is the Azure AD app registration
type MicrosoftConfig struct {
	ClientID     string `mapstructure:"ms_graph_client_id"`
	ClientSecret string `mapstructure:"ms_graph_client_secret"`
	TenantID     string `mapstructure:"ms_graph_tenant_id"`
	RedirectURI  string `mapstructure:"ms_graph_redirect_uri"`
}

// GoogleConfig is the Google Cloud OAuth client; empty disables Gmail
type GoogleConfig struct {
	ClientID     string `mapstructure:"google_client_id"`
	ClientSecret string `mapstructure:"google_client_secret"`
	RedirectURI  string `mapstructure:"google_redirect_uri"`
}

// Enabled reports whether Gmail accounts can be linked
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

var defaults = map[string]any{
	"http_addr":              ":8080",
	"db_driver":              "sqlite",
	"db_path":                "data/mailmirror.db",
	"ms_graph_client_id":     "",
	"ms_graph_client_secret": "",
	"ms_graph_tenant_id":     "common",
	"ms_graph_redirect_uri":  "",
	"google_client_id":       "",
	"google_client_secret":   "",
	"google_redirect_uri":    "",
	"jwks_url":               "",
	"nats_url":               "",
	"queue_workers":          4,
	"max_chunks_per_folder":  500,
	"sync_interval":          "15m",
	"log_level":              "info",
	"log_format":             "text",
	"allowed_origins":        "",
}

// Load reads configuration from the environment, optionally layered over the
// file named by CONFIG_FILE
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.AllowedOrigins = splitList(v.GetString("allowed_origins"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and sane
func (c *Config) Validate() error {
	var errs []error

	if c.Microsoft.ClientID == "" {
		errs = append(errs, errors.New("MS_GRAPH_CLIENT_ID is required"))
	}
	if c.Microsoft.ClientSecret == "" {
		errs = append(errs, errors.New("MS_GRAPH_CLIENT_SECRET is required"))
	}
	if c.Microsoft.RedirectURI == "" {
		errs = append(errs, errors.New("MS_GRAPH_REDIRECT_URI is required"))
	}
	if c.Google.Enabled() && c.Google.RedirectURI == "" {
		errs = append(errs, errors.New("GOOGLE_REDIRECT_URI is required when Google is configured"))
	}
	if c.JWKSURL == "" {
		errs = append(errs, errors.New("JWKS_URL is required"))
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "sqlite3" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or sqlite3, got %q", c.DBDriver))
	}
	if c.QueueWorkers < 1 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be at least 1"))
	}
	if c.MaxChunksPerFolder < 1 {
		errs = append(errs, errors.New("MAX_CHUNKS_PER_FOLDER must be at least 1"))
	}
	if c.SyncInterval < 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must not be negative"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
