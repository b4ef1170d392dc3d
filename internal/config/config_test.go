package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MS_GRAPH_CLIENT_ID", "client")
	t.Setenv("MS_GRAPH_CLIENT_SECRET", "secret")
	t.Setenv("MS_GRAPH_REDIRECT_URI", "http://localhost/callback")
	t.Setenv("JWKS_URL", "http://localhost/.well-known/jwks.json")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "common", cfg.Microsoft.TenantID)
	assert.Equal(t, "client", cfg.Microsoft.ClientID)
	assert.Equal(t, 4, cfg.QueueWorkers)
	assert.Equal(t, 500, cfg.MaxChunksPerFolder)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.Google.Enabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("MAX_CHUNKS_PER_FOLDER", "50")
	t.Setenv("SYNC_INTERVAL", "0s")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("GOOGLE_CLIENT_ID", "g-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "g-secret")
	t.Setenv("GOOGLE_REDIRECT_URI", "http://localhost/google")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 8, cfg.QueueWorkers)
	assert.Equal(t, 50, cfg.MaxChunksPerFolder)
	assert.Zero(t, cfg.SyncInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Google.Enabled())
	assert.Equal(t, "http://localhost/google", cfg.Google.RedirectURI)
}

func TestLoadFromFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":7070\"\nlog_level: debug\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequiresMicrosoftCredentials(t *testing.T) {
	t.Setenv("MS_GRAPH_CLIENT_ID", "")
	t.Setenv("MS_GRAPH_CLIENT_SECRET", "")
	t.Setenv("MS_GRAPH_REDIRECT_URI", "")
	t.Setenv("JWKS_URL", "http://localhost/jwks")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MS_GRAPH_CLIENT_ID")
	assert.Contains(t, err.Error(), "MS_GRAPH_CLIENT_SECRET")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBDriver:           "sqlite",
			Microsoft:          MicrosoftConfig{ClientID: "c", ClientSecret: "s", RedirectURI: "r"},
			JWKSURL:            "j",
			QueueWorkers:       1,
			MaxChunksPerFolder: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.DBDriver = "postgres" }, "DB_DRIVER"},
		{"no workers", func(c *Config) { c.QueueWorkers = 0 }, "QUEUE_WORKERS"},
		{"no chunks", func(c *Config) { c.MaxChunksPerFolder = 0 }, "MAX_CHUNKS_PER_FOLDER"},
		{"negative interval", func(c *Config) { c.SyncInterval = -time.Second }, "SYNC_INTERVAL"},
		{"google without redirect", func(c *Config) { c.Google = GoogleConfig{ClientID: "g", ClientSecret: "s"} }, "GOOGLE_REDIRECT_URI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
