package discofeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, newTestConfig(t).Validate())

	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name:   "missing token",
			modify: func(cfg *Config) { cfg.Discord.Token = "" },
		},
		{
			name:   "missing application id",
			modify: func(cfg *Config) { cfg.Discord.ApplicationID = "" },
		},
		{
			name:   "unsupported database",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
		},
		{
			name:   "startup timeout too short",
			modify: func(cfg *Config) { cfg.StartupTimeout = 10 * time.Millisecond },
		},
		{
			name: "api enabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
		},
		{
			name:   "invalid listen network",
			modify: func(cfg *Config) { cfg.API.ListenNetwork = "udp" },
		},
		{
			name:   "zero poll interval",
			modify: func(cfg *Config) { cfg.RSS.YouTube.Delays.Base = 0 },
		},
		{
			name:   "negative poll interval on a disabled class",
			modify: func(cfg *Config) { cfg.RSS.Twitter.Delays.Base = -time.Minute },
		},
		{
			name:   "cert without key",
			modify: func(cfg *Config) { cfg.API.SSL.Cert = "cert.pem" },
		},
		{
			name:   "enabled class without url template",
			modify: func(cfg *Config) { cfg.RSS.YouTube.URLTemplate = "" },
		},
		{
			name:   "no send attempts",
			modify: func(cfg *Config) { cfg.RSS.SendAttempts = 0 },
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := newTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, cfg.Validate())
			},
		)
	}
}

func TestConfigAPIDisabledWithoutListen(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	cfg.API.Enabled = false
	cfg.API.Listen = ""
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.False(t, cfg.API.Enabled)
	assert.False(t, cfg.API.SSL.Enabled())
	assert.True(t, cfg.RSS.YouTube.Enabled)
	assert.False(t, cfg.RSS.Twitter.Enabled)

	// log levels aren't shared between configs
	other := DefaultConfig()
	other.LogLevel.Set(DefaultLogLevel + 4)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
}

func TestCORSConfig(t *testing.T) {
	t.Parallel()
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}

	gc := c.GINConfig()
	assert.Equal(t, c.AllowOrigins, gc.AllowOrigins)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)
	assert.Contains(t, gc.ExposeHeaders, xRequestIDHeader)
	assert.NoError(t, gc.Validate())
}

func TestNewInvalidDatabaseType(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}
