package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.DefaultModel)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.TokenDurationTime())
	assert.Equal(t, int64(128*1024), cfg.Triggers.WebhookMaxBody)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 30*time.Second, cfg.Tools.CallTimeoutDuration())
	assert.False(t, cfg.Streaming.TokenStream)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JARVISD_SERVER_PORT", "9191")
	t.Setenv("DATABASE_URL", "postgres://jarvis@localhost:5432/jarvisd")
	t.Setenv("SCHEDULER_TIMEZONE", "Europe/Berlin")
	t.Setenv("TOKEN_STREAM", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, cfg.Database.IsPostgres())
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	assert.True(t, cfg.Streaming.TokenStream)
}

func TestValidation(t *testing.T) {
	t.Run("rejects out of range port", func(t *testing.T) {
		t.Setenv("JARVISD_SERVER_PORT", "70000")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("requires strong jwt secret with device auth", func(t *testing.T) {
		t.Setenv("DEVICE_SECRET", "open-sesame")
		t.Setenv("JWT_SECRET", "short")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth.jwtSecret")
	})

	t.Run("accepts device auth with long jwt secret", func(t *testing.T) {
		t.Setenv("DEVICE_SECRET", "open-sesame")
		t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
		_, err := Load()
		require.NoError(t, err)
	})

	t.Run("rejects unknown timezone", func(t *testing.T) {
		t.Setenv("SCHEDULER_TIMEZONE", "Mars/Olympus_Mons")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.timezone")
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		t.Setenv("JARVISD_LOGGING_LEVEL", "loud")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})
}

func TestIsPostgres(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"postgres://u@h/db", true},
		{"postgresql://u@h/db", true},
		{"", false},
		{"/tmp/jarvisd.db", false},
	}
	for _, tc := range cases {
		d := DatabaseConfig{URL: tc.url}
		assert.Equal(t, tc.want, d.IsPostgres(), tc.url)
	}
}

func TestEmailEnabled(t *testing.T) {
	assert.False(t, (&TriggersConfig{}).EmailEnabled())
	assert.False(t, (&TriggersConfig{EmailPushToken: "tok"}).EmailEnabled())
	assert.False(t, (&TriggersConfig{GmailTopic: "projects/p/topics/t"}).EmailEnabled())
	assert.True(t, (&TriggersConfig{EmailPushToken: "tok", GmailTopic: "projects/p/topics/t"}).EmailEnabled())
}

func TestLocationFallsBackToUTC(t *testing.T) {
	s := SchedulerConfig{Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, s.Location())
}
