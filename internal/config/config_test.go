package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validServiceConfig() *Config {
	cfg := NewFromViper(NewEmptyViper())
	cfg.Set("openai.api_key", "sk-test")
	cfg.Set("imap.host", "imap.example.com")
	cfg.Set("imap.username", "support@example.com")
	cfg.Set("imap.password", "secret")
	cfg.Set("smtp.host", "smtp.example.com")
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	poll, err := cfg.GetPoll()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, poll.Interval)
	assert.Equal(t, 4, poll.Workers)
	assert.Empty(t, poll.AllowedDomains)

	wf := cfg.GetWorkflow()
	assert.Equal(t, 2, wf.MaxRetries)
	assert.True(t, wf.AutoSend)

	assert.Equal(t, "tls", cfg.GetSMTP().Security())
}

func TestGetDurationAcceptsBareSeconds(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())
	cfg.Set("poll.interval", "120")

	d, err := cfg.GetDuration("poll.interval")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	cfg.Set("poll.interval", "soon")
	_, err = cfg.GetDuration("poll.interval")
	assert.Error(t, err)
}

func TestGetStringSliceSplitsCommaList(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())
	cfg.Set("filter.allowed_domains", "example.com, Example.org ,,partner.net")

	assert.Equal(t, []string{"example.com", "Example.org", "partner.net"}, cfg.GetStringSlice("filter.allowed_domains"))
}

func TestSMTPSecurityFollowsPort(t *testing.T) {
	assert.Equal(t, "tls", SMTPConfig{Port: 465}.Security())
	assert.Equal(t, "starttls", SMTPConfig{Port: 587}.Security())
	assert.Equal(t, "none", SMTPConfig{Port: 25, TLS: "none"}.Security())
}

func TestMailboxAddressFallsBackToIMAPUser(t *testing.T) {
	cfg := validServiceConfig()
	assert.Equal(t, "support@example.com", cfg.GetMailbox().Address)

	cfg.Set("mailbox.address", "help@example.com")
	assert.Equal(t, "help@example.com", cfg.GetMailbox().Address)
}

func TestValidateService(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validServiceConfig().ValidateService())
	})

	t.Run("missing credentials", func(t *testing.T) {
		cfg := NewFromViper(NewEmptyViper())
		err := cfg.ValidateService()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "openai.api_key is required")
		assert.Contains(t, err.Error(), "imap.host is required")
		assert.Contains(t, err.Error(), "smtp.host is required")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := validServiceConfig()
		cfg.Set("llm.provider", "mystery")
		err := cfg.ValidateService()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported LLM provider: "mystery"`)
	})

	t.Run("bad cron schedule", func(t *testing.T) {
		cfg := validServiceConfig()
		cfg.Set("poll.schedule", "every tuesday")
		err := cfg.ValidateService()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll.schedule")
	})

	t.Run("valid cron schedule", func(t *testing.T) {
		cfg := validServiceConfig()
		cfg.Set("poll.schedule", "*/5 * * * *")
		assert.NoError(t, cfg.ValidateService())
	})

	t.Run("unknown store", func(t *testing.T) {
		cfg := validServiceConfig()
		cfg.Set("store.type", "redis")
		assert.Error(t, cfg.ValidateService())
	})
}

func TestValidateKnowledge(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())
	assert.NoError(t, cfg.ValidateKnowledge())

	cfg.Set("knowledge.chunk_overlap", 5000)
	assert.Error(t, cfg.ValidateKnowledge())
}

func TestLoadReadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "responder.yaml")
	content := []byte("poll:\n  workers: 9\nworkflow:\n  auto_send: false\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	poll, err := cfg.GetPoll()
	require.NoError(t, err)
	assert.Equal(t, 9, poll.Workers)
	assert.False(t, cfg.GetWorkflow().AutoSend)
}

func TestLoadFailsOnMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "responder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("RESPONDER_LOGGING_LEVEL", "debug")
	t.Setenv("EMAIL_CHECK_INTERVAL", "60")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.GetLogging().Level)
	poll, err := cfg.GetPoll()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, poll.Interval)
}
