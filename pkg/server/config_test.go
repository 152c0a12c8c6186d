package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "buddychat.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The generated file parses back to the same defaults
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buddychat.toml")
	content := `
[server]
tcp_port = 7000
ssh_port = 0

[store]
backend = "sqlite"
snapshot_interval_seconds = 30

[limits]
retry_budget = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.TCPPort)
	assert.Equal(t, 0, cfg.Server.SSHPort)
	assert.Equal(t, DefaultConfig().WSPort, cfg.Server.WSPort)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 1000, cfg.Limits.MailboxCapacity)

	sc, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 7000, sc.TCPPort)
	assert.Equal(t, 0, sc.SSHPort)
	assert.Equal(t, 30*time.Second, sc.SnapshotInterval)
	assert.Equal(t, 5, sc.RetryBudget)
	assert.Equal(t, defaultPendingRequestCapacity, sc.PendingRequestCapacity)
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buddychat.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUDDYCHAT_SERVER_TCP_PORT", "7100")
	t.Setenv("BUDDYCHAT_STORE_BACKEND", "sqlite")
	t.Setenv("BUDDYCHAT_LIMITS_MAILBOX_CAPACITY", "12")
	t.Setenv("BUDDYCHAT_CRYPTO_SHARED_SECRET", "s3cret")
	t.Setenv("BUDDYCHAT_LOGGING_DEBUG", "true")
	t.Setenv("BUDDYCHAT_LIMITS_RETRY_BUDGET", "lots")

	cfg := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 7100, cfg.Server.TCPPort)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 12, cfg.Limits.MailboxCapacity)
	assert.Equal(t, "s3cret", cfg.Crypto.SharedSecret)
	assert.True(t, cfg.Logging.Debug)
	// unparsable values are ignored
	assert.Equal(t, defaultRetryBudget, cfg.Limits.RetryBudget)
}

func TestToServerConfigFallsBackOnNonPositive(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.SnapshotIntervalSeconds = 0
	cfg.Limits.MailboxCapacity = -1
	cfg.Limits.RetryBudget = 0

	sc, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Store.DataDir, sc.DataDir)
	assert.Equal(t, DefaultConfig().SnapshotInterval, sc.SnapshotInterval)
	assert.Equal(t, DefaultConfig().MailboxCapacity, sc.MailboxCapacity)
	assert.Equal(t, defaultRetryBudget, sc.RetryBudget)
}
