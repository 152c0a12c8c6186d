package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Store   StoreSection   `toml:"store"`
	Limits  LimitsSection  `toml:"limits"`
	Crypto  CryptoSection  `toml:"crypto"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	WSPort      int    `toml:"ws_port"`
	SSHPort     int    `toml:"ssh_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
}

type StoreSection struct {
	DataDir                 string `toml:"data_dir"`
	Backend                 string `toml:"backend"`
	SnapshotIntervalSeconds int    `toml:"snapshot_interval_seconds"`
	BcryptCost              int    `toml:"bcrypt_cost"`
}

type LimitsSection struct {
	MailboxCapacity        int `toml:"mailbox_capacity"`
	PendingRequestCapacity int `toml:"pending_request_capacity"`
	RetryBudget            int `toml:"retry_budget"`
}

type CryptoSection struct {
	SharedSecret string `toml:"shared_secret"`
}

type LoggingSection struct {
	Debug bool `toml:"debug"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     def.TCPPort,
			WSPort:      def.WSPort,
			SSHPort:     def.SSHPort,
			MetricsPort: def.MetricsPort,
			SSHHostKey:  def.SSHHostKeyPath,
		},
		Store: StoreSection{
			DataDir:                 def.DataDir,
			Backend:                 def.StoreBackend,
			SnapshotIntervalSeconds: int(def.SnapshotInterval / time.Second),
		},
		Limits: LimitsSection{
			MailboxCapacity:        def.MailboxCapacity,
			PendingRequestCapacity: def.PendingRequestCapacity,
			RetryBudget:            def.RetryBudget,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			// Still runnable on defaults, e.g. a read-only config directory
			log.WithError(err).Warn("could not write default config")
		}
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: BUDDYCHAT_SECTION_KEY
// Example: BUDDYCHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("BUDDYCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("BUDDYCHAT_SERVER_WS_PORT", &config.Server.WSPort)
	envInt("BUDDYCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("BUDDYCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("BUDDYCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)

	envString("BUDDYCHAT_STORE_DATA_DIR", &config.Store.DataDir)
	envString("BUDDYCHAT_STORE_BACKEND", &config.Store.Backend)
	envInt("BUDDYCHAT_STORE_SNAPSHOT_INTERVAL_SECONDS", &config.Store.SnapshotIntervalSeconds)
	envInt("BUDDYCHAT_STORE_BCRYPT_COST", &config.Store.BcryptCost)

	envInt("BUDDYCHAT_LIMITS_MAILBOX_CAPACITY", &config.Limits.MailboxCapacity)
	envInt("BUDDYCHAT_LIMITS_PENDING_REQUEST_CAPACITY", &config.Limits.PendingRequestCapacity)
	envInt("BUDDYCHAT_LIMITS_RETRY_BUDGET", &config.Limits.RetryBudget)

	envString("BUDDYCHAT_CRYPTO_SHARED_SECRET", &config.Crypto.SharedSecret)

	if val := os.Getenv("BUDDYCHAT_LOGGING_DEBUG"); val != "" {
		if debug, err := strconv.ParseBool(val); err == nil {
			config.Logging.Debug = debug
		}
	}
	return config
}

func envInt(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.WithField("key", key).Warnf("ignoring non-integer value %q", val)
		return
	}
	*dst = n
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

const defaultConfigContent = `# BuddyChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# BUDDYCHAT_SECTION_KEY (e.g., BUDDYCHAT_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 6565

# Port for WebSocket connections (/ws), 0 disables
ws_port = 6567

# Port for SSH connections, 0 disables
ssh_port = 6566

# Internal metrics endpoint (/metrics, /health), 0 disables. Do not expose publicly.
metrics_port = 9090

# Path to SSH host key file, generated on first start
ssh_host_key = "~/.buddychat/ssh_host_key"

[store]
# Directory holding the user tables and their .bak copies
data_dir = "~/.local/share/buddychat"

# "file" (JSON tables) or "sqlite"
backend = "file"

# Seconds between snapshots
snapshot_interval_seconds = 600

# bcrypt cost for stored passwords (0 = library default)
# bcrypt_cost = 10

[limits]
# Envelopes kept per offline user, oldest dropped first
mailbox_capacity = 1000

# Pending friend requests remembered per session
pending_request_capacity = 50

# Malformed messages tolerated per session before it is closed
retry_budget = 100

[crypto]
# Shared secret for envelope encryption. Clients must use the same value.
# Leave empty to send envelopes unencrypted.
# shared_secret = ""

[logging]
# Enable debug logging
debug = false
`

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Unset or non-positive
// tunables fall back to their defaults; ports are taken as given so 0 can
// disable a listener.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.WSPort = c.Server.WSPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if strings.TrimSpace(c.Store.DataDir) != "" {
		dir, err := expandHome(c.Store.DataDir)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DataDir = dir
	} else {
		dir, err := expandHome(cfg.DataDir)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DataDir = dir
	}
	if c.Store.Backend != "" {
		cfg.StoreBackend = c.Store.Backend
	}
	if c.Store.SnapshotIntervalSeconds > 0 {
		cfg.SnapshotInterval = time.Duration(c.Store.SnapshotIntervalSeconds) * time.Second
	}
	if c.Store.BcryptCost > 0 {
		cfg.BcryptCost = c.Store.BcryptCost
	}

	if c.Limits.MailboxCapacity > 0 {
		cfg.MailboxCapacity = c.Limits.MailboxCapacity
	}
	if c.Limits.PendingRequestCapacity > 0 {
		cfg.PendingRequestCapacity = c.Limits.PendingRequestCapacity
	}
	if c.Limits.RetryBudget > 0 {
		cfg.RetryBudget = c.Limits.RetryBudget
	}

	cfg.SharedSecret = c.Crypto.SharedSecret
	cfg.Debug = c.Logging.Debug
	return cfg, nil
}
