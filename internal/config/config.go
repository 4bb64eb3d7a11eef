// Package config loads poolwatch configuration from YAML files and
// environment variables. Environment values override file values; both
// fall back to defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for poolwatch
type Config struct {
	RPC        RPCConfig        `yaml:"rpc"`
	Contracts  []ContractConfig `yaml:"contracts"`
	Bus        BusConfig        `yaml:"bus"`
	Scan       ScanConfig       `yaml:"scan"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Notify     NotifyConfig     `yaml:"notify"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

// RPCConfig holds chain client configuration
type RPCConfig struct {
	// Endpoint is the HTTP(S) JSON-RPC endpoint
	Endpoint string `yaml:"endpoint"`
	// WSEndpoint is the WebSocket endpoint used for live subscriptions;
	// empty disables the live watcher
	WSEndpoint string `yaml:"ws_endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ContractConfig identifies one pool contract to follow
type ContractConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Source is the product feature the contract belongs to:
	// individual, cooperative, rosca, prizepool
	Source string `yaml:"source"`
}

// BusConfig holds event bus configuration
type BusConfig struct {
	MaxHistorySize int  `yaml:"max_history_size"`
	Verbose        bool `yaml:"verbose"`
}

// ScanConfig holds historical backfill configuration
type ScanConfig struct {
	Enabled      bool          `yaml:"enabled"`
	StartBlock   uint64        `yaml:"start_block"`
	BatchSize    uint64        `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RateLimit    float64       `yaml:"rate_limit"`
	DisableDedup bool          `yaml:"disable_dedup"`
}

// WatcherConfig holds live subscription configuration
type WatcherConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	BufferSize        int           `yaml:"buffer_size"`
}

// CheckpointConfig holds cursor store configuration
type CheckpointConfig struct {
	// Path is the PebbleDB directory; empty disables checkpointing and
	// every restart rescans from scan.start_block
	Path string `yaml:"path"`
}

// NotifyConfig holds notification channel configuration
type NotifyConfig struct {
	// EventTypes limits notified events; empty means all
	EventTypes []string      `yaml:"event_types"`
	Webhook    WebhookConfig `yaml:"webhook"`
	Slack      SlackConfig   `yaml:"slack"`
}

// WebhookConfig holds webhook channel configuration
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// SlackConfig holds Slack channel configuration
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
	IconEmoji  string `yaml:"icon_emoji"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	EnableWebSocket bool     `yaml:"enable_websocket"`
	EnableCORS      bool     `yaml:"enable_cors"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewConfig returns an empty configuration
func NewConfig() *Config {
	return &Config{}
}

// Load reads configuration from the optional file, applies environment
// overrides and fills defaults. It does not validate: the caller applies
// command-line overrides first and then calls Validate on the final
// configuration.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.LoadFromEnv()
	cfg.SetDefaults()

	return cfg, nil
}

// LoadFromFile reads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies environment variable overrides
func (c *Config) LoadFromEnv() {
	if endpoint := os.Getenv("POOLWATCH_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if ws := os.Getenv("POOLWATCH_RPC_WS_ENDPOINT"); ws != "" {
		c.RPC.WSEndpoint = ws
	}
	if timeout := os.Getenv("POOLWATCH_RPC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.RPC.Timeout = d
		}
	}
	if level := os.Getenv("POOLWATCH_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("POOLWATCH_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if size := os.Getenv("POOLWATCH_BUS_HISTORY_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.Bus.MaxHistorySize = n
		}
	}
	if start := os.Getenv("POOLWATCH_SCAN_START_BLOCK"); start != "" {
		if n, err := strconv.ParseUint(start, 10, 64); err == nil {
			c.Scan.StartBlock = n
		}
	}
	if path := os.Getenv("POOLWATCH_CHECKPOINT_PATH"); path != "" {
		c.Checkpoint.Path = path
	}
	if port := os.Getenv("POOLWATCH_API_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.API.Port = n
		}
	}
	if url := os.Getenv("POOLWATCH_NOTIFY_WEBHOOK_URL"); url != "" {
		c.Notify.Webhook.URL = url
	}
	if secret := os.Getenv("POOLWATCH_NOTIFY_WEBHOOK_SECRET"); secret != "" {
		c.Notify.Webhook.Secret = secret
	}
	if url := os.Getenv("POOLWATCH_NOTIFY_SLACK_WEBHOOK_URL"); url != "" {
		c.Notify.Slack.WebhookURL = url
	}
}

// SetDefaults fills in defaults for any missing values
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 30 * time.Second
	}
	if c.Bus.MaxHistorySize == 0 {
		c.Bus.MaxHistorySize = 100
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 5000
	}
	if c.Scan.MaxRetries == 0 {
		c.Scan.MaxRetries = 3
	}
	if c.Scan.RetryDelay == 0 {
		c.Scan.RetryDelay = time.Second
	}
	if c.Watcher.ReconnectDelay == 0 {
		c.Watcher.ReconnectDelay = 2 * time.Second
	}
	if c.Watcher.MaxReconnectDelay == 0 {
		c.Watcher.MaxReconnectDelay = time.Minute
	}
	if c.Watcher.BufferSize == 0 {
		c.Watcher.BufferSize = 256
	}
	if c.API.Host == "" {
		c.API.Host = "localhost"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// knownSources are the product features a contract may belong to.
var knownSources = map[string]bool{
	"individual":  true,
	"cooperative": true,
	"rosca":       true,
	"prizepool":   true,
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc.endpoint is required")
	}
	if !strings.HasPrefix(c.RPC.Endpoint, "http://") && !strings.HasPrefix(c.RPC.Endpoint, "https://") {
		return fmt.Errorf("rpc.endpoint must be an http(s) URL")
	}
	if c.Watcher.Enabled && c.RPC.WSEndpoint == "" {
		return fmt.Errorf("rpc.ws_endpoint is required when the watcher is enabled")
	}

	if len(c.Contracts) == 0 {
		return fmt.Errorf("at least one contract is required")
	}
	seen := make(map[string]bool)
	for i, contract := range c.Contracts {
		if contract.Name == "" {
			return fmt.Errorf("contracts[%d]: name is required", i)
		}
		if !common.IsHexAddress(contract.Address) {
			return fmt.Errorf("contracts[%d]: invalid address %q", i, contract.Address)
		}
		if !knownSources[contract.Source] {
			return fmt.Errorf("contracts[%d]: unknown source %q", i, contract.Source)
		}
		key := strings.ToLower(contract.Address)
		if seen[key] {
			return fmt.Errorf("contracts[%d]: duplicate address %s", i, contract.Address)
		}
		seen[key] = true
	}

	if c.Bus.MaxHistorySize < 0 {
		return fmt.Errorf("bus.max_history_size cannot be negative")
	}
	if c.Scan.MaxRetries < 1 {
		return fmt.Errorf("scan.max_retries must be at least 1")
	}
	if c.Scan.RateLimit < 0 {
		return fmt.Errorf("scan.rate_limit cannot be negative")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	return nil
}
