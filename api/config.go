package api

import (
	"fmt"
	"time"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host (default: localhost)
	Host string

	// Port is the server port (default: 8080)
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// EnableCORS enables CORS headers on all responses
	EnableCORS bool

	// AllowedOrigins is a list of allowed CORS origins
	AllowedOrigins []string

	// EnableWebSocket enables the live event stream endpoint
	EnableWebSocket bool

	// WebSocketPath is the live stream endpoint path (default: /ws)
	WebSocketPath string

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration
}

// Default configuration values
const (
	DefaultHost            = "localhost"
	DefaultPort            = 8080
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultWebSocketPath   = "/ws"
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		EnableCORS:      true,
		AllowedOrigins:  []string{"*"},
		EnableWebSocket: true,
		WebSocketPath:   DefaultWebSocketPath,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.EnableWebSocket && c.WebSocketPath == "" {
		return fmt.Errorf("websocket path cannot be empty")
	}
	return nil
}

// Address returns the host:port address string
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
