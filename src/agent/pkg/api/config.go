package api

import "time"

// Config holds API server configuration
type Config struct {
	// Host is the address to bind the API server to
	Host string `json:"host" yaml:"host"`

	// Port is the HTTP port to listen on; 0 picks a free port
	Port int `json:"port" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// LocalOnly rejects requests that do not come from a loopback address
	LocalOnly bool `json:"local_only" yaml:"local_only"`

	// RateLimit is the sustained requests per second across all clients; 0 disables it
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the token bucket size
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`

	// LogLevel sets the log level for API server (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
		LocalOnly:    true,
		RateLimit:    50,
		RateBurst:    100,
		LogLevel:     "info",
	}
}
