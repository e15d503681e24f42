package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/l0p7/tilegate/internal/tilecache"
)

// Config holds every gateway-level option. The tile engine itself is
// configured by the XML document named in Server.Engine.ConfigFile.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs of the HTTP gateway.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Engine    EngineConfig    `koanf:"engine"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
// EngineLevel is the minimum severity of engine events forwarded to the log.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
	EngineLevel       string `koanf:"engineLevel"`
}

// EngineConfig points at the engine configuration and shapes the request
// tuple handed to it.
type EngineConfig struct {
	ConfigFile string `koanf:"configFile"`
	// BaseURL overrides the base URL derived from the incoming request.
	BaseURL string `koanf:"baseUrl"`
	// PathPrefix is stripped from request paths before dispatch.
	PathPrefix string `koanf:"pathPrefix"`
	Watch      bool   `koanf:"watch"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Validate enforces invariants that keep the gateway predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Engine.ConfigFile) == "" {
		return errors.New("config: server.engine.configFile required")
	}
	if level := strings.TrimSpace(c.Server.Logging.EngineLevel); level != "" {
		if _, err := tilecache.ParseLevel(level); err != nil {
			return fmt.Errorf("config: server.logging.engineLevel: %w", err)
		}
	}
	if base := strings.TrimSpace(c.Server.Engine.BaseURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: server.engine.baseUrl must be an absolute url: %q", base)
		}
	}
	if prefix := c.Server.Engine.PathPrefix; prefix != "" && !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: server.engine.pathPrefix must start with /: %q", prefix)
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("config: server.rateLimit.requestsPerSecond invalid: %v", c.Server.RateLimit.RequestsPerSecond)
		}
		if c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("config: server.rateLimit.burst invalid: %d", c.Server.RateLimit.Burst)
		}
	}
	if c.Server.Metrics.Enabled && !strings.HasPrefix(c.Server.Metrics.Path, "/") {
		return fmt.Errorf("config: server.metrics.path must start with /: %q", c.Server.Metrics.Path)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
				EngineLevel:       "info",
			},
			Engine: EngineConfig{
				ConfigFile: "./tilecache.xml",
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
