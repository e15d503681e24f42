package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the gateway configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Empty file paths are ignored.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot. A relative engine config path is
// resolved against the directory of the last file that set it.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	engineBase := ""
	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		before := k.String("server.engine.configFile")
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		if k.String("server.engine.configFile") != before {
			engineBase = filepath.Dir(path)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":   "server.logging.correlationHeader",
			"server.logging.enginelevel":         "server.logging.engineLevel",
			"server.engine.configfile":           "server.engine.configFile",
			"server.engine.baseurl":              "server.engine.baseUrl",
			"server.engine.pathprefix":           "server.engine.pathPrefix",
			"server.ratelimit.enabled":           "server.rateLimit.enabled",
			"server.ratelimit.requestspersecond": "server.rateLimit.requestsPerSecond",
			"server.ratelimit.burst":             "server.rateLimit.burst",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		before := k.String("server.engine.configFile")
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
		if k.String("server.engine.configFile") != before {
			engineBase = ""
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if engineBase != "" && cfg.Server.Engine.ConfigFile != "" && !filepath.IsAbs(cfg.Server.Engine.ConfigFile) {
		cfg.Server.Engine.ConfigFile = filepath.Join(engineBase, cfg.Server.Engine.ConfigFile)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
				"engineLevel":       cfg.Server.Logging.EngineLevel,
			},
			"engine": map[string]any{
				"configFile": cfg.Server.Engine.ConfigFile,
				"baseUrl":    cfg.Server.Engine.BaseURL,
				"pathPrefix": cfg.Server.Engine.PathPrefix,
				"watch":      cfg.Server.Engine.Watch,
			},
			"rateLimit": map[string]any{
				"enabled":           cfg.Server.RateLimit.Enabled,
				"requestsPerSecond": cfg.Server.RateLimit.RequestsPerSecond,
				"burst":             cfg.Server.RateLimit.Burst,
			},
			"metrics": map[string]any{
				"enabled": cfg.Server.Metrics.Enabled,
				"path":    cfg.Server.Metrics.Path,
			},
		},
	}
}
