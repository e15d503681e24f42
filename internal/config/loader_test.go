package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr string
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "./tilecache.xml", cfg.Server.Engine.ConfigFile)
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{writeFile(t, dir, "server.yaml", "server:\n  listen:\n    port: 9090\n  engine:\n    watch: true\n    pathPrefix: /tiles\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.True(t, cfg.Server.Engine.Watch)
				require.Equal(t, "/tiles", cfg.Server.Engine.PathPrefix)
			},
		},
		{
			name: "reads json",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{writeFile(t, dir, "server.json", `{"server":{"rateLimit":{"enabled":true,"requestsPerSecond":5,"burst":10}}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.True(t, cfg.Server.RateLimit.Enabled)
				require.InDelta(t, 5.0, cfg.Server.RateLimit.RequestsPerSecond, 1e-9)
				require.Equal(t, 10, cfg.Server.RateLimit.Burst)
			},
		},
		{
			name: "reads toml",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{writeFile(t, dir, "server.toml", "[server.logging]\nlevel = \"debug\"\nengineLevel = \"warn\"\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "debug", cfg.Server.Logging.Level)
				require.Equal(t, "warn", cfg.Server.Logging.EngineLevel)
			},
		},
		{
			name: "resolves engine config next to the file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{writeFile(t, dir, "server.yaml", "server:\n  engine:\n    configFile: maps/tilecache.xml\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.True(t, filepath.IsAbs(cfg.Server.Engine.ConfigFile))
				require.Equal(t, "tilecache.xml", filepath.Base(cfg.Server.Engine.ConfigFile))
				require.Equal(t, "maps", filepath.Base(filepath.Dir(cfg.Server.Engine.ConfigFile)))
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := writeFile(t, dir, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("TILEGATE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("TILEGATE_SERVER__ENGINE__CONFIGFILE", "/etc/tilegate/tilecache.xml")
				t.Setenv("TILEGATE_SERVER__ENGINE__BASEURL", "https://tiles.example.com")
				t.Setenv("TILEGATE_SERVER__LOGGING__ENGINELEVEL", "debug")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "/etc/tilegate/tilecache.xml", cfg.Server.Engine.ConfigFile)
				require.Equal(t, "https://tiles.example.com", cfg.Server.Engine.BaseURL)
				require.Equal(t, "debug", cfg.Server.Logging.EngineLevel)
			},
		},
		{
			name: "missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: "not found",
		},
		{
			name: "unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.ini", "port=1")}
			},
			wantErr: "unsupported file type",
		},
		{
			name: "invalid values",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "server.yaml", "server:\n  listen:\n    port: 70000\n")}
			},
			wantErr: "listen.port invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("TILEGATE", files...).Load(context.Background())
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, t.TempDir(), "server.yaml", "server: {}\n")
	_, err := NewLoader("TILEGATE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
