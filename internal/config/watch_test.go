package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchEngineReloadsOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	engineFile := writeFile(t, dir, "tilecache.xml", "<tilecache/>")
	serverCfg := writeFile(t, dir, "server.yaml", "server:\n  engine:\n    configFile: tilecache.xml\n    watch: true\n")

	loader := NewLoader("TILEGATE", serverCfg)
	cfg, err := loader.Load(ctx)
	require.NoError(t, err)

	changeCh := make(chan string, 4)
	errCh := make(chan error, 4)
	watcher, err := loader.WatchEngine(ctx, cfg, func(path string) {
		changeCh <- path
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(engineFile, []byte("<tilecache><tileset name=\"a\"/></tilecache>"), 0o600))

	select {
	case path := <-changeCh:
		want, err := filepath.Abs(engineFile)
		require.NoError(t, err)
		require.Equal(t, want, path)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchEngineIgnoresSiblings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	engineFile := writeFile(t, dir, "tilecache.xml", "<tilecache/>")
	cfg := DefaultConfig()
	cfg.Server.Engine.ConfigFile = engineFile

	changeCh := make(chan string, 4)
	watcher, err := NewLoader("").WatchEngine(ctx, cfg, func(path string) {
		changeCh <- path
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	writeFile(t, dir, "other.xml", "<other/>")
	select {
	case path := <-changeCh:
		t.Fatalf("unexpected reload for %s", path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchEngineRequiresCallbackAndFile(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewLoader("").WatchEngine(context.Background(), cfg, nil, nil)
	require.ErrorContains(t, err, "change callback")

	cfg.Server.Engine.ConfigFile = ""
	_, err = NewLoader("").WatchEngine(context.Background(), cfg, func(string) {}, nil)
	require.ErrorContains(t, err, "no engine configuration")

	cfg.Server.Engine.ConfigFile = filepath.Join(t.TempDir(), "missing-dir", "tilecache.xml")
	_, err = NewLoader("").WatchEngine(context.Background(), cfg, func(string) {}, nil)
	require.Error(t, err)
}

func TestFileWatcherStopIsIdempotent(t *testing.T) {
	var nilWatcher *FileWatcher
	nilWatcher.Stop()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.Engine.ConfigFile = writeFile(t, dir, "tilecache.xml", "<tilecache/>")
	watcher, err := NewLoader("").WatchEngine(context.Background(), cfg, func(string) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
