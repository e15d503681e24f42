package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/tilegate/internal/config"
	"github.com/l0p7/tilegate/internal/tilecache"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", CorrelationHeader: "X-Request-ID"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = New(config.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "binary"})
	require.Error(t, err)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestSinkFiltersAndMapsLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	sink := NewSink(logger, tilecache.LevelInfo)
	sink.Log(tilecache.LevelDebug, "dropped")
	sink.Log(tilecache.LevelNotice, "notice event")
	sink.Log(tilecache.LevelWarn, "warn event")
	sink.Log(tilecache.LevelEmerg, "emerg event")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 3)

	require.Equal(t, "notice event", entries[0]["msg"])
	require.Equal(t, "INFO", entries[0]["level"])
	require.Equal(t, "NOTICE", entries[0]["engine_level"])
	require.Equal(t, "engine", entries[0]["agent"])

	require.Equal(t, "WARN", entries[1]["level"])
	require.Equal(t, "ERROR+4", entries[2]["level"])
	require.Equal(t, "EMERG", entries[2]["engine_level"])
}

func TestSlogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, SlogLevel(tilecache.LevelDebug))
	require.Equal(t, slog.LevelInfo, SlogLevel(tilecache.LevelInfo))
	require.Equal(t, slog.LevelInfo, SlogLevel(tilecache.LevelNotice))
	require.Equal(t, slog.LevelWarn, SlogLevel(tilecache.LevelWarn))
	require.Equal(t, slog.LevelError, SlogLevel(tilecache.LevelError))
	require.Equal(t, LevelCritical, SlogLevel(tilecache.LevelCrit))
	require.Equal(t, LevelCritical, SlogLevel(tilecache.LevelAlert))
}

func TestNewSinkWithoutLogger(t *testing.T) {
	require.Nil(t, NewSink(nil, tilecache.LevelDebug))
}
