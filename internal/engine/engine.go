// Package engine is the in-process tile engine: it parses the XML
// configuration, builds grids, sources, stores and formats, and answers
// WMS, TMS and KML requests.
package engine

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/tilegate/internal/tilecache"
)

// Version of the engine component.
const Version = "1.0.0"

// Observer receives tile cache outcomes ("hit", "miss", "error") and, on
// every load, the number of entries each cache holds.
type Observer interface {
	ObserveTileCache(tileset, outcome string)
	ObserveTileCacheEntries(cache string, entries int64)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithObserver reports tile cache activity.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithHTTPClient sets the client upstream sources use.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithClock overrides the time source for tile timestamps and expiry headers.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine implements tilecache.Engine.
type Engine struct {
	observer Observer
	client   *http.Client
	now      func() time.Time

	// fingerprints maps a persistent cache location and tileset name to
	// the shape its tiles were last rendered with.
	mu           sync.Mutex
	fingerprints map[string]string
}

// New returns an engine. Across loads it only remembers tileset
// fingerprints, so a reload can drop tiles a changed tileset left behind
// in a disk or redis cache.
func New(opts ...Option) *Engine {
	e := &Engine{client: http.DefaultClient, now: time.Now, fingerprints: make(map[string]string)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Versions describes the engine for the version surface.
func (e *Engine) Versions() map[string]string {
	return map[string]string{
		"engine": Version,
		"wms":    "1.1.1",
		"tms":    "1.0.0",
		"kml":    "2.2",
	}
}

// Parse reads and structurally checks the configuration at path. A missing
// file surfaces here, wrapping fs.ErrNotExist.
func (e *Engine) Parse(ctx context.Context, path string, log tilecache.LogFunc) (tilecache.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Logf(tilecache.LevelDebug, "parsing configuration %s", path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid configuration xml: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	log.Logf(tilecache.LevelDebug, "parsed %d tilesets, %d sources, %d caches from %s",
		len(doc.Tilesets), len(doc.Sources), len(doc.Caches), path)
	return &Config{doc: doc, dir: filepath.Dir(abs), log: log, engine: e}, nil
}

// check enforces the structural rules: names present and unique, types
// present where the element kind needs one.
func (d *document) check() error {
	type named struct {
		kind     string
		name     string
		typ      string
		needType bool
	}
	var all []named
	for _, g := range d.Grids {
		all = append(all, named{kind: "grid", name: g.Name})
	}
	for _, s := range d.Sources {
		all = append(all, named{kind: "source", name: s.Name, typ: s.Type, needType: true})
	}
	for _, c := range d.Caches {
		all = append(all, named{kind: "cache", name: c.Name, typ: c.Type, needType: true})
	}
	for _, f := range d.Formats {
		all = append(all, named{kind: "format", name: f.Name, typ: f.Type, needType: true})
	}
	for _, t := range d.Tilesets {
		all = append(all, named{kind: "tileset", name: t.Name})
	}

	seen := make(map[string]bool)
	for _, n := range all {
		if strings.TrimSpace(n.name) == "" {
			return fmt.Errorf("<%s> is missing its name attribute", n.kind)
		}
		if n.needType && strings.TrimSpace(n.typ) == "" {
			return fmt.Errorf("%s %q is missing its type attribute", n.kind, n.name)
		}
		key := n.kind + "/" + n.name
		if seen[key] {
			return fmt.Errorf("duplicate %s %q", n.kind, n.name)
		}
		seen[key] = true
	}
	for _, s := range d.Services {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case serviceWMS, serviceTMS, serviceKML:
		default:
			return fmt.Errorf("unknown service type %q", s.Type)
		}
	}
	return nil
}
