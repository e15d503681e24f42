package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/tilegate/internal/engine/store"
	"github.com/l0p7/tilegate/internal/expr"
	"github.com/l0p7/tilegate/internal/templates"
	"github.com/l0p7/tilegate/internal/tilecache"
)

const (
	serviceWMS = "wms"
	serviceTMS = "tms"
	serviceKML = "kml"

	defaultExpires = time.Hour
)

// Config is a parsed configuration awaiting post-config.
type Config struct {
	doc    document
	dir    string
	log    tilecache.LogFunc
	engine *Engine
}

// PostConfig resolves references, builds backends and compiles guards and
// templates. Anything acquired is released again when it fails.
func (c *Config) PostConfig(ctx context.Context) (handler tilecache.Handler, err error) {
	h := &Handler{
		log:      c.log,
		observer: c.engine.observer,
		now:      c.engine.now,
		grids:    builtinGrids(),
		formats:  builtinFormats(),
		tilesets: make(map[string]*tileset),
		services: map[string]bool{serviceWMS: true, serviceTMS: true, serviceKML: true},
	}
	defer func() {
		if err != nil {
			_ = h.Close(context.WithoutCancel(ctx))
		}
	}()

	for _, el := range c.doc.Grids {
		g, err := buildGrid(el)
		if err != nil {
			return nil, err
		}
		h.grids[g.Name] = g
	}
	for _, el := range c.doc.Formats {
		f, err := buildFormat(el)
		if err != nil {
			return nil, err
		}
		h.formats[f.Name] = f
	}

	sources := make(map[string]Source, len(c.doc.Sources))
	for _, el := range c.doc.Sources {
		src, err := buildSource(el, c.engine.client)
		if err != nil {
			return nil, err
		}
		sources[el.Name] = src
	}

	stores := make(map[string]store.TileStore, len(c.doc.Caches))
	locations := make(map[string]string, len(c.doc.Caches))
	for _, el := range c.doc.Caches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cfg, err := c.storeConfig(el)
		if err != nil {
			return nil, err
		}
		st, err := store.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("cache %q: %w", el.Name, err)
		}
		stores[el.Name] = st
		locations[el.Name] = persistentLocation(cfg)
		h.stores = append(h.stores, st)
		c.log.Logf(tilecache.LevelDebug, "cache %s ready (%s)", el.Name, cfg.Type)
	}

	if err := c.services(h); err != nil {
		return nil, err
	}

	guards, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	for _, el := range c.doc.Tilesets {
		ts, err := c.tileset(el, h, sources, stores, guards)
		if err != nil {
			return nil, err
		}
		h.tilesets[ts.name] = ts
		h.order = append(h.order, ts.name)
	}
	if len(h.order) == 0 {
		return nil, errors.New("no tilesets configured")
	}

	if err := c.documents(h); err != nil {
		return nil, err
	}
	if err := c.invalidate(ctx, h, locations); err != nil {
		return nil, err
	}
	c.reportEntries(ctx, stores)

	c.log.Logf(tilecache.LevelInfo, "configured %d tilesets on %d grids", len(h.order), len(h.grids))
	return h, nil
}

func (c *Config) storeConfig(el cacheElement) (store.Config, error) {
	cfg := store.Config{Type: strings.ToLower(strings.TrimSpace(el.Type))}
	if ttl := strings.TrimSpace(el.TTL); ttl != "" {
		d, err := parseSeconds(ttl)
		if err != nil {
			return store.Config{}, fmt.Errorf("cache %q ttl: %w", el.Name, err)
		}
		cfg.TTL = d
	}
	switch cfg.Type {
	case store.TypeMemory:
	case store.TypeDisk:
		base := strings.TrimSpace(el.Base)
		if base == "" {
			return store.Config{}, fmt.Errorf("cache %q needs a <base> directory", el.Name)
		}
		cfg.Disk.Root = c.resolve(base)
	case store.TypeRedis:
		cfg.Redis = store.RedisConfig{
			Address:   strings.TrimSpace(el.Address),
			Username:  el.Username,
			Password:  el.Password,
			Namespace: el.Namespace,
		}
		if db := strings.TrimSpace(el.DB); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil || n < 0 {
				return store.Config{}, fmt.Errorf("cache %q db must be a non-negative integer", el.Name)
			}
			cfg.Redis.DB = n
		}
		if el.TLS != nil {
			cfg.Redis.TLS = store.RedisTLSConfig{Enabled: true}
			if ca := strings.TrimSpace(el.TLS.CAFile); ca != "" {
				cfg.Redis.TLS.CAFile = c.resolve(ca)
			}
		}
	default:
		return store.Config{}, fmt.Errorf("cache %q has unsupported type %q", el.Name, el.Type)
	}
	return cfg, nil
}

func (c *Config) services(h *Handler) error {
	for _, el := range c.doc.Services {
		kind := strings.ToLower(strings.TrimSpace(el.Type))
		enabled := true
		if v := strings.TrimSpace(el.Enabled); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("service %s: enabled must be true or false", kind)
			}
			enabled = b
		}
		h.services[kind] = enabled
		if f := strings.TrimSpace(el.Format); f != "" {
			if kind != serviceWMS {
				return fmt.Errorf("service %s does not take a default format", kind)
			}
			format, ok := h.formats[f]
			if !ok {
				return fmt.Errorf("service wms references unknown format %q", f)
			}
			h.wmsFormat = format
		}
	}
	return nil
}

func (c *Config) tileset(el tilesetElement, h *Handler, sources map[string]Source, stores map[string]store.TileStore, guards *expr.Environment) (*tileset, error) {
	ts := &tileset{
		name:     el.Name,
		title:    strings.TrimSpace(el.Metadata.Title),
		abstract: strings.TrimSpace(el.Metadata.Abstract),
		expires:  defaultExpires,
	}
	if ts.title == "" {
		ts.title = ts.name
	}

	srcName := strings.TrimSpace(el.Source)
	if srcName == "" {
		return nil, fmt.Errorf("tileset %q has no <source>", el.Name)
	}
	src, ok := sources[srcName]
	if !ok {
		return nil, fmt.Errorf("tileset %q references unknown source %q", el.Name, srcName)
	}
	ts.source = src

	if name := strings.TrimSpace(el.Cache); name != "" {
		st, ok := stores[name]
		if !ok {
			return nil, fmt.Errorf("tileset %q references unknown cache %q", el.Name, name)
		}
		ts.store = st
	}

	if len(el.Grids) == 0 {
		return nil, fmt.Errorf("tileset %q has no <grid>", el.Name)
	}
	for _, name := range el.Grids {
		name = strings.TrimSpace(name)
		g, ok := h.grids[name]
		if !ok {
			return nil, fmt.Errorf("tileset %q references unknown grid %q", el.Name, name)
		}
		ts.grids = append(ts.grids, g)
	}

	ts.format = h.formats["PNG"]
	if name := strings.TrimSpace(el.Format); name != "" {
		f, ok := h.formats[name]
		if !ok {
			return nil, fmt.Errorf("tileset %q references unknown format %q", el.Name, name)
		}
		ts.format = f
	}

	if exp := strings.TrimSpace(el.Expires); exp != "" {
		d, err := parseSeconds(exp)
		if err != nil {
			return nil, fmt.Errorf("tileset %q expires: %w", el.Name, err)
		}
		ts.expires = d
	}

	if guard := strings.TrimSpace(el.Guard); guard != "" {
		g, err := guards.Compile(guard)
		if err != nil {
			return nil, fmt.Errorf("tileset %q guard: %w", el.Name, err)
		}
		ts.guard = g
	}

	ts.infoFormats = strings.Fields(el.InfoFormats)
	if len(ts.infoFormats) > 0 {
		if _, ok := src.(FeatureSource); !ok {
			return nil, fmt.Errorf("tileset %q lists info formats but source %q cannot answer feature queries", el.Name, srcName)
		}
	}
	return ts, nil
}

func (c *Config) documents(h *Handler) error {
	var sandbox *templates.Sandbox
	if dir := strings.TrimSpace(c.doc.Templates); dir != "" {
		sb, err := templates.NewSandbox(c.resolve(dir))
		if err != nil {
			return err
		}
		sandbox = sb
		h.sandbox = sb
	}
	docs, err := loadDocuments(templates.NewRenderer(sandbox))
	if err != nil {
		return err
	}
	h.docs = docs
	return nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// parseSeconds accepts a plain number of seconds or a Go duration.
func parseSeconds(text string) (time.Duration, error) {
	if n, err := strconv.Atoi(text); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%q must not be negative", text)
		}
		if int64(n) > math.MaxInt64/int64(time.Second) {
			return 0, fmt.Errorf("%q is too large", text)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", text)
	}
	return d, nil
}
