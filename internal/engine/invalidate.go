package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"lukechampine.com/blake3"

	"github.com/l0p7/tilegate/internal/engine/store"
	"github.com/l0p7/tilegate/internal/tilecache"
)

// persistentLocation names where a cache keeps tiles between loads. Memory
// caches start empty on every load and have none.
func persistentLocation(cfg store.Config) string {
	switch cfg.Type {
	case store.TypeDisk:
		return "disk:" + filepath.Clean(cfg.Disk.Root)
	case store.TypeRedis:
		return "redis:" + cfg.Redis.Address + "/" + strconv.Itoa(cfg.Redis.DB) + "/" + cfg.Redis.Namespace
	}
	return ""
}

// tilesetShape is everything that decides the bytes of a stored tile.
type tilesetShape struct {
	Source sourceElement `json:"source"`
	Grids  []gridElement `json:"grids"`
	Format formatElement `json:"format"`
}

func (c *Config) fingerprint(el tilesetElement) string {
	shape := tilesetShape{Format: formatElement{Name: strings.TrimSpace(el.Format)}}
	srcName := strings.TrimSpace(el.Source)
	for _, s := range c.doc.Sources {
		if s.Name == srcName {
			shape.Source = s
		}
	}
	for _, name := range el.Grids {
		g := gridElement{Name: strings.TrimSpace(name)}
		for _, custom := range c.doc.Grids {
			if custom.Name == g.Name {
				g = custom
			}
		}
		shape.Grids = append(shape.Grids, g)
	}
	for _, f := range c.doc.Formats {
		if f.Name == shape.Format.Name {
			shape.Format = f
		}
	}
	raw, _ := json.Marshal(shape)
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("%x", sum[:])
}

// invalidate drops the persisted tiles of tilesets whose shape changed
// since this engine last loaded them into the same cache. Fingerprints are
// only recorded once every drop succeeded.
func (c *Config) invalidate(ctx context.Context, h *Handler, locations map[string]string) error {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]string)
	for _, name := range h.order {
		ts := h.tilesets[name]
		el := c.tilesetElement(name)
		loc := locations[strings.TrimSpace(el.Cache)]
		if loc == "" || ts.store == nil {
			continue
		}
		key := loc + "|" + name
		sum := c.fingerprint(el)
		if prev, ok := e.fingerprints[key]; ok && prev != sum {
			if err := ts.store.DeletePrefix(ctx, name+"/"); err != nil {
				return fmt.Errorf("tileset %q: drop cached tiles: %w", name, err)
			}
			c.log.Logf(tilecache.LevelInfo, "tileset %s changed, dropped its cached tiles", name)
		}
		seen[key] = sum
	}
	for key, sum := range seen {
		e.fingerprints[key] = sum
	}
	return nil
}

func (c *Config) tilesetElement(name string) tilesetElement {
	for _, el := range c.doc.Tilesets {
		if el.Name == name {
			return el
		}
	}
	return tilesetElement{}
}

// reportEntries publishes the entry count of every cache. A failing count
// is logged and skipped.
func (c *Config) reportEntries(ctx context.Context, stores map[string]store.TileStore) {
	obs := c.engine.observer
	if obs == nil {
		return
	}
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		n, err := stores[name].Size(ctx)
		if err != nil {
			c.log.Logf(tilecache.LevelWarn, "cache %s: count entries: %v", name, err)
			continue
		}
		obs.ObserveTileCacheEntries(name, n)
	}
}
