package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"lukechampine.com/blake3"

	"github.com/l0p7/tilegate/internal/engine/store"
	"github.com/l0p7/tilegate/internal/expr"
	"github.com/l0p7/tilegate/internal/tilecache"
)

func tileKey(ts *tileset, g *Grid, z, x, y int) string {
	return ts.name + "/" + g.Name + "/" + ts.format.Name + "/" +
		strconv.Itoa(z) + "/" + strconv.Itoa(x) + "/" + strconv.Itoa(y)
}

func etag(body []byte) string {
	sum := blake3.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// allow evaluates the tileset guard for one tile.
func (h *Handler) allow(ts *tileset, g *Grid, protocol string, z, x, y int, q params) error {
	ok, err := ts.guard.Allow(expr.Activation{
		Tileset:  ts.name,
		Grid:     g.Name,
		SRS:      g.SRS,
		Format:   ts.format.Name,
		Protocol: protocol,
		Z:        z,
		X:        x,
		Y:        y,
		Params:   q.plain(),
	})
	if err != nil {
		return fmt.Errorf("tileset %s guard: %w", ts.name, err)
	}
	if !ok {
		return forbidden("tile %d/%d/%d of %s@%s is not available", z, x, y, ts.name, g.Name)
	}
	return nil
}

// tile returns the encoded tile, from the store when present and rendered
// from the source otherwise. Concurrent misses on one key render once.
func (h *Handler) tile(ctx context.Context, ts *tileset, g *Grid, z, x, y int) (store.Tile, error) {
	key := tileKey(ts, g, z, x, y)
	if ts.store != nil {
		t, ok, err := ts.store.Lookup(ctx, key)
		if err != nil {
			h.observe(ts, "error")
			return store.Tile{}, fmt.Errorf("lookup tile %s: %w", key, err)
		}
		if ok {
			h.observe(ts, "hit")
			return t, nil
		}
	}
	v, err, _ := h.flight.Do(key, func() (any, error) {
		return h.render(ctx, ts, g, z, x, y, key)
	})
	if err != nil {
		h.observe(ts, "error")
		return store.Tile{}, err
	}
	h.observe(ts, "miss")
	return v.(store.Tile), nil
}

func (h *Handler) render(ctx context.Context, ts *tileset, g *Grid, z, x, y int, key string) (store.Tile, error) {
	img, err := ts.source.Render(ctx, MapRequest{
		SRS:    g.SRS,
		Extent: g.TileExtent(z, x, y),
		Width:  g.TileWidth,
		Height: g.TileHeight,
	})
	if err != nil {
		return store.Tile{}, fmt.Errorf("render tile %s: %w", key, err)
	}
	data, err := ts.format.Encode(img)
	if err != nil {
		return store.Tile{}, fmt.Errorf("tile %s: %w", key, err)
	}
	t := store.Tile{
		Data:        data,
		ContentType: ts.format.MimeType,
		ModTime:     h.now().UTC().Truncate(time.Second),
	}
	if ts.store != nil {
		if err := ts.store.Store(ctx, key, t); err != nil {
			h.log.Logf(tilecache.LevelWarn, "failed to store tile %s: %v", key, err)
		}
	}
	h.log.Logf(tilecache.LevelDebug, "rendered tile %s (%d bytes)", key, len(data))
	return t, nil
}

// serveTile is shared by TMS and KML image requests.
func (h *Handler) serveTile(ctx context.Context, ts *tileset, g *Grid, protocol string, z, x, y int, q params) (*tilecache.RawResponse, error) {
	if !g.Valid(z, x, y) {
		return nil, notFound("tile %d/%d/%d is outside grid %s", z, x, y, g.Name)
	}
	if err := h.allow(ts, g, protocol, z, x, y, q); err != nil {
		return nil, err
	}
	t, err := h.tile(ctx, ts, g, z, x, y)
	if err != nil {
		return nil, err
	}
	contentType := t.ContentType
	if contentType == "" {
		contentType = ts.format.MimeType
	}
	return h.imageResponse(contentType, t.Data, t.ModTime, ts.expires), nil
}
