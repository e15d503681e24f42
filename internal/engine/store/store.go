package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tile is one encoded artifact held by a store.
type Tile struct {
	Data        []byte    `json:"data"`
	ContentType string    `json:"contentType"`
	ModTime     time.Time `json:"modTime"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the tile is past its storage lifetime at now. A
// zero ExpiresAt never expires.
func (t Tile) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TileStore persists encoded tiles by key. Keys are slash separated paths
// such as "osm/WGS84/png/3/4/2".
type TileStore interface {
	Lookup(ctx context.Context, key string) (Tile, bool, error)
	Store(ctx context.Context, key string, tile Tile) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Backend type names accepted by New.
const (
	TypeMemory = "memory"
	TypeDisk   = "disk"
	TypeRedis  = "redis"
)

// Config selects and configures one backend.
type Config struct {
	Type string
	// TTL bounds how long tiles live in the backend; zero keeps them until
	// evicted explicitly.
	TTL   time.Duration
	Disk  DiskConfig
	Redis RedisConfig
}

// New builds the backend named by cfg.Type.
func New(cfg Config) (TileStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeMemory:
		return NewMemory(cfg.TTL), nil
	case TypeDisk:
		return NewDisk(cfg.Disk, cfg.TTL)
	case TypeRedis:
		return NewRedis(cfg.Redis, cfg.TTL)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Type)
	}
}

func cloneTile(in Tile) Tile {
	out := in
	out.Data = append([]byte(nil), in.Data...)
	return out
}

func expiry(tile Tile, ttl time.Duration) time.Time {
	if !tile.ExpiresAt.IsZero() {
		return tile.ExpiresAt
	}
	if ttl > 0 {
		return time.Now().Add(ttl)
	}
	return time.Time{}
}
