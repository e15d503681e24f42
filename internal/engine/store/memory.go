package store

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryStore struct {
	items *gocache.Cache
}

// NewMemory keeps tiles in process memory. Expired tiles are swept every
// minute.
func NewMemory(ttl time.Duration) TileStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &memoryStore{items: gocache.New(ttl, time.Minute)}
}

func (s *memoryStore) Lookup(_ context.Context, key string) (Tile, bool, error) {
	value, ok := s.items.Get(key)
	if !ok {
		return Tile{}, false, nil
	}
	tile, ok := value.(Tile)
	if !ok || tile.Expired(time.Now()) {
		s.items.Delete(key)
		return Tile{}, false, nil
	}
	return cloneTile(tile), true, nil
}

func (s *memoryStore) Store(_ context.Context, key string, tile Tile) error {
	if tile.ModTime.IsZero() {
		tile.ModTime = time.Now().UTC()
	}
	ttl := gocache.DefaultExpiration
	if !tile.ExpiresAt.IsZero() {
		ttl = time.Until(tile.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	s.items.Set(key, cloneTile(tile), ttl)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	for key := range s.items.Items() {
		if strings.HasPrefix(key, prefix) {
			s.items.Delete(key)
		}
	}
	return nil
}

func (s *memoryStore) Size(context.Context) (int64, error) {
	return int64(s.items.ItemCount()), nil
}

func (s *memoryStore) Close(context.Context) error {
	s.items.Flush()
	return nil
}
