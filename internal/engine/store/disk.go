package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	dataSuffix = ".tile"
	metaSuffix = ".meta"
)

// DiskConfig roots the on-disk tile tree.
type DiskConfig struct {
	Root string
}

type diskMeta struct {
	ContentType string    `json:"contentType"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

type diskStore struct {
	root string
	ttl  time.Duration
}

// NewDisk stores each tile as a data file plus a small JSON sidecar. The
// data file's mtime is the tile's modification time.
func NewDisk(cfg DiskConfig, ttl time.Duration) (TileStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("store: disk root required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("store: disk root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create disk root: %w", err)
	}
	return &diskStore{root: root, ttl: ttl}, nil
}

func (s *diskStore) file(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+strings.Trim(key, "/") {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *diskStore) Lookup(_ context.Context, key string) (Tile, bool, error) {
	base, err := s.file(key)
	if err != nil {
		return Tile{}, false, err
	}
	rawMeta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tile{}, false, nil
		}
		return Tile{}, false, fmt.Errorf("store: read tile meta: %w", err)
	}
	var meta diskMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return Tile{}, false, fmt.Errorf("store: decode tile meta: %w", err)
	}
	tile := Tile{ContentType: meta.ContentType, ExpiresAt: meta.ExpiresAt}
	if tile.Expired(time.Now()) {
		s.remove(base)
		return Tile{}, false, nil
	}
	info, err := os.Stat(base + dataSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tile{}, false, nil
		}
		return Tile{}, false, fmt.Errorf("store: stat tile: %w", err)
	}
	tile.Data, err = os.ReadFile(base + dataSuffix)
	if err != nil {
		return Tile{}, false, fmt.Errorf("store: read tile: %w", err)
	}
	tile.ModTime = info.ModTime().UTC()
	return tile, true, nil
}

func (s *diskStore) Store(_ context.Context, key string, tile Tile) error {
	base, err := s.file(key)
	if err != nil {
		return err
	}
	if tile.ModTime.IsZero() {
		tile.ModTime = time.Now().UTC()
	}
	meta, err := json.Marshal(diskMeta{ContentType: tile.ContentType, ExpiresAt: expiry(tile, s.ttl)})
	if err != nil {
		return fmt.Errorf("store: encode tile meta: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("store: create tile dir: %w", err)
	}
	if err := writeAtomic(base+dataSuffix, tile.Data); err != nil {
		return err
	}
	if err := os.Chtimes(base+dataSuffix, tile.ModTime, tile.ModTime); err != nil {
		return fmt.Errorf("store: set tile mtime: %w", err)
	}
	return writeAtomic(base+metaSuffix, meta)
}

func (s *diskStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	return s.walk(func(key, base string) error {
		if strings.HasPrefix(key, prefix) {
			s.remove(base)
		}
		return nil
	})
}

func (s *diskStore) Size(context.Context) (int64, error) {
	var n int64
	err := s.walk(func(string, string) error {
		n++
		return nil
	})
	return n, err
}

func (s *diskStore) Close(context.Context) error { return nil }

func (s *diskStore) walk(visit func(key, base string) error) error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		base := strings.TrimSuffix(p, metaSuffix)
		rel, err := filepath.Rel(s.root, base)
		if err != nil {
			return err
		}
		return visit(filepath.ToSlash(rel), base)
	})
	if err != nil {
		return fmt.Errorf("store: walk disk tree: %w", err)
	}
	return nil
}

func (s *diskStore) remove(base string) {
	_ = os.Remove(base + metaSuffix)
	_ = os.Remove(base + dataSuffix)
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}
