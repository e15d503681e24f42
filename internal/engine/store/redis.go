package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Namespace prefixes every key so several tilesets can share a database.
	Namespace string
	TLS       RedisTLSConfig
}

type redisStore struct {
	client    valkey.Client
	namespace string
	ttl       time.Duration
}

// NewRedis connects and pings before returning.
func NewRedis(cfg RedisConfig, ttl time.Duration) (TileStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &redisStore{client: client, namespace: cfg.Namespace, ttl: ttl}, nil
}

func (s *redisStore) Lookup(ctx context.Context, key string) (Tile, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.namespace+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Tile{}, false, nil
		}
		return Tile{}, false, fmt.Errorf("store: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Tile{}, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	var tile Tile
	if err := json.Unmarshal(payload, &tile); err != nil {
		return Tile{}, false, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	return tile, true, nil
}

func (s *redisStore) Store(ctx context.Context, key string, tile Tile) error {
	if tile.ModTime.IsZero() {
		tile.ModTime = time.Now().UTC()
	}
	tile.ExpiresAt = expiry(tile, s.ttl)
	payload, err := json.Marshal(tile)
	if err != nil {
		return fmt.Errorf("store: redis marshal: %w", err)
	}

	var cmd valkey.Completed
	if tile.ExpiresAt.IsZero() {
		cmd = s.client.B().Set().Key(s.namespace + key).Value(string(payload)).Build()
	} else {
		ttl := time.Until(tile.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
		cmd = s.client.B().Set().Key(s.namespace + key).Value(string(payload)).Px(ttl).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *redisStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	return s.scan(ctx, prefix, func(keys []string) error {
		if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("store: redis del: %w", err)
		}
		return nil
	})
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	if s.namespace == "" {
		size, err := s.client.Do(ctx, s.client.B().Dbsize().Build()).ToInt64()
		if err != nil {
			return 0, fmt.Errorf("store: redis dbsize: %w", err)
		}
		return size, nil
	}
	var n int64
	err := s.scan(ctx, "", func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *redisStore) scan(ctx context.Context, prefix string, visit func([]string) error) error {
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.namespace + prefix + "*").Count(200).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("store: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := visit(entry.Elements); err != nil {
				return err
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
