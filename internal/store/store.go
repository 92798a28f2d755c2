// Package store persists type-tagged analysis objects (predictions, smearing
// matrices, matcher state, the PRISM composer) under hierarchical keys.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
)

// ErrNotFound is returned when no object is stored under a key.
var ErrNotFound = errors.New("store: not found")

// Record is one stored object: a type tag and its JSON payload.
type Record struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store is a key/value store of records. Put overwrites.
type Store interface {
	// Get retrieves the record under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Put stores rec under key, replacing any previous record.
	Put(ctx context.Context, key string, rec *Record) error

	// Keys lists the keys starting with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources
	Close() error
}

// Join builds a hierarchical key from path elements.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// SaveObject marshals v and stores it under key with the given type tag.
func SaveObject(ctx context.Context, s Store, key, typeTag string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", typeTag, err)
	}
	rec := &Record{Type: typeTag, Payload: payload, SavedAt: time.Now().UTC()}
	if err := s.Put(ctx, key, rec); err != nil {
		return fmt.Errorf("failed to save %s to %q: %w", typeTag, key, err)
	}
	return nil
}

// LoadObject reads the record under key into v. A record carrying a
// different type tag means the caller is reading the wrong component: the
// mismatch is logged and LoadObject panics.
func LoadObject(ctx context.Context, s Store, key, typeTag string, v interface{}) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load %q: %w", key, err)
	}
	if rec.Type != typeTag {
		logging.Named("store").Panic("stored type tag does not match",
			zap.String("key", key),
			zap.String("want", typeTag),
			zap.String("got", rec.Type),
		)
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s from %q: %w", typeTag, key, err)
	}
	return nil
}

// TypeOf returns the type tag stored under key.
func TypeOf(ctx context.Context, s Store, key string) (string, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return rec.Type, nil
}

// Copy copies every record under prefix from src to dst. It returns the
// number of records copied.
func Copy(ctx context.Context, src, dst Store, prefix string) (int, error) {
	keys, err := src.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list source keys: %w", err)
	}
	for i, k := range keys {
		rec, err := src.Get(ctx, k)
		if err != nil {
			return i, fmt.Errorf("failed to read %q: %w", k, err)
		}
		if err := dst.Put(ctx, k, rec); err != nil {
			return i, fmt.Errorf("failed to write %q: %w", k, err)
		}
	}
	return len(keys), nil
}

// Config selects and configures a backend.
type Config struct {
	Backend      string `yaml:"backend" json:"backend"` // memory, redis, postgres
	Snapshot     string `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	RedisAddr    string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisDB      int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	PostgresConn string `yaml:"postgres_conn,omitempty" json:"postgres_conn,omitempty"`
}

// Open connects to the configured backend. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.Snapshot)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, "", cfg.RedisDB)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresConn)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
