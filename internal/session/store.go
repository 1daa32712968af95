// Package session holds the widget's persisted client-side state: a small
// key-value SessionStore with pluggable drivers and the typed Session built on it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrInvalidStoreType = errors.New("invalid session store type")
	ErrInvalidConfig    = errors.New("invalid session store configuration")
	ErrClosed           = errors.New("session store closed")
)

// Change describes one key update seen by a subscriber. External is set when
// the write came from another process sharing the store.
type Change struct {
	Key      string
	Value    string
	Deleted  bool
	External bool
}

// Store is a string key-value store with change notification.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key and notifies subscribers.
	Set(ctx context.Context, key, value string) error

	// Delete removes key and notifies subscribers. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Subscribe registers fn for every change and returns a function removing it.
	Subscribe(fn func(Change)) (unsubscribe func())

	// Close releases the store's resources.
	Close() error
}

// StoreType represents the type of session store.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	filePath    string
	redisClient *redis.Client
	namespace   string
	logger      zerolog.Logger
}

// WithFilePath sets the JSON file backing the file store.
func WithFilePath(path string) StoreOption {
	return func(c *storeConfig) {
		c.filePath = path
	}
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithNamespace prefixes Redis keys and the change channel.
func WithNamespace(ns string) StoreOption {
	return func(c *storeConfig) {
		c.namespace = ns
	}
}

// WithLogger sets the logger used by background watchers.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// NewStore creates a Store of the given type.
// The file store requires WithFilePath, the Redis store WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{
		namespace: "avatarchat",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.With().Str("component", "session-store").Str("driver", string(storeType)).Logger()

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(), nil

	case StoreTypeFile:
		if cfg.filePath == "" {
			return nil, ErrInvalidConfig
		}
		return newFileStore(cfg.filePath, logger)

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg.redisClient, cfg.namespace, logger)

	default:
		return nil, ErrInvalidStoreType
	}
}

// notifier fans changes out to subscribers.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Change)
}

func (n *notifier) subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(c Change) {
	n.mu.RLock()
	subs := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
}
