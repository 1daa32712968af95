package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisStore implements Store on a Redis hash. Every write is published on a
// change channel so widgets sharing the namespace see each other's updates.
type redisStore struct {
	notifier

	client  *redis.Client
	hashKey string
	channel string
	origin  string
	logger  zerolog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type redisChange struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

func newRedisStore(client *redis.Client, namespace string, logger zerolog.Logger) (*redisStore, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &redisStore{
		client:  client,
		hashKey: namespace + ":session",
		channel: namespace + ":session:changes",
		origin:  uuid.NewString(),
		logger:  logger,
		cancel:  cancel,
	}

	s.pubsub = client.Subscribe(ctx, s.channel)
	// wait for the subscription confirmation so no change published after
	// construction is missed
	if _, err := s.pubsub.Receive(ctx); err != nil {
		cancel()
		s.pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	s.wg.Add(1)
	go s.listen()
	return s, nil
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements Store.
func (s *redisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.hashKey, key, value).Err(); err != nil {
		return err
	}
	s.publish(ctx, redisChange{Origin: s.origin, Key: key, Value: value})
	s.notify(Change{Key: key, Value: value})
	return nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.HDel(ctx, s.hashKey, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	s.publish(ctx, redisChange{Origin: s.origin, Key: key, Deleted: true})
	s.notify(Change{Key: key, Deleted: true})
	return nil
}

// Subscribe implements Store.
func (s *redisStore) Subscribe(fn func(Change)) func() {
	return s.subscribe(fn)
}

// Close implements Store.
func (s *redisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.wg.Wait()
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (s *redisStore) publish(ctx context.Context, c redisChange) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		// the value is stored; peers only miss the live notification
		s.logger.Warn().Err(err).Str("key", c.Key).Msg("Failed to publish session change")
	}
}

func (s *redisStore) listen() {
	defer s.wg.Done()
	for msg := range s.pubsub.Channel() {
		var c redisChange
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring malformed session change")
			continue
		}
		if c.Origin == s.origin {
			continue
		}
		s.notify(Change{Key: c.Key, Value: c.Value, Deleted: c.Deleted, External: true})
	}
}
