package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisPrefix namespaces the keys RedisStore writes.
const DefaultRedisPrefix = "meshledger"

// RedisStore keeps each map as one JSON string value.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to DefaultRedisPrefix. Two devices sharing one server
	// need distinct prefixes.
	Prefix string
}

// DialRedis connects to a Redis server and checks it with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return NewRedisStore(rdb, opts.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// LoadContacts implements Store.
func (s *RedisStore) LoadContacts(ctx context.Context) (map[string]string, error) {
	contacts := make(map[string]string)
	if err := s.get(ctx, "contacts", &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// SaveContacts implements Store.
func (s *RedisStore) SaveContacts(ctx context.Context, contacts map[string]string) error {
	return s.set(ctx, "contacts", contacts)
}

// LoadGroups implements Store.
func (s *RedisStore) LoadGroups(ctx context.Context) (map[string]Group, error) {
	groups := make(map[string]Group)
	if err := s.get(ctx, "groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// SaveGroups implements Store.
func (s *RedisStore) SaveGroups(ctx context.Context, groups map[string]Group) error {
	return s.set(ctx, "groups", groups)
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) get(ctx context.Context, name string, v any) error {
	raw, err := s.rdb.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", s.key(name), err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("redis value %s: %w", s.key(name), err)
	}
	return nil
}

func (s *RedisStore) set(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(name), err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "RedisStore.set",
		"key":      s.key(name),
		"bytes":    len(data),
	}).Debug("Store saved")
	return nil
}
