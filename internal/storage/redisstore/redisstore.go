// Package redisstore persists softstore key records in Redis, letting
// several keystored replicas share one key database. Records are JSON
// values under a common key prefix; creates use SET NX so the
// create-only contract holds across replicas without a lock.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/pkg/softstore"
)

const defaultPrefix = "keystored:key:"

// Store implements softstore.Store on a Redis backend.
type Store struct {
	client *redis.Client
	logger logrus.FieldLogger
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithPrefix overrides the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an existing Redis client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: logrus.StandardLogger(),
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) redisKey(name string) string {
	return s.prefix + name
}

// Put creates a record, failing with softstore.ErrRecordExists when the
// name is already taken on any replica.
func (s *Store) Put(ctx context.Context, rec *softstore.KeyRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", rec.Name, err)
	}
	created, err := s.client.SetNX(ctx, s.redisKey(rec.Name), encoded, 0).Result()
	if err != nil {
		return fmt.Errorf("storing record %q: %w", rec.Name, err)
	}
	if !created {
		return softstore.ErrRecordExists
	}
	return nil
}

// Get returns the record for name.
func (s *Store) Get(ctx context.Context, name string) (*softstore.KeyRecord, error) {
	encoded, err := s.client.Get(ctx, s.redisKey(name)).Bytes()
	if err == redis.Nil {
		return nil, softstore.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching record %q: %w", name, err)
	}
	var rec softstore.KeyRecord
	if err := json.Unmarshal(encoded, &rec); err != nil {
		s.logger.WithError(err).WithField("key", name).Error("Stored key record is corrupt")
		return nil, fmt.Errorf("decoding record %q: %w", name, err)
	}
	return &rec, nil
}

// Delete removes the record for name.
func (s *Store) Delete(ctx context.Context, name string) error {
	removed, err := s.client.Del(ctx, s.redisKey(name)).Result()
	if err != nil {
		return fmt.Errorf("deleting record %q: %w", name, err)
	}
	if removed == 0 {
		return softstore.ErrRecordNotFound
	}
	return nil
}

// DeleteAll removes every record under the prefix.
func (s *Store) DeleteAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("deleting record batch: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning records: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("deleting record batch: %w", err)
		}
	}
	return nil
}

// List returns every stored name.
func (s *Store) List(ctx context.Context) ([]string, error) {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var names []string
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning records: %w", err)
	}
	return names, nil
}
