// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dynsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed Store for deployments running more than one
// gateway instance in front of the same broker cluster, so the side-table
// survives an individual gateway process restart. Entries have no TTL:
// they are removed explicitly by the engine on delete/disconnect, never by
// expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-configured redis.Client. keyPrefix
// namespaces keys (e.g. "dynsub:") to share a Redis instance with other
// uses.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(subject string) string {
	return s.prefix + subject
}

func (s *RedisStore) Set(ctx context.Context, subject string, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal dynsub records for %q: %w", subject, err)
	}
	if err := s.client.Set(ctx, s.key(subject), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set for %q: %w", subject, err)
	}
	return nil
}

func (s *RedisStore) Fetch(ctx context.Context, subject string) ([]Record, error) {
	data, err := s.client.Get(ctx, s.key(subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get for %q: %w", subject, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal dynsub records for %q: %w", subject, err)
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, s.key(subject)).Err(); err != nil {
		return fmt.Errorf("redis del for %q: %w", subject, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// maxMutateRetries bounds the optimistic-locking retry loop in Mutate. Each
// retry means another writer touched the same subject between our GET and
// our EXEC; under the gateway's per-subject access pattern this should
// essentially never contend, so a handful of retries is generous headroom,
// not a tuned limit.
const maxMutateRetries = 10

// Mutate performs an indivisible read-modify-write on subject's record list
// using Redis's WATCH/MULTI/EXEC optimistic locking: if another client
// writes to subject's key between our read and our write, Redis aborts the
// transaction and we retry with a fresh read.
func (s *RedisStore) Mutate(ctx context.Context, subject string, fn func([]Record) ([]Record, error)) error {
	key := s.key(subject)

	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis get for %q: %w", subject, err)
			}

			var records []Record
			if err == nil {
				if err := json.Unmarshal(data, &records); err != nil {
					return fmt.Errorf("unmarshal dynsub records for %q: %w", subject, err)
				}
			}

			next, ferr := fn(records)
			if ferr != nil {
				return ferr
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(next) == 0 {
					pipe.Del(ctx, key)
					return nil
				}
				data, merr := json.Marshal(next)
				if merr != nil {
					return fmt.Errorf("marshal dynsub records for %q: %w", subject, merr)
				}
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue // another writer touched subject between our GET and EXEC; retry
		}
		return err
	}
	return fmt.Errorf("dynsub redis mutate %q: exceeded %d retries", subject, maxMutateRetries)
}
