// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package dynsub

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore connects to a real Redis instance addressed by
// GATEWAY_TEST_REDIS_ADDR (default localhost:6379), skipping the test if
// it isn't reachable. Run with -tags integration against a disposable
// Redis instance.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("no redis reachable at %s: %v", addr, err)
	}

	s := NewRedisStore(client, "dynsub_test:")
	t.Cleanup(func() {
		_ = s.Delete(context.Background(), "subj")
		_ = s.Close()
	})
	return s
}

func TestRedisStoreSetFetchDelete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if got, err := s.Fetch(ctx, "subj"); err != nil || got != nil {
		t.Fatalf("Fetch(missing) = %v, %v, want nil, nil", got, err)
	}

	records := []Record{{App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1"}}
	if err := s.Set(ctx, "subj", records); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Fetch(ctx, "subj")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0] != records[0] {
		t.Errorf("Fetch = %+v, want %+v", got, records)
	}

	if err := s.Delete(ctx, "subj"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Fetch(ctx, "subj"); got != nil {
		t.Errorf("Fetch after Delete = %v, want nil", got)
	}
}

func TestRedisStoreMutateUnderConcurrency(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Mutate(ctx, "subj", func(records []Record) ([]Record, error) {
				return append(records, Record{App: "a", Version: "v1"}), nil
			})
			if err != nil {
				t.Errorf("Mutate(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Fetch(ctx, "subj")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != n {
		t.Errorf("got %d records, want %d (WATCH/MULTI/EXEC should retry, never drop, a racing writer)", len(got), n)
	}
}
