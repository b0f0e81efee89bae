// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ioolkos/mqtt-gateway/pkg/breaker"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
)

type failingBroker struct{ err error }

func (f *failingBroker) Publish(ctx context.Context, topic []string, payload []byte, retain bool) error {
	return f.err
}
func (f *failingBroker) Subscribe(ctx context.Context, clientID string, subs []Subscription) error {
	return f.err
}
func (f *failingBroker) Unsubscribe(ctx context.Context, clientID string, topics [][]string) error {
	return f.err
}
func (f *failingBroker) ListConnections(ctx context.Context) ([]string, error) { return nil, f.err }

func TestWithCircuitBreakerTripsOpenAfterMaxFailures(t *testing.T) {
	fb := &failingBroker{err: errors.New("broker unreachable")}
	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour})
	w := NewWithCircuitBreaker(fb, cb, metrics.New("test_circuitbreaker"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := w.Publish(ctx, []string{"t"}, nil, false); err == nil {
			t.Fatalf("call %d: expected failure to propagate", i)
		}
	}
	if err := w.Publish(ctx, []string{"t"}, nil, false); !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("after MaxFailures trips, error = %v, want ErrCircuitOpen", err)
	}
}

func TestWithCircuitBreakerPassesThroughOnSuccess(t *testing.T) {
	mock := NewMock()
	cb := breaker.New(breaker.Config{})
	w := NewWithCircuitBreaker(mock, cb, metrics.New("test_circuitbreaker_success"))

	if err := w.Publish(context.Background(), []string{"t"}, []byte("x"), false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(mock.Published) != 1 {
		t.Errorf("expected call to reach the wrapped broker")
	}
}
