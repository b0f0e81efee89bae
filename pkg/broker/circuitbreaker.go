// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/ioolkos/mqtt-gateway/pkg/breaker"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
)

// WithCircuitBreaker wraps next with a circuit breaker guarding every call
// into the broker interface. Repeated publish/subscribe/unsubscribe/
// list_connections failures — the broker node is unreachable or wedged —
// trip the breaker open so the gateway fails dynsub and audit emissions
// fast instead of piling up blocked calls, per the resource model's "hooks
// must not block waiting on remote I/O" constraint.
type WithCircuitBreaker struct {
	next    Broker
	cb      *breaker.CircuitBreaker
	metrics *metrics.Metrics
}

var _ Broker = (*WithCircuitBreaker)(nil)

// NewWithCircuitBreaker wraps next with cb, reporting state transitions and
// trips to m under cb's configured Name (see breaker.Config.Name).
func NewWithCircuitBreaker(next Broker, cb *breaker.CircuitBreaker, m *metrics.Metrics) *WithCircuitBreaker {
	w := &WithCircuitBreaker{next: next, cb: cb, metrics: m}
	name := cb.Name()
	cb.OnStateChange(func(from, to breaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}
	})
	return w
}

func (w *WithCircuitBreaker) Publish(ctx context.Context, topic []string, payload []byte, retain bool) error {
	return w.cb.Call(func() error { return w.next.Publish(ctx, topic, payload, retain) })
}

func (w *WithCircuitBreaker) Subscribe(ctx context.Context, clientID string, subs []Subscription) error {
	return w.cb.Call(func() error { return w.next.Subscribe(ctx, clientID, subs) })
}

func (w *WithCircuitBreaker) Unsubscribe(ctx context.Context, clientID string, topics [][]string) error {
	return w.cb.Call(func() error { return w.next.Unsubscribe(ctx, clientID, topics) })
}

func (w *WithCircuitBreaker) ListConnections(ctx context.Context) ([]string, error) {
	var out []string
	err := w.cb.Call(func() error {
		var callErr error
		out, callErr = w.next.ListConnections(ctx)
		return callErr
	})
	return out, err
}
