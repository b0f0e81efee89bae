// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"log/slog"

	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
	"github.com/ioolkos/mqtt-gateway/pkg/ratelimit"
)

// Instrument wraps a Hooks implementation with Prometheus observability:
// every auth hook is timed and counted by outcome, an accepted connect
// increments the active-connections gauge and OnClientOffline decrements
// it. OnClientGone is passed through without being recorded.
type Instrument struct {
	next    Hooks
	metrics *metrics.Metrics
}

var _ Hooks = (*Instrument)(nil)

// NewInstrument wraps next with metrics observation.
func NewInstrument(next Hooks, m *metrics.Metrics) *Instrument {
	return &Instrument{next: next, metrics: m}
}

func (i *Instrument) AuthOnRegisterV3(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool) error {
	ctx = withCorrelationID(ctx)
	err := i.metrics.ObserveHook("connect", func() error {
		return i.next.AuthOnRegisterV3(ctx, peer, subscriberID, username, password, cleanSession)
	})
	i.observeConnect(err)
	return err
}

func (i *Instrument) AuthOnRegisterV5(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool, props envelope.Properties) error {
	ctx = withCorrelationID(ctx)
	err := i.metrics.ObserveHook("connect", func() error {
		return i.next.AuthOnRegisterV5(ctx, peer, subscriberID, username, password, cleanSession, props)
	})
	i.observeConnect(err)
	return err
}

func (i *Instrument) observeConnect(err error) {
	status := "accepted"
	if err != nil {
		status = "denied"
	} else {
		i.metrics.ActiveConnections.WithLabelValues("all").Inc()
	}
	i.metrics.ConnectionsTotal.WithLabelValues("all", status).Inc()
}

func (i *Instrument) AuthOnPublishV3(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool) error {
	return i.metrics.ObserveHook("publish", func() error {
		return i.next.AuthOnPublishV3(ctx, username, subscriberID, qos, topic, payload, retain)
	})
}

func (i *Instrument) AuthOnPublishV5(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool, props *envelope.Properties, correlationData *[]byte, responseTopic **string) error {
	return i.metrics.ObserveHook("publish", func() error {
		return i.next.AuthOnPublishV5(ctx, username, subscriberID, qos, topic, payload, retain, props, correlationData, responseTopic)
	})
}

func (i *Instrument) OnDeliverV3(ctx context.Context, username, subscriberID, topic string, payload *[]byte) error {
	return i.metrics.ObserveHook("deliver", func() error {
		return i.next.OnDeliverV3(ctx, username, subscriberID, topic, payload)
	})
}

func (i *Instrument) OnDeliverV5(ctx context.Context, username, subscriberID, topic string, payload *[]byte, props *envelope.Properties, correlationData []byte, responseTopic *string) error {
	return i.metrics.ObserveHook("deliver", func() error {
		return i.next.OnDeliverV5(ctx, username, subscriberID, topic, payload, props, correlationData, responseTopic)
	})
}

func (i *Instrument) AuthOnSubscribeV3(ctx context.Context, username, subscriberID string, subscriptions *[]string) error {
	return i.metrics.ObserveHook("subscribe", func() error {
		return i.next.AuthOnSubscribeV3(ctx, username, subscriberID, subscriptions)
	})
}

func (i *Instrument) AuthOnSubscribeV5(ctx context.Context, username, subscriberID string, subscriptions *[]string, props envelope.Properties) error {
	return i.metrics.ObserveHook("subscribe", func() error {
		return i.next.AuthOnSubscribeV5(ctx, username, subscriberID, subscriptions, props)
	})
}

func (i *Instrument) OnClientOffline(ctx context.Context, subscriberID string) error {
	i.metrics.ActiveConnections.WithLabelValues("all").Dec()
	return i.next.OnClientOffline(ctx, subscriberID)
}

func (i *Instrument) OnClientGone(ctx context.Context, subscriberID string) error {
	return i.next.OnClientGone(ctx, subscriberID)
}

// RateLimit wraps a Hooks implementation with a global token bucket and a
// per-client limiter guarding the connect hooks, denying new connections
// once either is exhausted — rejected connects never reach authn/authz.
type RateLimit struct {
	next    Hooks
	global  *ratelimit.TokenBucket
	perSubscriber *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ Hooks = (*RateLimit)(nil)

// NewRateLimit wraps next with global and per-client connect rate limiting.
func NewRateLimit(next Hooks, global *ratelimit.TokenBucket, perSubscriber *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *RateLimit {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimit{next: next, global: global, perSubscriber: perSubscriber, metrics: m, logger: logger}
}

func (r *RateLimit) checkConnect(subscriberID string) error {
	if !r.global.Allow() {
		r.metrics.RateLimitedConnections.WithLabelValues("global").Inc()
		r.logger.Warn("connect rejected by global rate limit", "subscriber_id", subscriberID)
		return ratelimit.ErrRateLimitExceeded
	}
	if !r.perSubscriber.Allow(subscriberID) {
		r.metrics.RateLimitedConnections.WithLabelValues("client").Inc()
		r.logger.Warn("connect rejected by per-client rate limit", "subscriber_id", subscriberID)
		return ratelimit.ErrRateLimitExceeded
	}
	return nil
}

func (r *RateLimit) AuthOnRegisterV3(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool) error {
	if err := r.checkConnect(subscriberID); err != nil {
		return err
	}
	return r.next.AuthOnRegisterV3(ctx, peer, subscriberID, username, password, cleanSession)
}

func (r *RateLimit) AuthOnRegisterV5(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool, props envelope.Properties) error {
	if err := r.checkConnect(subscriberID); err != nil {
		return err
	}
	return r.next.AuthOnRegisterV5(ctx, peer, subscriberID, username, password, cleanSession, props)
}

func (r *RateLimit) AuthOnPublishV3(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool) error {
	return r.next.AuthOnPublishV3(ctx, username, subscriberID, qos, topic, payload, retain)
}

func (r *RateLimit) AuthOnPublishV5(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool, props *envelope.Properties, correlationData *[]byte, responseTopic **string) error {
	return r.next.AuthOnPublishV5(ctx, username, subscriberID, qos, topic, payload, retain, props, correlationData, responseTopic)
}

func (r *RateLimit) OnDeliverV3(ctx context.Context, username, subscriberID, topic string, payload *[]byte) error {
	return r.next.OnDeliverV3(ctx, username, subscriberID, topic, payload)
}

func (r *RateLimit) OnDeliverV5(ctx context.Context, username, subscriberID, topic string, payload *[]byte, props *envelope.Properties, correlationData []byte, responseTopic *string) error {
	return r.next.OnDeliverV5(ctx, username, subscriberID, topic, payload, props, correlationData, responseTopic)
}

func (r *RateLimit) AuthOnSubscribeV3(ctx context.Context, username, subscriberID string, subscriptions *[]string) error {
	return r.next.AuthOnSubscribeV3(ctx, username, subscriberID, subscriptions)
}

func (r *RateLimit) AuthOnSubscribeV5(ctx context.Context, username, subscriberID string, subscriptions *[]string, props envelope.Properties) error {
	return r.next.AuthOnSubscribeV5(ctx, username, subscriberID, subscriptions, props)
}

func (r *RateLimit) OnClientOffline(ctx context.Context, subscriberID string) error {
	r.perSubscriber.Remove(subscriberID)
	return r.next.OnClientOffline(ctx, subscriberID)
}

func (r *RateLimit) OnClientGone(ctx context.Context, subscriberID string) error {
	r.perSubscriber.Remove(subscriberID)
	return r.next.OnClientGone(ctx, subscriberID)
}
