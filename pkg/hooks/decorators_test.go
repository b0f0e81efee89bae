// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"testing"

	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
	"github.com/ioolkos/mqtt-gateway/pkg/ratelimit"
)

type stubHooks struct {
	registerCalls int
	err           error
}

func (s *stubHooks) AuthOnRegisterV3(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool) error {
	s.registerCalls++
	return s.err
}
func (s *stubHooks) AuthOnRegisterV5(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool, props envelope.Properties) error {
	s.registerCalls++
	return s.err
}
func (s *stubHooks) AuthOnPublishV3(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool) error {
	return s.err
}
func (s *stubHooks) AuthOnPublishV5(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool, props *envelope.Properties, correlationData *[]byte, responseTopic **string) error {
	return s.err
}
func (s *stubHooks) OnDeliverV3(ctx context.Context, username, subscriberID, topic string, payload *[]byte) error {
	return s.err
}
func (s *stubHooks) OnDeliverV5(ctx context.Context, username, subscriberID, topic string, payload *[]byte, props *envelope.Properties, correlationData []byte, responseTopic *string) error {
	return s.err
}
func (s *stubHooks) AuthOnSubscribeV3(ctx context.Context, username, subscriberID string, subscriptions *[]string) error {
	return s.err
}
func (s *stubHooks) AuthOnSubscribeV5(ctx context.Context, username, subscriberID string, subscriptions *[]string, props envelope.Properties) error {
	return s.err
}
func (s *stubHooks) OnClientOffline(ctx context.Context, subscriberID string) error { return s.err }
func (s *stubHooks) OnClientGone(ctx context.Context, subscriberID string) error    { return s.err }

func TestInstrumentDelegatesAndCountsAcceptedConnect(t *testing.T) {
	stub := &stubHooks{}
	inst := NewInstrument(stub, metrics.New("test_instrument_accept"))

	if err := inst.AuthOnRegisterV3(context.Background(), "", "sub", "", nil, true); err != nil {
		t.Fatalf("AuthOnRegisterV3: %v", err)
	}
	if stub.registerCalls != 1 {
		t.Errorf("registerCalls = %d, want 1", stub.registerCalls)
	}
}

func TestRateLimitRejectsOnceGlobalBucketExhausted(t *testing.T) {
	stub := &stubHooks{}
	global := ratelimit.NewTokenBucket(1, 0)
	perSubscriber := ratelimit.NewLimiter(10, 10, 100)
	defer perSubscriber.Close()
	rl := NewRateLimit(stub, global, perSubscriber, metrics.New("test_ratelimit_global"), nil)

	if err := rl.AuthOnRegisterV3(context.Background(), "", "sub-1", "", nil, true); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	err := rl.AuthOnRegisterV3(context.Background(), "", "sub-2", "", nil, true)
	if err != ratelimit.ErrRateLimitExceeded {
		t.Errorf("second connect error = %v, want ErrRateLimitExceeded", err)
	}
	if stub.registerCalls != 1 {
		t.Errorf("registerCalls = %d, want 1 (second call should not reach the wrapped Hooks)", stub.registerCalls)
	}
}

func TestRateLimitRejectsOnceSubscriberLimiterExhausted(t *testing.T) {
	stub := &stubHooks{}
	global := ratelimit.NewTokenBucket(100, 100)
	perSubscriber := ratelimit.NewLimiter(1, 0, 100)
	defer perSubscriber.Close()
	rl := NewRateLimit(stub, global, perSubscriber, metrics.New("test_ratelimit_client"), nil)

	if err := rl.AuthOnRegisterV3(context.Background(), "", "sub-1", "", nil, true); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	err := rl.AuthOnRegisterV3(context.Background(), "", "sub-1", "", nil, true)
	if err != ratelimit.ErrRateLimitExceeded {
		t.Errorf("second connect from same client error = %v, want ErrRateLimitExceeded", err)
	}
}
