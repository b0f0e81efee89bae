// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hooks exposes the ten broker hooks the gateway's core logic is
// driven through, and Pipeline, the default implementation composing
// clientid, authn, authz, acl, rewriter and dynsub into the five event
// pipelines: connect, publish, deliver, subscribe, disconnect.
//
// Authorization hooks (AuthOnRegister*, AuthOnPublish*, AuthOnSubscribe*)
// return an error to deny, or mutate their pointer arguments to accept with
// modifications. Notification hooks (OnClientOffline, OnClientGone) are
// best-effort: a broker never blocks a disconnect on their result, so errors
// from them are logged and discarded by the caller, not propagated as a
// deny of anything.
package hooks

import (
	"context"

	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
)

// Hooks is the ten-hook surface a broker integration drives the gateway
// through. Every method name and argument matches the MQTT v3/v5 hook pair
// it implements.
type Hooks interface {
	AuthOnRegisterV3(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool) error
	AuthOnRegisterV5(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool, props envelope.Properties) error

	AuthOnPublishV3(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool) error
	AuthOnPublishV5(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool, props *envelope.Properties, correlationData *[]byte, responseTopic **string) error

	OnDeliverV3(ctx context.Context, username, subscriberID, topic string, payload *[]byte) error
	OnDeliverV5(ctx context.Context, username, subscriberID, topic string, payload *[]byte, props *envelope.Properties, correlationData []byte, responseTopic *string) error

	AuthOnSubscribeV3(ctx context.Context, username, subscriberID string, subscriptions *[]string) error
	AuthOnSubscribeV5(ctx context.Context, username, subscriberID string, subscriptions *[]string, props envelope.Properties) error

	OnClientOffline(ctx context.Context, subscriberID string) error
	OnClientGone(ctx context.Context, subscriberID string) error
}
