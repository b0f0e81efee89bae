// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acl implements the topic grammar that decides which topics a
// connection may publish or subscribe to, and the connect-time
// retain/clean-session constraints, as a function of the connector's
// Client-ID and mode. It holds no state: every check is a pure predicate
// over (mode, identity, topic).
package acl

import (
	"fmt"
	"strings"

	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// stripShare removes a leading "$share/<group>/" segment pair so the
// remaining topic can be matched against the same families as a normal
// subscribe topic.
func stripShare(topic string) string {
	if !strings.HasPrefix(topic, "$share/") {
		return topic
	}
	rest := topic[len("$share/"):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[idx+1:]
	}
	return rest
}

func segments(topic string) []string {
	return strings.Split(topic, "/")
}

func inModes(mode clientid.Mode, allowed ...clientid.Mode) bool {
	for _, m := range allowed {
		if mode == m {
			return true
		}
	}
	return false
}

var trustedModes = []clientid.Mode{
	clientid.ModeService,
	clientid.ModeServicePayloadOnly,
	clientid.ModeObserver,
	clientid.ModeBridge,
}

var broadcastSubscribeModes = []clientid.Mode{
	clientid.ModeService,
	clientid.ModeServicePayloadOnly,
	clientid.ModeBridge,
}

// CheckPublish authorizes a publish onto topic from a connection identified
// by id, enforcing the broadcast/multicast/unicast-in families and the
// retain restriction. A retain violation wraps errors.ErrRetainNotAllowed
// with Kind == ImplSpecificError; a topic failure wraps
// errors.ErrTopicDenied with Kind == NotAuthorized.
func CheckPublish(id clientid.ClientId, topic string, retain bool) error {
	if retain && id.Mode != clientid.ModeService {
		return gwerrors.New("publish", id.AgentID(), string(id.Mode), gwerrors.ImplSpecificError,
			fmt.Errorf("%w: only service may publish with retain=true", gwerrors.ErrRetainNotAllowed))
	}

	segs := segments(topic)

	// broadcast: apps/<ACCOUNT_ID=ME>/api/<ver>/...
	if len(segs) >= 4 && segs[0] == "apps" && segs[2] == "api" {
		if segs[1] != id.AccountID() {
			return deny("publish", id, topic, fmt.Errorf("broadcast publish requires ACCOUNT_ID segment %q, got %q", id.AccountID(), segs[1]))
		}
		if !inModes(id.Mode, trustedModes...) {
			return deny("publish", id, topic, fmt.Errorf("mode %q may not publish broadcast", id.Mode))
		}
		return nil
	}

	// multicast: agents/<AGENT_ID=ME>/api/<ver>/out/<ACCOUNT_ID>
	if len(segs) == 6 && segs[0] == "agents" && segs[2] == "api" && segs[4] == "out" {
		if segs[1] != id.AgentID() {
			return deny("publish", id, topic, fmt.Errorf("multicast publish requires AGENT_ID segment %q, got %q", id.AgentID(), segs[1]))
		}
		return nil
	}

	// unicast-in: agents/<AGENT_ID>/api/<ver>/in/<ACCOUNT_ID=ME>
	if len(segs) == 6 && segs[0] == "agents" && segs[2] == "api" && segs[4] == "in" {
		if segs[5] != id.AccountID() {
			return deny("publish", id, topic, fmt.Errorf("unicast-in publish requires ACCOUNT_ID segment %q, got %q", id.AccountID(), segs[5]))
		}
		if !inModes(id.Mode, trustedModes...) {
			return deny("publish", id, topic, fmt.Errorf("mode %q may not publish unicast-in", id.Mode))
		}
		return nil
	}

	return deny("publish", id, topic, fmt.Errorf("topic matches no publish family"))
}

// CheckSubscribe authorizes a subscribe onto topic (before $share stripping)
// from a connection identified by id.
func CheckSubscribe(id clientid.ClientId, topic string) error {
	if id.Mode == clientid.ModeObserver {
		return nil
	}

	stripped := stripShare(topic)
	segs := segments(stripped)

	// broadcast: apps/*/api/*/...
	if len(segs) >= 4 && segs[0] == "apps" && segs[2] == "api" {
		if !inModes(id.Mode, broadcastSubscribeModes...) {
			return deny("subscribe", id, topic, fmt.Errorf("mode %q may not subscribe broadcast", id.Mode))
		}
		return nil
	}

	// multicast: agents/+/api/*/out/<ACCOUNT_ID=ME>
	if len(segs) == 6 && segs[0] == "agents" && segs[2] == "api" && segs[4] == "out" {
		if segs[5] != id.AccountID() {
			return deny("subscribe", id, topic, fmt.Errorf("multicast subscribe requires ACCOUNT_ID segment %q, got %q", id.AccountID(), segs[5]))
		}
		if !inModes(id.Mode, broadcastSubscribeModes...) {
			return deny("subscribe", id, topic, fmt.Errorf("mode %q may not subscribe multicast", id.Mode))
		}
		return nil
	}

	// unicast-in: agents/<AGENT_ID=ME>/api/*/in/*
	if len(segs) == 6 && segs[0] == "agents" && segs[2] == "api" && segs[4] == "in" {
		if segs[1] != id.AgentID() {
			return deny("subscribe", id, topic, fmt.Errorf("unicast-in subscribe requires AGENT_ID segment %q, got %q", id.AgentID(), segs[1]))
		}
		return nil
	}

	return deny("subscribe", id, topic, fmt.Errorf("topic matches no subscribe family"))
}

// CheckConnect enforces the clean-session constraint: any mode outside the
// trusted set (in practice, only default) must connect with
// clean_session=true.
func CheckConnect(mode clientid.Mode, cleanSession bool) error {
	if !inModes(mode, trustedModes...) && !cleanSession {
		return gwerrors.New("connect", "", string(mode), gwerrors.ImplSpecificError,
			fmt.Errorf("%w: mode %q must connect with clean_session=true", gwerrors.ErrCleanSessionReq, mode))
	}
	return nil
}

func deny(hook string, id clientid.ClientId, topic string, err error) error {
	return gwerrors.New(hook, id.AgentID(), string(id.Mode),
		gwerrors.NotAuthorized, fmt.Errorf("%w: topic %q: %w", gwerrors.ErrTopicDenied, topic, err))
}
