// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rewriter stamps authentication, connection, broker, and timing
// user-properties onto an outbound message, and validates the properties a
// request/response envelope must carry. Nothing here ever trusts a
// client-supplied value for a field the gateway is responsible for
// asserting — those fields are always derived from the verified Client-ID,
// the broker's own AgentId, or the current time.
package rewriter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// Rewrite produces the outbound message for msg, published by a connection
// identified by id, as seen by the broker identity broker, at time now
// (milliseconds since epoch). It never mutates msg's Properties; it returns
// a new Message.
func Rewrite(msg envelope.Message, id clientid.ClientId, broker clientid.AgentId, now int64) (envelope.Message, error) {
	if !envelope.ValidateUTF8(msg.UserProperties) {
		return envelope.Message{}, fail(id, gwerrors.ErrUTF8)
	}

	props := msg.UserProperties.Clone()

	if !props.Has("type") {
		props = props.Set("type", "event")
	}

	if id.Mode == clientid.ModeBridge {
		for _, k := range []string{"agent_label", "account_label", "audience"} {
			if v, ok := props.Get(k); !ok || v == "" {
				return envelope.Message{}, fail(id, fmt.Errorf("%w: bridge mode requires non-empty %q", gwerrors.ErrInvalidProperty, k))
			}
		}
	} else {
		props = props.Set("agent_label", id.Agent)
		props = props.Set("account_label", id.Account)
		props = props.Set("audience", id.Audience)
	}

	props = props.Set("connection_version", id.ConnectionVersion())
	props = props.Set("connection_mode", id.ConnectionModeLabel())

	props = props.Set("broker_agent_label", broker.Agent)
	props = props.Set("broker_account_label", broker.Account)
	props = props.Set("broker_audience", broker.Audience)

	nowStr := strconv.FormatInt(now, 10)
	props = props.Set("broker_processing_timestamp", nowStr)
	if !props.Has("broker_initial_processing_timestamp") {
		props = props.Set("broker_initial_processing_timestamp", nowStr)
	}

	if ts, ok := props.Get("timestamp"); ok && !props.Has("initial_timestamp") {
		props = props.Set("initial_timestamp", ts)
	}

	localTS, hasLocalTS := props.Get("local_timestamp")
	hasDiffVal := props.Has("local_initial_timediff")

	if id.Mode == clientid.ModeDefault && hasDiffVal && !hasLocalTS {
		props = props.Delete("local_initial_timediff")
		hasDiffVal = false
	}
	if hasLocalTS && !hasDiffVal {
		lt, err := strconv.ParseInt(localTS, 10, 64)
		if err != nil {
			return envelope.Message{}, fail(id, fmt.Errorf("%w: local_timestamp %q is not an integer", gwerrors.ErrInvalidProperty, localTS))
		}
		props = props.Set("local_initial_timediff", strconv.FormatInt(now-lt, 10))
		hasDiffVal = true
	}
	if id.Mode == clientid.ModeDefault && !hasDiffVal {
		return envelope.Message{}, fail(id, fmt.Errorf("%w: default mode requires local_initial_timediff", gwerrors.ErrInvalidProperty))
	}

	out := envelope.Message{
		Payload:         msg.Payload,
		UserProperties:  props,
		CorrelationData: msg.CorrelationData,
		ResponseTopic:   msg.ResponseTopic,
	}
	if err := validateEnvelopeType(out, id); err != nil {
		return envelope.Message{}, err
	}
	return out, nil
}

// validateEnvelopeType enforces the request/response field requirements and
// the response_topic shape required of non-service senders.
func validateEnvelopeType(msg envelope.Message, id clientid.ClientId) error {
	typ, _ := msg.UserProperties.Get("type")

	switch typ {
	case "request":
		if _, ok := msg.UserProperties.Get("method"); !ok {
			return fail(id, fmt.Errorf("%w: type=request requires method", gwerrors.ErrInvalidProperty))
		}
		if msg.CorrelationData == nil {
			return fail(id, fmt.Errorf("%w: type=request requires correlation_data", gwerrors.ErrInvalidProperty))
		}
		if msg.ResponseTopic == nil {
			return fail(id, fmt.Errorf("%w: type=request requires response_topic", gwerrors.ErrInvalidProperty))
		}
	case "response":
		if _, ok := msg.UserProperties.Get("status"); !ok {
			return fail(id, fmt.Errorf("%w: type=response requires status", gwerrors.ErrInvalidProperty))
		}
		if msg.CorrelationData == nil {
			return fail(id, fmt.Errorf("%w: type=response requires correlation_data", gwerrors.ErrInvalidProperty))
		}
	}

	if msg.ResponseTopic != nil && id.Mode != clientid.ModeService && id.Mode != clientid.ModeServicePayloadOnly {
		if !isOwnUnicastIn(*msg.ResponseTopic, id) {
			return fail(id, fmt.Errorf("%w: response_topic %q must be agents/%s/api/<ver>/in/...", gwerrors.ErrInvalidProperty, *msg.ResponseTopic, id.AgentID()))
		}
	}
	return nil
}

// isOwnUnicastIn reports whether topic has the shape
// "agents/<agent_id=id.AgentID()>/api/<ver>/in/...".
func isOwnUnicastIn(topic string, id clientid.ClientId) bool {
	segs := strings.Split(topic, "/")
	return len(segs) >= 6 && segs[0] == "agents" && segs[1] == id.AgentID() && segs[2] == "api" && segs[4] == "in"
}

func fail(id clientid.ClientId, err error) error {
	return gwerrors.New("publish", id.AgentID(), string(id.Mode), gwerrors.ImplSpecificError, err)
}
