// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the protocol-agnostic in-memory Message and
// the JSON {payload, properties} envelope used to carry MQTT5
// user-properties and the response-topic/correlation-data slots over an
// MQTT3 connection.
package envelope

import (
	"encoding/json"
	"fmt"

	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// Reserved property keys. Every other key lives in UserProperties.
const (
	KeyUserProperty   = "p_user_property"
	KeyCorrelationData = "p_correlation_data"
	KeyResponseTopic  = "p_response_topic"
)

// Message is the protocol-agnostic, typed in-memory representation of an
// MQTT payload plus its properties. The string-keyed property bag on the
// wire is kept distinct from this typed in-memory representation.
type Message struct {
	Payload         []byte
	UserProperties  Properties
	CorrelationData []byte  // nil means absent
	ResponseTopic   *string // nil means absent
}

// wireEnvelope is the JSON shape on the wire: exactly payload and properties.
type wireEnvelope struct {
	Payload    string            `json:"payload"`
	Properties map[string]string `json:"properties"`
}

// ParseV3 decodes the MQTT3-compatible JSON envelope from raw bytes.
// servicePayloadOnly selects the service_payload_only mode's special case:
// raw bytes are the payload verbatim and properties is empty.
//
// This also performs the MQTT3-side bridge: the correlation_data and
// response_topic keys are lifted out of the flat properties object into
// their MQTT5 slots; everything else becomes UserProperties, in Go map
// iteration order, which is not the order the keys had on the wire. Only
// the native MQTT5 hook path (FromV5) keeps user properties in wire order.
func ParseV3(raw []byte, servicePayloadOnly bool) (Message, error) {
	if servicePayloadOnly {
		return Message{Payload: raw}, nil
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", gwerrors.ErrInvalidEnvelope, err)
	}

	msg := Message{Payload: []byte(env.Payload)}
	for k, v := range env.Properties {
		switch k {
		case "correlation_data":
			cd := []byte(v)
			msg.CorrelationData = cd
		case "response_topic":
			topic := v
			msg.ResponseTopic = &topic
		default:
			msg.UserProperties = msg.UserProperties.Set(k, v)
		}
	}
	return msg, nil
}

// EmitV3 re-wraps msg as the MQTT3-compatible JSON envelope: a flat object
// built by adding every user-property key/value first, then
// correlation_data and response_topic verbatim if present.
func EmitV3(msg Message) ([]byte, error) {
	flat := make(map[string]string, len(msg.UserProperties)+2)
	for _, kv := range msg.UserProperties {
		flat[kv.Key] = kv.Value
	}
	if msg.CorrelationData != nil {
		flat["correlation_data"] = string(msg.CorrelationData)
	}
	if msg.ResponseTopic != nil {
		flat["response_topic"] = *msg.ResponseTopic
	}

	env := wireEnvelope{Payload: string(msg.Payload), Properties: flat}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gwerrors.ErrInvalidEnvelope, err)
	}
	return out, nil
}

// FromV5 builds a Message directly from already-parsed MQTT5 hook
// arguments — no JSON envelope involved, since a native v5 connection hands
// the broker (and in turn the gateway) structured properties already.
func FromV5(payload []byte, userProps Properties, correlationData []byte, responseTopic *string) Message {
	return Message{
		Payload:         payload,
		UserProperties:  userProps.Clone(),
		CorrelationData: correlationData,
		ResponseTopic:   responseTopic,
	}
}
