// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dynsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ioolkos/mqtt-gateway/pkg/broker"
	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
)

const (
	MethodSubscriptionCreate = "subscription.create"
	MethodSubscriptionDelete = "subscription.delete"
)

// requestPayload is the JSON body of a subscription.create/delete request,
// carried as the envelope payload (method/type/subject live in its user
// properties alongside the standard rewriter-stamped fields).
type requestPayload struct {
	App     string   `json:"app"`
	Object  []string `json:"object"`
	Version string   `json:"version"`
}

// eventPayload is the JSON body of the multicast event the engine emits.
// The unicast reply does not use it; its body is {}.
type eventPayload struct {
	Object  []string `json:"object"`
	Subject string   `json:"subject"`
}

// Engine processes subscription.create/delete requests delivered to the
// service agents it concerns, against a Store side-table and a Broker.
type Engine struct {
	store  Store
	broker broker.Broker
	self   clientid.AgentId
}

// New creates an Engine. self is the broker's own AgentId, used as the
// author of multicast event topics.
func New(store Store, b broker.Broker, self clientid.AgentId) *Engine {
	return &Engine{store: store, broker: b, self: self}
}

// HandleDeliver inspects a delivered message addressed to recipient on
// deliveryTopic. It returns handled=true if the message was a qualifying
// dynamic-subscription request and the engine acted on it; handled=false
// means the caller should deliver the message unmodified, as normal.
func (e *Engine) HandleDeliver(ctx context.Context, deliveryTopic string, recipient clientid.ClientId, msg envelope.Message) (handled bool, err error) {
	if msg.ResponseTopic == nil || *msg.ResponseTopic != deliveryTopic {
		return false, nil
	}

	method, _ := msg.UserProperties.Get("method")
	if method != MethodSubscriptionCreate && method != MethodSubscriptionDelete {
		return false, nil
	}
	typ, _ := msg.UserProperties.Get("type")
	if typ != "request" {
		return false, nil
	}
	mode, _ := msg.UserProperties.Get("connection_mode")
	if mode != "service-agents" {
		return false, nil
	}

	subjectStr, _ := msg.UserProperties.Get("subject")
	subject, err := clientid.Parse(subjectStr)
	if err != nil {
		return false, nil // unparseable subject: silently no-op, per the multicast fan-out rule
	}
	if subject.AgentID() != recipient.AgentID() {
		return false, nil // this delivery fanned out to a different recipient
	}

	var req requestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return false, nil
	}

	record := Record{App: req.App, Object: req.Object, Version: req.Version}

	switch method {
	case MethodSubscriptionCreate:
		err = e.create(ctx, subjectStr, record)
	case MethodSubscriptionDelete:
		err = e.delete(ctx, subjectStr, record)
	}
	if err != nil {
		return true, err
	}

	if err := e.emitEvent(ctx, subjectStr, method, record); err != nil {
		return true, err
	}
	if err := e.reply(ctx, recipient, msg.CorrelationData, req.App, req.Version); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) create(ctx context.Context, subject string, r Record) error {
	if err := e.broker.Subscribe(ctx, subject, []broker.Subscription{{Topic: topicFor(r), QoS: 1}}); err != nil {
		return fmt.Errorf("dynsub subscribe: %w", err)
	}
	if err := e.store.Mutate(ctx, subject, func(records []Record) ([]Record, error) {
		return append(records, r), nil
	}); err != nil {
		return fmt.Errorf("dynsub store mutate: %w", err)
	}
	return nil
}

func (e *Engine) delete(ctx context.Context, subject string, r Record) error {
	if err := e.broker.Unsubscribe(ctx, subject, [][]string{topicFor(r)}); err != nil {
		return fmt.Errorf("dynsub unsubscribe: %w", err)
	}
	if err := e.store.Mutate(ctx, subject, func(records []Record) ([]Record, error) {
		remaining := records[:0]
		for _, rec := range records {
			if !sameRecord(rec, r) {
				remaining = append(remaining, rec)
			}
		}
		return remaining, nil
	}); err != nil {
		return fmt.Errorf("dynsub store mutate: %w", err)
	}
	return nil
}

// Cleanup replays subscription.delete for every record remembered against
// subject, then forgets it. The hook pipeline calls it when a client goes
// offline or is gone; nothing in the gateway calls it on broker shutdown.
func (e *Engine) Cleanup(ctx context.Context, subject string) error {
	records, err := e.store.Fetch(ctx, subject)
	if err != nil {
		return fmt.Errorf("dynsub cleanup fetch: %w", err)
	}
	for _, r := range records {
		if err := e.broker.Unsubscribe(ctx, subject, [][]string{topicFor(r)}); err != nil {
			return fmt.Errorf("dynsub cleanup unsubscribe: %w", err)
		}
		if err := e.emitEvent(ctx, subject, MethodSubscriptionDelete, r); err != nil {
			return fmt.Errorf("dynsub cleanup emit: %w", err)
		}
	}
	return e.store.Delete(ctx, subject)
}

func (e *Engine) emitEvent(ctx context.Context, subject, method string, r Record) error {
	payload, err := json.Marshal(eventPayload{Object: r.Object, Subject: subject})
	if err != nil {
		return fmt.Errorf("marshal dynsub event payload: %w", err)
	}
	msg := envelope.Message{
		Payload: payload,
		UserProperties: envelope.Properties{
			{Key: "type", Value: "event"},
			{Key: "label", Value: method},
		},
	}
	wire, err := envelope.EmitV3(msg)
	if err != nil {
		return fmt.Errorf("emit dynsub event envelope: %w", err)
	}
	topic := []string{"agents", e.self.AgentID(), "api", "v1", "out", r.App}
	return e.broker.Publish(ctx, topic, wire, false)
}

func (e *Engine) reply(ctx context.Context, recipient clientid.ClientId, correlationData []byte, app, version string) error {
	msg := envelope.Message{
		Payload: []byte("{}"),
		UserProperties: envelope.Properties{
			{Key: "type", Value: "response"},
			{Key: "status", Value: "200"},
		},
		CorrelationData: correlationData,
	}
	wire, err := envelope.EmitV3(msg)
	if err != nil {
		return fmt.Errorf("emit dynsub reply envelope: %w", err)
	}
	topic := []string{"agents", recipient.AgentID(), "api", "v1", "in", app}
	return e.broker.Publish(ctx, topic, wire, false)
}

func topicFor(r Record) []string {
	return append([]string{"apps", r.App, "api", r.Version}, r.Object...)
}

func sameRecord(a, b Record) bool {
	if a.App != b.App || a.Version != b.Version || len(a.Object) != len(b.Object) {
		return false
	}
	for i := range a.Object {
		if a.Object[i] != b.Object[i] {
			return false
		}
	}
	return true
}
