// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dynsub

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/ioolkos/mqtt-gateway/pkg/broker"
	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
)

var self = clientid.AgentId{Agent: "gw", Account: "svc", Audience: "example.net"}

func requestMessage(t *testing.T, method, subject string, req requestPayload) envelope.Message {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return envelope.Message{
		Payload: payload,
		UserProperties: envelope.Properties{
			{Key: "type", Value: "request"},
			{Key: "method", Value: method},
			{Key: "connection_mode", Value: "service-agents"},
			{Key: "subject", Value: subject},
		},
		CorrelationData: []byte("corr-1"),
	}
}

func TestHandleDeliverSubscriptionCreate(t *testing.T) {
	ctx := context.Background()
	mock := broker.NewMock()
	store := NewMemStore()
	e := New(store, mock, self)

	recipient := clientid.ClientId{Mode: clientid.ModeService, Agent: "s", Account: "svc", Audience: "example.org"}
	subjectStr, err := clientid.Format(recipient)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	deliveryTopic := "agents/s.svc.example.org/api/v1/in/app.example.org"
	msg := requestMessage(t, MethodSubscriptionCreate, subjectStr, requestPayload{
		App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1",
	})
	respTopic := deliveryTopic
	msg.ResponseTopic = &respTopic

	handled, err := e.HandleDeliver(ctx, deliveryTopic, recipient, msg)
	if err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if !handled {
		t.Fatal("expected handled=true for qualifying subscription.create")
	}

	subs := mock.Subscriptions[subjectStr]
	wantTopic := []string{"apps", "app.example.org", "api", "v1", "rooms", "42"}
	if len(subs) != 1 || !slices.Equal(subs[0].Topic, wantTopic) || subs[0].QoS != 1 {
		t.Errorf("broker.Subscribe call = %+v", subs)
	}

	records, _ := store.Fetch(ctx, subjectStr)
	if len(records) != 1 || records[0].App != "app.example.org" {
		t.Errorf("DynSubState = %+v", records)
	}

	if len(mock.Published) != 2 {
		t.Fatalf("expected 2 publishes (event + reply), got %d: %+v", len(mock.Published), mock.Published)
	}
	if want := []string{"agents", "gw.svc.example.net", "api", "v1", "out", "app.example.org"}; !slices.Equal(mock.Published[0].Topic, want) {
		t.Errorf("event topic = %q", mock.Published[0].Topic)
	}
	if want := []string{"agents", "s.svc.example.org", "api", "v1", "in", "app.example.org"}; !slices.Equal(mock.Published[1].Topic, want) {
		t.Errorf("reply topic = %q", mock.Published[1].Topic)
	}
}

func TestHandleDeliverSubscriptionDelete(t *testing.T) {
	ctx := context.Background()
	mock := broker.NewMock()
	store := NewMemStore()
	e := New(store, mock, self)

	recipient := clientid.ClientId{Mode: clientid.ModeService, Agent: "s", Account: "svc", Audience: "example.org"}
	subjectStr, _ := clientid.Format(recipient)
	_ = store.Set(ctx, subjectStr, []Record{{App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1"}})

	deliveryTopic := "agents/s.svc.example.org/api/v1/in/app.example.org"
	msg := requestMessage(t, MethodSubscriptionDelete, subjectStr, requestPayload{
		App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1",
	})
	respTopic := deliveryTopic
	msg.ResponseTopic = &respTopic

	handled, err := e.HandleDeliver(ctx, deliveryTopic, recipient, msg)
	if err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if !handled {
		t.Fatal("expected handled=true")
	}

	records, _ := store.Fetch(ctx, subjectStr)
	if len(records) != 0 {
		t.Errorf("expected DynSubState entry removed, got %+v", records)
	}
}

func TestHandleDeliverIgnoresMismatchedRecipient(t *testing.T) {
	ctx := context.Background()
	mock := broker.NewMock()
	store := NewMemStore()
	e := New(store, mock, self)

	otherRecipient := clientid.ClientId{Mode: clientid.ModeService, Agent: "other", Account: "svc", Audience: "example.org"}
	subjectStr := "v1/service-agents/s.svc.example.org"

	deliveryTopic := "agents/other.svc.example.org/api/v1/in/app.example.org"
	msg := requestMessage(t, MethodSubscriptionCreate, subjectStr, requestPayload{App: "app.example.org", Version: "v1"})
	respTopic := deliveryTopic
	msg.ResponseTopic = &respTopic

	handled, err := e.HandleDeliver(ctx, deliveryTopic, otherRecipient, msg)
	if err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if handled {
		t.Error("expected handled=false when subject != recipient (multicast fan-out no-op)")
	}
	if len(mock.Published) != 0 {
		t.Errorf("expected no side effects, got %+v", mock.Published)
	}
}

func TestConcurrentSubscriptionCreatesForSameSubjectDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	mock := broker.NewMock()
	store := NewMemStore()
	e := New(store, mock, self)

	recipient := clientid.ClientId{Mode: clientid.ModeService, Agent: "s", Account: "svc", Audience: "example.org"}
	subjectStr, err := clientid.Format(recipient)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	deliveryTopic := "agents/s.svc.example.org/api/v1/in/app.example.org"

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := requestMessage(t, MethodSubscriptionCreate, subjectStr, requestPayload{
				App: "app.example.org", Object: []string{"rooms", strconv.Itoa(i)}, Version: "v1",
			})
			respTopic := deliveryTopic
			msg.ResponseTopic = &respTopic
			if _, err := e.HandleDeliver(ctx, deliveryTopic, recipient, msg); err != nil {
				t.Errorf("HandleDeliver(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	records, err := store.Fetch(ctx, subjectStr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != n {
		t.Errorf("DynSubState has %d records, want %d (a racing fetch-modify-write would lose some)", len(records), n)
	}
}

func TestHandleDeliverIgnoresNonMatchingResponseTopic(t *testing.T) {
	ctx := context.Background()
	mock := broker.NewMock()
	store := NewMemStore()
	e := New(store, mock, self)

	recipient := clientid.ClientId{Mode: clientid.ModeService, Agent: "s", Account: "svc", Audience: "example.org"}
	subjectStr, _ := clientid.Format(recipient)

	msg := requestMessage(t, MethodSubscriptionCreate, subjectStr, requestPayload{App: "app.example.org", Version: "v1"})
	differentTopic := "agents/s.svc.example.org/api/v1/in/different"
	msg.ResponseTopic = &differentTopic

	handled, err := e.HandleDeliver(ctx, "agents/s.svc.example.org/api/v1/in/app.example.org", recipient, msg)
	if err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if handled {
		t.Error("expected handled=false when response_topic != delivery topic")
	}
}
