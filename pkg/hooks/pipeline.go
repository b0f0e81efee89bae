// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ioolkos/mqtt-gateway/pkg/acl"
	"github.com/ioolkos/mqtt-gateway/pkg/authn"
	"github.com/ioolkos/mqtt-gateway/pkg/authz"
	"github.com/ioolkos/mqtt-gateway/pkg/broker"
	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	"github.com/ioolkos/mqtt-gateway/pkg/dynsub"
	"github.com/ioolkos/mqtt-gateway/pkg/envelope"
	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
	"github.com/ioolkos/mqtt-gateway/pkg/gatewayconfig"
	"github.com/ioolkos/mqtt-gateway/pkg/metrics"
	"github.com/ioolkos/mqtt-gateway/pkg/rewriter"
)

// connState is what the connect pipeline establishes for a subscriber_id and
// every later hook for that connection reads back — there is no per-
// connection mutex; connections is the one piece of mutable shared state a
// Pipeline owns, and sync.Map gives it a lock-free read path.
type connState struct {
	id      clientid.ClientId
	account authn.AccountId
}

// Pipeline is the default Hooks implementation: it composes clientid, authn,
// authz, acl, rewriter and dynsub into the five event pipelines.
type Pipeline struct {
	cfg     gatewayconfig.Config
	authn   *authn.Authenticator
	authz   *authz.Authorizer
	dynsub  *dynsub.Engine
	broker  broker.Broker
	logger  *slog.Logger
	metrics *metrics.Metrics // nil until WithMetrics is called; every call site guards against it

	connections sync.Map // subscriber_id (string) -> connState
}

var _ Hooks = (*Pipeline)(nil)

// New builds a Pipeline from an immutable configuration snapshot and the
// broker, dynsub store and logger it's wired against.
func New(cfg gatewayconfig.Config, store dynsub.Store, b broker.Broker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		authn:  authn.New(cfg.Authn),
		authz:  authz.New(cfg.Authz),
		dynsub: dynsub.New(store, b, cfg.Self),
		broker: b,
		logger: logger,
	}
}

// WithMetrics attaches m so the auth/ACL/dynsub/audience-event counters get
// observed alongside the hook-level metrics the Instrument decorator
// already records. Returns p for chaining at construction time.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// --- connect -----------------------------------------------------------

func (p *Pipeline) AuthOnRegisterV3(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool) error {
	return p.connect(ctx, subscriberID, password, cleanSession)
}

func (p *Pipeline) AuthOnRegisterV5(ctx context.Context, peer, subscriberID, username string, password []byte, cleanSession bool, props envelope.Properties) error {
	return p.connect(ctx, subscriberID, password, cleanSession)
}

func (p *Pipeline) connect(ctx context.Context, subscriberID string, password []byte, cleanSession bool) error {
	id, err := clientid.Parse(subscriberID)
	if err != nil {
		err = gwerrors.New("connect", subscriberID, "", gwerrors.ClientIdentifierNotValid, err)
		p.logDeny(ctx, err)
		return err
	}

	if err := acl.CheckConnect(id.Mode, cleanSession); err != nil {
		p.bumpACLDenial("connect")
		p.logDeny(ctx, err)
		return err
	}

	var account authn.AccountId
	if !p.authn.Disabled() {
		p.bumpAuthAttempt()
		account, err = p.authn.Authenticate(string(password))
		if err != nil {
			p.bumpAuthFailure()
			p.logDeny(ctx, err)
			return err
		}
		if account.Label != id.Account || account.Audience != id.Audience {
			err := gwerrors.New("connect", id.AgentID(), string(id.Mode), gwerrors.NotAuthorized,
				fmt.Errorf("%w: authenticated account %q does not match client id account %q",
					gwerrors.ErrAccountMismatch, account.String(), id.AccountID()))
			p.logDeny(ctx, err)
			return err
		}
		if err := p.authz.Authorize(id.Mode, account, p.cfg.Self.Audience); err != nil {
			p.logDeny(ctx, err)
			return err
		}
	}

	p.connections.Store(subscriberID, connState{id: id, account: account})
	p.emitAudienceEvent(ctx, "agent.enter", id.Audience)
	return nil
}

// --- publish -------------------------------------------------------------

func (p *Pipeline) AuthOnPublishV3(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool) error {
	id, ok := p.identity(subscriberID)
	if !ok {
		return p.unknownConnection(ctx, "publish", subscriberID)
	}

	msg, err := envelope.ParseV3(*payload, id.Mode == clientid.ModeServicePayloadOnly)
	if err != nil {
		err = gwerrors.New("publish", id.AgentID(), string(id.Mode), gwerrors.ImplSpecificError, err)
		p.logDeny(ctx, err)
		return err
	}

	out, err := p.publish(id, *topic, retain, msg)
	if err != nil {
		p.logDeny(ctx, err)
		return err
	}

	wire, err := envelope.EmitV3(out)
	if err != nil {
		err = gwerrors.New("publish", id.AgentID(), string(id.Mode), gwerrors.ImplSpecificError, err)
		p.logDeny(ctx, err)
		return err
	}
	*payload = wire
	return nil
}

func (p *Pipeline) AuthOnPublishV5(ctx context.Context, username, subscriberID string, qos byte, topic *string, payload *[]byte, retain bool, props *envelope.Properties, correlationData *[]byte, responseTopic **string) error {
	id, ok := p.identity(subscriberID)
	if !ok {
		return p.unknownConnection(ctx, "publish", subscriberID)
	}

	var respTopic *string
	if responseTopic != nil {
		respTopic = *responseTopic
	}
	msg := envelope.FromV5(*payload, *props, *correlationData, respTopic)

	out, err := p.publish(id, *topic, retain, msg)
	if err != nil {
		p.logDeny(ctx, err)
		return err
	}

	*payload = out.Payload
	*props = out.UserProperties
	*correlationData = out.CorrelationData
	if responseTopic != nil {
		*responseTopic = out.ResponseTopic
	}
	return nil
}

// publish runs the shared ACL + rewrite steps for a publish, independent of
// which MQTT version delivered the hook arguments.
func (p *Pipeline) publish(id clientid.ClientId, topic string, retain bool, msg envelope.Message) (envelope.Message, error) {
	if err := acl.CheckPublish(id, topic, retain); err != nil {
		p.bumpACLDenial("publish")
		return envelope.Message{}, err
	}
	return rewriter.Rewrite(msg, id, p.cfg.Self, nowMillis())
}

// --- deliver ---------------------------------------------------------------

func (p *Pipeline) OnDeliverV3(ctx context.Context, username, subscriberID, topic string, payload *[]byte) error {
	recipient, ok := p.identity(subscriberID)
	if !ok {
		return nil // delivery to a connection the gateway never authenticated: pass through
	}
	msg, err := envelope.ParseV3(*payload, recipient.Mode == clientid.ModeServicePayloadOnly)
	if err != nil {
		return gwerrors.New("deliver", recipient.AgentID(), string(recipient.Mode), gwerrors.ImplSpecificError, err)
	}
	p.deliver(ctx, topic, recipient, msg)
	return nil
}

func (p *Pipeline) OnDeliverV5(ctx context.Context, username, subscriberID, topic string, payload *[]byte, props *envelope.Properties, correlationData []byte, responseTopic *string) error {
	recipient, ok := p.identity(subscriberID)
	if !ok {
		return nil
	}
	msg := envelope.FromV5(*payload, *props, correlationData, responseTopic)
	p.deliver(ctx, topic, recipient, msg)
	return nil
}

// deliver feeds the message to the dynamic-subscription engine. Any engine
// failure — broker I/O, malformed side-table state — is logged and
// discarded; deliver never denies a message because of dynsub trouble.
func (p *Pipeline) deliver(ctx context.Context, topic string, recipient clientid.ClientId, msg envelope.Message) {
	_, err := p.dynsub.HandleDeliver(ctx, topic, recipient, msg)
	p.bumpDynsubOperation("deliver", err)
	if err != nil {
		p.logger.ErrorContext(ctx, "dynsub handle deliver failed",
			"topic", topic, "agent_id", recipient.AgentID(), "error", err)
	}
}

// --- subscribe -------------------------------------------------------------

func (p *Pipeline) AuthOnSubscribeV3(ctx context.Context, username, subscriberID string, subscriptions *[]string) error {
	return p.subscribe(ctx, subscriberID, subscriptions)
}

func (p *Pipeline) AuthOnSubscribeV5(ctx context.Context, username, subscriberID string, subscriptions *[]string, props envelope.Properties) error {
	return p.subscribe(ctx, subscriberID, subscriptions)
}

func (p *Pipeline) subscribe(ctx context.Context, subscriberID string, subscriptions *[]string) error {
	id, ok := p.identity(subscriberID)
	if !ok {
		return p.unknownConnection(ctx, "subscribe", subscriberID)
	}
	for _, topic := range *subscriptions {
		if err := acl.CheckSubscribe(id, topic); err != nil {
			p.bumpACLDenial("subscribe")
			p.logDeny(ctx, err)
			return err
		}
	}
	return nil
}

// --- disconnect --------------------------------------------------------

func (p *Pipeline) OnClientOffline(ctx context.Context, subscriberID string) error {
	return p.disconnect(ctx, subscriberID)
}

func (p *Pipeline) OnClientGone(ctx context.Context, subscriberID string) error {
	return p.disconnect(ctx, subscriberID)
}

func (p *Pipeline) disconnect(ctx context.Context, subscriberID string) error {
	id, ok := p.identity(subscriberID)
	if !ok {
		return nil
	}
	p.connections.Delete(subscriberID)

	err := p.dynsub.Cleanup(ctx, subscriberID)
	p.bumpDynsubOperation("cleanup", err)
	if err != nil {
		p.logger.ErrorContext(ctx, "dynsub cleanup failed", "agent_id", id.AgentID(), "error", err)
	}
	p.emitAudienceEvent(ctx, "agent.leave", id.Audience)
	return nil
}

// --- shared helpers ------------------------------------------------------

func (p *Pipeline) identity(subscriberID string) (clientid.ClientId, bool) {
	v, ok := p.connections.Load(subscriberID)
	if !ok {
		return clientid.ClientId{}, false
	}
	return v.(connState).id, true
}

func (p *Pipeline) unknownConnection(ctx context.Context, hook, subscriberID string) error {
	err := gwerrors.New(hook, subscriberID, "", gwerrors.ClientIdentifierNotValid,
		fmt.Errorf("no connect pipeline result recorded for subscriber_id %q", subscriberID))
	p.logDeny(ctx, err)
	return err
}

// emitAudienceEvent publishes an agent.enter/agent.leave lifecycle event
// when the stat toggle is enabled. Publish failures are logged and
// discarded — audit emissions never propagate a deny.
func (p *Pipeline) emitAudienceEvent(ctx context.Context, label, clientAudience string) {
	if !p.cfg.Stat.Enabled {
		return
	}
	msg := envelope.Message{
		Payload: []byte("{}"),
		UserProperties: envelope.Properties{
			{Key: "type", Value: "event"},
			{Key: "label", Value: label},
		},
	}
	wire, err := envelope.EmitV3(msg)
	if err != nil {
		p.logger.Error("emit audience event envelope", "label", label, "error", err)
		return
	}
	topic := []string{"apps", p.cfg.Self.AccountID(), "api", "v1", "audiences", clientAudience, "events"}
	if err := p.broker.Publish(ctx, topic, wire, false); err != nil {
		p.logger.Error("publish audience event", "topic", broker.JoinTopic(topic), "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.AudienceEventsTotal.WithLabelValues(label).Inc()
	}
}

func (p *Pipeline) bumpAuthAttempt() {
	if p.metrics != nil {
		p.metrics.AuthAttemptsTotal.WithLabelValues().Inc()
	}
}

func (p *Pipeline) bumpAuthFailure() {
	if p.metrics != nil {
		p.metrics.AuthFailuresTotal.WithLabelValues().Inc()
	}
}

func (p *Pipeline) bumpACLDenial(hook string) {
	if p.metrics != nil {
		p.metrics.ACLDenialsTotal.WithLabelValues(hook).Inc()
	}
}

// bumpDynsubOperation records one dynsub engine invocation. err is any
// failure the engine returned — which, per the resource model, never
// propagates as a hook deny, only as a broker-errors count.
func (p *Pipeline) bumpDynsubOperation(method string, err error) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.DynsubBrokerErrors.WithLabelValues(method).Inc()
	}
	p.metrics.DynsubOperationsTotal.WithLabelValues(method, status).Inc()
}

// logDeny emits the warning/error line every deny path produces: the hook,
// the agent-id, the mode, and the error kind — never the raw password or
// verification key, which never reach a *errors.GatewayError in the first
// place.
func (p *Pipeline) logDeny(ctx context.Context, err error) {
	ge, ok := err.(*gwerrors.GatewayError)
	if !ok {
		p.logger.ErrorContext(ctx, "hook denied", "correlation_id", correlationID(ctx), "error", err)
		return
	}
	level := slog.LevelError
	if ge.Hook == "connect" {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "hook denied", "correlation_id", correlationID(ctx),
		"hook", ge.Hook, "agent_id", ge.AgentID, "mode", ge.Mode, "kind", ge.Kind, "error", ge.Err)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
