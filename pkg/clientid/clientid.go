// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clientid parses and formats the structured MQTT Client-ID the
// gateway expects every connector to present:
//
//	<mode-prefix>/<agent>.<account>.<audience>
//
// and the broker's own equivalent AgentId (the same triple, without a mode).
package clientid

import (
	"fmt"
	"strings"

	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// Mode is the role a connection authenticates under. It governs which
// topics a connection may publish/subscribe to and how its properties
// get rewritten.
type Mode string

const (
	ModeDefault            Mode = "default"
	ModeService            Mode = "service"
	ModeServicePayloadOnly Mode = "service_payload_only"
	ModeObserver           Mode = "observer"
	ModeBridge             Mode = "bridge"
)

// modePrefix is one entry of the bijective (prefix, mode, label) table.
// label is the value stamped into the connection_mode user property.
type modePrefix struct {
	prefix string
	mode   Mode
	label  string
}

var modeTable = []modePrefix{
	{"v1/agents", ModeDefault, "agents"},
	{"v1/service-agents", ModeService, "service-agents"},
	{"v1.payload-only/service-agents", ModeServicePayloadOnly, "service-agents"},
	{"v1/observer-agents", ModeObserver, "observer-agents"},
	{"v1/bridge-agents", ModeBridge, "bridge-agents"},
}

func prefixForMode(m Mode) (string, string, bool) {
	for _, e := range modeTable {
		if e.mode == m {
			return e.prefix, e.label, true
		}
	}
	return "", "", false
}

func modeForPrefix(prefix string) (Mode, string, bool) {
	for _, e := range modeTable {
		if e.prefix == prefix {
			return e.mode, e.label, true
		}
	}
	return "", "", false
}

// ClientId is the 4-tuple a connector's Client-ID encodes.
type ClientId struct {
	Mode      Mode
	Agent     string
	Account   string
	Audience  string
}

// AgentId is the broker's own identity: the same triple, without a mode.
type AgentId struct {
	Agent    string
	Account  string
	Audience string
}

// AgentID returns "<agent>.<account>.<audience>".
func (c ClientId) AgentID() string {
	return c.Agent + "." + c.Account + "." + c.Audience
}

// AccountID returns "<account>.<audience>".
func (c ClientId) AccountID() string {
	return c.Account + "." + c.Audience
}

// AgentID returns "<agent>.<account>.<audience>".
func (a AgentId) AgentID() string {
	return a.Agent + "." + a.Account + "." + a.Audience
}

// AccountID returns "<account>.<audience>".
func (a AgentId) AccountID() string {
	return a.Account + "." + a.Audience
}

// ConnectionVersion returns the "v1" / "v1.payload-only" discriminant
// stamped into the connection_version user property by the rewriter.
func (c ClientId) ConnectionVersion() string {
	prefix, _, ok := prefixForMode(c.Mode)
	if !ok {
		return ""
	}
	return strings.SplitN(prefix, "/", 2)[0]
}

// ConnectionModeLabel returns the "agents" / "service-agents" / ... label
// stamped into the connection_mode user property.
func (c ClientId) ConnectionModeLabel() string {
	_, label, _ := prefixForMode(c.Mode)
	return label
}

// isValidLabel reports whether s is a non-empty segment free of the runes
// reserved by the Client-ID grammar: '.', '/', '+', '#'.
func isValidLabel(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "./+#")
}

// isValidAudience reports whether s is a non-empty audience. Unlike the
// other labels it may contain '.', but not '/', '+' or '#'.
func isValidAudience(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}

// Parse parses a Client-ID string into its mode and dotted triple.
// Parse failure, an unknown mode prefix, or any empty segment yields an
// error wrapping errors.ErrBadClientID.
func Parse(clientID string) (ClientId, error) {
	idx := strings.LastIndex(clientID, "/")
	if idx < 0 {
		return ClientId{}, fmt.Errorf("%w: missing mode prefix in %q", gwerrors.ErrBadClientID, clientID)
	}
	prefix, rest := clientID[:idx], clientID[idx+1:]

	mode, _, ok := modeForPrefix(prefix)
	if !ok {
		return ClientId{}, fmt.Errorf("%w: unknown mode prefix %q", gwerrors.ErrBadClientID, prefix)
	}

	agent, account, audience, err := splitTriple(rest)
	if err != nil {
		return ClientId{}, fmt.Errorf("%w: %w", gwerrors.ErrBadClientID, err)
	}

	return ClientId{Mode: mode, Agent: agent, Account: account, Audience: audience}, nil
}

// splitTriple splits "<agent>.<account>.<audience>", where audience runs to
// end-of-string and may itself contain dots (it is typically a DNS name).
func splitTriple(s string) (agent, account, audience string, err error) {
	first := strings.IndexByte(s, '.')
	if first < 0 {
		return "", "", "", fmt.Errorf("expected <agent>.<account>.<audience>, got %q", s)
	}
	agent = s[:first]
	rest := s[first+1:]

	second := strings.IndexByte(rest, '.')
	if second < 0 {
		return "", "", "", fmt.Errorf("expected <agent>.<account>.<audience>, got %q", s)
	}
	account = rest[:second]
	audience = rest[second+1:]

	if !isValidLabel(agent) || !isValidLabel(account) || !isValidAudience(audience) {
		return "", "", "", fmt.Errorf("empty or invalid segment in %q", s)
	}
	return agent, account, audience, nil
}

// Format renders a ClientId back into its wire Client-ID string.
// Format(Parse(s)) == s for every well-formed s.
func Format(c ClientId) (string, error) {
	prefix, _, ok := prefixForMode(c.Mode)
	if !ok {
		return "", fmt.Errorf("%w: unknown mode %q", gwerrors.ErrBadClientID, c.Mode)
	}
	if !isValidLabel(c.Agent) || !isValidLabel(c.Account) || !isValidAudience(c.Audience) {
		return "", fmt.Errorf("%w: empty or invalid segment", gwerrors.ErrBadClientID)
	}
	return fmt.Sprintf("%s/%s.%s.%s", prefix, c.Agent, c.Account, c.Audience), nil
}
