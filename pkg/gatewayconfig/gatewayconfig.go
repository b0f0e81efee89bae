// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gatewayconfig loads the gateway's process-wide configuration
// once at startup — broker self-identity, JWT issuer table, audience trust
// table, and the audience-event toggle — into an immutable Config snapshot
// every hook reads without synchronization.
package gatewayconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/ioolkos/mqtt-gateway/pkg/authn"
	"github.com/ioolkos/mqtt-gateway/pkg/authz"
	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
)

// Env is the process environment the gateway reads at startup.
type Env struct {
	AgentLabel   string `env:"APP_AGENT_LABEL,required"`
	AccountLabel string `env:"APP_ACCOUNT_LABEL,required"`
	Audience     string `env:"APP_AUDIENCE,required"`

	StatEnabled string `env:"APP_STAT_ENABLED" envDefault:"1"`

	AuthnConfigPath string `env:"APP_AUTHN_CONFIG_PATH" envDefault:"authn.toml"`
	AuthzConfigPath string `env:"APP_AUTHZ_CONFIG_PATH" envDefault:"authz.toml"`
}

// StatConfig governs whether audience lifecycle events are published, and
// under which self-identity they're authored.
type StatConfig struct {
	Enabled bool
	Self    clientid.AgentId
}

// Config is the immutable snapshot shared by every hook. Build it once at
// startup with Load; never mutate it afterwards.
type Config struct {
	Self  clientid.AgentId
	Authn authn.Config
	Authz authz.Config
	Stat  StatConfig
}

// Load reads Env from the process environment (optionally via a .env file,
// already loaded by the caller) and the two TOML policy tables it points
// to, returning an immutable Config.
func Load() (Config, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	self := clientid.AgentId{Agent: e.AgentLabel, Account: e.AccountLabel, Audience: e.Audience}

	authnCfg, err := LoadAuthn(e.AuthnConfigPath)
	if err != nil {
		return Config{}, fmt.Errorf("load authn config: %w", err)
	}
	authzCfg, err := LoadAuthz(e.AuthzConfigPath)
	if err != nil {
		return Config{}, fmt.Errorf("load authz config: %w", err)
	}

	return Config{
		Self:  self,
		Authn: authnCfg,
		Authz: authzCfg,
		Stat: StatConfig{
			Enabled: e.StatEnabled != "0",
			Self:    self,
		},
	}, nil
}

type issuerEntry struct {
	Algorithm        string   `toml:"algorithm"`
	AllowedAudiences []string `toml:"allowed_audiences"`
	VerificationKey  string   `toml:"verification_key"`
}

// LoadAuthn decodes an AuthnConfig TOML file: one table per issuer, keyed
// by the issuer string itself.
//
//	["https://issuer.example.net"]
//	algorithm = "HS256"
//	allowed_audiences = ["example.net"]
//	verification_key = "..."
func LoadAuthn(path string) (authn.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return authn.Config{}, nil
	}

	var raw map[string]issuerEntry
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := make(authn.Config, len(raw))
	for issuer, e := range raw {
		cfg[issuer] = authn.IssuerConfig{
			Algorithm:        e.Algorithm,
			AllowedAudiences: e.AllowedAudiences,
			VerificationKey:  verificationKey(e.Algorithm, e.VerificationKey),
		}
	}
	return cfg, nil
}

// verificationKey renders the TOML-declared key material into the shape
// golang-jwt expects for the given algorithm family.
func verificationKey(_ /* algorithm */ string, raw string) any {
	// HMAC algorithms take the shared secret as raw bytes; asymmetric
	// algorithms (RS*, ES*) are out of scope for this deployment's issuer
	// set until a PEM-loading path is needed.
	return []byte(raw)
}

type trustedEntry struct {
	Label    string `toml:"label"`
	Audience string `toml:"audience"`
}

type audienceEntry struct {
	Trusted []trustedEntry `toml:"trusted"`
}

// LoadAuthz decodes an AuthzConfig TOML file: one table per audience, each
// with a trusted array of {label, audience}.
//
//	["example.net"]
//	trusted =[{ label = "svc-1", audience = "example.net" }]
func LoadAuthz(path string) (authz.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return authz.Config{}, nil
	}

	var raw map[string]audienceEntry
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := make(authz.Config, len(raw))
	for audience, e := range raw {
		trusted := make(map[string]struct{}, len(e.Trusted))
		for _, t := range e.Trusted {
			trusted[t.Label+"."+t.Audience] = struct{}{}
		}
		cfg[audience] = authz.Rule{Trusted: trusted}
	}
	return cfg, nil
}
