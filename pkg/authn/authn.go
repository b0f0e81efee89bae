// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package authn verifies the JWT a connector presents as its MQTT password
// and extracts the AccountId the gateway cross-checks against the
// connector's Client-ID.
package authn

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// AccountId identifies a tenant principal: account_label + audience.
type AccountId struct {
	Label    string
	Audience string
}

// String renders "<label>.<audience>" — the wire account_id.
func (a AccountId) String() string {
	return a.Label + "." + a.Audience
}

// IssuerConfig is one entry of AuthnConfig: the algorithm, allowed
// audiences, and verification key material for a single JWT issuer.
type IssuerConfig struct {
	Algorithm        string // e.g. "HS256", "RS256" — must match the token header's alg.
	AllowedAudiences []string
	VerificationKey  any // []byte for HMAC, *rsa.PublicKey / *ecdsa.PublicKey for asymmetric algorithms.
}

// Config maps issuer ("iss" claim) to its verification settings.
type Config map[string]IssuerConfig

// Authenticator verifies JWT passwords against a Config snapshot.
type Authenticator struct {
	cfg Config
}

// New creates an Authenticator over an immutable Config snapshot.
func New(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Disabled reports whether no issuers are configured — connect pipelines use
// this to implement deployments that run with authentication turned off.
func (a *Authenticator) Disabled() bool {
	return len(a.cfg) == 0
}

// Authenticate verifies password as a compact JWT and returns the AccountId
// it asserts. Any signature, claim, issuer, or audience failure is reported
// as a *errors.GatewayError with Kind == BadUsernameOrPassword, and never
// echoes the password itself.
func (a *Authenticator) Authenticate(password string) (AccountId, error) {
	var issuer string
	var cfg IssuerConfig

	token, err := jwt.Parse(password, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type")
		}
		iss, _ := claims["iss"].(string)
		if iss == "" {
			return nil, fmt.Errorf("missing iss claim")
		}
		ic, ok := a.cfg[iss]
		if !ok {
			return nil, fmt.Errorf("unknown issuer %q", iss)
		}
		if t.Method.Alg() != ic.Algorithm {
			return nil, fmt.Errorf("algorithm %q does not match issuer %q's configured %q", t.Method.Alg(), iss, ic.Algorithm)
		}
		issuer, cfg = iss, ic
		return ic.VerificationKey, nil
	})
	if err != nil || !token.Valid {
		return AccountId{}, deny(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AccountId{}, deny(fmt.Errorf("unexpected claims type"))
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return AccountId{}, deny(fmt.Errorf("missing sub claim"))
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return AccountId{}, deny(fmt.Errorf("missing or malformed aud claim: %w", err))
	}

	matched := ""
	for _, a := range aud {
		if contains(cfg.AllowedAudiences, a) {
			matched = a
			break
		}
	}
	if matched == "" {
		return AccountId{}, deny(fmt.Errorf("aud claim %v not allowed for issuer %q", aud, issuer))
	}

	return AccountId{Label: sub, Audience: matched}, nil
}

func deny(err error) error {
	if err == nil {
		err = fmt.Errorf("token rejected")
	}
	return gwerrors.New("connect", "", "", gwerrors.BadUsernameOrPassword, err)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
