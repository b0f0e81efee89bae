// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package authz authorizes the connection mode a connector asks for: the
// default mode is always allowed, every other mode requires the
// authenticated account to appear in the trusted set configured for the
// audience it is connecting into.
package authz

import (
	"fmt"

	"github.com/ioolkos/mqtt-gateway/pkg/authn"
	"github.com/ioolkos/mqtt-gateway/pkg/clientid"
	gwerrors "github.com/ioolkos/mqtt-gateway/pkg/errors"
)

// Rule is the trusted-account set for one audience.
type Rule struct {
	Trusted map[string]struct{} // keys are "<account_label>.<audience>"
}

// Config maps audience to the Rule governing non-default connection modes
// into it.
type Config map[string]Rule

// Authorizer authorizes connection modes against a Config snapshot.
type Authorizer struct {
	cfg Config
}

// New creates an Authorizer over an immutable Config snapshot.
func New(cfg Config) *Authorizer {
	return &Authorizer{cfg: cfg}
}

// Authorize checks whether account may connect under mode into audience.
// ModeDefault is always allowed. Every other mode requires account to be a
// member of audience's trusted set; any failure is reported as a
// *errors.GatewayError with Kind == NotAuthorized.
func (a *Authorizer) Authorize(mode clientid.Mode, account authn.AccountId, audience string) error {
	if mode == clientid.ModeDefault {
		return nil
	}

	rule, ok := a.cfg[audience]
	if !ok {
		return deny(mode, account, fmt.Errorf("no trust rule configured for audience %q", audience))
	}
	if _, ok := rule.Trusted[account.String()]; !ok {
		return deny(mode, account, fmt.Errorf("account %q not trusted for audience %q", account.String(), audience))
	}
	return nil
}

func deny(mode clientid.Mode, account authn.AccountId, err error) error {
	return gwerrors.New("connect", account.String(), string(mode), gwerrors.NotAuthorized, fmt.Errorf("%w: %w", gwerrors.ErrNotTrusted, err))
}
