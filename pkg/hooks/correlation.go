// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKey struct{}

// withCorrelationID stamps ctx with a fresh per-connect correlation id,
// letting every hook invocation for that connection log a shared id without
// threading one through every Hooks method signature.
func withCorrelationID(ctx context.Context) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, uuid.New().String())
}

// correlationID returns the id stamped by withCorrelationID, or "" if ctx
// never went through the connect path (e.g. a test calling a hook directly).
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
