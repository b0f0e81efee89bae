// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dynsub implements the dynamic-subscription engine: it lets a
// trusted service agent ask the gateway, over an ordinary publish/deliver
// round-trip, to subscribe or unsubscribe it from topics on its behalf, and
// mirrors what it asked for in a side-table (DynSubState) so the gateway
// can replay subscription.delete events after the broker drops a
// clean-session connection's subscriptions.
package dynsub

import (
	"context"
	"io"
)

// Record is one dynamic subscription the engine created on a subject's
// behalf: the tenant it concerns, the topic-tail it subscribed to, and the
// connection-version the subject asked under.
type Record struct {
	App     string
	Object  []string
	Version string
}

// Store mirrors the broker's own subscription table for subjects the
// dynamic-subscription engine manages. Implementations need only
// linearizable reads and writes per subject, not global ordering.
type Store interface {
	// Set replaces the full record list for subject.
	Set(ctx context.Context, subject string, records []Record) error
	// Fetch returns subject's record list, or a nil slice if subject has none.
	Fetch(ctx context.Context, subject string) ([]Record, error)
	// Delete removes subject entirely.
	Delete(ctx context.Context, subject string) error
	// Mutate applies fn to subject's current record list and persists the
	// result as a single indivisible operation: no other Mutate, Set, or
	// Delete call for the same subject is allowed to interleave its own
	// fetch-modify-write between fn's read and fn's write taking effect.
	// fn returning an empty slice deletes subject; fn returning an error
	// aborts without writing. The engine relies on this to keep concurrent
	// subscription.create/delete calls for the same subject from racing.
	Mutate(ctx context.Context, subject string, fn func(records []Record) ([]Record, error)) error
	io.Closer
}
