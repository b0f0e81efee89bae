// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dynsub

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemStoreSetFetchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if got, err := s.Fetch(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("Fetch(missing) = %v, %v, want nil, nil", got, err)
	}

	records := []Record{{App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1"}}
	if err := s.Set(ctx, "subj", records); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Fetch(ctx, "subj")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], records[0]) {
		t.Errorf("Fetch = %+v, want %+v", got, records)
	}

	if err := s.Delete(ctx, "subj"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Fetch(ctx, "subj"); got != nil {
		t.Errorf("Fetch after Delete = %v, want nil", got)
	}
}

func TestMemStoreMutateAppliesFnAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.Mutate(ctx, "subj", func(records []Record) ([]Record, error) {
		if records != nil {
			t.Errorf("expected nil records for a new subject, got %+v", records)
		}
		return append(records, Record{App: "a", Version: "v1", Object: []string{"x"}}), nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	err = s.Mutate(ctx, "subj", func(records []Record) ([]Record, error) {
		if len(records) != 1 {
			t.Fatalf("expected 1 record from the prior Mutate, got %+v", records)
		}
		return records[:0], nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if got, _ := s.Fetch(ctx, "subj"); got != nil {
		t.Errorf("Fetch after emptying Mutate = %v, want nil (subject deleted)", got)
	}
}

func TestMemStoreMutateErrorAbortsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.Set(ctx, "subj", []Record{{App: "a", Version: "v1"}})

	wantErr := errors.New("boom")
	err := s.Mutate(ctx, "subj", func(records []Record) ([]Record, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Mutate error = %v, want %v", err, wantErr)
	}

	got, _ := s.Fetch(ctx, "subj")
	if len(got) != 1 {
		t.Errorf("Fetch after aborted Mutate = %+v, want unchanged single record", got)
	}
}

func TestMemStoreFetchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	records := []Record{{App: "a", Version: "v1", Object: []string{"x"}}}
	_ = s.Set(ctx, "subj", records)

	got, _ := s.Fetch(ctx, "subj")
	got[0].App = "mutated"

	got2, _ := s.Fetch(ctx, "subj")
	if got2[0].App != "a" {
		t.Errorf("mutating a Fetch result leaked into the store: %+v", got2)
	}
}
