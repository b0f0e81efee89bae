// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import "unicode/utf8"

// Property is a single ordered user-property key/value pair.
type Property struct {
	Key   string
	Value string
}

// Properties is the ordered in-memory representation of p_user_property.
// Rewriting must preserve the relative order of keys it doesn't touch and
// append new keys in the order they're introduced — Set satisfies both: an
// existing key is updated in place, a new one is appended.
type Properties []Property

// Get returns the value for key and whether it was present.
func (p Properties) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (p Properties) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set updates key's value in place if present, otherwise appends (key, value)
// at the end. Returns the updated slice (it may grow).
func (p Properties) Set(key, value string) Properties {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Property{Key: key, Value: value})
}

// Delete removes key if present, preserving the order of the rest.
func (p Properties) Delete(key string) Properties {
	for i := range p {
		if p[i].Key == key {
			return append(p[:i], p[i+1:]...)
		}
	}
	return p
}

// Clone returns a deep copy so callers can mutate the original's backing
// array without aliasing.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// ValidateUTF8 reports whether every key and value in p is valid UTF-8. The
// rewriter must check this before any rewrite step runs.
func ValidateUTF8(p Properties) bool {
	for _, kv := range p {
		if !utf8.ValidString(kv.Key) || !utf8.ValidString(kv.Value) {
			return false
		}
	}
	return true
}

// ToMap renders p as a plain map, e.g. for tests. Order is not preserved by
// a map; callers that need order must walk p directly.
func (p Properties) ToMap() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}
