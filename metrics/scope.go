// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scope is a collection of counter values. The zero Scope is empty
// and ready to use. Scopes are safe for concurrent use.
type Scope struct {
	mu     sync.Mutex
	values map[string]int64
}

func (s *Scope) value(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

func (s *Scope) add(name string, n int64) {
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[string]int64)
	}
	s.values[name] += n
	s.mu.Unlock()
}

// Values returns a snapshot of the scope's counter values by name.
func (s *Scope) Values() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]int64, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return values
}

// Merge adds the values of scope u into scope s.
func (s *Scope) Merge(u *Scope) {
	if u == nil || u == s {
		return
	}
	for name, v := range u.Values() {
		s.add(name, v)
	}
}

// Reset resets the scope s to a copy of u. It is reset to its initial
// (empty) state if u is nil.
func (s *Scope) Reset(u *Scope) {
	var values map[string]int64
	if u != nil {
		values = u.Values()
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
}

// String returns the scope's values, sorted by counter name.
func (s *Scope) String() string {
	values := s.Values()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s:%d", name, values[name])
	}
	return strings.Join(parts, " ")
}

// GobEncode implements a custom gob encoder for scopes.
func (s *Scope) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(s.Values())
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	var values map[string]int64
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&values); err != nil {
		return err
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

// contextKey is the key used to attach scopes to contexts.
var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context. Tasks
// use it to record their own counters. ContextScope panics if the
// context does not have an attached scope.
func ContextScope(ctx context.Context) *Scope {
	s := ctx.Value(contextKey)
	if s == nil {
		panic("metrics: context does not provide metrics")
	}
	return s.(*Scope)
}
