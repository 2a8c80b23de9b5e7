// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides named counters whose values are recorded
// in scopes. Each rank of a run records into its own scope; scopes
// are shipped to the coordinator and merged there.
package metrics

import (
	"sync"

	"github.com/grailbio/base/log"
)

var (
	mu       sync.Mutex
	counters = map[string]Counter{}
)

// Counters maintained by the schedulers.
var (
	// TasksInvoked counts task invocations.
	TasksInvoked = NewCounter("tasks")
	// ItemsDispatched counts work items handed out by a coordinator.
	ItemsDispatched = NewCounter("dispatched")
	// RequestsServed counts work requests answered by a coordinator,
	// stop replies included.
	RequestsServed = NewCounter("requests")
)

// A Counter is a named, monotonically increasing metric.
type Counter struct {
	name string
}

// NewCounter registers and returns a counter with the provided name.
// NewCounter panics if the name is already taken.
func NewCounter(name string) Counter {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := counters[name]; ok {
		log.Panicf("metrics: counter %q registered twice", name)
	}
	c := Counter{name}
	counters[name] = c
	return c
}

// Name returns the counter's name.
func (c Counter) Name() string { return c.name }

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	return scope.value(c.name)
}

// Incr increments the counter in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	scope.add(c.name, n)
}
