// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/gob"
	"fmt"
	"time"

	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/metrics"
	"github.com/grailbio/bigaxes/partition"
)

func init() {
	gob.Register(&Result{})
}

// Event types raised by the schedulers.
const (
	// EventIdleRanks is raised when the dataset has fewer sub-blocks
	// than there are ranks, so that some ranks receive no work.
	EventIdleRanks = "bigaxes:idleRanks"
	// EventDynamicFallback is raised when a Dynamic schedule is
	// requested of a group too small to have both a coordinator and a
	// worker; the run proceeds under the Static schedule.
	EventDynamicFallback = "bigaxes:dynamicFallback"
)

// An Event is a warning raised by a rank during a run.
type Event struct {
	Type    string
	Rank    int
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("%s (rank %d): %s", e.Type, e.Rank, e.Message)
}

// A Span records the execution of a task invocation on a rank.
type Span struct {
	Name     string
	Start    time.Time
	Duration time.Duration
}

// A Result is the outcome of a run on a single rank.
type Result struct {
	// Rank is the rank that produced the result.
	Rank int
	// Schedule is the schedule that was actually used. It may differ
	// from the requested one after a fallback.
	Schedule bigaxes.Schedule

	// Partial is the value returned by the task for this rank's
	// static block. Block is the block itself. Both are zero for
	// Dynamic runs.
	Partial interface{}
	Block   partition.Block

	// Blocks holds the partial results of every active rank, ordered
	// by rank. It is set only on the coordinator of a collecting
	// Static run.
	Blocks []interface{}
	// Items maps work item indices to the task's results. On the
	// coordinator of a collecting Dynamic run it covers every item of
	// the plan; on workers, it holds the items computed locally.
	Items map[int]interface{}
	// Aggregated is true if the result holds the aggregated results
	// of the whole group.
	Aggregated bool

	// Events holds the warnings raised by this rank.
	Events []Event
	// Metrics holds the counters recorded by this rank. On the
	// coordinator of a collecting run, they include the counters of
	// every rank.
	Metrics *metrics.Scope
	// Spans holds the task invocations performed by this rank.
	Spans []Span
}

// Aggregate returns the aggregated result: Blocks for Static runs and
// Items for Dynamic runs. Aggregate returns nil if r is not an
// aggregated result.
func (r *Result) Aggregate() interface{} {
	if !r.Aggregated {
		return nil
	}
	if r.Schedule == bigaxes.Dynamic {
		return r.Items
	}
	return r.Blocks
}
