// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/metrics"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/bigaxes/partition"
)

// Run performs the calling rank's part of the run described by req.
// Run must be called concurrently by every rank of req.Comm's group,
// each with an equivalent request. It returns when this rank's part
// is complete: for the coordinator of a collecting run, this is when
// the results of all ranks have been assembled.
//
// Configuration errors are reported before any task is invoked, and
// are reported identically by every rank.
func Run(ctx context.Context, req Request) (*Result, error) {
	plan, err := req.Plan()
	if err != nil {
		return nil, err
	}
	r := &runner{
		Request: req,
		plan:    plan,
		tags:    comm.Tags(req.Run),
		rank:    req.Comm.Rank(),
		size:    req.Comm.Size(),
		res: &Result{
			Rank:     req.Comm.Rank(),
			Schedule: req.Schedule,
			Metrics:  new(metrics.Scope),
		},
	}
	if r.Eventer == nil {
		r.Eventer = eventlog.Nop{}
	}
	switch r.Schedule {
	case bigaxes.Static:
		err = r.static(ctx)
	case bigaxes.Dynamic:
		if r.size < 2 {
			r.event(EventDynamicFallback, fmt.Sprintf("dynamic schedule needs at least 2 ranks, have %d; using static schedule", r.size))
			r.res.Schedule = bigaxes.Static
			err = r.static(ctx)
		} else {
			// Idle static plans fail in Plan.Static.
			if plan.Idle() {
				r.event(EventIdleRanks, fmt.Sprintf("%d sub-blocks for %d ranks; %d ranks will be idle",
					plan.Total, plan.Procs, plan.Procs-plan.Active))
			}
			err = r.dynamic(ctx)
		}
	}
	if err != nil {
		return nil, err
	}
	return r.res, nil
}

// A runner holds the state of a single rank's run.
type runner struct {
	Request
	plan *partition.Plan
	tags comm.TagSet
	rank int
	size int
	res  *Result
}

func (r *runner) coordinator() bool {
	return r.rank == r.Coordinator
}

// Event records a warning on the result and reports it to the
// request's eventer. The coordinator also logs it.
func (r *runner) event(typ, message string) {
	r.res.Events = append(r.res.Events, Event{Type: typ, Rank: r.rank, Message: message})
	r.Eventer.Event(typ, "rank", r.rank, "run", r.Run, "message", message)
	if r.coordinator() {
		log.Printf("%s: %s", typ, message)
	}
}

// Invoke materializes the selected slice of the dataset and invokes
// the task on it.
func (r *runner) invoke(ctx context.Context, name string, sel ndarray.Selection) (interface{}, error) {
	slice, err := r.Dataset.Slice(sel)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("rank %d: slice %s", r.rank, sel), err)
	}
	if r.Limiter != nil {
		if err := r.Limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.Limiter.Release(1)
	}
	start := time.Now()
	v, err := r.Func.Invoke(metrics.ScopedContext(ctx, r.res.Metrics), r.Params, r.SliceParam, slice)
	r.res.Spans = append(r.res.Spans, Span{Name: name, Start: start, Duration: time.Since(start)})
	metrics.TasksInvoked.Incr(r.res.Metrics, 1)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("rank %d: %s", r.rank, name), err)
	}
	return v, nil
}
