// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/metrics"
	"github.com/grailbio/bigaxes/ndarray"
)

func init() {
	gob.Register(workRequest{})
	gob.Register(assignment{})
	gob.Register(collection{})
}

// A workRequest is sent by a worker to the coordinator to ask for its
// next work item.
type workRequest struct {
	Rank int
	// Fingerprint is the fingerprint of the worker's plan.
	Fingerprint uint64
	// Err is set if the worker failed to process its last item. A
	// worker that reports an error stops, and expects no reply.
	Err string
}

// An assignment is the coordinator's reply to a work request: either
// the next work item, or the stop sentinel.
type assignment struct {
	Index     int
	Selection ndarray.Selection
	// Stop tells the worker that there is no more work. Abort is set
	// along with Stop when the run has failed.
	Stop, Abort bool
}

// A collection carries a worker's results to the coordinator once it
// has been stopped.
type collection struct {
	Items   map[int]interface{}
	Metrics *metrics.Scope
}

// coordinatorState is the state of a dynamic run's coordinator.
type coordinatorState int

const (
	// Dispatching: work items remain and are handed out on request.
	dispatching coordinatorState = iota
	// Draining: there is no more work; every request is answered by
	// the stop sentinel until all workers have stopped.
	draining
	// Done: every worker has stopped.
	done
)

func (s coordinatorState) String() string {
	switch s {
	case dispatching:
		return "dispatching"
	case draining:
		return "draining"
	case done:
		return "done"
	default:
		return fmt.Sprintf("coordinatorState(%d)", int(s))
	}
}

// ErrAborted is the error returned by workers of a dynamic run that
// was aborted by its coordinator because of a failure elsewhere.
var ErrAborted = errors.E(errors.Canceled, "exec: run aborted by coordinator")

func (r *runner) dynamic(ctx context.Context) error {
	if r.coordinator() {
		return r.coordinate(ctx)
	}
	return r.work(ctx)
}

// A coordinator holds the dispatch state of a dynamic run.
type coordinator struct {
	*runner
	state   coordinatorState
	stopped []bool
	running int
	// Failure is the first failure observed in the run. Once set, no
	// more items are dispatched and results are discarded.
	failure error
	items   map[int]interface{}
	task    *status.Task
}

func (c *coordinator) fail(err error) {
	if c.failure == nil {
		c.failure = err
		log.Error.Printf("run %d: aborting: %v", c.Run, err)
	}
	if c.state == dispatching {
		c.state = draining
	}
}

// Stop acknowledges that the provided worker has stopped.
func (c *coordinator) stop(rank int) {
	c.stopped[rank] = true
	c.running--
	if c.running == 0 {
		c.state = done
	}
}

// Coordinate runs the coordinator's state machine: it answers work
// requests with the plan's items, in order, until there are none left,
// then stops every worker, collecting their results if requested.
func (r *runner) coordinate(ctx context.Context) error {
	var (
		it          = r.plan.Items()
		fingerprint = r.plan.Fingerprint()
		c           = &coordinator{
			runner:  r,
			state:   dispatching,
			stopped: make([]bool, r.size),
			running: r.size - 1,
			items:   make(map[int]interface{}),
		}
	)
	c.stopped[r.rank] = true
	if r.Status != nil {
		c.task = r.Status.Startf("run %d: coordinator (rank %d)", r.Run, r.rank)
		defer c.task.Done()
	}
	for c.state != done {
		payload, src, err := r.Comm.Recv(ctx, comm.Any, r.tags.Request)
		if err != nil {
			return err
		}
		req, ok := payload.(workRequest)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d: unexpected request %T", src, payload))
		}
		if c.stopped[src] {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d: work requested after stop", src))
		}
		metrics.RequestsServed.Incr(r.res.Metrics, 1)
		switch {
		case req.Err != "":
			c.fail(errors.E(errors.Remote, fmt.Sprintf("rank %d: %s", src, req.Err)))
			c.stop(src)
			continue
		case req.Fingerprint != fingerprint:
			c.fail(errors.E(errors.Invalid, fmt.Sprintf("rank %d: plan fingerprint %x does not match coordinator's %x", src, req.Fingerprint, fingerprint)))
		}
		if c.state == dispatching {
			if item, ok := it.Next(); ok {
				if err := r.Comm.Send(ctx, src, r.tags.Assign, assignment{Index: item.Index, Selection: item.Selection}); err != nil {
					return err
				}
				metrics.ItemsDispatched.Incr(r.res.Metrics, 1)
				log.Debug.Printf("run %d: item %d %s to rank %d", r.Run, item.Index, item.Selection, src)
				if c.task != nil {
					c.task.Printf("dispatched %d/%d", r.plan.Total-it.Remaining(), r.plan.Total)
				}
				if it.Remaining() == 0 {
					c.state = draining
				}
				continue
			}
			c.state = draining
		}
		if err := r.Comm.Send(ctx, src, r.tags.Assign, assignment{Stop: true, Abort: c.failure != nil}); err != nil {
			return err
		}
		if r.Collect {
			if err := c.collect(ctx, src); err != nil {
				return err
			}
		}
		c.stop(src)
	}
	if c.failure != nil {
		return c.failure
	}
	if r.Collect {
		r.res.Items = c.items
		r.res.Aggregated = true
	}
	return nil
}

// Collect receives the results of a stopped worker and merges them
// into the aggregate.
func (c *coordinator) collect(ctx context.Context, src int) error {
	payload, _, err := c.Comm.Recv(ctx, src, c.tags.Collect)
	if err != nil {
		return err
	}
	coll, ok := payload.(collection)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d: unexpected collection %T", src, payload))
	}
	c.res.Metrics.Merge(coll.Metrics)
	if c.failure != nil {
		return nil
	}
	for index, v := range coll.Items {
		if _, ok := c.items[index]; ok {
			c.fail(errors.E(errors.Integrity, fmt.Sprintf("rank %d: item %d collected twice", src, index)))
			return nil
		}
		c.items[index] = v
	}
	return nil
}

// Work runs a worker's loop: it requests work items from the
// coordinator and invokes the task on each, until it is told to stop.
func (r *runner) work(ctx context.Context) error {
	var (
		fingerprint = r.plan.Fingerprint()
		items       = make(map[int]interface{})
	)
	r.res.Items = items
	for {
		if err := r.Comm.Send(ctx, r.Coordinator, r.tags.Request, workRequest{Rank: r.rank, Fingerprint: fingerprint}); err != nil {
			return err
		}
		payload, _, err := r.Comm.Recv(ctx, r.Coordinator, r.tags.Assign)
		if err != nil {
			return err
		}
		a, ok := payload.(assignment)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d: unexpected assignment %T", r.rank, payload))
		}
		if a.Stop {
			if r.Collect {
				if err := r.Comm.Send(ctx, r.Coordinator, r.tags.Collect, collection{items, r.res.Metrics}); err != nil {
					return err
				}
			}
			if a.Abort {
				return ErrAborted
			}
			return nil
		}
		v, err := r.invoke(ctx, fmt.Sprintf("item %d", a.Index), a.Selection)
		if err != nil {
			req := workRequest{Rank: r.rank, Fingerprint: fingerprint, Err: err.Error()}
			if serr := r.Comm.Send(ctx, r.Coordinator, r.tags.Request, req); serr != nil {
				log.Error.Printf("rank %d: failed to report error to coordinator: %v", r.rank, serr)
			}
			return err
		}
		items[a.Index] = v
	}
}
