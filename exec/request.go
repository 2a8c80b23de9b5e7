// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/bigaxes/partition"
)

// A Request describes a single rank's participation in a run. Every
// rank of the group must be given an equivalent request (same task,
// parameters, dataset shape, split axes, schedule, and coordinator);
// only Comm differs between ranks.
type Request struct {
	// Func is the task to invoke on each slice.
	Func *bigaxes.FuncValue
	// Params are passed to the task. They must not bind SliceParam.
	Params bigaxes.Params
	// Dataset is the dataset to partition. It is only read.
	Dataset ndarray.Dataset
	// SplitAxes are the axes of the dataset that may be split.
	SplitAxes []int
	// SliceParam is the name under which slices are passed to the
	// task.
	SliceParam string
	// Schedule is the scheduling discipline.
	Schedule bigaxes.Schedule
	// Collect tells whether partial results should be assembled on
	// the coordinator.
	Collect bool
	// Coordinator is the rank that collects results and, under the
	// Dynamic schedule, dispatches work items.
	Coordinator int
	// Comm is this rank's handle to the process group.
	Comm comm.Communicator
	// Run is the sequence number of the run. Runs that share a
	// communicator must have distinct sequence numbers.
	Run uint64

	// Eventer receives warnings raised during the run. If nil, events
	// are only attached to the result.
	Eventer eventlog.Eventer
	// Status, if not nil, receives progress updates.
	Status *status.Group
	// Limiter, if not nil, bounds the number of concurrent task
	// invocations across the ranks sharing it.
	Limiter *limiter.Limiter
}

// Plan validates the request and returns the partition plan for it.
// Configuration errors are of kind errors.Invalid; a missing
// communicator is of kind errors.Unavailable.
func (r *Request) Plan() (*partition.Plan, error) {
	if r.Comm == nil {
		return nil, errors.E(errors.Unavailable, "exec: no communicator: distributed runtime unavailable")
	}
	if r.Func == nil {
		return nil, errors.E(errors.Invalid, "exec: no task")
	}
	if r.Dataset == nil {
		return nil, errors.E(errors.Invalid, "exec: no dataset")
	}
	if r.SliceParam == "" {
		return nil, errors.E(errors.Invalid, "exec: empty slice parameter name")
	}
	if r.Params.Has(r.SliceParam) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: parameters already bind slice parameter %q", r.SliceParam))
	}
	if !r.Schedule.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: invalid schedule %v", r.Schedule))
	}
	if err := comm.CheckRank(r.Comm, r.Coordinator); err != nil {
		return nil, errors.E(errors.Invalid, "exec: coordinator", err)
	}
	return partition.New(r.Dataset.Shape(), r.SplitAxes, r.Comm.Size())
}
