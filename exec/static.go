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
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/metrics"
)

func init() {
	gob.Register(blockResult{})
}

// A blockResult is a rank's contribution to the gather of a static
// run.
type blockResult struct {
	Value   interface{}
	Err     string
	Metrics *metrics.Scope
}

// Static computes this rank's block along the plan's split axis,
// invokes the task on it, and, if requested, gathers every rank's
// result on the coordinator.
func (r *runner) static(ctx context.Context) error {
	block, err := r.plan.Static(r.rank)
	if err != nil {
		return err
	}
	log.Printf("rank %d: block %d:%d of axis %d", r.rank, block.Start, block.Stop, block.Axis)
	r.res.Block = block
	v, err := r.invoke(ctx, fmt.Sprintf("block %d:%d", block.Start, block.Stop), block.Selection(r.plan.Shape))
	if err == nil {
		r.res.Partial = v
	}
	if !r.Collect {
		return err
	}
	payload := blockResult{Value: v, Metrics: r.res.Metrics}
	if err != nil {
		payload.Err = err.Error()
	}
	all, gerr := comm.Gather(ctx, r.Comm, r.tags.Gather, payload, r.Coordinator)
	if gerr != nil {
		return gerr
	}
	if err != nil {
		return err
	}
	if !r.coordinator() {
		return nil
	}
	blocks := make([]interface{}, 0, r.plan.Active)
	for rank, p := range all {
		res, ok := p.(blockResult)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d: unexpected gather payload %T", rank, p))
		}
		if res.Err != "" {
			return errors.E(errors.Remote, fmt.Sprintf("rank %d: %s", rank, res.Err))
		}
		if rank != r.rank {
			r.res.Metrics.Merge(res.Metrics)
		}
		blocks = append(blocks, res.Value)
	}
	r.res.Blocks = blocks
	r.res.Aggregated = true
	return nil
}
