// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command axesdemo sums a generated array by splitting it over a
// set of axes and scheduling the slices across a group of ranks.
//
//	axesdemo -shape=6,4,10 -split=0,1 -schedule=dynamic -ranks=4
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/axescmd"
	"github.com/grailbio/bigaxes/exec"
	"github.com/grailbio/bigaxes/metrics"
	"github.com/grailbio/bigaxes/ndarray"
)

var sumFunc = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
	d, ok := p["slice"].(*ndarray.Dense)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("slice parameter has type %T", p["slice"]))
	}
	return d.Sum(), nil
})

func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var ints []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad integer list %q", s), err)
		}
		ints = append(ints, n)
	}
	return ints, nil
}

// element returns the value of the generated array at index: the
// array's flat offset, so that sums are easy to check.
func element(shape []int) func([]int) float64 {
	return func(index []int) float64 {
		var off int
		for i, v := range index {
			off = off*shape[i] + v
		}
		return float64(off)
	}
}

func run(ctx context.Context, sess *exec.Session, shape, split []int, collect bool) error {
	data := ndarray.Generate(element(shape), shape...)
	res, err := sess.Run(ctx, exec.Job{
		Func:       sumFunc,
		Dataset:    data,
		SplitAxes:  split,
		SliceParam: "slice",
		Collect:    collect,
	})
	if err != nil {
		return err
	}
	coord := res.Result()
	for _, e := range res.Events() {
		log.Printf("event: %s", e)
	}
	var sum float64
	switch agg := coord.Aggregate().(type) {
	case []interface{}:
		for _, v := range agg {
			sum += v.(float64)
		}
		fmt.Printf("%s schedule: %d results\n", coord.Schedule, len(agg))
	case map[int]interface{}:
		for _, v := range agg {
			sum += v.(float64)
		}
		fmt.Printf("%s schedule: %d results\n", coord.Schedule, len(agg))
	}
	for _, r := range res.Ranks {
		if r != nil {
			fmt.Printf("rank %d: %d tasks\n", r.Rank, len(r.Spans))
		}
	}
	if coord.Aggregated {
		fmt.Printf("group: %d tasks\n", metrics.TasksInvoked.Value(coord.Metrics))
	}
	if collect {
		fmt.Printf("sum %v (want %v)\n", sum, data.Sum())
	}
	return nil
}

func main() {
	var (
		shapeFlag = flag.String("shape", "6,4,10", "comma-separated dimensions of the generated array")
		splitFlag = flag.String("split", "0,1", "comma-separated axes over which the array is split")
		collect   = flag.Bool("collect", true, "gather the per-slice results on the coordinator")
	)
	axescmd.Main(func(sess *exec.Session, args []string) error {
		shape, err := parseInts(*shapeFlag)
		if err != nil {
			return err
		}
		split, err := parseInts(*splitFlag)
		if err != nil {
			return err
		}
		return run(context.Background(), sess, shape, split, *collect)
	})
}
