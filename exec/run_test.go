// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/metrics"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/bigaxes/partition"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var (
	invocations int64

	sumSlices = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return p["slice"].(*ndarray.Dense).Sum(), nil
	})

	// failSlices fails on slices whose sum equals the "fail" parameter.
	failSlices = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
		sum := p["slice"].(*ndarray.Dense).Sum()
		if sum == p["fail"].(float64) {
			return nil, errors.E(fmt.Sprintf("cannot process %v", sum))
		}
		return sum, nil
	})

	panicSlices = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
		panic("task panic")
	})

	countedSlices = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
		slice := p["slice"].(*ndarray.Dense)
		testValues.Incr(metrics.ContextScope(ctx), int64(slice.Len()))
		return slice.Len(), nil
	})

	testValues = metrics.NewCounter("testvalues")
)

// iotaArray returns an array whose values are their row-major offsets.
func iotaArray(dims ...int) *ndarray.Dense {
	d := ndarray.New(dims...)
	for i := range d.Data {
		d.Data[i] = float64(i)
	}
	return d
}

// runGroup runs the request on every rank of an in-process group of n
// ranks, returning each rank's result and error.
func runGroup(t *testing.T, n int, req Request) ([]*Result, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var (
		comms   = comm.NewGroup(n)
		results = make([]*Result, n)
		errs    = make([]error, n)
		wg      sync.WaitGroup
	)
	for rank := range comms {
		rank := rank
		req := req
		req.Comm = comms[rank]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank], errs[rank] = Run(ctx, req)
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatal("run timed out")
	}
	return results, errs
}

func staticRequest(d *ndarray.Dense) Request {
	return Request{
		Func:       sumSlices,
		Dataset:    d,
		SplitAxes:  []int{0},
		SliceParam: "slice",
		Schedule:   bigaxes.Static,
		Collect:    true,
	}
}

func TestStaticEven(t *testing.T) {
	results, errs := runGroup(t, 4, staticRequest(iotaArray(8)))
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	for rank, res := range results {
		if got, want := res.Block, (partition.Block{Rank: rank, Axis: 0, Start: 2 * rank, Stop: 2*rank + 2}); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		expect.EQ(t, res.Partial, float64(4*rank+1))
		expect.EQ(t, res.Aggregated, rank == 0)
	}
	expect.EQ(t, results[0].Blocks, []interface{}{1.0, 5.0, 9.0, 13.0})
	expect.EQ(t, results[0].Aggregate(), []interface{}{1.0, 5.0, 9.0, 13.0})
	expect.EQ(t, metrics.TasksInvoked.Value(results[0].Metrics), int64(4))
	if results[1].Blocks != nil {
		t.Errorf("non-coordinator has aggregate %v", results[1].Blocks)
	}
}

func TestStaticUneven(t *testing.T) {
	req := staticRequest(iotaArray(9))
	req.Coordinator = 3
	results, errs := runGroup(t, 4, req)
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	last := results[3].Block
	if got, want := [2]int{last.Start, last.Stop}, [2]int{6, 9}; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, results[3].Blocks, []interface{}{1.0, 5.0, 9.0, 21.0})
	if results[0].Aggregated {
		t.Error("rank 0 should not aggregate")
	}
}

// eventRecorder is an eventlog.Eventer that keeps the types of the
// events it receives.
type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (e *eventRecorder) Event(typ string, fieldPairs ...interface{}) {
	e.mu.Lock()
	e.types = append(e.types, typ)
	e.mu.Unlock()
}

func (e *eventRecorder) Close() error { return nil }

func TestStaticAxisTooSmall(t *testing.T) {
	before := atomic.LoadInt64(&invocations)
	events := new(eventRecorder)
	req := staticRequest(iotaArray(3))
	req.Eventer = events
	results, errs := runGroup(t, 4, req)
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", rank, err)
		}
		if results[rank] != nil {
			t.Errorf("rank %d: unexpected result", rank)
		}
	}
	if got, want := atomic.LoadInt64(&invocations), before; got != want {
		t.Errorf("task invoked %d times", got-want)
	}
	// The plan is idle, but the run fails as misconfigured instead.
	if len(events.types) != 0 {
		t.Errorf("unexpected events %v", events.types)
	}
}

func TestStaticNoCollect(t *testing.T) {
	req := staticRequest(iotaArray(4, 3))
	req.Collect = false
	results, errs := runGroup(t, 2, req)
	for rank, res := range results {
		assert.NoError(t, errs[rank])
		if res.Aggregated || res.Blocks != nil {
			t.Errorf("rank %d: unexpected aggregate", rank)
		}
	}
	// Rank 0 has rows 0-1, i.e., values 0..5.
	expect.EQ(t, results[0].Partial, 15.0)
	expect.EQ(t, results[1].Partial, 51.0)
}

func TestStaticFailure(t *testing.T) {
	req := staticRequest(iotaArray(8))
	req.Func = failSlices
	req.Params = bigaxes.Params{"fail": 9.0}
	_, errs := runGroup(t, 4, req)
	if !errors.Is(errors.Remote, errs[0]) {
		t.Errorf("got %v, want remote", errs[0])
	}
	if errs[2] == nil {
		t.Error("expected error on failing rank")
	}
	assert.NoError(t, errs[1])
	assert.NoError(t, errs[3])
}

func TestStaticPanic(t *testing.T) {
	req := staticRequest(iotaArray(8))
	req.Func = panicSlices
	_, errs := runGroup(t, 2, req)
	// Each rank reports its own failure, the coordinator included.
	for rank, err := range errs {
		if e := errors.Recover(err); e == nil || e.Severity != errors.Fatal {
			t.Errorf("rank %d: got %v, want fatal", rank, err)
		}
	}
}

func TestDynamic(t *testing.T) {
	d := iotaArray(2, 3)
	req := staticRequest(d)
	req.SplitAxes = []int{0, 1}
	req.Schedule = bigaxes.Dynamic
	results, errs := runGroup(t, 4, req)
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	coord := results[0]
	expect.EQ(t, coord.Schedule, bigaxes.Dynamic)
	if !coord.Aggregated {
		t.Fatal("coordinator did not aggregate")
	}
	if got, want := len(coord.Items), 6; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	plan, err := partition.New(d.Shape(), req.SplitAxes, 4)
	assert.NoError(t, err)
	for index := 0; index < plan.Total; index++ {
		sub, err := d.Sub(plan.Item(index).Selection)
		assert.NoError(t, err)
		v, ok := coord.Items[index]
		if !ok {
			t.Errorf("missing item %d", index)
			continue
		}
		expect.EQ(t, v, sub.Sum())
	}
	// Each item was computed by exactly one worker.
	seen := make(map[int]int)
	for _, res := range results[1:] {
		for index := range res.Items {
			seen[index]++
		}
	}
	for index := 0; index < plan.Total; index++ {
		if got, want := seen[index], 1; got != want {
			t.Errorf("item %d: got %v, want %v", index, got, want)
		}
	}
	expect.EQ(t, metrics.ItemsDispatched.Value(coord.Metrics), int64(6))
	expect.EQ(t, metrics.TasksInvoked.Value(coord.Metrics), int64(6))
	// Six items plus one stop for each of three workers.
	expect.EQ(t, metrics.RequestsServed.Value(coord.Metrics), int64(9))
}

func TestDynamicFallback(t *testing.T) {
	for _, n := range []int{8, 9} {
		req := staticRequest(iotaArray(n))
		req.Schedule = bigaxes.Dynamic
		results, errs := runGroup(t, 1, req)
		assert.NoError(t, errs[0])
		res := results[0]
		expect.EQ(t, res.Schedule, bigaxes.Static)
		if got, want := len(res.Events), 1; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		expect.EQ(t, res.Events[0].Type, EventDynamicFallback)
		expect.EQ(t, res.Block, partition.Block{Axis: 0, Start: 0, Stop: n})
		expect.EQ(t, res.Blocks, []interface{}{float64(n * (n - 1) / 2)})
	}
}

func TestDynamicIdle(t *testing.T) {
	req := staticRequest(iotaArray(2))
	req.Schedule = bigaxes.Dynamic
	results, errs := runGroup(t, 4, req)
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	expect.EQ(t, results[0].Items, map[int]interface{}{0: 0.0, 1: 1.0})
	for _, res := range results {
		if got, want := len(res.Events), 1; got != want {
			t.Fatalf("rank %d: got %v, want %v", res.Rank, got, want)
		}
		expect.EQ(t, res.Events[0].Type, EventIdleRanks)
	}
}

func TestCoordinatorExhaustedPlan(t *testing.T) {
	// A plan without items: the coordinator must stop its workers
	// instead of dispatching.
	plan := &partition.Plan{
		Shape:      []int{1},
		SplitAxes:  []int{0},
		AxesShapes: []int{1},
		Order:      []int{0},
		Procs:      3,
	}
	var (
		comms   = comm.NewGroup(3)
		runners = make([]*runner, 3)
		errs    = make([]error, 3)
		wg      sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for rank := range runners {
		req := staticRequest(iotaArray(1))
		req.Schedule = bigaxes.Dynamic
		req.Comm = comms[rank]
		req.Eventer = new(eventRecorder)
		runners[rank] = &runner{
			Request: req,
			plan:    plan,
			tags:    comm.Tags(0),
			rank:    rank,
			size:    3,
			res:     &Result{Rank: rank, Schedule: bigaxes.Dynamic, Metrics: new(metrics.Scope)},
		}
	}
	for rank, r := range runners {
		rank, r := rank, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = r.dynamic(ctx)
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatal("run timed out")
	}
	for rank, err := range errs {
		assert.NoError(t, err, "rank %d", rank)
	}
	coord := runners[0].res
	expect.EQ(t, len(coord.Items), 0)
	expect.EQ(t, coord.Aggregated, true)
	expect.EQ(t, metrics.ItemsDispatched.Value(coord.Metrics), int64(0))
	expect.EQ(t, metrics.RequestsServed.Value(coord.Metrics), int64(2))
	for _, r := range runners[1:] {
		expect.EQ(t, len(r.res.Spans), 0)
	}
}

func TestDynamicAbort(t *testing.T) {
	req := staticRequest(iotaArray(4, 5))
	req.SplitAxes = []int{0, 1}
	req.Schedule = bigaxes.Dynamic
	req.Func = failSlices
	req.Params = bigaxes.Params{"fail": 7.0}
	for _, collect := range []bool{true, false} {
		req.Collect = collect
		results, errs := runGroup(t, 3, req)
		if !errors.Is(errors.Remote, errs[0]) {
			t.Errorf("got %v, want remote", errs[0])
		}
		if results[0] != nil {
			t.Error("coordinator returned a result after failure")
		}
		var failed int
		for _, err := range errs[1:] {
			if err != nil && err != ErrAborted {
				failed++
			}
		}
		if got, want := failed, 1; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDynamicNoCollect(t *testing.T) {
	req := staticRequest(iotaArray(3, 4))
	req.SplitAxes = []int{1}
	req.Schedule = bigaxes.Dynamic
	req.Collect = false
	results, errs := runGroup(t, 3, req)
	var n int
	for rank, res := range results {
		assert.NoError(t, errs[rank])
		n += len(res.Items)
	}
	if results[0].Aggregated {
		t.Error("unexpected aggregate")
	}
	expect.EQ(t, n, 4)
}

func TestMetricsMerge(t *testing.T) {
	for _, schedule := range []bigaxes.Schedule{bigaxes.Static, bigaxes.Dynamic} {
		req := staticRequest(iotaArray(6, 2))
		req.Func = countedSlices
		req.Schedule = schedule
		results, errs := runGroup(t, 3, req)
		for _, err := range errs {
			assert.NoError(t, err)
		}
		expect.EQ(t, testValues.Value(results[0].Metrics), int64(12))
	}
}

func TestConcurrentRuns(t *testing.T) {
	var (
		ctx   = context.Background()
		comms = comm.NewGroup(3)
		wg    sync.WaitGroup
		mu    sync.Mutex
		aggs  = make(map[uint64]interface{})
	)
	for run := uint64(0); run < 4; run++ {
		for rank := range comms {
			req := staticRequest(iotaArray(6, 6))
			req.SplitAxes = []int{0, 1}
			req.Run = run
			req.Comm = comms[rank]
			if run%2 == 1 {
				req.Schedule = bigaxes.Dynamic
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := Run(ctx, req)
				if err != nil {
					t.Error(err)
					return
				}
				if res.Aggregated {
					mu.Lock()
					aggs[req.Run] = res.Aggregate()
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	expect.EQ(t, len(aggs), 4)
	for run, agg := range aggs {
		var sum float64
		switch agg := agg.(type) {
		case []interface{}:
			for _, v := range agg {
				sum += v.(float64)
			}
		case map[int]interface{}:
			expect.EQ(t, len(agg), 36)
			for _, v := range agg {
				sum += v.(float64)
			}
		}
		if got, want := sum, float64(35*36/2); got != want {
			t.Errorf("run %d: got %v, want %v", run, got, want)
		}
	}
}

func TestInvalidRequest(t *testing.T) {
	base := staticRequest(iotaArray(4, 4))
	base.Comm = comm.Local()
	for _, c := range []struct {
		name   string
		modify func(*Request)
		kind   errors.Kind
	}{
		{"no comm", func(r *Request) { r.Comm = nil }, errors.Unavailable},
		{"no func", func(r *Request) { r.Func = nil }, errors.Invalid},
		{"no dataset", func(r *Request) { r.Dataset = nil }, errors.Invalid},
		{"no slice param", func(r *Request) { r.SliceParam = "" }, errors.Invalid},
		{"bound slice param", func(r *Request) { r.Params = bigaxes.Params{"slice": 1} }, errors.Invalid},
		{"bad axis", func(r *Request) { r.SplitAxes = []int{2} }, errors.Invalid},
		{"duplicate axis", func(r *Request) { r.SplitAxes = []int{1, 1} }, errors.Invalid},
		{"bad coordinator", func(r *Request) { r.Coordinator = 1 }, errors.Invalid},
		{"bad schedule", func(r *Request) { r.Schedule = bigaxes.Schedule(5) }, errors.Invalid},
	} {
		req := base
		c.modify(&req)
		_, err := Run(context.Background(), req)
		if !errors.Is(c.kind, err) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.kind)
		}
	}
}
