// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"golang.org/x/sync/errgroup"
)

func TestLocal(t *testing.T) {
	c := Local()
	expect.EQ(t, c.Rank(), 0)
	expect.EQ(t, c.Size(), 1)
	ctx := context.Background()
	assert.NoError(t, c.Send(ctx, 0, 1, "hello"))
	v, src, err := c.Recv(ctx, Any, 1)
	assert.NoError(t, err)
	expect.EQ(t, v, "hello")
	expect.EQ(t, src, 0)
	if err := c.Send(ctx, 1, 1, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, _, err := c.Recv(ctx, 2, 1); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestOrdering(t *testing.T) {
	var (
		ctx   = context.Background()
		group = NewGroup(3)
	)
	const N = 100
	g, gctx := errgroup.WithContext(ctx)
	for _, rank := range []int{1, 2} {
		c := group[rank]
		g.Go(func() error {
			for i := 0; i < N; i++ {
				if err := c.Send(gctx, 0, 7, i); err != nil {
					return err
				}
				// Interleave another tag; it must not disturb ordering.
				if err := c.Send(gctx, 0, 8, -i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	next := map[int]int{}
	for i := 0; i < 2*N; i++ {
		v, src, err := group[0].Recv(ctx, Any, 7)
		assert.NoError(t, err)
		if got, want := v.(int), next[src]; got != want {
			t.Fatalf("from %d: got %v, want %v", src, got, want)
		}
		next[src]++
	}
	for i := 0; i < N; i++ {
		v, _, err := group[0].Recv(ctx, 2, 8)
		assert.NoError(t, err)
		expect.EQ(t, v, -i)
	}
}

func TestRecvBlocks(t *testing.T) {
	group := NewGroup(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := group[0].Recv(ctx, 1, 1); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	done := make(chan interface{})
	go func() {
		v, _, err := group[0].Recv(context.Background(), 1, 1)
		if err != nil {
			t.Error(err)
		}
		done <- v
	}()
	assert.NoError(t, group[1].Send(context.Background(), 0, 1, "ok"))
	expect.EQ(t, <-done, "ok")
}

func TestGather(t *testing.T) {
	const N = 5
	var (
		group = NewGroup(N)
		all   [][]interface{}
		g     errgroup.Group
	)
	all = make([][]interface{}, N)
	for rank := range group {
		rank := rank
		g.Go(func() error {
			var err error
			all[rank], err = Gather(context.Background(), group[rank], 14, rank*rank, 2)
			return err
		})
	}
	assert.NoError(t, g.Wait())
	for rank, vs := range all {
		if rank != 2 {
			if vs != nil {
				t.Errorf("rank %d: got %v, want nil", rank, vs)
			}
			continue
		}
		expect.EQ(t, vs, []interface{}{0, 1, 4, 9, 16})
	}
}

func TestTags(t *testing.T) {
	t0, t1 := Tags(0), Tags(1)
	expect.EQ(t, t0, TagSet{Request: 11, Assign: 12, Collect: 13, Gather: 14})
	for _, a := range []int{t0.Request, t0.Assign, t0.Collect, t0.Gather} {
		for _, b := range []int{t1.Request, t1.Assign, t1.Collect, t1.Gather} {
			if a == b {
				t.Errorf("tag %d reused across runs", a)
			}
		}
	}
}
