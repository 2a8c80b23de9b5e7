// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestStaticBlocks(t *testing.T) {
	for _, c := range []struct {
		shape  []int
		split  []int
		nproc  int
		blocks [][2]int
	}{
		{[]int{8}, []int{0}, 4, [][2]int{{0, 2}, {2, 4}, {4, 6}, {6, 8}}},
		{[]int{9}, []int{0}, 4, [][2]int{{0, 2}, {2, 4}, {4, 6}, {6, 9}}},
		{[]int{5}, []int{0}, 1, [][2]int{{0, 5}}},
		{[]int{4, 10}, []int{0, 1}, 3, [][2]int{{0, 3}, {3, 6}, {6, 10}}},
	} {
		p, err := New(c.shape, c.split, c.nproc)
		assert.NoError(t, err)
		blocks, err := p.Blocks()
		assert.NoError(t, err)
		if got, want := len(blocks), len(c.blocks); got != want {
			t.Errorf("%v: got %v, want %v", p, got, want)
			continue
		}
		for i, b := range blocks {
			if got, want := [2]int{b.Start, b.Stop}, c.blocks[i]; got != want {
				t.Errorf("%v: block %d: got %v, want %v", p, i, got, want)
			}
			if got, want := b.Axis, p.SplitAxis(); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}
}

func TestStaticAxisTooSmall(t *testing.T) {
	p, err := New([]int{3}, []int{0}, 4)
	assert.NoError(t, err)
	if !p.Idle() {
		t.Error("expected idle processes")
	}
	for rank := 0; rank < 4; rank++ {
		_, err := p.Static(rank)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", rank, err)
		}
	}
	// Static schedules do not use the second axis even when the product
	// of the split axes would suffice.
	p, err = New([]int{3, 2}, []int{0, 1}, 4)
	assert.NoError(t, err)
	if _, err := p.Blocks(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, c := range []struct {
		shape []int
		split []int
		nproc int
	}{
		{[]int{4}, nil, 2},
		{[]int{4}, []int{1}, 2},
		{[]int{4}, []int{-1}, 2},
		{[]int{4, 4}, []int{0, 0}, 2},
		{[]int{4}, []int{0}, 0},
		{nil, []int{0}, 1},
		{[]int{0, 3}, []int{1}, 1},
		{[]int{math.MaxInt / 2, 3}, []int{0, 1}, 4},
		{[]int{math.MaxInt, 2, 1}, []int{2, 1, 0}, 4},
	} {
		_, err := New(c.shape, c.split, c.nproc)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v %v %d: got %v, want invalid", c.shape, c.split, c.nproc, err)
		}
	}
}

func TestPlan(t *testing.T) {
	p, err := New([]int{2, 7, 5}, []int{2, 0, 1}, 4)
	assert.NoError(t, err)
	expect.EQ(t, p.AxesShapes, []int{5, 2, 7})
	expect.EQ(t, p.Total, 70)
	expect.EQ(t, p.Order, []int{1, 2, 0})
	expect.EQ(t, p.Active, 4)
	expect.EQ(t, p.SplitAxis(), 1)

	p, err = New([]int{3, 3}, []int{1, 0}, 16)
	assert.NoError(t, err)
	// Ties keep the provided order.
	expect.EQ(t, p.Order, []int{1, 0})
	expect.EQ(t, p.Active, 9)
	if !p.Idle() {
		t.Error("expected idle processes")
	}
}

func TestItems(t *testing.T) {
	p, err := New([]int{2, 3, 4}, []int{0, 1}, 4)
	assert.NoError(t, err)
	var (
		it    = p.Items()
		items []WorkItem
	)
	expect.EQ(t, it.Remaining(), 6)
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		items = append(items, item)
	}
	expect.EQ(t, it.Remaining(), 0)
	if got, want := len(items), 6; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Axis 1 is the largest and is thus outermost.
	want := []ndarray.Selection{
		{ndarray.At(0), ndarray.At(0), ndarray.Span(0, 4)},
		{ndarray.At(1), ndarray.At(0), ndarray.Span(0, 4)},
		{ndarray.At(0), ndarray.At(1), ndarray.Span(0, 4)},
		{ndarray.At(1), ndarray.At(1), ndarray.Span(0, 4)},
		{ndarray.At(0), ndarray.At(2), ndarray.Span(0, 4)},
		{ndarray.At(1), ndarray.At(2), ndarray.Span(0, 4)},
	}
	for i, item := range items {
		if got, want := item.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := item.Selection, want[i]; !reflect.DeepEqual(got, want) {
			t.Errorf("item %d: got %v, want %v", i, got, want)
		}
	}
}

func TestDeterministic(t *testing.T) {
	p1, err := New([]int{6, 4, 9}, []int{0, 2}, 3)
	assert.NoError(t, err)
	p2, err := New([]int{6, 4, 9}, []int{0, 2}, 3)
	assert.NoError(t, err)
	if !reflect.DeepEqual(p1, p2) {
		t.Errorf("plans differ: %v, %v", p1, p2)
	}
	expect.EQ(t, p1.Fingerprint(), p2.Fingerprint())
	p3, err := New([]int{6, 4, 9}, []int{2, 0}, 3)
	assert.NoError(t, err)
	if p1.Fingerprint() == p3.Fingerprint() {
		t.Error("expected fingerprints to differ")
	}
	// Fingerprints do not depend on the process count.
	p4, err := New([]int{6, 4, 9}, []int{0, 2}, 7)
	assert.NoError(t, err)
	expect.EQ(t, p1.Fingerprint(), p4.Fingerprint())
}

// TestCoverage checks, over random plans, that static blocks cover the
// split axis exactly once and that work items cover the product of the
// split axes exactly once.
func TestCoverage(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for iter := 0; iter < 200; iter++ {
		var (
			raw   []uint8
			nproc uint8
		)
		fz.NumElements(1, 4).Fuzz(&raw)
		fz.Fuzz(&nproc)
		shape := make([]int, len(raw))
		for i, n := range raw {
			shape[i] = 1 + int(n%7)
		}
		var split []int
		for axis := range shape {
			if axis == 0 || raw[axis]%2 == 0 {
				split = append(split, axis)
			}
		}
		p, err := New(shape, split, 1+int(nproc%8))
		assert.NoError(t, err)
		name := fmt.Sprint(p)

		size := shape[p.SplitAxis()]
		blocks, err := p.Blocks()
		if size < p.Procs {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%s: got %v, want invalid", name, err)
			}
		} else {
			assert.NoError(t, err)
			next := 0
			for _, b := range blocks {
				if b.Start != next || b.Len() < 1 {
					t.Errorf("%s: bad block %v", name, b)
				}
				next = b.Stop
			}
			if got, want := next, size; got != want {
				t.Errorf("%s: got %v, want %v", name, got, want)
			}
		}

		seen := make(map[string]bool)
		it := p.Items()
		for {
			item, ok := it.Next()
			if !ok {
				break
			}
			assert.NoError(t, item.Selection.Validate(shape))
			key := item.Selection.String()
			if seen[key] {
				t.Errorf("%s: duplicate item %s", name, key)
			}
			seen[key] = true
		}
		if got, want := len(seen), p.Total; got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
}
