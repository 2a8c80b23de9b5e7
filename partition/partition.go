// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition plans how a dataset is divided among the ranks of
// a process group. A Plan computes the extents of the split axes and
// their ordering; from it, ranks derive either a contiguous static
// block along the largest split axis, or the sequence of work items
// dispatched by a coordinator.
package partition

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/spaolacci/murmur3"
)

// A Plan describes the partitioning of a dataset of a given shape
// along a set of split axes among a number of processes. Plans are
// deterministic: the same inputs always produce the same plan.
type Plan struct {
	// Shape is the shape of the dataset.
	Shape []int
	// SplitAxes are the axes eligible for splitting, as provided.
	SplitAxes []int
	// AxesShapes holds the extent of each split axis, in the order of
	// SplitAxes.
	AxesShapes []int
	// Total is the number of sub-blocks: the product of AxesShapes.
	Total int
	// Order holds the split axes sorted by descending extent. Ties are
	// broken by the axes' position in SplitAxes.
	Order []int
	// Procs is the number of processes in the group.
	Procs int
	// Active is the number of processes that receive work:
	// min(Procs, Total).
	Active int
}

// New computes the plan for a dataset with the provided shape, split
// along splitAxes among nproc processes. New returns an error of kind
// errors.Invalid if the split axes are empty, duplicated, or out of
// range for the shape, or if the number of sub-blocks does not fit in
// an int.
func New(shape []int, splitAxes []int, nproc int) (*Plan, error) {
	if nproc < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: invalid process count %d", nproc))
	}
	if len(shape) == 0 {
		return nil, errors.E(errors.Invalid, "partition: dataset has no axes")
	}
	for axis, n := range shape {
		if n < 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: axis %d of shape %v has extent %d", axis, shape, n))
		}
	}
	if len(splitAxes) == 0 {
		return nil, errors.E(errors.Invalid, "partition: no split axes")
	}
	seen := make(map[int]bool)
	for _, axis := range splitAxes {
		if axis < 0 || axis >= len(shape) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: split axis %d out of range for shape %v", axis, shape))
		}
		if seen[axis] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: split axis %d given more than once", axis))
		}
		seen[axis] = true
	}
	p := &Plan{
		Shape:      append([]int(nil), shape...),
		SplitAxes:  append([]int(nil), splitAxes...),
		AxesShapes: make([]int, len(splitAxes)),
		Total:      1,
		Procs:      nproc,
	}
	for i, axis := range splitAxes {
		if p.Total > math.MaxInt/shape[axis] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: number of sub-blocks of split axes %v of shape %v overflows int", splitAxes, shape))
		}
		p.AxesShapes[i] = shape[axis]
		p.Total *= shape[axis]
	}
	p.Order = append([]int(nil), splitAxes...)
	sort.SliceStable(p.Order, func(i, j int) bool {
		return shape[p.Order[i]] > shape[p.Order[j]]
	})
	p.Active = nproc
	if p.Total < nproc {
		p.Active = p.Total
	}
	return p, nil
}

// Idle tells whether the plan has fewer sub-blocks than processes, in
// which case some processes receive no work.
func (p *Plan) Idle() bool {
	return p.Total < p.Procs
}

// SplitAxis returns the split axis with the largest extent. This is
// the axis chunked by static schedules.
func (p *Plan) SplitAxis() int {
	return p.Order[0]
}

// Fingerprint returns a hash of the plan's shape, split axes, and
// axis ordering. Processes compare fingerprints to verify that they
// are working from the same plan.
func (p *Plan) Fingerprint() uint64 {
	var (
		b   = make([]byte, 0, 8*(3+len(p.Shape)+2*len(p.SplitAxes)))
		buf [8]byte
	)
	put := func(vs ...int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(vs)))
		b = append(b, buf[:]...)
		for _, v := range vs {
			binary.LittleEndian.PutUint64(buf[:], uint64(v))
			b = append(b, buf[:]...)
		}
	}
	put(p.Shape...)
	put(p.SplitAxes...)
	put(p.Order...)
	return murmur3.Sum64(b)
}

// String returns a short description of the plan.
func (p *Plan) String() string {
	return fmt.Sprintf("shape %v split %v (order %v): %d blocks over %d/%d procs",
		p.Shape, p.SplitAxes, p.Order, p.Total, p.Active, p.Procs)
}

// A Block is the contiguous range [Start, Stop) along Axis that is
// assigned to Rank by a static schedule.
type Block struct {
	Rank        int
	Axis        int
	Start, Stop int
}

// Len returns the number of coordinates in the block.
func (b Block) Len() int { return b.Stop - b.Start }

// Selection returns the dataset selection covered by the block: the
// block's range along its axis and the full extent of every other
// axis.
func (b Block) Selection(shape []int) ndarray.Selection {
	sel := ndarray.All(shape)
	sel[b.Axis] = ndarray.Span(b.Start, b.Stop)
	return sel
}

// String returns the block in the form "rank r: axis a [start:stop)".
func (b Block) String() string {
	return fmt.Sprintf("rank %d: axis %d [%d:%d)", b.Rank, b.Axis, b.Start, b.Stop)
}

// Static returns the static block for the provided rank. The largest
// split axis is divided into Procs contiguous blocks of S/Procs
// coordinates; the last block absorbs the remainder. Static returns an
// error of kind errors.Invalid if the axis is too small to give every
// process at least one coordinate: static schedules never fall back
// to a second axis.
func (p *Plan) Static(rank int) (Block, error) {
	if rank < 0 || rank >= p.Procs {
		return Block{}, errors.E(errors.Invalid, fmt.Sprintf("partition: rank %d out of range [0, %d)", rank, p.Procs))
	}
	var (
		axis = p.SplitAxis()
		size = p.Shape[axis]
	)
	if size < p.Procs {
		return Block{}, errors.E(errors.Invalid, fmt.Sprintf(
			"partition: static schedules split only the largest axis, and axis %d (extent %d) is too small for %d procs",
			axis, size, p.Procs))
	}
	procs := p.Active
	blockSize := size / procs
	if blockSize == 0 {
		return Block{}, errors.E(errors.Invalid, fmt.Sprintf("partition: zero block size for axis %d over %d procs", axis, procs))
	}
	b := Block{
		Rank:  rank,
		Axis:  axis,
		Start: rank * blockSize,
		Stop:  (rank + 1) * blockSize,
	}
	if rank == procs-1 {
		b.Stop = size
	}
	return b, nil
}

// Blocks returns the static blocks of every process, ordered by rank.
func (p *Plan) Blocks() ([]Block, error) {
	blocks := make([]Block, p.Active)
	for rank := range blocks {
		var err error
		if blocks[rank], err = p.Static(rank); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// A WorkItem is a unit of dynamic dispatch: a single coordinate on
// each split axis and the full extent of every other axis. Indices
// are unique within a plan and range over [0, Total).
type WorkItem struct {
	Index     int
	Selection ndarray.Selection
}

// Item returns the work item with the provided index. Items enumerate
// the Cartesian product of the split axes' coordinates, nested in
// Order: the largest axis is outermost and the smallest varies
// fastest.
func (p *Plan) Item(index int) WorkItem {
	if index < 0 || index >= p.Total {
		panic(fmt.Sprintf("partition: item %d out of range [0, %d)", index, p.Total))
	}
	sel := ndarray.All(p.Shape)
	rem := index
	for i := len(p.Order) - 1; i >= 0; i-- {
		axis := p.Order[i]
		n := p.Shape[axis]
		sel[axis] = ndarray.At(rem % n)
		rem /= n
	}
	return WorkItem{Index: index, Selection: sel}
}

// Items returns an iterator over all of the plan's work items, in
// index order.
func (p *Plan) Items() *Iterator {
	return &Iterator{plan: p}
}

// An Iterator enumerates a plan's work items. Iterators are not safe
// for concurrent use.
type Iterator struct {
	plan *Plan
	next int
}

// Next returns the next work item, or false when the iterator is
// exhausted.
func (it *Iterator) Next() (WorkItem, bool) {
	if it.next >= it.plan.Total {
		return WorkItem{}, false
	}
	item := it.plan.Item(it.next)
	it.next++
	return item, true
}

// Remaining returns the number of items not yet returned by Next.
func (it *Iterator) Remaining() int {
	return it.plan.Total - it.next
}
