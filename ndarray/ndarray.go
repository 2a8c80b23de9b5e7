// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ndarray provides the dataset model used by bigaxes: an
// n-dimensional array with a fixed shape that can be indexed by a
// Selection, one Range per axis.
package ndarray

import (
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register(&Dense{})
}

// A Dataset is an n-dimensional array-like value with a fixed shape.
// Datasets are read-only for the duration of a run: every rank only
// indexes into them to materialize its own slices.
type Dataset interface {
	// Shape returns the extent of each axis of the dataset.
	Shape() []int
	// Slice materializes the portion of the dataset selected by sel.
	// Axes selected by a point range are removed from the result, as
	// with integer indexing.
	Slice(sel Selection) (interface{}, error)
}

// A Range selects the half-open interval [Start, Stop) along an axis,
// or, when Point is set, the single coordinate Start.
type Range struct {
	Start, Stop int
	Point       bool
}

// Span returns the range [start, stop).
func Span(start, stop int) Range {
	return Range{Start: start, Stop: stop}
}

// At returns the point range at coordinate i.
func At(i int) Range {
	return Range{Start: i, Stop: i + 1, Point: true}
}

// Len returns the number of coordinates selected by r.
func (r Range) Len() int {
	if r.Point {
		return 1
	}
	return r.Stop - r.Start
}

// String returns r in index notation: "i" for points, "start:stop"
// otherwise.
func (r Range) String() string {
	if r.Point {
		return fmt.Sprint(r.Start)
	}
	return fmt.Sprintf("%d:%d", r.Start, r.Stop)
}

// A Selection selects a sub-array of a dataset, one Range per axis.
type Selection []Range

// All returns the selection of the whole of an array with the given
// shape.
func All(shape []int) Selection {
	sel := make(Selection, len(shape))
	for i, n := range shape {
		sel[i] = Span(0, n)
	}
	return sel
}

// Validate checks that sel is a valid selection of an array with the
// provided shape.
func (sel Selection) Validate(shape []int) error {
	if len(sel) != len(shape) {
		return errors.E(errors.Invalid, fmt.Sprintf("selection %s has %d axes, array has %d", sel, len(sel), len(shape)))
	}
	for axis, r := range sel {
		n := shape[axis]
		switch {
		case r.Point && (r.Start < 0 || r.Start >= n):
			return errors.E(errors.Invalid, fmt.Sprintf("selection %s: index %d out of range [0, %d) on axis %d", sel, r.Start, n, axis))
		case !r.Point && (r.Start < 0 || r.Stop > n || r.Start > r.Stop):
			return errors.E(errors.Invalid, fmt.Sprintf("selection %s: range %s out of bounds [0, %d] on axis %d", sel, r, n, axis))
		}
	}
	return nil
}

// Shape returns the shape of the array produced by the selection.
// Point ranges do not contribute an axis.
func (sel Selection) Shape() []int {
	var shape []int
	for _, r := range sel {
		if !r.Point {
			shape = append(shape, r.Len())
		}
	}
	return shape
}

// String returns the selection in index notation, e.g., "[0:2, 3]".
func (sel Selection) String() string {
	parts := make([]string, len(sel))
	for i, r := range sel {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Dense is a dense, row-major array of float64 values. Dense implements
// Dataset; its slices are themselves *Dense values.
type Dense struct {
	Dims []int
	Data []float64
}

// New returns a zero-valued array with the provided dimensions. An
// array with no dimensions is a scalar holding a single value.
func New(dims ...int) *Dense {
	n := 1
	for _, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("ndarray.New: negative dimension %d", d))
		}
		n *= d
	}
	return &Dense{Dims: append([]int(nil), dims...), Data: make([]float64, n)}
}

// FromSlice returns an array with the provided dimensions, backed by
// data, which must be of the right length.
func FromSlice(data []float64, dims ...int) (*Dense, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ndarray: %d values do not fill shape %v", len(data), dims))
	}
	return &Dense{Dims: append([]int(nil), dims...), Data: data}, nil
}

// Generate returns an array with the provided dimensions whose values
// are computed by fn from their index.
func Generate(fn func(index []int) float64, dims ...int) *Dense {
	d := New(dims...)
	index := make([]int, len(dims))
	for i := range d.Data {
		d.Data[i] = fn(index)
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < dims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return d
}

// Shape implements Dataset.
func (d *Dense) Shape() []int {
	return append([]int(nil), d.Dims...)
}

// Len returns the number of values in the array.
func (d *Dense) Len() int { return len(d.Data) }

func (d *Dense) strides() []int {
	strides := make([]int, len(d.Dims))
	stride := 1
	for i := len(d.Dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= d.Dims[i]
	}
	return strides
}

func (d *Dense) offset(index []int) int {
	if len(index) != len(d.Dims) {
		panic(fmt.Sprintf("ndarray: index %v has wrong rank for shape %v", index, d.Dims))
	}
	var off int
	for i, stride := range d.strides() {
		if index[i] < 0 || index[i] >= d.Dims[i] {
			panic(fmt.Sprintf("ndarray: index %v out of range for shape %v", index, d.Dims))
		}
		off += index[i] * stride
	}
	return off
}

// At returns the value at the provided index.
func (d *Dense) At(index ...int) float64 {
	return d.Data[d.offset(index)]
}

// Set sets the value at the provided index.
func (d *Dense) Set(v float64, index ...int) {
	d.Data[d.offset(index)] = v
}

// Sum returns the sum of all values in the array.
func (d *Dense) Sum() float64 {
	var sum float64
	for _, v := range d.Data {
		sum += v
	}
	return sum
}

// Sub returns a copy of the sub-array selected by sel.
func (d *Dense) Sub(sel Selection) (*Dense, error) {
	if err := sel.Validate(d.Dims); err != nil {
		return nil, err
	}
	var (
		out     = New(sel.Shape()...)
		strides = d.strides()
		n       int
		walk    func(axis, off int)
	)
	walk = func(axis, off int) {
		if axis == len(sel) {
			out.Data[n] = d.Data[off]
			n++
			return
		}
		r := sel[axis]
		if r.Point {
			walk(axis+1, off+r.Start*strides[axis])
			return
		}
		for i := r.Start; i < r.Stop; i++ {
			walk(axis+1, off+i*strides[axis])
		}
	}
	if len(out.Data) > 0 {
		walk(0, 0)
	}
	return out, nil
}

// Slice implements Dataset.
func (d *Dense) Slice(sel Selection) (interface{}, error) {
	return d.Sub(sel)
}

// String returns a short description of the array.
func (d *Dense) String() string {
	return fmt.Sprintf("dense%v", d.Dims)
}
