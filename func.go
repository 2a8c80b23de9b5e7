// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigaxes

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A TaskFunc is a user computation invoked on a slice of a dataset.
// The slice is provided in params under the request's slice parameter
// name; all other parameters are passed through unchanged. The
// returned value is stored verbatim as the partial result of the
// invocation.
type TaskFunc func(ctx context.Context, params Params) (interface{}, error)

var (
	// Funcs is the global registry of tasks. Registration order must
	// be deterministic so that tasks can be addressed by index across
	// processes running the same binary; in practice, tasks are
	// package-level variables.
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue is a registered task, as returned by Func.
type FuncValue struct {
	fn       TaskFunc
	index    int
	location string
}

// Func registers the provided task and returns its handle. Tasks must
// be registered before ranks are started, and in the same order in
// every process: this is easily satisfied by registering them as
// package-level variables.
func Func(fn TaskFunc) *FuncValue {
	if fn == nil {
		log.Panicf("bigaxes.Func: nil task")
	}
	v := &FuncValue{fn: fn}
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		log.Panicf("bigaxes.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		log.Panicf("bigaxes.Func: data race")
	}
	return v
}

// Index returns the registry index of f.
func (f *FuncValue) Index() int { return f.index }

// Location returns the source location at which f was registered.
func (f *FuncValue) Location() string { return f.location }

// String returns the task's index and location.
func (f *FuncValue) String() string {
	return fmt.Sprintf("func %d (%s)", f.index, f.location)
}

// Invoke invokes the task once with a copy of params in which name is
// bound to slice. The caller's params are never modified. A panic in
// the task is recovered and returned as an error of kind errors.Fatal.
func (f *FuncValue) Invoke(ctx context.Context, params Params, name string, slice interface{}) (result interface{}, err error) {
	args := params.With(name, slice)
	defer func() {
		if e := recover(); e != nil {
			result = nil
			err = errors.E(errors.Fatal, fmt.Sprintf("%s: panic while invoking task: %v\n%s", f, e, debug.Stack()))
		}
	}()
	return f.fn(ctx, args)
}

// Lookup returns the task registered with the provided index.
func Lookup(index int) (*FuncValue, error) {
	if index < 0 || index >= len(funcs) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("bigaxes: no func with index %d (%d registered)", index, len(funcs)))
	}
	return funcs[index], nil
}

// FuncLocations returns the registration locations of all tasks, in
// registration order. Processes compare their locations to verify
// that they address tasks the same way.
func FuncLocations() []string {
	locs := make([]string, len(funcs))
	for i, f := range funcs {
		locs[i] = f.location
	}
	return locs
}

// FuncLocationsDiff returns an edit script that transforms lhs into
// rhs: common entries are listed as-is, removals are prefixed by "- ",
// and additions by "+ ". FuncLocationsDiff returns nil if the two
// lists are equal.
func FuncLocationsDiff(lhs, rhs []string) []string {
	// lcs[i][j] is the length of the longest common subsequence of
	// lhs[i:] and rhs[j:].
	lcs := make([][]int, len(lhs)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(rhs)+1)
	}
	for i := len(lhs) - 1; i >= 0; i-- {
		for j := len(rhs) - 1; j >= 0; j-- {
			switch {
			case lhs[i] == rhs[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}
	var (
		diff  []string
		edits int
		i, j  int
	)
	for i < len(lhs) && j < len(rhs) {
		switch {
		case lhs[i] == rhs[j]:
			diff = append(diff, lhs[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			diff = append(diff, "- "+lhs[i])
			edits++
			i++
		default:
			diff = append(diff, "+ "+rhs[j])
			edits++
			j++
		}
	}
	for ; i < len(lhs); i++ {
		diff = append(diff, "- "+lhs[i])
		edits++
	}
	for ; j < len(rhs); j++ {
		diff = append(diff, "+ "+rhs[j])
		edits++
	}
	if edits == 0 {
		return nil
	}
	return diff
}
