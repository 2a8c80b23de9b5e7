// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigaxes

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var (
	fnTestEcho = Func(func(ctx context.Context, p Params) (interface{}, error) {
		return p, nil
	})
	fnTestPanic = Func(func(ctx context.Context, p Params) (interface{}, error) {
		panic("boom")
	})
	fnTestError = Func(func(ctx context.Context, p Params) (interface{}, error) {
		return nil, errors.E(errors.Invalid, "bad slice")
	})
)

func TestInvoke(t *testing.T) {
	params := Params{"scale": 2}
	v, err := fnTestEcho.Invoke(context.Background(), params, "slice", []int{1, 2})
	assert.NoError(t, err)
	got := v.(Params)
	expect.EQ(t, got["scale"], 2)
	expect.EQ(t, got["slice"], []int{1, 2})
	// The caller's parameters are untouched.
	if params.Has("slice") {
		t.Error("params were modified")
	}
	expect.EQ(t, len(params), 1)

	v, err = fnTestEcho.Invoke(context.Background(), nil, "x", 1)
	assert.NoError(t, err)
	expect.EQ(t, v, Params{"x": 1})
}

func TestInvokeErrors(t *testing.T) {
	_, err := fnTestPanic.Invoke(context.Background(), nil, "slice", nil)
	if e := errors.Recover(err); e == nil || e.Severity != errors.Fatal {
		t.Errorf("got %v, want fatal", err)
	}
	if err != nil && !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %v does not mention panic value", err)
	}
	_, err = fnTestError.Invoke(context.Background(), nil, "slice", nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestLookup(t *testing.T) {
	for _, f := range []*FuncValue{fnTestEcho, fnTestPanic, fnTestError} {
		g, err := Lookup(f.Index())
		assert.NoError(t, err)
		if g != f {
			t.Errorf("lookup %d: got %v, want %v", f.Index(), g, f)
		}
	}
	if _, err := Lookup(len(funcs)); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	locs := FuncLocations()
	expect.EQ(t, len(locs), len(funcs))
	if loc := locs[fnTestEcho.Index()]; !strings.Contains(loc, "func_test.go") {
		t.Errorf("unexpected location %s", loc)
	}
}

func TestFuncLocationsDiff(t *testing.T) {
	for _, c := range []struct {
		lhs  []string
		rhs  []string
		diff []string
	}{
		{nil, nil, nil},
		{[]string{"x.go:1"}, []string{"x.go:1"}, nil},
		{[]string{}, []string{"x.go:1"}, []string{"+ x.go:1"}},
		{[]string{"x.go:1", "x.go:2"}, []string{"x.go:2"}, []string{"- x.go:1", "x.go:2"}},
		{
			[]string{"a", "b", "d"},
			[]string{"a", "c", "d"},
			[]string{"a", "- b", "+ c", "d"},
		},
		{
			[]string{"a", "b", "c"},
			[]string{"a", "c", "d", "e"},
			[]string{"a", "- b", "c", "+ d", "+ e"},
		},
	} {
		if got, want := FuncLocationsDiff(c.lhs, c.rhs), c.diff; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSchedule(t *testing.T) {
	for _, s := range []Schedule{Static, Dynamic} {
		got, err := ParseSchedule(s.String())
		assert.NoError(t, err)
		expect.EQ(t, got, s)
	}
	var s Schedule
	assert.NoError(t, s.Set("DYNAMIC"))
	expect.EQ(t, s, Dynamic)
	if err := s.Set("guided"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if Schedule(7).Valid() || Default.Valid() {
		t.Error("expected invalid schedule")
	}
}

func TestParamsString(t *testing.T) {
	p := Params{"b": 2, "a": "x"}
	if got, want := p.String(), "{a=x b=2}"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
