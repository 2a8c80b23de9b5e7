// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/exec"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestParseInts(t *testing.T) {
	ints, err := parseInts("6, 4,10")
	assert.NoError(t, err)
	expect.EQ(t, ints, []int{6, 4, 10})
	ints, err = parseInts("")
	assert.NoError(t, err)
	expect.EQ(t, len(ints), 0)
	if _, err := parseInts("1,x"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestElement(t *testing.T) {
	shape := []int{3, 4}
	d := ndarray.Generate(element(shape), shape...)
	expect.EQ(t, d.At(2, 3), 11.0)
	expect.EQ(t, d.Sum(), 66.0)
}

func TestRun(t *testing.T) {
	for _, schedule := range []bigaxes.Schedule{bigaxes.Static, bigaxes.Dynamic} {
		sess := exec.Start(exec.Local, exec.Ranks(3), exec.DefaultSchedule(schedule))
		assert.NoError(t, run(context.Background(), sess, []int{6, 4, 2}, []int{0, 1}, true))
		sess.Shutdown()
	}
}
