// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"testing"
	"time"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestEncodeDecode(t *testing.T) {
	var (
		epoch = time.Unix(1000, 0)
		in    = T{Events: []Event{
			ProcessName(1, "rank 0"),
			Complete(1, 2, "item 3", "dynamic", epoch, epoch.Add(5*time.Millisecond), 0, nil),
		}}
		b bytes.Buffer
	)
	assert.NoError(t, in.Encode(&b))
	var out T
	assert.NoError(t, out.Decode(&b))
	if got, want := len(out.Events), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	expect.EQ(t, out.Events[0].Args["name"], "rank 0")
	e := out.Events[1]
	expect.EQ(t, e.Ph, "X")
	expect.EQ(t, e.Ts, int64(5000))
	// Zero-length spans are given a minimal duration.
	expect.EQ(t, e.Dur, int64(1))
	expect.EQ(t, e.Tid, 2)
}
