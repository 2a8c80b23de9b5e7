// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace reads and writes trace files in the Chrome tracing
// format, viewable in chrome://tracing.
package trace

import (
	"encoding/json"
	"io"
	"time"
)

// T is a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// ProcessName returns a metadata event that names process pid.
func ProcessName(pid int, name string) Event {
	return Event{
		Pid:  pid,
		Ph:   "M",
		Name: "process_name",
		Args: map[string]interface{}{"name": name},
	}
}

// Complete returns a complete ("X") event that begins at start and
// lasts for dur. Timestamps are relative to epoch, in microseconds.
// Completed events always have a positive duration so that they are
// rendered.
func Complete(pid, tid int, name, cat string, epoch, start time.Time, dur time.Duration, args map[string]interface{}) Event {
	e := Event{
		Pid:  pid,
		Tid:  tid,
		Ts:   start.Sub(epoch).Nanoseconds() / 1e3,
		Ph:   "X",
		Dur:  dur.Nanoseconds() / 1e3,
		Name: name,
		Cat:  cat,
		Args: args,
	}
	if e.Dur == 0 {
		e.Dur = 1
	}
	if e.Args == nil {
		e.Args = map[string]interface{}{}
	}
	return e
}

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads a JSON-encoded trace from r into t.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}
