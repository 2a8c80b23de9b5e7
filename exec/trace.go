// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigaxes/internal/trace"
)

// A tracer collects the task invocation spans of a session's runs.
// Each rank is represented as a Chrome "process", and each run as a
// "thread" within it, so that the invocations of concurrent runs are
// shown on separate rows.
type tracer struct {
	mu    sync.Mutex
	ranks int
	spans []tracedSpan
}

type tracedSpan struct {
	Span
	rank     int
	run      uint64
	schedule string
}

func newTracer() *tracer {
	return new(tracer)
}

// Record adds the spans of the provided rank results to the trace.
func (t *tracer) Record(run uint64, results []*Result) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Rank >= t.ranks {
			t.ranks = res.Rank + 1
		}
		for _, span := range res.Spans {
			t.spans = append(t.spans, tracedSpan{span, res.Rank, run, res.Schedule.String()})
		}
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	var epoch time.Time
	for _, span := range t.spans {
		if epoch.IsZero() || span.Start.Before(epoch) {
			epoch = span.Start
		}
	}
	events := make([]trace.Event, 0, t.ranks+len(t.spans))
	for rank := 0; rank < t.ranks; rank++ {
		events = append(events, trace.ProcessName(rank+1, fmt.Sprintf("rank %d", rank)))
	}
	for _, span := range t.spans {
		events = append(events, trace.Complete(
			span.rank+1, int(span.run), span.Name, span.schedule,
			epoch, span.Start, span.Duration,
			map[string]interface{}{"run": span.run}))
	}
	t.mu.Unlock()
	return (&trace.T{Events: events}).Encode(w)
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
