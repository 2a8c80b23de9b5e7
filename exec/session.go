// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/bigmachine"
)

// A Job describes a run to be performed by every rank of a session.
type Job struct {
	// Func is the task invoked on each slice.
	Func *bigaxes.FuncValue
	// Params are passed to the task.
	Params bigaxes.Params
	// Dataset is the dataset to partition.
	Dataset ndarray.Dataset
	// SplitAxes are the axes of the dataset that may be split.
	SplitAxes []int
	// SliceParam is the parameter name under which slices are passed
	// to the task.
	SliceParam string
	// Schedule is the scheduling discipline. The session's default
	// schedule is used if it is bigaxes.Default.
	Schedule bigaxes.Schedule
	// Collect tells whether results are assembled on the coordinator.
	Collect bool
	// Coordinator is the coordinating rank.
	Coordinator int
}

// Request returns the request for the given rank's communicator.
func (j Job) Request(c comm.Communicator, run uint64) Request {
	return Request{
		Func:        j.Func,
		Params:      j.Params,
		Dataset:     j.Dataset,
		SplitAxes:   j.SplitAxes,
		SliceParam:  j.SliceParam,
		Schedule:    j.Schedule,
		Collect:     j.Collect,
		Coordinator: j.Coordinator,
		Comm:        c,
		Run:         run,
	}
}

// An Executor runs jobs on a group of ranks.
type Executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string
	// Start starts the executor. It is called before any runs are
	// performed. The returned function is called on session shutdown.
	Start(*Session) (shutdown func())
	// Run performs the provided run of job on every rank. It returns
	// each rank's result and error, indexed by rank. Progress is
	// reported to group, if it is not nil.
	Run(ctx context.Context, job Job, run uint64, group *status.Group) ([]*Result, []error)
	// HandleDebug adds executor-specific debug handlers to the
	// provided ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// Session represents a bigaxes compute session: a group of ranks,
// hosted by an executor, on which jobs are run. A session is valid
// for the run of the binary. Runs in a session are numbered, and
// multiple runs may proceed concurrently.
//
// All tasks must be registered before Start is called, and in a
// deterministic order. This is provided by default when tasks are
// registered as package-level variables:
//
//	var sum = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
//		return p["slice"].(*ndarray.Dense).Sum(), nil
//	})
//
//	func main() {
//		sess := exec.Start(exec.Ranks(4))
//		defer sess.Shutdown()
//		res, err := sess.Run(ctx, exec.Job{Func: sum, ...})
//		...
//	}
type Session struct {
	context.Context
	id          string
	shutdown    func()
	ranks       int
	parallelism int
	schedule    bigaxes.Schedule
	executor    Executor
	status      *status.Status
	eventer     eventlog.Eventer
	tracePath   string
	tracer      *tracer

	runs uint64
}

func newSession() *Session {
	return &Session{
		Context:  backgroundcontext.Get(),
		schedule: bigaxes.Static,
		id:       uuid.New().String(),
		eventer:  eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session whose ranks are goroutines of the
// calling process.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session whose ranks are machines of the
// provided bigmachine system, one rank per machine. If any params are
// provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Ranks configures the number of ranks in the session's group.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Parallelism bounds the number of tasks invoked concurrently by the
// ranks of a local session. By default, every rank may invoke its
// task at any time.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.parallelism = p
	}
}

// DefaultSchedule configures the schedule used by jobs that leave
// theirs as bigaxes.Default.
func DefaultSchedule(schedule bigaxes.Schedule) Option {
	return func(s *Session) {
		s.schedule = schedule
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
		name := fmt.Sprintf("bigaxes-%s-status", s.id)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that receives the
// session's events, including warnings raised by ranks.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new session, configuring it according to
// the provided options. If no executor is configured, ranks run
// locally. If the number of ranks is not configured, the session has
// one rank per available CPU.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.ranks == 0 {
		s.ranks = runtime.GOMAXPROCS(0)
	}
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigaxes:sessionStart",
		"session", s.id,
		"executorType", s.executor.Name(),
		"command", processCommandLine(),
		"ranks", s.ranks,
		"parallelism", s.parallelism)
	s.tracer = newTracer()
	name := fmt.Sprintf("bigaxes-%s-trace", s.id)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// A JobResult holds the results of every rank of a run.
type JobResult struct {
	// Run is the run's sequence number within the session.
	Run uint64
	// Ranks holds the results of the ranks, indexed by rank.
	Ranks []*Result
	// Coordinator is the run's coordinating rank.
	Coordinator int
}

// Result returns the coordinator's result. It holds the aggregated
// results of collecting runs.
func (r *JobResult) Result() *Result {
	return r.Ranks[r.Coordinator]
}

// Events returns the warnings raised by every rank, in rank order.
func (r *JobResult) Events() []Event {
	var events []Event
	for _, res := range r.Ranks {
		events = append(events, res.Events...)
	}
	return events
}

// Run performs the provided job on every rank of the session. Run
// returns when every rank is done, or else on error; when ranks fail,
// the coordinator's error is preferred, as it describes the run as a
// whole. It is safe to make concurrent calls to Run.
func (s *Session) Run(ctx context.Context, job Job) (*JobResult, error) {
	if job.Schedule == bigaxes.Default {
		job.Schedule = s.schedule
	}
	run := atomic.AddUint64(&s.runs, 1) - 1
	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("run %d: %s %s", run, job.Schedule, job.Func)
	}
	s.eventer.Event("bigaxes:runStart",
		"session", s.id,
		"run", run,
		"schedule", job.Schedule.String(),
		"ranks", s.ranks)
	results, errs := s.executor.Run(ctx, job, run, group)
	s.tracer.Record(run, results)
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, e := range res.Events {
			s.eventer.Event(e.Type, "session", s.id, "run", run, "rank", e.Rank, "message", e.Message)
		}
	}
	if err := rankError(job.Coordinator, errs); err != nil {
		if group != nil {
			group.Printf("failed: %v", err)
		}
		return nil, err
	}
	if group != nil {
		group.Print("done")
	}
	return &JobResult{Run: run, Ranks: results, Coordinator: job.Coordinator}, nil
}

// Must is a version of Run that panics if the run fails.
func (s *Session) Must(ctx context.Context, job Job) *JobResult {
	res, err := s.Run(ctx, job)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// rankError returns the error of the run: the coordinator's error if
// it failed, or else the first error in rank order.
func rankError(coordinator int, errs []error) error {
	if coordinator >= 0 && coordinator < len(errs) && errs[coordinator] != nil {
		return errs[coordinator]
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Ranks returns the number of ranks in the session's group.
func (s *Session) Ranks() int {
	return s.ranks
}

// Parallelism returns the session's bound on concurrent task
// invocations, or 0 if it is unbounded.
func (s *Session) Parallelism() int {
	return s.parallelism
}

// Schedule returns the session's default schedule.
func (s *Session) Schedule() bigaxes.Schedule {
	return s.schedule
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// HandleDebug registers the session's debug handlers, including the
// executor's, on the provided ServeMux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
}
