// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/comm"
	"github.com/grailbio/bigaxes/ndarray"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// BigmachineStatusGroup is the name of the status group in which
// machine status is reported.
const BigmachineStatusGroup = "bigmachine"

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// MaxDialRetries is the number of times a peer is dialed before
// giving up.
const maxDialRetries = 5

func init() {
	gob.Register(&rankService{})
}

// bigmachineExecutor is an executor that runs each rank on its own
// bigmachine machine. Machines are started on the first run and
// reused by subsequent runs.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the bigmachine. Machines are not allocated until they
// are needed.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

// Start returns the session's machines, starting them if they have
// not been started yet. Each machine is verified to have the same
// registered tasks as the driver.
func (b *bigmachineExecutor) start(ctx context.Context) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.machines != nil {
		return b.machines, nil
	}
	n := b.sess.Ranks()
	params := append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "error starting machines", err)
	}
	if len(machines) != n {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("started %d machines, need %d", len(machines), n))
	}
	err = traverse.Each(len(machines), func(i int) error {
		m := machines[i]
		var task *status.Task
		if b.status != nil {
			task = b.status.Startf("rank %d", i)
			task.Print("waiting for machine to boot")
		}
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			log.Printf("machine %s failed to start: %v", m.Addr, err)
			if task != nil {
				task.Printf("failed to start: %v", err)
				task.Done()
			}
			return errors.E(errors.Unavailable, fmt.Sprintf("machine %s", m.Addr), err)
		}
		var locs []string
		if err := m.RetryCall(ctx, "Rank.FuncLocations", struct{}{}, &locs); err != nil {
			if task != nil {
				task.Print("failed to verify funcs")
				task.Done()
			}
			return err
		}
		if diff := bigaxes.FuncLocationsDiff(bigaxes.FuncLocations(), locs); len(diff) > 0 {
			for _, edit := range diff {
				log.Printf("[funcsdiff] %s", edit)
			}
			return errors.E(errors.Invalid, fmt.Sprintf("machine %s has different funcs; check for local or non-deterministic Func creation", m.Addr))
		}
		if task != nil {
			task.Title(fmt.Sprintf("rank %d: %s", i, m.Addr))
			task.Print("running")
		}
		log.Printf("machine %v is ready (rank %d)", m.Addr, i)
		return nil
	})
	if err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	b.machines = machines
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, job Job, run uint64, group *status.Group) ([]*Result, []error) {
	n := b.sess.Ranks()
	var (
		results = make([]*Result, n)
		errs    = make([]error, n)
	)
	machines, err := b.start(ctx)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}
	addrs := make([]string, len(machines))
	for i, m := range machines {
		addrs[i] = m.Addr
	}
	var g errgroup.Group
	for rank, m := range machines {
		rank, m := rank, m
		req := rankRunRequest{
			Rank:        rank,
			Run:         run,
			Addrs:       addrs,
			Func:        job.Func.Index(),
			Params:      job.Params,
			Dataset:     job.Dataset,
			SplitAxes:   job.SplitAxes,
			SliceParam:  job.SliceParam,
			Schedule:    job.Schedule,
			Collect:     job.Collect,
			Coordinator: job.Coordinator,
		}
		g.Go(func() error {
			var task *status.Task
			if group != nil {
				task = group.Startf("rank %d: %s", rank, m.Addr)
				defer task.Done()
			}
			res := new(Result)
			if err := m.Call(ctx, "Rank.Run", req, res); err != nil {
				log.Error.Printf("rank %d (%s): run %d: %v", rank, m.Addr, run, err)
				if task != nil {
					task.Printf("failed: %v", err)
				}
				errs[rank] = err
				return err
			}
			results[rank] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// A rankRunRequest is the machine-transportable version of a Request.
// The communicator is reconstructed on the machine from the addresses
// of the group's machines, indexed by rank.
type rankRunRequest struct {
	Rank        int
	Run         uint64
	Addrs       []string
	Func        int
	Params      bigaxes.Params
	Dataset     ndarray.Dataset
	SplitAxes   []int
	SliceParam  string
	Schedule    bigaxes.Schedule
	Collect     bool
	Coordinator int
}

// A deliverRequest carries a message to a rank's mailbox. Seq numbers
// the messages of a stream (a sending communicator) to a destination,
// so that retried deliveries are not enqueued twice.
type deliverRequest struct {
	Stream  string
	Seq     uint64
	Message comm.Message
}

// rankService is the bigmachine service that hosts a rank: it owns
// the rank's mailbox, into which peers deliver messages, and runs the
// rank's part of each run.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b   *bigmachine.B
	box *comm.Mailbox

	mu sync.Mutex
	// seqs holds the last sequence number delivered for each stream.
	seqs map[string]uint64
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	s.box = comm.NewMailbox()
	s.seqs = make(map[string]uint64)
	return nil
}

// FuncLocations returns the locations of the tasks registered in the
// machine's binary.
func (s *rankService) FuncLocations(ctx context.Context, _ struct{}, locs *[]string) error {
	*locs = bigaxes.FuncLocations()
	return nil
}

// Deliver enqueues a message in the rank's mailbox.
func (s *rankService) Deliver(ctx context.Context, req deliverRequest, _ *struct{}) error {
	s.mu.Lock()
	if req.Seq <= s.seqs[req.Stream] {
		s.mu.Unlock()
		log.Debug.Printf("dropping duplicate delivery %d of stream %s", req.Seq, req.Stream)
		return nil
	}
	s.seqs[req.Stream] = req.Seq
	s.mu.Unlock()
	s.box.Put(req.Message)
	return nil
}

// Run performs this machine's rank of a run.
func (s *rankService) Run(ctx context.Context, req rankRunRequest, res *Result) error {
	fn, err := bigaxes.Lookup(req.Func)
	if err != nil {
		return err
	}
	c := &machineComm{
		rank:   req.Rank,
		addrs:  req.Addrs,
		svc:    s,
		stream: uuid.New().String(),
		peers:  make([]*peer, len(req.Addrs)),
	}
	for i := range c.peers {
		c.peers[i] = new(peer)
	}
	r, err := Run(ctx, Request{
		Func:        fn,
		Params:      req.Params,
		Dataset:     req.Dataset,
		SplitAxes:   req.SplitAxes,
		SliceParam:  req.SliceParam,
		Schedule:    req.Schedule,
		Collect:     req.Collect,
		Coordinator: req.Coordinator,
		Comm:        c,
		Run:         req.Run,
	})
	if err != nil {
		return err
	}
	*res = *r
	return nil
}

// machineComm is the communicator of a rank hosted by a rankService.
// Messages to other ranks are delivered by calls to their machines'
// Rank.Deliver; messages to self go directly to the local mailbox.
type machineComm struct {
	rank   int
	addrs  []string
	svc    *rankService
	stream string
	peers  []*peer
}

// A peer is the sending side of a connection to another rank.
// Sends to a peer are serialized, so that they are delivered in
// order and numbered consecutively.
type peer struct {
	mu      sync.Mutex
	machine *bigmachine.Machine
	seq     uint64
}

func (c *machineComm) Rank() int { return c.rank }
func (c *machineComm) Size() int { return len(c.addrs) }

func (c *machineComm) Send(ctx context.Context, dst, tag int, payload interface{}) error {
	if err := comm.CheckRank(c, dst); err != nil {
		return err
	}
	msg := comm.Message{Source: c.rank, Tag: tag, Payload: payload}
	if dst == c.rank {
		c.svc.box.Put(msg)
		return nil
	}
	p := c.peers[dst]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.machine == nil {
		m, err := c.dial(ctx, c.addrs[dst])
		if err != nil {
			return err
		}
		p.machine = m
	}
	p.seq++
	req := deliverRequest{Stream: c.stream, Seq: p.seq, Message: msg}
	if err := p.machine.RetryCall(ctx, "Rank.Deliver", req, nil); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("rank %d: deliver %s to rank %d", c.rank, msg, dst), err)
	}
	return nil
}

func (c *machineComm) dial(ctx context.Context, addr string) (*bigmachine.Machine, error) {
	for retries := 0; ; retries++ {
		m, err := c.svc.b.Dial(ctx, addr)
		if err == nil {
			return m, nil
		}
		log.Error.Printf("rank %d: dial %s: %v", c.rank, addr, err)
		if retries == maxDialRetries {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("rank %d: dial %s", c.rank, addr), err)
		}
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return nil, err
		}
	}
}

func (c *machineComm) Recv(ctx context.Context, src, tag int) (interface{}, int, error) {
	if err := comm.CheckSource(c, src); err != nil {
		return nil, 0, err
	}
	msg, err := c.svc.box.Take(ctx, src, tag)
	if err != nil {
		return nil, 0, err
	}
	return msg.Payload, msg.Source, nil
}
