// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes/comm"
	"golang.org/x/sync/errgroup"
)

// localExecutor is an executor that runs each rank in its own
// goroutine. Ranks communicate through in-process mailboxes.
type localExecutor struct {
	sess    *Session
	limiter *limiter.Limiter
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string {
	return "local"
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	if p := sess.Parallelism(); p > 0 {
		l.limiter = limiter.New()
		l.limiter.Release(p)
	}
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, job Job, run uint64, group *status.Group) ([]*Result, []error) {
	var (
		comms   = l.group()
		results = make([]*Result, len(comms))
		errs    = make([]error, len(comms))
		g       errgroup.Group
	)
	for rank := range comms {
		rank := rank
		req := job.Request(comms[rank], run)
		req.Status = group
		req.Limiter = l.limiter
		g.Go(func() error {
			results[rank], errs[rank] = Run(ctx, req)
			return errs[rank]
		})
	}
	// Every rank's error is reported; the group's is the first of them.
	_ = g.Wait()
	return results, errs
}

func (l *localExecutor) group() []comm.Communicator {
	if l.sess.Ranks() == 1 {
		return []comm.Communicator{comm.Local()}
	}
	return comm.NewGroup(l.sess.Ranks())
}

func (*localExecutor) HandleDebug(handler *http.ServeMux) {}
