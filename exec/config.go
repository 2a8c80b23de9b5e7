// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"runtime"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigaxes", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.ranks, "ranks", runtime.GOMAXPROCS(0), "number of ranks in the session's group")
		inst.IntVar(&sess.parallelism, "parallelism", 0, "maximum number of concurrent task invocations in local sessions; 0 is unlimited")
		var schedule string
		inst.StringVar(&schedule, "schedule", bigaxes.Static.String(), "default schedule: static or dynamic")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system hosting ranks; ranks are local goroutines if empty")
		inst.Doc = "bigaxes configures the bigaxes runtime"
		inst.New = func() (interface{}, error) {
			var err error
			if sess.schedule, err = bigaxes.ParseSchedule(schedule); err != nil {
				return nil, err
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
