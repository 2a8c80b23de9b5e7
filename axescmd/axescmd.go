// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package axescmd provides utilities for implementing bigaxes-based
// command line tools. The main entry point, axescmd.Main, configures
// a session according to a common set of flags and then invokes the
// user's driver code.
//
// An axescmd tool follows this form:
//
//	var sumFunc = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
//		...
//	})
//
//	func main() {
//		axescmd.Main(func(sess *exec.Session, args []string) error {
//			res, err := sess.Run(ctx, exec.Job{Func: sumFunc, ...})
//			...
//		})
//	}
package axescmd

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes/axesflags"
	"github.com/grailbio/bigaxes/exec"
)

// Main is the entry point of an axescmd. It parses the global flags,
// starts a session accordingly, and invokes the provided func with
// the session and the remaining arguments. Main does not return: the
// process exits with code 1 if the func returns an error, and 0
// otherwise. The session is shut down before exiting.
//
// Main serves diagnostics over HTTP (default address :3333): the
// session status at /debug/status, the session's and machines'
// debug handlers, and pprof under /debug/pprof.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl axesflags.Flags
	axesflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session configured by the supplied flags and
// arranges for its status to be displayed.
func Init(bf axesflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		PrintSystemHelp(bf.Output())
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// PrintSystemHelp writes a description of the system flag, the
// registered providers, and the registered profiles to w.
func PrintSystemHelp(w io.Writer) {
	providers, profiles := axesflags.ProvidersAndProfiles()
	fmt.Fprintf(w, "%s\n\n", axesflags.SystemHelpLong)
	fmt.Fprintf(w, "The available providers are: %v\n", strings.Join(providers, ", "))
	var lines []string
	for k, v := range profiles {
		lines = append(lines, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprint(w, line)
	}
}

// DisplayStatus arranges for the session's status to be displayed
// on the console, an HTTP server, or both, as the flags specify.
func DisplayStatus(bf axesflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) == 0 {
		return
	}
	handler := Handler(sess)
	go func() {
		log.Printf("HTTP status at: %v", bf.HTTPAddress)
		if err := http.ListenAndServe(bf.HTTPAddress.Address, handler); err != nil {
			log.Error.Printf("failed to start HTTP at %v: %v", bf.HTTPAddress, err)
		}
	}()
}

// Handler returns the diagnostic HTTP handler for a session.
func Handler(sess *exec.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/debug", middleware.Profiler())
	if st := sess.Status(); st != nil {
		r.Handle("/debug/status", status.Handler(st))
	}
	r.Get("/debug/session", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "session %s: %d ranks, schedule %s\n", sess.ID(), sess.Ranks(), sess.Schedule())
	})
	// The session and its machines register their handlers on a
	// ServeMux.
	mux := http.NewServeMux()
	sess.HandleDebug(mux)
	r.Handle("/debug/trace", mux)
	r.Handle("/debug/bigmachine/*", mux)
	return r
}
