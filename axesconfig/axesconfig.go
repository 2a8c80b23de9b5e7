// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package axesconfig creates a bigaxes session from the shared
// configuration maintained by package github.com/grailbio/base/config.
// The default profile is read from $HOME/.bigaxes/config, which may
// be provisioned by the bigaxes command.
package axesconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigaxes/exec"

	// Provides ec2system.System instances to the "bigaxes.system" key.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path is the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigaxes/config")

// Parse registers the configuration flags, parses the command line,
// and returns the session configured by the profile at Path as
// amended by the flags. Parse panics if the session cannot be
// created.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Session()
}

// Session returns the session configured by the current profile.
// It does not touch the command line.
func Session() (sess *exec.Session, shutdown func()) {
	config.Must("bigaxes", &sess)
	return sess, sess.Shutdown
}
