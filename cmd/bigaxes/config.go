// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigaxes/axesconfig"
)

func configCmd(args []string) {
	flags := flag.NewFlagSet("bigaxes config", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigaxes config\n\nCommand config prints the profile at %s,\nincluding defaults of all registered instances.\n", axesconfig.Path)
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
	profile, err := loadProfile(axesconfig.Path)
	must.Nil(err)
	must.Nil(profile.PrintTo(os.Stdout))
}

// loadProfile returns the profile stored at path. A missing file
// yields a profile with only the registered defaults.
func loadProfile(path string) (*config.Profile, error) {
	profile := config.New()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := profile.Parse(f); err != nil {
		return nil, err
	}
	return profile, nil
}

// writeProfile atomically replaces the profile stored at path.
func writeProfile(profile *config.Profile, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := profile.PrintTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
