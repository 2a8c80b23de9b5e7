// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"
	"strings"
)

// shellSafe tells whether arg can be passed to sh without quoting.
func shellSafe(arg string) bool {
	if arg == "" {
		return false
	}
	for _, r := range arg {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		case strings.ContainsRune("@%+=:,./_-", r):
		default:
			return false
		}
	}
	return true
}

// shellArg returns arg as a single sh word. Arguments that need it are
// single-quoted; embedded single quotes become '\''.
func shellArg(arg string) string {
	if shellSafe(arg) {
		return arg
	}
	return "'" + strings.Replace(arg, "'", `'\''`, -1) + "'"
}

// commandLine renders args as a line that may be pasted into sh. The
// session start event records the process's command line so that
// runs can be reproduced from event logs.
func commandLine(args []string) string {
	words := make([]string, len(args))
	for i, arg := range args {
		words[i] = shellArg(arg)
	}
	return strings.Join(words, " ")
}

func processCommandLine() string { return commandLine(os.Args) }
