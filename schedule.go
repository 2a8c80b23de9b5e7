// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigaxes

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Schedule is the discipline used to distribute work among ranks.
type Schedule int

const (
	// Default defers the choice of schedule to the session running
	// the job.
	Default Schedule = iota
	// Static divides the largest split axis into one contiguous block
	// per rank. Assignment is computed locally by every rank.
	Static
	// Dynamic has a coordinator rank hand out single-coordinate work
	// items to worker ranks on request, until all items are done.
	Dynamic
)

// String returns the schedule's name.
func (s Schedule) String() string {
	switch s {
	case Default:
		return "default"
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("Schedule(%d)", int(s))
	}
}

// Valid tells whether s is a concrete schedule.
func (s Schedule) Valid() bool {
	return s == Static || s == Dynamic
}

// ParseSchedule returns the schedule with the provided name.
func ParseSchedule(name string) (Schedule, error) {
	switch strings.ToLower(name) {
	case "static":
		return Static, nil
	case "dynamic":
		return Dynamic, nil
	default:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown schedule %q", name))
	}
}

// Set implements flag.Value.
func (s *Schedule) Set(name string) error {
	v, err := ParseSchedule(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
