// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm defines the process-group communicator used by bigaxes
// schedulers. A Communicator identifies the calling process within a
// fixed group of ranks and provides tagged point-to-point messaging
// between them. Messages between a pair of ranks with the same tag are
// delivered in the order they were sent.
//
// Two implementations are provided here: Local, a group of one, and
// NewGroup, a group of in-process ranks that communicate through
// shared mailboxes. Package exec provides a communicator for ranks
// that run on separate bigmachine machines.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Any may be passed as the source rank to Recv to receive a message
// from any rank.
const Any = -1

// A Communicator is a handle to a process group as seen from one of
// its members. Communicators are safe for concurrent use.
type Communicator interface {
	// Rank returns the caller's rank, in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers payload to rank dst with the provided tag. Send may
	// return before the message is received.
	Send(ctx context.Context, dst, tag int, payload interface{}) error
	// Recv blocks until a message with the provided tag arrives from
	// rank src, or from any rank if src is Any. It returns the
	// message's payload and the rank that sent it.
	Recv(ctx context.Context, src, tag int) (payload interface{}, source int, err error)
}

// Message is a tagged payload in transit between ranks.
type Message struct {
	Source  int
	Tag     int
	Payload interface{}
}

// String returns a short description of the message header.
func (m Message) String() string {
	return fmt.Sprintf("message from %d tag %d", m.Source, m.Tag)
}

// TagSet is the set of message tags used by a single scheduler run.
type TagSet struct {
	// Request tags work requests sent by workers to the coordinator.
	Request int
	// Assign tags work assignments sent by the coordinator.
	Assign int
	// Collect tags results collected by the coordinator at the end of
	// a dynamic run.
	Collect int
	// Gather tags results gathered at the end of a static run.
	Gather int
}

// tagStride is the tag space reserved for each run.
const tagStride = 16

// Tags returns the tag set for the run with the provided sequence
// number. Tag sets of distinct runs do not overlap, so that runs
// sharing a communicator never observe each other's messages.
func Tags(run uint64) TagSet {
	base := int(run * tagStride)
	return TagSet{
		Request: base + 11,
		Assign:  base + 12,
		Collect: base + 13,
		Gather:  base + 14,
	}
}

// Gather collects a payload from every rank at root. On root, Gather
// returns the payloads indexed by rank, root's own included; other
// ranks send their payload to root and return nil.
func Gather(ctx context.Context, c Communicator, tag int, payload interface{}, root int) ([]interface{}, error) {
	if err := CheckRank(c, root); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tag, payload)
	}
	all := make([]interface{}, c.Size())
	all[root] = payload
	for rank := range all {
		if rank == root {
			continue
		}
		v, _, err := c.Recv(ctx, rank, tag)
		if err != nil {
			return nil, err
		}
		all[rank] = v
	}
	return all, nil
}

// CheckRank returns an error of kind errors.Invalid if rank is not a
// member of c's group.
func CheckRank(c Communicator, rank int) error {
	if rank < 0 || rank >= c.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: rank %d out of range [0, %d)", rank, c.Size()))
	}
	return nil
}

// CheckSource is like CheckRank, but also admits Any.
func CheckSource(c Communicator, src int) error {
	if src == Any {
		return nil
	}
	return CheckRank(c, src)
}
