// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "context"

// Local returns a communicator for a group of one: the calling
// process has rank 0 and may only message itself.
func Local() Communicator {
	return NewGroup(1)[0]
}

// NewGroup returns the communicators of a group of n in-process
// ranks, indexed by rank. Messages are exchanged through per-rank
// mailboxes; Send never blocks.
func NewGroup(n int) []Communicator {
	if n < 1 {
		panic("comm.NewGroup: group must have at least one rank")
	}
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	comms := make([]Communicator, n)
	for i := range comms {
		comms[i] = &groupComm{rank: i, boxes: boxes}
	}
	return comms
}

type groupComm struct {
	rank  int
	boxes []*Mailbox
}

func (c *groupComm) Rank() int { return c.rank }
func (c *groupComm) Size() int { return len(c.boxes) }

func (c *groupComm) Send(ctx context.Context, dst, tag int, payload interface{}) error {
	if err := CheckRank(c, dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.boxes[dst].Put(Message{Source: c.rank, Tag: tag, Payload: payload})
	return nil
}

func (c *groupComm) Recv(ctx context.Context, src, tag int) (interface{}, int, error) {
	if err := CheckSource(c, src); err != nil {
		return nil, 0, err
	}
	msg, err := c.boxes[c.rank].Take(ctx, src, tag)
	if err != nil {
		return nil, 0, err
	}
	return msg.Payload, msg.Source, nil
}
