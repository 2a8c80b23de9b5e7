// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// A Mailbox queues the messages delivered to a single rank. Take
// returns the earliest queued message that matches the requested
// source and tag, preserving per-source, per-tag FIFO order.
type Mailbox struct {
	mu    sync.Mutex
	cond  *ctxsync.Cond
	queue []Message
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	m := new(Mailbox)
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put enqueues a message and wakes up waiting receivers.
func (m *Mailbox) Put(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Take dequeues the earliest message with the provided tag from src,
// or from any source if src is Any. Take blocks until such a message
// is available or the context is done.
func (m *Mailbox) Take(ctx context.Context, src, tag int) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i, msg := range m.queue {
			if msg.Tag != tag || (src != Any && msg.Source != src) {
				continue
			}
			copy(m.queue[i:], m.queue[i+1:])
			m.queue[len(m.queue)-1] = Message{}
			m.queue = m.queue[:len(m.queue)-1]
			return msg, nil
		}
		if err := m.cond.Wait(ctx); err != nil {
			return Message{}, err
		}
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
