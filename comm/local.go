// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NewGroup creates an in-process group of size n, returning one Comm
// per rank. Each rank is expected to be driven by its own goroutine.
// Values are delivered by reference: in-process ranks share memory,
// and callers that mutate sent values after Send observe aliasing.
// The collectives in this package copy bulk payloads on receipt, so
// arrays moved through them do not alias across ranks.
func NewGroup(n int) []Comm {
	if n <= 0 {
		panic(fmt.Sprintf("comm.NewGroup: invalid group size %d", n))
	}
	g := &localGroup{
		boxes:   make([]*mailbox, n),
		barrier: &sharedBarrier{n: n},
		split:   &splitter{n: n},
	}
	for i := range g.boxes {
		g.boxes[i] = new(mailbox)
	}
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = &localComm{group: g, rank: i}
	}
	return comms
}

// Self returns a size-1 group comm for the calling process. It is
// the default process-group view installed in new blocks.
func Self() Comm {
	return NewGroup(1)[0]
}

// Run drives an in-process group of size n, calling body once per
// rank on its own goroutine. Run returns when every body has
// returned; if any body fails, the shared context is cancelled so
// that peers blocked in collectives return, and the first error is
// returned.
func Run(ctx context.Context, n int, body func(ctx context.Context, c Comm) error) error {
	comms := NewGroup(n)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		c := c
		g.Go(func() error {
			defer c.Free()
			return body(ctx, c)
		})
	}
	return g.Wait()
}

type localGroup struct {
	boxes   []*mailbox
	barrier *sharedBarrier
	split   *splitter
}

type localComm struct {
	group *localGroup
	rank  int
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Size() int { return len(c.group.boxes) }

func (c *localComm) Send(ctx context.Context, dest, tag int, value interface{}) error {
	if err := checkRank(c, dest); err != nil {
		return err
	}
	c.group.boxes[dest].deliver(Message{Source: c.rank, Tag: tag, Value: value})
	return nil
}

func (c *localComm) Recv(ctx context.Context, source, tag int) (Message, error) {
	return c.group.boxes[c.rank].receive(ctx, source, tag)
}

func (c *localComm) Barrier(ctx context.Context) error {
	return c.group.barrier.wait(ctx)
}

func (c *localComm) Split(ctx context.Context, color, key int) (Comm, error) {
	return c.group.split.join(ctx, c.rank, color, key)
}

func (c *localComm) Free() error { return nil }

// A mailbox is a single-consumer message queue. Receivers wait on a
// broadcast channel that senders close upon delivery, the same
// notification idiom used by task state changes in package exec.
type mailbox struct {
	mu    sync.Mutex
	msgs  []Message
	waitc chan struct{}
}

func (m *mailbox) deliver(msg Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	if m.waitc != nil {
		close(m.waitc)
		m.waitc = nil
	}
	m.mu.Unlock()
}

func (m *mailbox) receive(ctx context.Context, source, tag int) (Message, error) {
	for {
		m.mu.Lock()
		for i, msg := range m.msgs {
			if source != AnySource && msg.Source != source {
				continue
			}
			if tag != AnyTag && msg.Tag != tag {
				continue
			}
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			m.mu.Unlock()
			return msg, nil
		}
		if m.waitc == nil {
			m.waitc = make(chan struct{})
		}
		waitc := m.waitc
		m.mu.Unlock()
		select {
		case <-waitc:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

type sharedBarrier struct {
	mu    sync.Mutex
	n     int
	count int
	waitc chan struct{}
}

func (b *sharedBarrier) wait(ctx context.Context) error {
	b.mu.Lock()
	if b.waitc == nil {
		b.waitc = make(chan struct{})
	}
	waitc := b.waitc
	b.count++
	if b.count == b.n {
		b.count = 0
		b.waitc = nil
		close(waitc)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	select {
	case <-waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// A splitter implements the collective group split: each rank joins
// a round with its (color, key); the last arrival computes the
// sub-groups and releases the others.
type splitter struct {
	mu  sync.Mutex
	n   int
	cur *splitRound
}

type splitRound struct {
	entries map[int]splitEntry
	waitc   chan struct{}
	comms   map[int]Comm // base rank -> sub-group comm
}

type splitEntry struct{ color, key int }

func (s *splitter) join(ctx context.Context, rank, color, key int) (Comm, error) {
	s.mu.Lock()
	if s.cur == nil {
		s.cur = &splitRound{
			entries: make(map[int]splitEntry),
			waitc:   make(chan struct{}),
		}
	}
	round := s.cur
	round.entries[rank] = splitEntry{color, key}
	if len(round.entries) == s.n {
		round.build()
		s.cur = nil
		close(round.waitc)
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		select {
		case <-round.waitc:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return round.comms[rank], nil
}

func (r *splitRound) build() {
	byColor := make(map[int][]int)
	for rank, e := range r.entries {
		byColor[e.color] = append(byColor[e.color], rank)
	}
	r.comms = make(map[int]Comm)
	for _, ranks := range byColor {
		entries := r.entries
		sort.Slice(ranks, func(i, j int) bool {
			ei, ej := entries[ranks[i]], entries[ranks[j]]
			if ei.key != ej.key {
				return ei.key < ej.key
			}
			return ranks[i] < ranks[j]
		})
		sub := NewGroup(len(ranks))
		for i, rank := range ranks {
			r.comms[rank] = sub[i]
		}
	}
}
