// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm provides the process-group abstraction underlying
// bigpipe's distributed execution: a fixed set of cooperating
// processes, each holding a rank in [0, Size), exchanging messages
// point-to-point and through collective operations.
//
// A Comm is always passed explicitly: there is no process-wide
// "current group". The zero-cost, in-process implementation returned
// by NewGroup backs tests and single-machine runs; package exec
// provides a bigmachine-backed implementation for multi-machine
// runs.
//
// All collective calls (Barrier, Split, and the collectives in this
// package) are synchronous: they suspend the caller until the
// matching call completes on its peers.
package comm

import (
	"context"
	"fmt"
)

// AnySource and AnyTag are wildcard values for Recv.
const (
	AnySource = -1
	AnyTag    = -1
)

// A Message is a received point-to-point message, carrying the
// sender's rank and the tag under which it was sent.
type Message struct {
	Source int
	Tag    int
	Value  interface{}
}

// Comm is a view of a process group from one of its members.
// Implementations must permit concurrent Sends; Recv is called only
// from the rank's own goroutine or process.
type Comm interface {
	// Rank returns the caller's rank within the group.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers value to the destination rank under the given
	// tag. User tags must be non-negative and below TagUser.
	Send(ctx context.Context, dest, tag int, value interface{}) error
	// Recv returns the next message matching source and tag, either
	// of which may be AnySource or AnyTag. Messages from one sender
	// with one tag are received in the order sent.
	Recv(ctx context.Context, source, tag int) (Message, error)
	// Barrier blocks until every rank in the group has entered it.
	Barrier(ctx context.Context) error
	// Split partitions the group into sub-groups of ranks that
	// passed the same color, ordered by (key, rank). It is a
	// collective call; every rank receives the Comm of its own
	// sub-group.
	Split(ctx context.Context, color, key int) (Comm, error)
	// Free releases resources held by the group view. A freed Comm
	// must not be used again.
	Free() error
}

// Internal tag space. User tags live below TagUser; the collectives
// in this package and the exec scheduler use tags at and above it so
// that user traffic cannot be mistaken for protocol traffic.
const (
	TagUser = 1 << 20

	tagBcast = TagUser + iota
	tagGather
	tagArrayMeta
	tagArrayData
)

func checkRank(c Comm, rank int) error {
	if rank < 0 || rank >= c.Size() {
		return fmt.Errorf("comm: invalid rank %d in group of size %d", rank, c.Size())
	}
	return nil
}

// Bcast broadcasts value from root to every rank of c, returning
// the broadcast value on all ranks. The value passed by non-root
// ranks is ignored.
func Bcast(ctx context.Context, c Comm, root int, value interface{}) (interface{}, error) {
	if err := checkRank(c, root); err != nil {
		return nil, err
	}
	if c.Rank() == root {
		for rank := 0; rank < c.Size(); rank++ {
			if rank == root {
				continue
			}
			if err := c.Send(ctx, rank, tagBcast, value); err != nil {
				return nil, err
			}
		}
		return value, nil
	}
	m, err := c.Recv(ctx, root, tagBcast)
	if err != nil {
		return nil, err
	}
	return m.Value, nil
}

// Gather gathers one value from every rank to root. On root, the
// returned slice holds rank i's value at index i; on other ranks it
// is nil.
func Gather(ctx context.Context, c Comm, root int, value interface{}) ([]interface{}, error) {
	if err := checkRank(c, root); err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tagGather, value)
	}
	values := make([]interface{}, c.Size())
	values[root] = value
	for rank := 0; rank < c.Size(); rank++ {
		if rank == root {
			continue
		}
		m, err := c.Recv(ctx, rank, tagGather)
		if err != nil {
			return nil, err
		}
		values[rank] = m.Value
	}
	return values, nil
}

// AllGather gathers one value from every rank and returns the full
// set, ordered by rank, on every rank.
func AllGather(ctx context.Context, c Comm, value interface{}) ([]interface{}, error) {
	values, err := Gather(ctx, c, 0, value)
	if err != nil {
		return nil, err
	}
	v, err := Bcast(ctx, c, 0, values)
	if err != nil {
		return nil, err
	}
	return v.([]interface{}), nil
}
