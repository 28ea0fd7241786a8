// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpipe/comm"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(ctrlMsg{})
	gob.Register(taskMsg{})
	gob.Register(taskResult{})
	gob.Register(gatherItem{})
	gob.Register(workUnit{})
	gob.Register(&Peer{})
}

// Tags reserved by the machine-backed group for its own barrier and
// split collectives.
const (
	tagMachBarrier = comm.TagUser + 32 + iota
	tagMachRelease
	tagMachSplit
	tagMachAssign
)

// Runner is the function a machine invokes to take part in an SPMD
// run: it receives the rank's communicator and the configuration
// shipped by the driver. It is registered once, at program
// initialization, by the package that knows how to rebuild a
// pipeline from its configuration.
type Runner func(ctx context.Context, c comm.Comm, config []byte) error

var (
	runnerMu sync.Mutex
	runner   Runner
)

// RegisterRunner installs the runner invoked by machines. It must
// be called at program initialization, before any machine starts,
// since machines re-execute the running binary.
func RegisterRunner(r Runner) {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	if runner != nil {
		panic("exec: runner already registered")
	}
	runner = r
}

// A runRequest asks one machine to run the registered runner as one
// rank of a process group.
type runRequest struct {
	Rank   int
	Addrs  []string
	Config []byte
}

// A peerMsg is a point-to-point message between two ranks of a
// machine-backed group. Group distinguishes messages of split
// sub-groups sharing the same mailboxes; it is a path of split
// counters rooted at the launch group's empty path.
type peerMsg struct {
	Group  string
	Source int
	Tag    int
	Value  interface{}
}

// Peer is the bigmachine service hosted by every machine of a
// process group: a mailbox for messages from peer ranks, plus the
// entry point that runs the registered runner as the machine's
// rank.
type Peer struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu    sync.Mutex
	msgs  []peerMsg
	waitc chan struct{}
}

// Init implements bigmachine service initialization.
func (p *Peer) Init(b *bigmachine.B) error {
	p.b = b
	return nil
}

// Deliver accepts a message from a peer rank.
func (p *Peer) Deliver(ctx context.Context, msg peerMsg, _ *struct{}) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	if p.waitc != nil {
		close(p.waitc)
		p.waitc = nil
	}
	p.mu.Unlock()
	return nil
}

func (p *Peer) receive(ctx context.Context, group string, source, tag int) (comm.Message, error) {
	for {
		p.mu.Lock()
		for i, msg := range p.msgs {
			if msg.Group != group {
				continue
			}
			if source != comm.AnySource && msg.Source != source {
				continue
			}
			if tag != comm.AnyTag && msg.Tag != tag {
				continue
			}
			p.msgs = append(p.msgs[:i], p.msgs[i+1:]...)
			p.mu.Unlock()
			return comm.Message{Source: msg.Source, Tag: msg.Tag, Value: msg.Value}, nil
		}
		if p.waitc == nil {
			p.waitc = make(chan struct{})
		}
		waitc := p.waitc
		p.mu.Unlock()
		select {
		case <-waitc:
		case <-ctx.Done():
			return comm.Message{}, ctx.Err()
		}
	}
}

// Run runs the registered runner as rank req.Rank of the group
// described by req.Addrs. The call returns when the runner does;
// the driver invokes it once per machine and waits for all of them.
func (p *Peer) Run(ctx context.Context, req runRequest, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Errorf("rank %d panicked: %v", req.Rank, e))
		}
	}()
	runnerMu.Lock()
	r := runner
	runnerMu.Unlock()
	if r == nil {
		return errors.E(errors.Fatal, errors.New("exec: no runner registered"))
	}
	c := &machineComm{
		peer:  p,
		b:     p.b,
		rank:  req.Rank,
		ranks: identity(len(req.Addrs)),
		addrs: req.Addrs,
	}
	log.Printf("exec: rank %d of %d starting", req.Rank, len(req.Addrs))
	return r(ctx, c, req.Config)
}

// Machines launches an n-machine process group on system and runs
// the registered runner on every machine, shipping config to each.
// It returns when every rank's runner has returned, with the first
// error among them.
func Machines(ctx context.Context, system bigmachine.System, n int, config []byte) error {
	b := bigmachine.Start(system)
	defer b.Shutdown()
	machines, err := b.Start(ctx, n, bigmachine.Services{"Peer": &Peer{}})
	if err != nil {
		return err
	}
	if len(machines) < n {
		return fmt.Errorf("exec: started %d machines, need %d", len(machines), n)
	}
	addrs := make([]string, n)
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return fmt.Errorf("exec: machine %s failed to start: %v", m.Addr, err)
		}
		addrs[i] = m.Addr
	}
	log.Printf("exec: %d machines running", n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		rank, m := i, machines[i]
		g.Go(func() error {
			return m.RetryCall(ctx, "Peer.Run", runRequest{Rank: rank, Addrs: addrs, Config: config}, nil)
		})
	}
	return g.Wait()
}

// A machineComm is a view of a machine-backed process group. Sends
// dial the destination rank's machine and deliver into its Peer
// mailbox; the collectives are layered over point-to-point messages
// through rank 0. Sub-groups from Split share the machines'
// mailboxes, distinguished by a group identifier assigned by the
// parent's rank 0.
type machineComm struct {
	peer  *Peer
	b     *bigmachine.B
	group string
	rank  int
	ranks []int // base machine index per rank
	addrs []string

	mu     sync.Mutex
	dialed map[string]*bigmachine.Machine
	splits int
}

func identity(n int) []int {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

func (c *machineComm) Rank() int { return c.rank }

func (c *machineComm) Size() int { return len(c.ranks) }

func (c *machineComm) machine(ctx context.Context, rank int) (*bigmachine.Machine, error) {
	addr := c.addrs[c.ranks[rank]]
	c.mu.Lock()
	if c.dialed == nil {
		c.dialed = make(map[string]*bigmachine.Machine)
	}
	m, ok := c.dialed[addr]
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := c.b.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.dialed[addr] = m
	c.mu.Unlock()
	return m, nil
}

func (c *machineComm) Send(ctx context.Context, dest, tag int, value interface{}) error {
	if dest < 0 || dest >= c.Size() {
		return fmt.Errorf("comm: invalid rank %d in group of size %d", dest, c.Size())
	}
	msg := peerMsg{Group: c.group, Source: c.rank, Tag: tag, Value: value}
	if dest == c.rank {
		return c.peer.Deliver(ctx, msg, nil)
	}
	m, err := c.machine(ctx, dest)
	if err != nil {
		return err
	}
	return m.RetryCall(ctx, "Peer.Deliver", msg, nil)
}

func (c *machineComm) Recv(ctx context.Context, source, tag int) (comm.Message, error) {
	return c.peer.receive(ctx, c.group, source, tag)
}

// Barrier gathers a token from every rank at rank 0, which then
// releases them all.
func (c *machineComm) Barrier(ctx context.Context) error {
	if c.rank != 0 {
		if err := c.Send(ctx, 0, tagMachBarrier, nil); err != nil {
			return err
		}
		_, err := c.Recv(ctx, 0, tagMachRelease)
		return err
	}
	for i := 1; i < c.Size(); i++ {
		if _, err := c.Recv(ctx, comm.AnySource, tagMachBarrier); err != nil {
			return err
		}
	}
	for rank := 1; rank < c.Size(); rank++ {
		if err := c.Send(ctx, rank, tagMachRelease, nil); err != nil {
			return err
		}
	}
	return nil
}

type splitEntry struct {
	Rank  int
	Color int
	Key   int
}

type splitAssign struct {
	Group string
	Rank  int
	Ranks []int // base machine indices of the sub-group
}

// Split sends every rank's (color, key) to rank 0, which builds the
// sub-groups ordered by (key, rank) and assigns each a fresh group
// identifier derived from the parent's.
func (c *machineComm) Split(ctx context.Context, color, key int) (comm.Comm, error) {
	if err := c.Send(ctx, 0, tagMachSplit, splitEntry{Rank: c.rank, Color: color, Key: key}); err != nil {
		return nil, err
	}
	if c.rank == 0 {
		entries := make([]splitEntry, c.Size())
		for i := 0; i < c.Size(); i++ {
			m, err := c.Recv(ctx, comm.AnySource, tagMachSplit)
			if err != nil {
				return nil, err
			}
			e := m.Value.(splitEntry)
			entries[e.Rank] = e
		}
		byColor := make(map[int][]splitEntry)
		for _, e := range entries {
			byColor[e.Color] = append(byColor[e.Color], e)
		}
		colors := make([]int, 0, len(byColor))
		for color := range byColor {
			colors = append(colors, color)
		}
		sort.Ints(colors)
		c.mu.Lock()
		base := c.splits
		c.splits += len(colors)
		c.mu.Unlock()
		for i, color := range colors {
			members := byColor[color]
			sort.Slice(members, func(a, b int) bool {
				if members[a].Key != members[b].Key {
					return members[a].Key < members[b].Key
				}
				return members[a].Rank < members[b].Rank
			})
			ranks := make([]int, len(members))
			for j, e := range members {
				ranks[j] = c.ranks[e.Rank]
			}
			for j, e := range members {
				assign := splitAssign{Group: fmt.Sprintf("%s/%d", c.group, base+i), Rank: j, Ranks: ranks}
				if err := c.Send(ctx, e.Rank, tagMachAssign, assign); err != nil {
					return nil, err
				}
			}
		}
	}
	m, err := c.Recv(ctx, 0, tagMachAssign)
	if err != nil {
		return nil, err
	}
	assign := m.Value.(splitAssign)
	return &machineComm{
		peer:  c.peer,
		b:     c.b,
		group: assign.Group,
		rank:  assign.Rank,
		ranks: assign.Ranks,
		addrs: c.addrs,
	}, nil
}

func (c *machineComm) Free() error { return nil }

func init() {
	gob.Register(splitEntry{})
	gob.Register(splitAssign{})
}
