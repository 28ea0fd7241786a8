// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec schedules pipeline iterations over a process group.
// A TaskManager partitions the group into worker sub-groups of a
// fixed size, streams tasks to them under a manager/worker protocol,
// and reassembles per-task results in task order. Package exec also
// provides the bigmachine-backed process groups used for
// multi-machine runs.
package exec

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe/comm"
)

// Manager/worker protocol tags. Worker roots talk to the manager
// under tagManager and the manager answers under tagWorker. The
// protocol stays on its own tags so that collective traffic from
// ranks that finish early queues up instead of being consumed by
// the manager loop.
const (
	tagManager = comm.TagUser + 16 + iota
	tagWorker
)

// Protocol message kinds. Workers announce availability with ready,
// receive either a task assignment under start or a stop under
// exit, and report completions under done.
const (
	ctrlReady = iota
	ctrlDone
	ctrlExit
	ctrlStart
)

// A ctrlMsg is one manager/worker protocol message. Kind selects
// the payload: start carries the task assignment, done the
// completion report.
type ctrlMsg struct {
	Kind   int
	Task   taskMsg
	Result taskResult
}

// A taskMsg is a manager-to-worker task assignment.
type taskMsg struct {
	Index int
	Task  interface{}
}

// A taskResult is a worker-to-manager completion report. Err is the
// rendered body error, if any; error values do not travel as
// interfaces across process boundaries.
type taskResult struct {
	Index int
	Value interface{}
	Err   string
}

// A TaskManager distributes tasks over the ranks of a process
// group. Rank 0 is the manager; the remaining ranks are split into
// sub-groups of procsPerTask ranks, each computing one task at a
// time. Ranks beyond the last full sub-group are idle.
//
// On a group of size 1 the TaskManager runs tasks serially
// in-process with the same interface.
type TaskManager struct {
	base  comm.Comm
	group comm.Comm

	procsPerTask int
	workers      int
	valid        bool

	workerRanks []int
	otherRanks  []int
}

// Enter builds a TaskManager over the process group c, splitting it
// into floor((N-1)/k) sub-groups of k = procsPerTask ranks. It is a
// collective call. The returned TaskManager must be released with
// Close, also collectively.
func Enter(ctx context.Context, c comm.Comm, procsPerTask int) (*TaskManager, error) {
	if procsPerTask < 1 {
		return nil, fmt.Errorf("exec: procsPerTask %d < 1", procsPerTask)
	}
	tm := &TaskManager{base: c, procsPerTask: procsPerTask}
	if c.Size() == 1 {
		tm.group = c
		tm.workers = 1
		tm.valid = true
		tm.workerRanks = []int{0}
		return tm, nil
	}
	tm.workers = (c.Size() - 1) / procsPerTask
	if tm.workers == 0 {
		return nil, fmt.Errorf("exec: no worker groups: %d ranks available, %d per task", c.Size()-1, procsPerTask)
	}
	leftover := (c.Size() - 1) % procsPerTask
	if leftover > 0 && c.Rank() == 0 {
		log.Printf("exec: %d rank(s) idle with procsPerTask=%d over %d available rank(s)",
			leftover, procsPerTask, c.Size()-1)
	}
	// Worker group i holds ranks [1+i*k, 1+(i+1)*k); the manager and
	// idle ranks share color 0.
	color := 0
	if group := (c.Rank() - 1) / procsPerTask; c.Rank() >= 1 && group < tm.workers {
		color = group + 1
		first := 1 + group*procsPerTask
		for r := first; r < first+procsPerTask; r++ {
			tm.workerRanks = append(tm.workerRanks, r)
		}
		tm.valid = true
	}
	for r := 0; r < c.Size(); r++ {
		if !contains(tm.workerRanks, r) {
			tm.otherRanks = append(tm.otherRanks, r)
		}
	}
	if c.Rank() == 0 {
		log.Printf("exec: entering task manager with %d worker group(s)", tm.workers)
	}
	group, err := c.Split(ctx, color, 0)
	if err != nil {
		return nil, err
	}
	tm.group = group
	return tm, nil
}

// Close releases the TaskManager: the full group synchronizes and
// the sub-group communicator is freed. Collective.
func (tm *TaskManager) Close(ctx context.Context) error {
	if err := tm.base.Barrier(ctx); err != nil {
		return err
	}
	if tm.group != tm.base {
		return tm.group.Free()
	}
	return nil
}

// Base returns the full process group.
func (tm *TaskManager) Base() comm.Comm { return tm.base }

// Group returns the caller's sub-group communicator: its worker
// group if it is a worker, otherwise the group shared by the
// manager and idle ranks.
func (tm *TaskManager) Group() comm.Comm { return tm.group }

// IsManager tells whether the caller distributes tasks.
func (tm *TaskManager) IsManager() bool { return tm.base.Rank() == 0 && tm.base.Size() > 1 }

// IsWorker tells whether the caller belongs to a worker sub-group.
func (tm *TaskManager) IsWorker() bool { return tm.valid }

// WorkerRanks returns the caller's worker sub-group as base ranks,
// or nil if the caller is not a worker.
func (tm *TaskManager) WorkerRanks() []int { return tm.workerRanks }

// OtherRanks returns the base ranks outside the caller's worker
// sub-group.
func (tm *TaskManager) OtherRanks() []int { return tm.otherRanks }

// Iterate streams tasks to the worker sub-groups; every rank of a
// sub-group invokes body with each task the sub-group is assigned.
// Collective: every rank of the base group must call Iterate, and a
// body error on any rank aborts the call on all of them. Task
// assignment order is monotonic by index; completion order across
// sub-groups is not.
func (tm *TaskManager) Iterate(ctx context.Context, tasks []interface{}, body func(ctx context.Context, index int, task interface{}) error) error {
	_, err := tm.run(ctx, tasks, func(ctx context.Context, index int, task interface{}) (interface{}, error) {
		return nil, body(ctx, index, task)
	}, false)
	return err
}

// Map applies fn to every task and returns the results ordered by
// task index on every rank, correcting for out-of-order completion
// across sub-groups. Within a sub-group, only the local root's
// return value is kept. Collective, like Iterate.
func (tm *TaskManager) Map(ctx context.Context, tasks []interface{}, fn func(ctx context.Context, index int, task interface{}) (interface{}, error)) ([]interface{}, error) {
	return tm.run(ctx, tasks, fn, true)
}

func (tm *TaskManager) run(ctx context.Context, tasks []interface{}, fn func(ctx context.Context, index int, task interface{}) (interface{}, error), keep bool) ([]interface{}, error) {
	var (
		results []taskResult
		runErr  error
	)
	switch {
	case tm.base.Size() == 1:
		for i, task := range tasks {
			v, err := fn(ctx, i, task)
			if err != nil {
				runErr = err
				break
			}
			if keep {
				results = append(results, taskResult{Index: i, Value: v})
			}
		}
	case tm.IsManager():
		runErr = tm.distribute(ctx, tasks)
	case tm.IsWorker():
		results, runErr = tm.work(ctx, fn, keep)
	}
	// Every rank reports its local outcome; the gathered lists
	// surface both results and errors group-wide.
	vs, err := comm.AllGather(ctx, tm.base, gatherItem{Results: results, Err: render(runErr)})
	if err != nil {
		return nil, err
	}
	var all []taskResult
	for _, v := range vs {
		item := v.(gatherItem)
		if item.Err != "" && runErr == nil {
			runErr = errors.New(item.Err)
		}
		all = append(all, item.Results...)
	}
	if runErr != nil {
		return nil, runErr
	}
	if !keep {
		return nil, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	ordered := make([]interface{}, len(all))
	for i, r := range all {
		ordered[i] = r.Value
	}
	return ordered, nil
}

type gatherItem struct {
	Results []taskResult
	Err     string
}

// distribute hands tasks out to worker sub-group roots on demand
// until exhausted, then answers further requests with exit and
// waits for every sub-group's exit acknowledgement. A completion
// reporting an error stops further assignment.
func (tm *TaskManager) distribute(ctx context.Context, tasks []interface{}) error {
	var (
		next   int
		closed int
		abort  bool
		first  string
	)
	for closed < tm.workers {
		m, err := tm.base.Recv(ctx, comm.AnySource, tagManager)
		if err != nil {
			return err
		}
		msg := m.Value.(ctrlMsg)
		switch msg.Kind {
		case ctrlReady:
			reply := ctrlMsg{Kind: ctrlExit}
			if next < len(tasks) && !abort {
				reply = ctrlMsg{Kind: ctrlStart, Task: taskMsg{Index: next, Task: tasks[next]}}
				next++
			}
			if err := tm.base.Send(ctx, m.Source, tagWorker, reply); err != nil {
				return err
			}
		case ctrlDone:
			if r := msg.Result; r.Err != "" {
				abort = true
				if first == "" {
					first = r.Err
				}
				log.Error.Printf("exec: task %d failed on rank %d: %s", r.Index, m.Source, r.Err)
			}
		case ctrlExit:
			closed++
		}
	}
	if first != "" {
		return errors.New(first)
	}
	return nil
}

// work runs the worker side: the sub-group root requests tasks and
// broadcasts each assignment to its peers; all peers run fn, then
// synchronize before the root reports completion. A body error is
// reported to the manager in place of a result; the sub-group then
// accepts no further tasks and drains the protocol so the manager's
// accounting stays intact.
func (tm *TaskManager) work(ctx context.Context, fn func(ctx context.Context, index int, task interface{}) (interface{}, error), keep bool) ([]taskResult, error) {
	var (
		results []taskResult
		bodyErr error
		root    = tm.group.Rank() == 0
	)
	for {
		var unit workUnit
		if root {
			if err := tm.base.Send(ctx, 0, tagManager, ctrlMsg{Kind: ctrlReady}); err != nil {
				return nil, err
			}
			m, err := tm.base.Recv(ctx, 0, tagWorker)
			if err != nil {
				return nil, err
			}
			if reply := m.Value.(ctrlMsg); reply.Kind == ctrlStart {
				unit = workUnit{Task: reply.Task, Working: true}
			}
		}
		v, err := comm.Bcast(ctx, tm.group, 0, unit)
		if err != nil {
			return nil, err
		}
		unit = v.(workUnit)
		if !unit.Working {
			break
		}
		msg := unit.Task
		var value interface{}
		if bodyErr == nil {
			value, err = fn(ctx, msg.Index, msg.Task)
			if err != nil {
				bodyErr = err
			}
		} else {
			err = bodyErr
		}
		// The whole sub-group finishes the task before its root
		// reports done.
		if berr := tm.group.Barrier(ctx); berr != nil {
			return nil, berr
		}
		if root {
			r := taskResult{Index: msg.Index, Err: render(err)}
			if err == nil && keep {
				r.Value = value
				results = append(results, r)
			}
			if err := tm.base.Send(ctx, 0, tagManager, ctrlMsg{Kind: ctrlDone, Result: r}); err != nil {
				return nil, err
			}
		}
	}
	if err := tm.group.Barrier(ctx); err != nil {
		return nil, err
	}
	if root {
		if err := tm.base.Send(ctx, 0, tagManager, ctrlMsg{Kind: ctrlExit}); err != nil {
			return nil, err
		}
	}
	return results, bodyErr
}

type workUnit struct {
	Task    taskMsg
	Working bool
}

func render(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func contains(ranks []int, r int) bool {
	for _, rank := range ranks {
		if rank == r {
			return true
		}
	}
	return false
}
