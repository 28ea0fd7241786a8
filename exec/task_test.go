// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/bigpipe/comm"
)

func intTasks(n int) []interface{} {
	tasks := make([]interface{}, n)
	for i := range tasks {
		tasks[i] = i + 1
	}
	return tasks
}

func TestMapOrder(t *testing.T) {
	ctx := context.Background()
	// 5 ranks, 1 proc per task: 4 worker groups racing for 4 tasks.
	err := comm.Run(ctx, 5, func(ctx context.Context, c comm.Comm) error {
		tm, err := Enter(ctx, c, 1)
		if err != nil {
			return err
		}
		defer tm.Close(ctx)
		results, err := tm.Map(ctx, intTasks(4), func(ctx context.Context, index int, task interface{}) (interface{}, error) {
			n := task.(int)
			return n * n, nil
		})
		if err != nil {
			return err
		}
		if got, want := results, []interface{}{1, 4, 9, 16}; !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMapSerial(t *testing.T) {
	ctx := context.Background()
	tm, err := Enter(ctx, comm.Self(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tm.Close(ctx)
	results, err := tm.Map(ctx, intTasks(3), func(ctx context.Context, index int, task interface{}) (interface{}, error) {
		return task.(int) * 10, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := results, []interface{}{10, 20, 30}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIterateGroups(t *testing.T) {
	ctx := context.Background()
	// 5 ranks, 2 procs per task: 2 worker groups of 2, ranks {1,2}
	// and {3,4}. Every rank of a group sees its group's tasks.
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	err := comm.Run(ctx, 5, func(ctx context.Context, c comm.Comm) error {
		tm, err := Enter(ctx, c, 2)
		if err != nil {
			return err
		}
		defer tm.Close(ctx)
		if tm.IsWorker() {
			if got, want := tm.Group().Size(), 2; got != want {
				t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
			}
		}
		return tm.Iterate(ctx, intTasks(6), func(ctx context.Context, index int, task interface{}) error {
			mu.Lock()
			seen[index]++
			mu.Unlock()
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	for index := 0; index < 6; index++ {
		if got, want := seen[index], 2; got != want {
			t.Errorf("task %d: got %v runs, want %v", index, got, want)
		}
	}
}

func TestIterateError(t *testing.T) {
	ctx := context.Background()
	// An error in one task body must surface on every rank.
	errs := make([]error, 4)
	err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
		tm, err := Enter(ctx, c, 1)
		if err != nil {
			return err
		}
		defer tm.Close(ctx)
		errs[c.Rank()] = tm.Iterate(ctx, intTasks(5), func(ctx context.Context, index int, task interface{}) error {
			if index == 2 {
				return fmt.Errorf("task %d blew up", index)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for rank, err := range errs {
		if err == nil {
			t.Errorf("rank %d: expected error", rank)
		}
	}
}

func TestEnterIdleRanks(t *testing.T) {
	ctx := context.Background()
	// 4 ranks, 2 procs per task: one worker group {1,2}; rank 3 idle.
	err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
		tm, err := Enter(ctx, c, 2)
		if err != nil {
			return err
		}
		defer tm.Close(ctx)
		switch c.Rank() {
		case 0:
			if !tm.IsManager() || tm.IsWorker() {
				t.Errorf("rank 0: manager=%v worker=%v", tm.IsManager(), tm.IsWorker())
			}
		case 1, 2:
			if !tm.IsWorker() {
				t.Errorf("rank %d: expected worker", c.Rank())
			}
			if got, want := tm.WorkerRanks(), []int{1, 2}; !reflect.DeepEqual(got, want) {
				t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
			}
		case 3:
			if tm.IsWorker() || tm.IsManager() {
				t.Errorf("rank 3: expected idle")
			}
		}
		return tm.Iterate(ctx, intTasks(3), func(ctx context.Context, index int, task interface{}) error {
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMapIdleRanks(t *testing.T) {
	ctx := context.Background()
	// 6 ranks, 2 procs per task: worker groups {1,2} and {3,4};
	// rank 5 idles and reaches the final gather before the manager
	// loop has wound down.
	err := comm.Run(ctx, 6, func(ctx context.Context, c comm.Comm) error {
		tm, err := Enter(ctx, c, 2)
		if err != nil {
			return err
		}
		defer tm.Close(ctx)
		results, err := tm.Map(ctx, intTasks(5), func(ctx context.Context, index int, task interface{}) (interface{}, error) {
			return task.(int) * task.(int), nil
		})
		if err != nil {
			return err
		}
		if got, want := results, []interface{}{1, 4, 9, 16, 25}; !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEnterTooFewRanks(t *testing.T) {
	ctx := context.Background()
	err := comm.Run(ctx, 2, func(ctx context.Context, c comm.Comm) error {
		_, err := Enter(ctx, c, 4)
		if err == nil {
			t.Errorf("rank %d: expected error", c.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
