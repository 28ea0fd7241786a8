// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigpipe/comm"
)

// The runner registry is per-process, so the test runner multiplexes
// on the shipped config.
var (
	testMu      sync.Mutex
	testResults map[string][]interface{}
)

func init() {
	RegisterRunner(func(ctx context.Context, c comm.Comm, config []byte) error {
		switch string(config) {
		case "allgather":
			vs, err := comm.AllGather(ctx, c, c.Rank()*c.Rank())
			if err != nil {
				return err
			}
			testMu.Lock()
			testResults["allgather"] = vs
			testMu.Unlock()
			return nil
		case "taskmanager":
			tm, err := Enter(ctx, c, 1)
			if err != nil {
				return err
			}
			defer tm.Close(ctx)
			results, err := tm.Map(ctx, intTasks(4), func(ctx context.Context, index int, task interface{}) (interface{}, error) {
				return task.(int) * task.(int), nil
			})
			if err != nil {
				return err
			}
			testMu.Lock()
			testResults["taskmanager"] = results
			testMu.Unlock()
			return nil
		}
		return fmt.Errorf("unknown test config %q", config)
	})
}

func TestMachinesAllGather(t *testing.T) {
	ctx := context.Background()
	testResults = map[string][]interface{}{}
	if err := Machines(ctx, testsystem.New(), 3, []byte("allgather")); err != nil {
		t.Fatal(err)
	}
	if got, want := testResults["allgather"], []interface{}{0, 1, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMachinesTaskManager(t *testing.T) {
	ctx := context.Background()
	testResults = map[string][]interface{}{}
	if err := Machines(ctx, testsystem.New(), 3, []byte("taskmanager")); err != nil {
		t.Fatal(err)
	}
	if got, want := testResults["taskmanager"], []interface{}{1, 4, 9, 16}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
