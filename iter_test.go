// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/comm"
)

const iterConfig = `
main:
  modules: [emit]
  block_iter:
    input.value: [1, 2, 3, 4]
  block_key_iter:
    results.value: [v0, v1, v2, v3]
emit:
  module: emitter
`

func checkIterResults(t *testing.T, rank int, blk *block.Block) {
	t.Helper()
	want := []int{1, 4, 9, 16}
	for i, name := range []string{"v0", "v1", "v2", "v3"} {
		got, err := blk.GetInt("results", name)
		if err != nil {
			t.Fatalf("rank %d: results.%s: %v", rank, name, err)
		}
		if got != want[i] {
			t.Errorf("rank %d: results.%s: got %v, want %v", rank, name, got, want[i])
		}
	}
}

func TestIterateSerial(t *testing.T) {
	p := runMain(t, iterConfig)
	checkIterResults(t, 0, p.Block())
}

// TestIterateGroup fans four tasks out over a five-rank group (one
// manager, four single-rank workers) and checks that every rank ends
// up with every task's stitched output.
func TestIterateGroup(t *testing.T) {
	const ranks = 5
	blocks := make([]*block.Block, ranks)
	err := comm.Run(context.Background(), ranks, func(ctx context.Context, c comm.Comm) error {
		cfg := parseConfig(t, iterConfig)
		blk, err := Run(ctx, cfg, c)
		if err != nil {
			return err
		}
		blocks[c.Rank()] = blk
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for rank, blk := range blocks {
		checkIterResults(t, rank, blk)
	}
}

func TestIterateConfigIter(t *testing.T) {
	p := runMain(t, `
main:
  modules: [emit]
  set:
    input.value: 2
  config_iter:
    emit.factor: [1, 10]
  block_key_iter:
    results.value: [v0, v1]
emit:
  module: emitter
`)
	for name, want := range map[string]int{"v0": 4, "v1": 40} {
		got, err := p.Block().GetInt("results", name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("results.%s: got %v, want %v", name, got, want)
		}
	}
}

func TestIterateUnassignedOutput(t *testing.T) {
	const text = `
main:
  modules: [quiet]
  iter: 2
  block_key_iter:
    results.value: [v0, v1]
quiet:
  module: noop
`
	p, err := New(parseConfig(t, text), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	var uerr *UnassignedOutputError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %v, want an *UnassignedOutputError", err)
	}
	if got, want := uerr.Key, (block.Key{Section: "results", Name: "v0"}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestIterateError checks that a task fault aborts the iteration on
// every rank of the group, not only where it was raised.
func TestIterateError(t *testing.T) {
	const ranks = 3
	var (
		mu   sync.Mutex
		errs = make([]error, ranks)
	)
	_ = comm.Run(context.Background(), ranks, func(ctx context.Context, c comm.Comm) error {
		cfg := parseConfig(t, `
main:
  modules: [bad]
  iter: 2
bad:
  module: failer
`)
		_, err := Run(ctx, cfg, c)
		mu.Lock()
		errs[c.Rank()] = err
		mu.Unlock()
		return err
	})
	for rank, err := range errs {
		if err == nil {
			t.Errorf("rank %d: no error", rank)
		}
	}
}
