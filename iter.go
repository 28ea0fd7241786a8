// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"encoding/gob"
	"sort"

	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/comm"
	"github.com/grailbio/bigpipe/config"
	"github.com/grailbio/bigpipe/exec"
)

func init() {
	gob.Register(stitchMsg{})
}

// An iteration describes a pipeline's distributed fan-out: the task
// sequence, the sub-group width, per-task configuration and block
// mutations, and the per-task output keys each task's results are
// scattered into.
type iteration struct {
	tasks        []interface{}
	procsPerTask int

	// configIter and blockIter map a key to one value per task,
	// written into the configuration and the task's working block
	// before its run list executes.
	configIter map[block.Key][]interface{}
	blockIter  map[block.Key][]interface{}

	// keyIter maps a block key produced by every task to the distinct
	// output keys, one per task, its values are collected under.
	keyIter map[block.Key][]block.Key
	sources []block.Key
	// outputs lists every declared output key; each must be produced
	// by exactly one task across the whole iteration.
	outputs []block.Key
}

// newIteration parses the pipeline's iteration options. It returns
// nil if the pipeline's section requests no iteration. Declared
// output keys are appended to the pipeline's duplicates so that
// stitched results propagate upstream.
func newIteration(p *Pipeline) (*iteration, error) {
	cfg, name := p.config, p.name
	it := &iteration{
		configIter: make(map[block.Key][]interface{}),
		blockIter:  make(map[block.Key][]interface{}),
		keyIter:    make(map[block.Key][]block.Key),
	}
	count := -1
	if v, ok := cfg.Lookup(name, config.KeywordIter); ok {
		switch t := v.(type) {
		case int:
			count = t
			for i := 0; i < t; i++ {
				it.tasks = append(it.tasks, i)
			}
		case []interface{}:
			count = len(t)
			it.tasks = append(it.tasks, t...)
		default:
			return nil, config.Errorf(name, config.KeywordIter, "expected a task count or list, got %T", v)
		}
	}

	lists := func(keyword string) (map[block.Key][]interface{}, error) {
		v, ok := cfg.Lookup(name, keyword)
		if !ok {
			return nil, nil
		}
		pairs, ok := v.(map[string]interface{})
		if !ok {
			return nil, config.Errorf(name, keyword, "expected a mapping, got %T", v)
		}
		parsed := make(map[block.Key][]interface{}, len(pairs))
		for _, textual := range sortedKeys(pairs) {
			key, err := block.ParseKey(textual, "")
			if err != nil {
				return nil, config.Errorf(name, keyword, "%v", err)
			}
			values, ok := pairs[textual].([]interface{})
			if !ok {
				return nil, config.Errorf(name, keyword, "%s: expected one value per task, got %T", textual, pairs[textual])
			}
			if count < 0 {
				count = len(values)
				for i := 0; i < count; i++ {
					it.tasks = append(it.tasks, i)
				}
			} else if len(values) != count {
				return nil, config.Errorf(name, keyword, "%s: %d values for %d tasks", textual, len(values), count)
			}
			parsed[key] = values
		}
		return parsed, nil
	}

	var err error
	if it.configIter, err = lists(config.KeywordConfigIter); err != nil {
		return nil, err
	}
	if it.blockIter, err = lists(config.KeywordBlockIter); err != nil {
		return nil, err
	}
	keyLists, err := lists(config.KeywordBlockKeyIter)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		// No iteration options at all.
		return nil, nil
	}
	it.procsPerTask, err = cfg.GetInt(name, config.KeywordProcsPerTask, 1)
	if err != nil {
		return nil, config.Errorf(name, config.KeywordProcsPerTask, "%v", err)
	}

	seen := make(map[block.Key]bool)
	for src, values := range keyLists {
		outs := make([]block.Key, len(values))
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, config.Errorf(name, config.KeywordBlockKeyIter, "%s: output key must be a string, got %T", src, v)
			}
			out, err := block.ParseKey(s, src.Section)
			if err != nil {
				return nil, config.Errorf(name, config.KeywordBlockKeyIter, "%v", err)
			}
			if seen[out] {
				return nil, config.Errorf(name, config.KeywordBlockKeyIter, "output key %s assigned to more than one task", out)
			}
			seen[out] = true
			outs[i] = out
		}
		it.keyIter[src] = outs
	}
	for _, src := range sortedBlockKeys(it.keyIter) {
		it.sources = append(it.sources, src)
		it.outputs = append(it.outputs, it.keyIter[src]...)
	}
	for _, out := range it.outputs {
		p.duplicates = append(p.duplicates, duplicate{Global: out, Local: out})
	}
	return it, nil
}

// A stitchMsg carries one stitched output value from its producing
// rank to the rest of the group; Collect marks values that
// reassemble themselves from their producers instead.
type stitchMsg struct {
	Collect bool
	Value   interface{}
}

// runIter executes the pipeline's execute run list once per task,
// fanned out over the block's process group, then stitches each
// task's declared outputs back to every rank.
func (p *Pipeline) runIter(ctx context.Context) error {
	it := p.iter
	outer := p.fork()
	p.pipe = outer
	base := p.blk.Comm()

	tm, err := exec.Enter(ctx, base, it.procsPerTask)
	if err != nil {
		return err
	}
	defer tm.Close(ctx)

	data := p.blk.Copy()
	if err := data.Distribute(ctx, tm.Group(), tm.WorkerRanks()); err != nil {
		return err
	}

	produced := make(map[block.Key]bool)
	err = tm.Iterate(ctx, it.tasks, func(ctx context.Context, itask int, task interface{}) error {
		tpipe := data.Copy()
		for _, key := range it.sortedConfigKeys() {
			p.config.Set(key.Section, key.Name, it.configIter[key][itask])
		}
		for _, key := range sortedBlockKeysI(it.blockIter) {
			tpipe.Set(key.Section, key.Name, it.blockIter[key][itask])
		}
		for _, td := range p.todos[Execute] {
			td.module.base().Bind(tpipe)
			if err := dispatch(ctx, td.module, td.phase); err != nil {
				return err
			}
		}
		for _, src := range it.sources {
			out := it.keyIter[src][itask]
			// A source the task never wrote surfaces as an
			// unassigned output after stitching.
			v, ok := tpipe.Lookup(src.Section, src.Name)
			if !ok {
				continue
			}
			outer.Set(out.Section, out.Name, v)
			produced[out] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := base.Barrier(ctx); err != nil {
		return err
	}
	for _, key := range it.outputs {
		if err := p.stitch(ctx, base, outer, key, produced[key]); err != nil {
			return err
		}
	}
	p.pipe = outer
	return nil
}

// stitch moves one iteration output from the ranks that produced it
// to every rank of the group: the first producer broadcasts the
// value, or, for values that implement block.Collector, a prototype
// every rank then uses to reassemble the value from its producers.
func (p *Pipeline) stitch(ctx context.Context, base comm.Comm, outer *block.Block, key block.Key, mine bool) error {
	rank := -1
	if mine {
		rank = base.Rank()
	}
	gathered, err := comm.AllGather(ctx, base, rank)
	if err != nil {
		return err
	}
	var producers []int
	for _, g := range gathered {
		if r := g.(int); r >= 0 {
			producers = append(producers, r)
		}
	}
	if len(producers) == 0 {
		return &UnassignedOutputError{Key: key}
	}
	root := producers[0]

	var msg stitchMsg
	if base.Rank() == root {
		v, _ := outer.Lookup(key.Section, key.Name)
		_, isCollector := v.(block.Collector)
		msg = stitchMsg{Collect: isCollector, Value: v}
	}
	v, err := comm.Bcast(ctx, base, root, msg)
	if err != nil {
		return err
	}
	msg = v.(stitchMsg)
	if !msg.Collect {
		outer.Set(key.Section, key.Name, msg.Value)
		return nil
	}
	local := msg.Value
	if mine {
		local, _ = outer.Lookup(key.Section, key.Name)
	}
	collected, err := local.(block.Collector).Collect(ctx, base, producers)
	if err != nil {
		return err
	}
	outer.Set(key.Section, key.Name, collected)
	return nil
}

func (it *iteration) sortedConfigKeys() []block.Key {
	return sortedBlockKeysI(it.configIter)
}

func sortedBlockKeys(m map[block.Key][]block.Key) []block.Key {
	keys := make([]block.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortedBlockKeysI(m map[block.Key][]interface{}) []block.Key {
	keys := make([]block.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []block.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Section != keys[j].Section {
			return keys[i].Section < keys[j].Section
		}
		return keys[i].Name < keys[j].Name
	})
}
