// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"errors"
	"sort"

	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/config"
)

// Module is a unit of work run in three ordered phases. Implement it
// by embedding ModuleBase and overriding the phases the module needs;
// inside a phase the module reads and writes the working block bound
// for that call via Block, and its own options via Options. A module
// must not retain the block across phase boundaries: each dispatched
// call binds a fresh view.
type Module interface {
	Name() string
	Setup(ctx context.Context) error
	Execute(ctx context.Context) error
	Cleanup(ctx context.Context) error

	base() *ModuleBase
}

// A duplicate pairs a global block key with a local one. Modules copy
// global to local in their working block after a call; pipelines
// publish local back to global in their upstream block.
type duplicate struct {
	Global, Local block.Key
}

// ModuleBase carries a module's identity, options, state, and the
// block machinery shared by all modules. Embed it in module types.
type ModuleBase struct {
	name    string
	typ     string
	config  *config.Config
	options block.SectionView
	state   Phase

	blk        *block.Block
	mapping    block.Mapping
	presets    []block.Item
	duplicates []duplicate
}

func (b *ModuleBase) base() *ModuleBase { return b }

// Name returns the module's instance name, unique within its parent.
func (b *ModuleBase) Name() string { return b.name }

// Type returns the module's registered type name.
func (b *ModuleBase) Type() string { return b.typ }

// State returns the last phase the module completed.
func (b *ModuleBase) State() Phase { return b.state }

// Options returns the module's private options view, the single
// configuration section keyed by the module's name.
func (b *ModuleBase) Options() block.SectionView { return b.options }

// Block returns the working block bound for the current phase call.
func (b *ModuleBase) Block() *block.Block { return b.blk }

// Bind sets the working block for the next phase call.
func (b *ModuleBase) Bind(blk *block.Block) { b.blk = blk }

// Setup, Execute and Cleanup are no-ops; module types override the
// phases they need.
func (b *ModuleBase) Setup(ctx context.Context) error   { return nil }
func (b *ModuleBase) Execute(ctx context.Context) error { return nil }
func (b *ModuleBase) Cleanup(ctx context.Context) error { return nil }

// setConfig rebinds the module's configuration, as when iteration
// runs tasks against per-task configuration copies.
func (b *ModuleBase) setConfig(cfg *config.Config) {
	b.config = cfg
	b.options = cfg.View(b.name)
}

// initModule wires a freshly constructed module to its name, type
// and configuration, parsing the reserved block keywords from the
// module's section. Fresh modules start freshly cleaned.
func initModule(m Module, typ, name string, cfg *config.Config) error {
	b := m.base()
	b.name = name
	b.typ = typ
	b.state = Cleanup
	b.setConfig(cfg)

	if v, ok := cfg.Lookup(name, config.KeywordSet); ok {
		pairs, ok := v.(map[string]interface{})
		if !ok {
			return config.Errorf(name, config.KeywordSet, "expected a mapping, got %T", v)
		}
		for _, textual := range sortedKeys(pairs) {
			key, err := block.ParseKey(textual, name)
			if err != nil {
				return config.Errorf(name, config.KeywordSet, "%v", err)
			}
			b.presets = append(b.presets, block.Item{Key: key, Value: pairs[textual]})
		}
	}
	if v, ok := cfg.Lookup(name, config.KeywordMapping); ok {
		pairs, ok := v.(map[string]interface{})
		if !ok {
			return config.Errorf(name, config.KeywordMapping, "expected a mapping, got %T", v)
		}
		aliases := make(map[string]string, len(pairs))
		for from, to := range pairs {
			s, ok := to.(string)
			if !ok {
				return config.Errorf(name, config.KeywordMapping, "alias target for %q must be a string, got %T", from, to)
			}
			aliases[from] = s
		}
		mapping, err := block.NewMapping(aliases)
		if err != nil {
			return config.Errorf(name, config.KeywordMapping, "%v", err)
		}
		b.mapping = mapping
	}
	if v, ok := cfg.Lookup(name, config.KeywordDuplicate); ok {
		pairs, ok := v.(map[string]interface{})
		if !ok {
			return config.Errorf(name, config.KeywordDuplicate, "expected a mapping, got %T", v)
		}
		for _, gtext := range sortedKeys(pairs) {
			ltext, ok := pairs[gtext].(string)
			if !ok {
				return config.Errorf(name, config.KeywordDuplicate, "target for %q must be a string, got %T", gtext, pairs[gtext])
			}
			g, err := block.ParseKey(gtext, name)
			if err != nil {
				return config.Errorf(name, config.KeywordDuplicate, "%v", err)
			}
			l, err := block.ParseKey(ltext, name)
			if err != nil {
				return config.Errorf(name, config.KeywordDuplicate, "%v", err)
			}
			b.duplicates = append(b.duplicates, duplicate{Global: g, Local: l})
		}
	}
	if s, ok := m.(Schemer); ok {
		if err := s.Schema().Validate(cfg, name); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one phase call on a module, with the dispatch side
// effects around it: the module's alias table is installed on the
// working block, preset pairs are written, the call's fault is
// wrapped with the module's type and name, and duplicate pairs are
// applied on success. The module's state advances only on success.
func invoke(ctx context.Context, m Module, phase Phase) error {
	b := m.base()
	blk := b.blk
	if b.mapping.Len() > 0 {
		saved := blk.Mapping()
		blk.SetMapping(b.mapping)
		defer blk.SetMapping(saved)
	}
	for _, item := range b.presets {
		blk.Set(item.Key.Section, item.Key.Name, item.Value)
	}
	var err error
	switch phase {
	case Setup:
		err = m.Setup(ctx)
	case Execute:
		err = m.Execute(ctx)
	case Cleanup:
		err = m.Cleanup(ctx)
	}
	if err != nil {
		// Faults are annotated once, where they cross the dispatch
		// boundary; a child's annotated fault propagates unchanged.
		var merr *ModuleError
		if errors.As(err, &merr) {
			return err
		}
		return &ModuleError{Type: b.typ, Name: b.name, Phase: phase, Err: err}
	}
	b.state = phase
	if p, ok := m.(pipeliner); ok {
		p.pipeline().publish()
	} else {
		for _, d := range b.duplicates {
			if v, ok := blk.Lookup(d.Global.Section, d.Global.Name); ok {
				blk.Set(d.Local.Section, d.Local.Name, v)
			}
		}
	}
	return nil
}

// dispatch requests a phase on a module, running the prerequisite
// call sequence decided from the module's current state.
func dispatch(ctx context.Context, m Module, requested Phase) error {
	for _, phase := range prereqs[requested][m.base().state] {
		if err := invoke(ctx, m, phase); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
