// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/comm"
	"github.com/grailbio/bigpipe/config"
)

// Main is the name of the root pipeline's configuration section.
const Main = "main"

// todoSep separates a module name from a phase in per-phase run
// list entries, as in "mesher:setup".
const todoSep = ":"

// A todo is one entry of a pipeline's per-phase run list: a child to
// invoke and the phase to request of it.
type todo struct {
	module Module
	phase  Phase
}

// A Pipeline is a module composed of an ordered list of child
// modules and pipelines. Each of its phases takes a fresh working
// copy of the upstream block, dispatches the phase's run list in
// declared order, and publishes its duplicate keys back upstream.
// Pipelines configured for iteration fan their execute run list out
// over a process group instead (see runIter).
type Pipeline struct {
	ModuleBase

	children []Module
	byName   map[string]Module
	todos    map[Phase][]todo

	// path names the pipelines from the root down to this one;
	// construction fails on a configuration cycle.
	path []string

	// stream shares the upstream block with children instead of
	// copying it at each phase boundary.
	stream bool

	pipe *block.Block
	iter *iteration
}

type pipeliner interface {
	pipeline() *Pipeline
}

func (p *Pipeline) pipeline() *Pipeline { return p }

// builder is implemented by modules that need a construction step
// after their configuration is bound, such as pipelines building
// their children.
type builder interface {
	build() error
}

func init() {
	Register("pipeline", func() Module { return new(Pipeline) })
	Register("stream_pipeline", func() Module {
		return &Pipeline{stream: true}
	})
	Register("batch_pipeline", func() Module { return new(BatchPipeline) })
}

// New builds the root pipeline from cfg: the pipeline named by the
// Main section, bound to a fresh block carrying c as its process
// group.
func New(cfg *config.Config, c comm.Comm) (*Pipeline, error) {
	m, err := NewModule(Main, cfg)
	if err != nil {
		return nil, err
	}
	p, ok := m.(pipeliner)
	if !ok {
		return nil, config.Errorf(Main, config.KeywordModule, "the root module must be a pipeline, got %q", m.base().typ)
	}
	root := p.pipeline()
	root.Bind(block.New(c))
	return root, nil
}

// Run builds the main pipeline from cfg and drives it through its
// three phases on the process group c. It returns the root block
// holding the pipeline's published results.
func Run(ctx context.Context, cfg *config.Config, c comm.Comm) (*block.Block, error) {
	p, err := New(cfg, c)
	if err != nil {
		return nil, err
	}
	if err := p.Run(ctx); err != nil {
		return nil, err
	}
	return p.Block(), nil
}

// Run drives the pipeline through its three phases: requesting
// execute on a fresh pipeline runs setup then execute, and cleanup
// follows.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := dispatch(ctx, p, Execute); err != nil {
		return err
	}
	return dispatch(ctx, p, Cleanup)
}

// build constructs the pipeline's children and per-phase run lists
// from its configuration section. Children named in the setup,
// execute and cleanup lists are invoked as listed; every referenced
// child gets a trailing cleanup; children from the modules list that
// no run list names are given the full setup, execute, cleanup
// sequence.
func (p *Pipeline) build() error {
	p.byName = make(map[string]Module)
	p.todos = make(map[Phase][]todo)

	var referenced []string
	for _, phase := range []Phase{Setup, Execute, Cleanup} {
		entries, err := p.config.GetStrings(p.name, phase.String(), nil)
		if err != nil {
			return config.Errorf(p.name, phase.String(), "%v", err)
		}
		for _, entry := range entries {
			childName, childPhase := entry, phase
			if i := strings.Index(entry, todoSep); i >= 0 {
				childName = entry[:i]
				childPhase, err = ParsePhase(entry[i+len(todoSep):])
				if err != nil {
					return config.Errorf(p.name, phase.String(), "entry %q: %v", entry, err)
				}
			}
			child, err := p.child(childName)
			if err != nil {
				return err
			}
			if !containsString(referenced, childName) {
				referenced = append(referenced, childName)
			}
			p.todos[phase] = append(p.todos[phase], todo{child, childPhase})
		}
	}
	for _, name := range referenced {
		p.todos[Cleanup] = append(p.todos[Cleanup], todo{p.byName[name], Cleanup})
	}

	names, err := p.config.GetStrings(p.name, config.KeywordModules, nil)
	if err != nil {
		return config.Errorf(p.name, config.KeywordModules, "%v", err)
	}
	for _, name := range names {
		child, err := p.child(name)
		if err != nil {
			return err
		}
		if containsString(referenced, name) {
			continue
		}
		p.todos[Setup] = append(p.todos[Setup], todo{child, Setup})
		p.todos[Execute] = append(p.todos[Execute], todo{child, Execute})
		p.todos[Cleanup] = append(p.todos[Cleanup], todo{child, Cleanup})
	}

	iter, err := newIteration(p)
	if err != nil {
		return err
	}
	p.iter = iter
	return nil
}

// child returns the named child module, constructing it on first
// reference.
func (p *Pipeline) child(name string) (Module, error) {
	if m, ok := p.byName[name]; ok {
		return m, nil
	}
	if containsString(p.path, name) {
		return nil, config.Errorf(p.name, "", "configuration cycle: %s",
			strings.Join(append(append([]string(nil), p.path...), name), " contains "))
	}
	m, err := newModule(name, p.config, p.path)
	if err != nil {
		return nil, err
	}
	p.byName[name] = m
	p.children = append(p.children, m)
	return m, nil
}

// Children returns the pipeline's child modules in first-reference
// order.
func (p *Pipeline) Children() []Module {
	children := make([]Module, len(p.children))
	copy(children, p.children)
	return children
}

// fork takes the working block for one phase: a fresh copy of the
// upstream block, or the upstream block itself for stream pipelines.
func (p *Pipeline) fork() *block.Block {
	if p.stream {
		return p.blk
	}
	return p.blk.Copy()
}

// runPhase dispatches the phase's run list over the working block.
func (p *Pipeline) runPhase(ctx context.Context, phase Phase) error {
	p.pipe = p.fork()
	for _, td := range p.todos[phase] {
		td.module.base().Bind(p.pipe)
		if err := dispatch(ctx, td.module, td.phase); err != nil {
			return err
		}
	}
	return nil
}

// publish copies the pipeline's duplicate keys back into its
// upstream block, preferring a value already visible upstream over
// the working block's.
func (p *Pipeline) publish() {
	for _, d := range p.duplicates {
		if v, ok := p.blk.Lookup(d.Local.Section, d.Local.Name); ok {
			p.blk.Set(d.Global.Section, d.Global.Name, v)
		} else if p.pipe != nil {
			if v, ok := p.pipe.Lookup(d.Local.Section, d.Local.Name); ok {
				p.blk.Set(d.Global.Section, d.Global.Name, v)
			}
		}
	}
}

func (p *Pipeline) Setup(ctx context.Context) error {
	return p.runPhase(ctx, Setup)
}

func (p *Pipeline) Execute(ctx context.Context) error {
	if p.iter != nil {
		return p.runIter(ctx)
	}
	return p.runPhase(ctx, Execute)
}

func (p *Pipeline) Cleanup(ctx context.Context) error {
	return p.runPhase(ctx, Cleanup)
}

// String renders the pipeline tree, one module per line, indented by
// depth.
func (p *Pipeline) String() string {
	var b strings.Builder
	p.describe(&b, 0)
	return b.String()
}

func (p *Pipeline) describe(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s [%s]\n", indent, p.typ, p.name)
	for _, child := range p.children {
		if sub, ok := child.(pipeliner); ok {
			sub.pipeline().describe(b, depth+1)
			continue
		}
		cb := child.base()
		fmt.Fprintf(b, "%s  %s [%s]\n", indent, cb.typ, cb.name)
	}
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
