// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/comm"
	"github.com/grailbio/bigpipe/config"
)

var (
	traceMu sync.Mutex
	traces  = map[string][]string{}
)

func record(scope, event string) {
	traceMu.Lock()
	traces[scope] = append(traces[scope], event)
	traceMu.Unlock()
}

func takeTrace(scope string) []string {
	traceMu.Lock()
	defer traceMu.Unlock()
	t := traces[scope]
	delete(traces, scope)
	return t
}

// tracer records every phase call. The "scope" option separates
// concurrent tests.
type tracer struct{ ModuleBase }

func (m *tracer) scope() string {
	s, _ := m.Options().GetString("scope", "")
	return s
}

func (m *tracer) Setup(ctx context.Context) error {
	record(m.scope(), m.Name()+":setup")
	return nil
}

func (m *tracer) Execute(ctx context.Context) error {
	record(m.scope(), m.Name()+":execute")
	return nil
}

func (m *tracer) Cleanup(ctx context.Context) error {
	record(m.scope(), m.Name()+":cleanup")
	return nil
}

// emitter squares the "input.value" block entry, scaled by its
// factor option, into "results.value".
type emitter struct{ ModuleBase }

func (m *emitter) Execute(ctx context.Context) error {
	v, err := m.Block().GetInt("input", "value")
	if err != nil {
		return err
	}
	factor, err := m.Options().GetInt("factor", 1)
	if err != nil {
		return err
	}
	m.Block().Set("results", "value", factor*v*v)
	return nil
}

// scribbler writes constants into its block, one in a scratch
// section and one in the shared common section.
type scribbler struct{ ModuleBase }

func (m *scribbler) Execute(ctx context.Context) error {
	m.Block().Set("scratch", "tmp", 1)
	m.Block().Set("common", "seed", 42)
	m.Block().Set("data", "x", 7)
	return nil
}

type failer struct{ ModuleBase }

func (m *failer) Execute(ctx context.Context) error {
	return errors.New("boom")
}

type noop struct{ ModuleBase }

// schemed declares an options schema.
type schemed struct{ ModuleBase }

func (m *schemed) Schema() config.Schema {
	return config.Schema{
		"weight": {Type: "float", Default: 1.0},
		"mode":   {Type: "string", Choices: []interface{}{"fast", "slow"}},
	}
}

func init() {
	Register("tracer", func() Module { return new(tracer) })
	Register("emitter", func() Module { return new(emitter) })
	Register("scribbler", func() Module { return new(scribbler) })
	Register("failer", func() Module { return new(failer) })
	Register("noop", func() Module { return new(noop) })
	Register("schemed", func() Module { return new(schemed) })
}

func parseConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(text))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func runMain(t *testing.T, text string) *Pipeline {
	t.Helper()
	p, err := New(parseConfig(t, text), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDispatchSequence(t *testing.T) {
	cfg := parseConfig(t, `
a:
  module: tracer
  scope: dispatch
`)
	m, err := NewModule("a", cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.base().Bind(block.New(comm.Self()))
	ctx := context.Background()
	// A fresh module runs setup before its first execute, and
	// execute alone on the second request.
	for i := 0; i < 2; i++ {
		if err := dispatch(ctx, m, Execute); err != nil {
			t.Fatal(err)
		}
	}
	// Requesting setup mid-flight forces a cleanup first.
	if err := dispatch(ctx, m, Setup); err != nil {
		t.Fatal(err)
	}
	want := []string{"a:setup", "a:execute", "a:execute", "a:cleanup", "a:setup"}
	if got := takeTrace("dispatch"); !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelinePhases(t *testing.T) {
	runMain(t, `
main:
  modules: [a, b]
a:
  module: tracer
  scope: phases
b:
  module: tracer
  scope: phases
`)
	want := []string{
		"a:setup", "b:setup",
		"a:execute", "b:execute",
		"a:cleanup", "b:cleanup",
	}
	if got := takeTrace("phases"); !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExplicitTodos(t *testing.T) {
	runMain(t, `
main:
  execute: ["a:setup", a, "b:execute"]
a:
  module: tracer
  scope: todos
b:
  module: tracer
  scope: todos
`)
	// b gets its prerequisite setup from dispatch; both referenced
	// modules get a trailing cleanup.
	want := []string{
		"a:setup", "a:execute",
		"b:setup", "b:execute",
		"a:cleanup", "b:cleanup",
	}
	if got := takeTrace("todos"); !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPresetAndPublish(t *testing.T) {
	p := runMain(t, `
main:
  modules: [a]
  set:
    input.value: 3
  duplicate:
    out.value: results.value
a:
  module: emitter
`)
	got, err := p.Block().GetInt("out", "value")
	if err != nil {
		t.Fatal(err)
	}
	if want := 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCopyBoundary(t *testing.T) {
	p := runMain(t, `
main:
  modules: [a]
a:
  module: scribbler
`)
	// The phase's working copy isolates scratch writes from the
	// upstream block; common sections are shared wholesale.
	if p.Block().Has("scratch", "tmp") {
		t.Error("scratch write leaked upstream")
	}
	got, err := p.Block().GetInt("common", "seed")
	if err != nil {
		t.Fatal(err)
	}
	if want := 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStreamPipeline(t *testing.T) {
	p := runMain(t, `
main:
  module: stream_pipeline
  modules: [a]
a:
  module: scribbler
`)
	// Stream pipelines share the upstream block instead of copying.
	if !p.Block().Has("scratch", "tmp") {
		t.Error("stream pipeline did not share its block")
	}
}

func TestModuleMapping(t *testing.T) {
	p := runMain(t, `
main:
  modules: [a]
  duplicate:
    real.x: real.x
a:
  module: scribbler
  mapping:
    data.x: real.x
`)
	got, err := p.Block().GetInt("real", "x")
	if err != nil {
		t.Fatal(err)
	}
	if want := 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestModuleDuplicate(t *testing.T) {
	p := runMain(t, `
main:
  modules: [a]
  set:
    global.x: 5
  duplicate:
    out.x: local.x
a:
  module: noop
  duplicate:
    global.x: local.x
`)
	// The module pulled global.x into local.x in the working block;
	// the pipeline published it upstream.
	got, err := p.Block().GetInt("out", "x")
	if err != nil {
		t.Fatal(err)
	}
	if want := 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestModuleError(t *testing.T) {
	p, err := New(parseConfig(t, `
main:
  modules: [bad]
bad:
  module: failer
`), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	var merr *ModuleError
	if !errors.As(err, &merr) {
		t.Fatalf("got %v, want a *ModuleError", err)
	}
	if got, want := merr.Type, "failer"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := merr.Name, "bad"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := merr.Phase, Execute; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnknownModuleType(t *testing.T) {
	_, err := New(parseConfig(t, `
main:
  modules: [mystery]
`), comm.Self())
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want a *config.Error", err)
	}
	if !strings.Contains(err.Error(), "mystery") {
		t.Errorf("error %v does not name the module", err)
	}
}

func TestPipelineCycle(t *testing.T) {
	for _, text := range []string{
		`
main:
  modules: [main]
`, `
main:
  modules: [a]
a:
  module: pipeline
  modules: [b]
b:
  module: pipeline
  modules: [a]
`,
	} {
		_, err := New(parseConfig(t, text), comm.Self())
		var cerr *config.Error
		if !errors.As(err, &cerr) {
			t.Fatalf("got %v, want a *config.Error", err)
		}
		if !strings.Contains(err.Error(), "cycle") {
			t.Errorf("error %v does not report the cycle", err)
		}
	}
}

func TestDefaultPipelineType(t *testing.T) {
	// Sections carrying run lists need no explicit module entry:
	// main and sub both resolve to the pipeline type.
	p, err := New(parseConfig(t, `
main:
  modules: [sub]
sub:
  execute: [a]
a:
  module: tracer
  scope: defaulted
`), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Type(), "pipeline"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	sub := p.Children()[0]
	if got, want := sub.base().Type(), "pipeline"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"a:setup", "a:execute", "a:cleanup"}
	if got := takeTrace("defaulted"); !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSchemaValidation(t *testing.T) {
	_, err := New(parseConfig(t, `
main:
  modules: [a]
a:
  module: schemed
  mode: sideways
`), comm.Self())
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want a *config.Error", err)
	}

	p, err := New(parseConfig(t, `
main:
  modules: [a]
a:
  module: schemed
  mode: fast
`), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	a := p.Children()[0]
	weight, err := a.base().Options().GetFloat("weight")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := weight, 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPipelineString(t *testing.T) {
	p, err := New(parseConfig(t, `
main:
  modules: [sub]
sub:
  module: pipeline
  modules: [a]
a:
  module: noop
`), comm.Self())
	if err != nil {
		t.Fatal(err)
	}
	got := p.String()
	for _, want := range []string{"pipeline [main]", "pipeline [sub]", "noop [a]"} {
		if !strings.Contains(got, want) {
			t.Errorf("tree %q is missing %q", got, want)
		}
	}
}

func equalStrings(got, want []string) bool {
	return fmt.Sprint(got) == fmt.Sprint(want)
}
