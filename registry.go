// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"sort"
	"sync"

	"github.com/grailbio/bigpipe/config"
)

// A Factory produces a fresh instance of a module type.
type Factory func() Module

// Schemer is implemented by modules that declare an options schema.
// The schema is validated against the module's configuration section
// when the module is constructed.
type Schemer interface {
	Schema() config.Schema
}

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes a module type available to configurations under the
// given name. It panics if the name is already taken: module types
// are registered once, from package init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("bigpipe: module type " + name + " already registered")
	}
	registry[name] = factory
}

// RegisteredModules returns the names of all registered module
// types, sorted.
func RegisteredModules() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewModule constructs the module named name from cfg. The module's
// type is the section's "module" entry; absent that, a section
// carrying pipeline run lists is a pipeline, and any other section
// defaults to its own name. An unregistered type is a configuration
// fault. Module resolution happens here, at configuration-load
// time, never during a run.
func NewModule(name string, cfg *config.Config) (Module, error) {
	return newModule(name, cfg, nil)
}

// newModule carries the chain of pipelines under construction so
// that nested pipelines can refuse configuration cycles.
func newModule(name string, cfg *config.Config, path []string) (Module, error) {
	typ, err := cfg.GetString(name, config.KeywordModule, defaultType(name, cfg))
	if err != nil {
		return nil, config.Errorf(name, config.KeywordModule, "%v", err)
	}
	registryMu.Lock()
	factory, ok := registry[typ]
	registryMu.Unlock()
	if !ok {
		return nil, config.Errorf(name, config.KeywordModule, "unknown module type %q", typ)
	}
	m := factory()
	if err := initModule(m, typ, name, cfg); err != nil {
		return nil, err
	}
	if p, ok := m.(pipeliner); ok {
		p.pipeline().path = append(append([]string(nil), path...), name)
	}
	if b, ok := m.(builder); ok {
		if err := b.build(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// defaultType picks the type of a section with no explicit module
// entry. Sections with child run lists, the root main section
// chiefly among them, are pipelines.
func defaultType(name string, cfg *config.Config) string {
	for _, keyword := range []string{
		config.KeywordModules,
		config.KeywordSetup,
		config.KeywordExecute,
		config.KeywordCleanup,
	} {
		if _, ok := cfg.Lookup(name, keyword); ok {
			return "pipeline"
		}
	}
	return name
}
