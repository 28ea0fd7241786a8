// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package block implements the namespaced key/value store passed
// between pipeline modules. A Block maps (section, name) keys to
// arbitrary values, resolves every keyed access through an optional
// alias table (Mapping), and supports an ownership-aware shallow
// copy: copies share leaf values, so a mutation of a fetched mutable
// value is visible everywhere the value is shared, unless the value
// opts into deep copying by implementing Copier.
package block

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/bigpipe/comm"
)

// Reserved sections. The process-group section holds the rank and
// communicator view the owning code is running under; common
// sections are shared wholesale across copies by default.
const (
	CommonSection       = "common"
	ProcessGroupSection = "procgroup"
	commName            = "comm"
)

// CommonSections lists the sections that Copy and Update share
// wholesale unless the caller lists sections explicitly.
var CommonSections = []string{CommonSection, ProcessGroupSection}

// Copier is the deep-copy hook: values implementing it are copied
// via CopyForBlock when their block is copied, giving callers
// isolation from the no-copy default.
type Copier interface {
	CopyForBlock() interface{}
}

// Distributer is the capability consulted by Block.Distribute:
// values spread themselves to the destination ranks and return the
// local replacement value.
type Distributer interface {
	Distribute(ctx context.Context, c comm.Comm, dests []int) (interface{}, error)
}

// Collector is the capability consulted when stitching distributed
// results: the receiver, which may be a broadcast prototype on ranks
// that produced nothing, reassembles the value spread across the
// source ranks and returns the local result.
type Collector interface {
	Collect(ctx context.Context, c comm.Comm, sources []int) (interface{}, error)
}

// An Item is one (key, value) entry of a Block.
type Item struct {
	Key   Key
	Value interface{}
}

// A Block is a two-level key/value store with an alias layer.
type Block struct {
	data    map[string]map[string]interface{}
	mapping Mapping
}

// New creates an empty Block owned by the provided process-group
// view. A nil comm installs the size-1 self group.
func New(c comm.Comm) *Block {
	b := &Block{data: make(map[string]map[string]interface{})}
	b.data[CommonSection] = make(map[string]interface{})
	if c == nil {
		c = comm.Self()
	}
	b.SetComm(c)
	return b
}

// From creates a Block from a nested section -> name -> value
// dictionary, sharing the leaf values with the caller.
func From(data map[string]map[string]interface{}, c comm.Comm) *Block {
	b := New(c)
	for section, names := range data {
		for name, value := range names {
			b.Set(section, name, value)
		}
	}
	return b
}

func (b *Block) resolve(section, name string) Key {
	return b.mapping.Resolve(Key{section, name})
}

// SetMapping replaces the block's alias table.
func (b *Block) SetMapping(m Mapping) { b.mapping = m }

// Mapping returns the block's alias table.
func (b *Block) Mapping() Mapping { return b.mapping }

// Comm returns the process-group view stored in the block's
// process-group section.
func (b *Block) Comm() comm.Comm {
	v, ok := b.lookupRaw(Key{ProcessGroupSection, commName})
	if !ok {
		return nil
	}
	return v.(comm.Comm)
}

// SetComm installs a process-group view into the block.
func (b *Block) SetComm(c comm.Comm) {
	b.setRaw(Key{ProcessGroupSection, commName}, c)
}

func (b *Block) lookupRaw(k Key) (interface{}, bool) {
	names, ok := b.data[k.Section]
	if !ok {
		return nil, false
	}
	v, ok := names[k.Name]
	return v, ok
}

func (b *Block) setRaw(k Key, value interface{}) {
	names, ok := b.data[k.Section]
	if !ok {
		names = make(map[string]interface{})
		b.data[k.Section] = names
	}
	names[k.Name] = value
}

// Lookup returns the value stored under (section, name), resolving
// the key through the block's alias table first.
func (b *Block) Lookup(section, name string) (interface{}, bool) {
	return b.lookupRaw(b.resolve(section, name))
}

// Get returns the value stored under (section, name). A missing
// entry is a MissingKeyError.
func (b *Block) Get(section, name string) (interface{}, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		return nil, &MissingKeyError{Key{section, name}}
	}
	return v, nil
}

// GetDefault returns the value stored under (section, name), or def
// if the entry is absent.
func (b *Block) GetDefault(section, name string, def interface{}) interface{} {
	if v, ok := b.Lookup(section, name); ok {
		return v
	}
	return def
}

// Set stores value under (section, name), resolving the key through
// the alias table first.
func (b *Block) Set(section, name string, value interface{}) {
	b.setRaw(b.resolve(section, name), value)
}

// Has tells whether the block holds an entry under (section, name).
func (b *Block) Has(section, name string) bool {
	_, ok := b.Lookup(section, name)
	return ok
}

// HasSection tells whether the block holds the (alias-resolved)
// section.
func (b *Block) HasSection(section string) bool {
	k := b.mapping.Resolve(Key{Section: section})
	_, ok := b.data[k.Section]
	return ok
}

// Delete removes the entry under (section, name). Deleting an
// absent entry is a no-op.
func (b *Block) Delete(section, name string) {
	k := b.resolve(section, name)
	if names, ok := b.data[k.Section]; ok {
		delete(names, k.Name)
	}
}

// SetDefault stores value under (section, name) unless an entry is
// already present.
func (b *Block) SetDefault(section, name string, value interface{}) {
	if !b.Has(section, name) {
		b.Set(section, name, value)
	}
}

// Sections returns the block's section names, sorted. Sections are
// reported unaliased.
func (b *Block) Sections() []string {
	sections := make([]string, 0, len(b.data))
	for section := range b.data {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return sections
}

// Keys returns the block's keys, sorted; if a section is given,
// only that section's keys. Keys are reported unaliased: the alias
// table affects keyed access only.
func (b *Block) Keys(section ...string) []Key {
	var keys []Key
	for sec, names := range b.data {
		if len(section) > 0 && sec != section[0] {
			continue
		}
		for name := range names {
			keys = append(keys, Key{sec, name})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Section != keys[j].Section {
			return keys[i].Section < keys[j].Section
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Items returns the block's entries with unaliased keys, sorted.
func (b *Block) Items() []Item {
	keys := b.Keys()
	items := make([]Item, len(keys))
	for i, k := range keys {
		v, _ := b.lookupRaw(k)
		items[i] = Item{k, v}
	}
	return items
}

func (b *Block) defaultNocopy() []string {
	var nocopy []string
	for _, section := range CommonSections {
		if _, ok := b.data[section]; ok {
			nocopy = append(nocopy, section)
		}
	}
	return nocopy
}

// Copy returns a shallow copy of the block: the section maps are
// cloned, entries are copied, but leaf values are shared, except
// values implementing Copier, which are deep-copied. Sections
// listed in nocopy are shared wholesale, section map included, so
// that writes the owner makes to those sections remain visible in
// the copy. If nocopy is nil, the common sections present in the
// block are shared; pass an empty slice to copy every section.
func (b *Block) Copy(nocopy ...string) *Block {
	if nocopy == nil {
		nocopy = b.defaultNocopy()
	}
	shared := make(map[string]bool, len(nocopy))
	for _, section := range nocopy {
		shared[section] = true
	}
	new := &Block{
		data:    make(map[string]map[string]interface{}, len(b.data)),
		mapping: b.mapping,
	}
	for section, names := range b.data {
		if shared[section] {
			new.data[section] = names
			continue
		}
		copied := make(map[string]interface{}, len(names))
		for name, value := range names {
			if c, ok := value.(Copier); ok {
				value = c.CopyForBlock()
			}
			copied[name] = value
		}
		new.data[section] = copied
	}
	return new
}

// Update merges other's entries into b, sharing leaf values.
// Sections listed in nocopy are adopted wholesale. If nocopy is
// nil, the common sections present in other are adopted.
func (b *Block) Update(other *Block, nocopy ...string) {
	if nocopy == nil {
		nocopy = other.defaultNocopy()
	}
	shared := make(map[string]bool, len(nocopy))
	for _, section := range nocopy {
		shared[section] = true
	}
	for section, names := range other.data {
		if shared[section] {
			b.data[section] = names
			continue
		}
		for name, value := range names {
			b.setRaw(Key{section, name}, value)
		}
	}
}

// Distribute spreads the block's distributable values to the
// destination ranks: each value implementing Distributer is replaced
// by the result of its Distribute call; other values pass through
// unchanged. The block's process-group view is replaced by c.
func (b *Block) Distribute(ctx context.Context, c comm.Comm, dests []int) error {
	for _, item := range b.Items() {
		d, ok := item.Value.(Distributer)
		if !ok {
			continue
		}
		v, err := d.Distribute(ctx, c, dests)
		if err != nil {
			return fmt.Errorf("block: distribute %s: %v", item.Key, err)
		}
		b.setRaw(item.Key, v)
	}
	b.SetComm(c)
	return nil
}

// Collect reassembles the block's collectable values from the
// source ranks, replacing each value implementing Collector with
// the result of its Collect call.
func (b *Block) Collect(ctx context.Context, c comm.Comm, sources []int) error {
	for _, item := range b.Items() {
		col, ok := item.Value.(Collector)
		if !ok {
			continue
		}
		v, err := col.Collect(ctx, c, sources)
		if err != nil {
			return fmt.Errorf("block: collect %s: %v", item.Key, err)
		}
		b.setRaw(item.Key, v)
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block(%d sections, %d entries)", len(b.data), len(b.Keys()))
}
