// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"fmt"
	"sort"
	"strings"
)

// A Key names one entry of a Block.
type Key struct {
	Section string
	Name    string
}

func (k Key) String() string {
	return k.Section + KeySep + k.Name
}

// KeySep separates section from name in textual keys, as used in
// configuration files.
const KeySep = "."

// ParseKey parses a textual key of the form "section.name". If the
// key has no separator and defaultSection is nonempty, the whole
// string is taken as the name within defaultSection.
func ParseKey(s, defaultSection string) (Key, error) {
	switch parts := strings.SplitN(s, KeySep, 2); len(parts) {
	case 2:
		return Key{parts[0], parts[1]}, nil
	default:
		if defaultSection == "" {
			return Key{}, fmt.Errorf("block: key %q is not of the form section%sname", s, KeySep)
		}
		return Key{defaultSection, parts[0]}, nil
	}
}

// A Mapping is an alias table redirecting Block accesses: a keyed
// entry maps one (section, name) to another; a section entry maps a
// whole section. Mappings introduce indirection only, never
// ownership: listing methods on a Block report unaliased keys
// regardless of its mapping.
type Mapping struct {
	keys     map[Key]Key
	sections map[string]string
}

// NewMapping builds a Mapping from textual alias pairs. Both sides
// of an entry must have the same arity: "section.name" maps to
// "section.name", and a bare "section" maps to a bare "section".
func NewMapping(aliases map[string]string) (Mapping, error) {
	var m Mapping
	for from, to := range aliases {
		fromSec := !strings.Contains(from, KeySep)
		toSec := !strings.Contains(to, KeySep)
		if fromSec != toSec {
			return Mapping{}, fmt.Errorf("block: alias %q -> %q mixes section and keyed forms", from, to)
		}
		if fromSec {
			m.AliasSection(from, to)
			continue
		}
		fromKey, err := ParseKey(from, "")
		if err != nil {
			return Mapping{}, err
		}
		toKey, err := ParseKey(to, "")
		if err != nil {
			return Mapping{}, err
		}
		m.Alias(fromKey, toKey)
	}
	return m, nil
}

// Alias adds a keyed alias from -> to.
func (m *Mapping) Alias(from, to Key) {
	if m.keys == nil {
		m.keys = make(map[Key]Key)
	}
	m.keys[from] = to
}

// AliasSection adds a whole-section alias from -> to.
func (m *Mapping) AliasSection(from, to string) {
	if m.sections == nil {
		m.sections = make(map[string]string)
	}
	m.sections[from] = to
}

// Resolve maps a key through the alias table: a keyed alias wins
// over a section alias; unaliased keys resolve to themselves.
func (m Mapping) Resolve(k Key) Key {
	if to, ok := m.keys[k]; ok {
		return to
	}
	if to, ok := m.sections[k.Section]; ok {
		return Key{to, k.Name}
	}
	return k
}

// Len returns the number of alias entries.
func (m Mapping) Len() int {
	return len(m.keys) + len(m.sections)
}

// Items returns the mapping's entries as sorted textual pairs.
func (m Mapping) Items() [][2]string {
	items := make([][2]string, 0, m.Len())
	for from, to := range m.keys {
		items = append(items, [2]string{from.String(), to.String()})
	}
	for from, to := range m.sections {
		items = append(items, [2]string{from, to})
	}
	sort.Slice(items, func(i, j int) bool { return items[i][0] < items[j][0] })
	return items
}

func (m Mapping) String() string {
	var b strings.Builder
	b.WriteString("Mapping{")
	for i, item := range m.Items() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s->%s", item[0], item[1])
	}
	b.WriteString("}")
	return b.String()
}
