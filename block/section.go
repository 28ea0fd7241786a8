// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

// A SectionView restricts a Block to a single section so that
// entries can be accessed by name alone. Modules read their options
// through a SectionView keyed by their own name.
type SectionView struct {
	block   *Block
	section string
}

// View returns a view of the block restricted to section.
func (b *Block) View(section string) SectionView {
	return SectionView{block: b, section: section}
}

// Block returns the underlying block.
func (v SectionView) Block() *Block { return v.block }

// Section returns the viewed section's name.
func (v SectionView) Section() string { return v.section }

// Has tells whether the section holds an entry under name.
func (v SectionView) Has(name string) bool { return v.block.Has(v.section, name) }

// Get returns the value stored under name.
func (v SectionView) Get(name string) (interface{}, error) { return v.block.Get(v.section, name) }

// Lookup returns the value stored under name, if present.
func (v SectionView) Lookup(name string) (interface{}, bool) { return v.block.Lookup(v.section, name) }

// GetDefault returns the value stored under name, or def.
func (v SectionView) GetDefault(name string, def interface{}) interface{} {
	return v.block.GetDefault(v.section, name, def)
}

// Set stores value under name.
func (v SectionView) Set(name string, value interface{}) { v.block.Set(v.section, name, value) }

// SetDefault stores value under name unless already present.
func (v SectionView) SetDefault(name string, value interface{}) {
	v.block.SetDefault(v.section, name, value)
}

// Keys returns the names present in the section.
func (v SectionView) Keys() []string {
	keys := v.block.Keys(v.section)
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name
	}
	return names
}

// GetBool is the type-checked boolean accessor.
func (v SectionView) GetBool(name string, def ...bool) (bool, error) {
	return v.block.GetBool(v.section, name, def...)
}

// GetInt is the type-checked integer accessor.
func (v SectionView) GetInt(name string, def ...int) (int, error) {
	return v.block.GetInt(v.section, name, def...)
}

// GetFloat is the type-checked float accessor.
func (v SectionView) GetFloat(name string, def ...float64) (float64, error) {
	return v.block.GetFloat(v.section, name, def...)
}

// GetString is the type-checked string accessor.
func (v SectionView) GetString(name string, def ...string) (string, error) {
	return v.block.GetString(v.section, name, def...)
}

// GetList is the type-checked list accessor.
func (v SectionView) GetList(name string, def ...[]interface{}) ([]interface{}, error) {
	return v.block.GetList(v.section, name, def...)
}

// GetStrings is the type-checked string-list accessor.
func (v SectionView) GetStrings(name string, def ...[]string) ([]string, error) {
	return v.block.GetStrings(v.section, name, def...)
}

// GetMap is the type-checked dictionary accessor.
func (v SectionView) GetMap(name string, def ...map[string]interface{}) (map[string]interface{}, error) {
	return v.block.GetMap(v.section, name, def...)
}
