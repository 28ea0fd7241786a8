// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config loads pipeline configurations. A configuration is
// a two-level tree of sections holding named values, parsed from
// YAML; each module reads the single section keyed by its own name.
// The package also defines the reserved option keywords interpreted
// by the pipeline driver and per-module option schemas used for
// validation.
package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/grailbio/bigpipe/block"
	yaml "gopkg.in/yaml.v3"
)

// Error is a configuration fault: an unknown or invalid option, a
// bad module reference, or a malformed tree.
type Error struct {
	Section string
	Name    string
	Msg     string
}

func (e *Error) Error() string {
	switch {
	case e.Section == "":
		return fmt.Sprintf("config: %s", e.Msg)
	case e.Name == "":
		return fmt.Sprintf("config: section %q: %s", e.Section, e.Msg)
	default:
		return fmt.Sprintf("config: %s.%s: %s", e.Section, e.Name, e.Msg)
	}
}

// Errorf formats a configuration fault for a (section, name); either
// may be empty.
func Errorf(section, name, format string, args ...interface{}) *Error {
	return &Error{Section: section, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// A Config is a parsed configuration tree. It is a Block so that
// modules read their options through the same typed accessors used
// for data, and it retains the raw tree for YAML snapshots.
type Config struct {
	*block.Block
	raw map[string]interface{}
}

// New returns an empty configuration.
func New() *Config {
	return &Config{Block: block.New(nil), raw: make(map[string]interface{})}
}

// Parse parses a YAML configuration. Top-level entries holding
// mappings become sections; scalar top-level entries are rejected.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, Errorf("", "", "parsing configuration: %v", err)
	}
	c := New()
	c.raw = raw
	for section, v := range raw {
		names, ok := v.(map[string]interface{})
		if !ok {
			return nil, Errorf(section, "", "expected a mapping of options, got %T", v)
		}
		for name, value := range names {
			c.Set(section, name, normalize(value))
		}
	}
	return c, nil
}

// Load parses the YAML configuration in the named file.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Raw returns the raw configuration tree backing the Config.
func (c *Config) Raw() map[string]interface{} { return c.raw }

// Merge folds other's entries into c, overwriting on conflict. Used
// to merge children's option trees upward at construction.
func (c *Config) Merge(other *Config) {
	for _, item := range other.Items() {
		if item.Key.Section == block.ProcessGroupSection {
			continue
		}
		c.Set(item.Key.Section, item.Key.Name, item.Value)
	}
	for section, v := range other.raw {
		c.raw[section] = v
	}
}

// Copy returns a config sharing leaf values with c.
func (c *Config) Copy() *Config {
	raw := make(map[string]interface{}, len(c.raw))
	for k, v := range c.raw {
		raw[k] = v
	}
	return &Config{Block: c.Block.Copy([]string{}...), raw: raw}
}

// SetRaw updates both the config tree and the raw snapshot tree.
func (c *Config) SetRaw(section, name string, value interface{}) {
	c.Set(section, name, value)
	names, ok := c.raw[section].(map[string]interface{})
	if !ok {
		names = make(map[string]interface{})
		c.raw[section] = names
	}
	names[name] = value
}

// Save writes the raw configuration tree as YAML to the named file.
func (c *Config) Save(path string) (err error) {
	data, err := yaml.Marshal(c.raw)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(data)
	return err
}

// normalize rewrites the map types produced by YAML parsing into
// the map[string]interface{} form used throughout.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	}
	return v
}
