// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import "reflect"

// An Option describes one configurable module option: its expected
// type, the values it may take, and the value installed when the
// configuration omits it.
type Option struct {
	// Type is one of "bool", "int", "float", "string", "list" or
	// "map"; empty accepts any value.
	Type string
	// Choices, when non-nil, enumerates the admissible values.
	Choices []interface{}
	// Default, when non-nil, is installed if the option is absent.
	Default interface{}
}

// A Schema declares a module's options by name. Validate checks a
// configuration section against it: options outside the schema and
// the reserved keywords are rejected, defaults are installed, and
// types and choices are enforced.
type Schema map[string]Option

// Validate checks the named section of c against the schema,
// installing defaults for absent options. It returns a *Error
// describing the first violation found.
func (s Schema) Validate(c *Config, section string) error {
	for _, key := range c.Keys(section) {
		if IsKeyword(key.Name) {
			continue
		}
		if _, ok := s[key.Name]; !ok {
			return Errorf(section, key.Name, "unknown option")
		}
	}
	for name, opt := range s {
		value, ok := c.Lookup(section, name)
		if !ok {
			if opt.Default != nil {
				c.Set(section, name, opt.Default)
			}
			continue
		}
		if !opt.admits(value) {
			return Errorf(section, name, "expected %s, got %T", opt.Type, value)
		}
		if opt.Choices != nil && !opt.chosen(value) {
			return Errorf(section, name, "value %v not among %v", value, opt.Choices)
		}
	}
	return nil
}

func (o Option) admits(value interface{}) bool {
	switch o.Type {
	case "":
		return true
	case "bool":
		_, ok := value.(bool)
		return ok
	case "int":
		switch value.(type) {
		case int, int64:
			return true
		}
	case "float":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
	case "string":
		_, ok := value.(string)
		return ok
	case "list":
		_, ok := value.([]interface{})
		return ok
	case "map":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return false
}

func (o Option) chosen(value interface{}) bool {
	for _, c := range o.Choices {
		if reflect.DeepEqual(value, c) {
			return true
		}
	}
	return false
}
