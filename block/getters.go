// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

// Type-checked accessors. Each returns the entry's value if it is
// present and of the accepted type, the supplied default if the
// entry is absent (in which case no type check occurs), and a
// TypeError if the entry is present with a value outside the
// accepted set.

// GetBool returns the boolean stored under (section, name).
func (b *Block) GetBool(section, name string, def ...bool) (bool, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return false, &MissingKeyError{Key{section, name}}
	}
	t, ok := v.(bool)
	if !ok {
		return false, &TypeError{Key{section, name}, v, "bool"}
	}
	return t, nil
}

// GetInt returns the integer stored under (section, name). Values
// stored as int or int64 are accepted.
func (b *Block) GetInt(section, name string, def ...int) (int, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, &MissingKeyError{Key{section, name}}
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	}
	return 0, &TypeError{Key{section, name}, v, "int"}
}

// GetFloat returns the float stored under (section, name). Integer
// values are accepted and widened.
func (b *Block) GetFloat(section, name string, def ...float64) (float64, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, &MissingKeyError{Key{section, name}}
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	}
	return 0, &TypeError{Key{section, name}, v, "float"}
}

// GetString returns the string stored under (section, name).
func (b *Block) GetString(section, name string, def ...string) (string, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return "", &MissingKeyError{Key{section, name}}
	}
	t, ok := v.(string)
	if !ok {
		return "", &TypeError{Key{section, name}, v, "string"}
	}
	return t, nil
}

// GetList returns the list stored under (section, name).
func (b *Block) GetList(section, name string, def ...[]interface{}) ([]interface{}, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return nil, &MissingKeyError{Key{section, name}}
	}
	t, ok := v.([]interface{})
	if !ok {
		return nil, &TypeError{Key{section, name}, v, "list"}
	}
	return t, nil
}

// GetStrings returns the list of strings stored under (section, name).
// Both []string and []interface{} of strings are accepted.
func (b *Block) GetStrings(section, name string, def ...[]string) ([]string, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return nil, &MissingKeyError{Key{section, name}}
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, &TypeError{Key{section, name}, v, "[]string"}
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, &TypeError{Key{section, name}, v, "[]string"}
}

// GetMap returns the nested dictionary stored under (section, name).
func (b *Block) GetMap(section, name string, def ...map[string]interface{}) (map[string]interface{}, error) {
	v, ok := b.Lookup(section, name)
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return nil, &MissingKeyError{Key{section, name}}
	}
	t, ok := v.(map[string]interface{})
	if !ok {
		return nil, &TypeError{Key{section, name}, v, "map"}
	}
	return t, nil
}
