// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import "fmt"

// MissingKeyError is returned by keyed accessors when an entry is
// absent and no default was supplied.
type MissingKeyError struct {
	Key Key
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no entry %q in section [%s]", e.Key.Name, e.Key.Section)
}

// TypeError is returned by type-checked accessors when an entry is
// present but its value is outside the accepted type set.
type TypeError struct {
	Key   Key
	Value interface{}
	Want  string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("wrong type %T for %q in section [%s] (accepted: %s)", e.Value, e.Key.Name, e.Key.Section, e.Want)
}

// IsMissing tells whether err is a MissingKeyError.
func IsMissing(err error) bool {
	_, ok := err.(*MissingKeyError)
	return ok
}
