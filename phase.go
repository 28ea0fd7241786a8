// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import "fmt"

// A Phase is one of the three ordered stages every module runs
// through. It doubles as a module's state, recording the last phase
// the module completed; fresh modules start in Cleanup, treated as
// freshly cleaned.
type Phase int

const (
	Setup Phase = iota
	Execute
	Cleanup
)

func (p Phase) String() string {
	switch p {
	case Setup:
		return "setup"
	case Execute:
		return "execute"
	case Cleanup:
		return "cleanup"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase parses a textual phase name.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "setup":
		return Setup, nil
	case "execute":
		return Execute, nil
	case "cleanup":
		return Cleanup, nil
	}
	return 0, fmt.Errorf("bigpipe: invalid phase %q", s)
}

// prereqs is the dispatch decision table: given a requested phase and
// a module's current state, it lists the calls to make, in order. A
// module never executes without a setup since its last cleanup, and
// re-requesting setup mid-flight forces a cleanup first so that
// resource acquisition stays idempotent.
var prereqs = map[Phase]map[Phase][]Phase{
	Setup: {
		Setup:   {Cleanup, Setup},
		Execute: {Cleanup, Setup},
		Cleanup: {Setup},
	},
	Execute: {
		Setup:   {Execute},
		Execute: {Execute},
		Cleanup: {Setup, Execute},
	},
	Cleanup: {
		Setup:   {Cleanup},
		Execute: {Cleanup},
		Cleanup: {},
	},
}
