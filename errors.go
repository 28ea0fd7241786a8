// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"fmt"

	"github.com/grailbio/bigpipe/block"
)

// A ModuleError annotates a fault raised by a module during a phase
// with the module's type and instance name. Faults are wrapped once,
// at the dispatch boundary, and never swallowed.
type ModuleError struct {
	// Type is the module's registered type name.
	Type string
	// Name is the module's instance name.
	Name string
	// Phase is the phase that faulted.
	Phase Phase
	// Err is the module's own error.
	Err error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s[%s]: %s: %v", e.Type, e.Name, e.Phase, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// An UnassignedOutputError reports an iteration output key that was
// declared but never written by any task.
type UnassignedOutputError struct {
	Key block.Key
}

func (e *UnassignedOutputError) Error() string {
	return fmt.Sprintf("iteration output %s was not produced by any task", e.Key)
}

// A TaskIncompleteError reports a batch task that finished without
// leaving its result behind.
type TaskIncompleteError struct {
	// Task is the task's index within the iteration.
	Task int
	// Path is the result file that was expected.
	Path string
}

func (e *TaskIncompleteError) Error() string {
	return fmt.Sprintf("task %d did not complete: no result at %s", e.Task, e.Path)
}
