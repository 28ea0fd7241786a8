// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

// Reserved option keywords. These are interpreted by the pipeline
// driver and are always accepted in a module's section regardless of
// the module's schema.
const (
	// KeywordModule names the registered module type to instantiate
	// for a section.
	KeywordModule = "module"
	// KeywordModules lists a pipeline's child module names in
	// execution order.
	KeywordModules = "modules"

	// KeywordSetup, KeywordExecute and KeywordCleanup list a
	// pipeline's per-phase tasks as "child" or "child:phase" strings.
	KeywordSetup   = "setup"
	KeywordExecute = "execute"
	KeywordCleanup = "cleanup"

	// KeywordSet maps block keys to values written before the module
	// runs.
	KeywordSet = "set"
	// KeywordMapping maps block keys or sections to aliases installed
	// on the module's block.
	KeywordMapping = "mapping"
	// KeywordDuplicate maps local block keys to the global keys they
	// are published under after the module runs.
	KeywordDuplicate = "duplicate"

	// KeywordIter requests iterated execution: an integer task count
	// or a list of per-task values.
	KeywordIter = "iter"
	// KeywordProcsPerTask sets the number of ranks cooperating on
	// each task.
	KeywordProcsPerTask = "procs_per_task"
	// KeywordConfigIter maps "child.option" keys to per-task value
	// lists applied to the configuration of each task.
	KeywordConfigIter = "config_iter"
	// KeywordBlockIter maps block keys to per-task value lists
	// applied to the block of each task.
	KeywordBlockIter = "block_iter"
	// KeywordBlockKeyIter maps block keys produced by each task to
	// the per-task keys their values are gathered under.
	KeywordBlockKeyIter = "block_key_iter"

	// KeywordJobDir, KeywordJobSubmit, KeywordJobTemplate and
	// KeywordJobOptions configure batch pipelines: the scratch
	// directory, the submission command, the job script template and
	// the values substituted into it.
	KeywordJobDir      = "job_dir"
	KeywordJobSubmit   = "job_submit"
	KeywordJobTemplate = "job_template"
	KeywordJobOptions  = "job_options"
)

var keywords = map[string]bool{
	KeywordModule:       true,
	KeywordModules:      true,
	KeywordSetup:        true,
	KeywordExecute:      true,
	KeywordCleanup:      true,
	KeywordSet:          true,
	KeywordMapping:      true,
	KeywordDuplicate:    true,
	KeywordIter:         true,
	KeywordProcsPerTask: true,
	KeywordConfigIter:   true,
	KeywordBlockIter:    true,
	KeywordBlockKeyIter: true,
	KeywordJobDir:       true,
	KeywordJobSubmit:    true,
	KeywordJobTemplate:  true,
	KeywordJobOptions:   true,
}

// IsKeyword tells whether name is a reserved option keyword.
func IsKeyword(name string) bool { return keywords[name] }
