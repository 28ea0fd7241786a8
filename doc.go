// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpipe implements a pipeline-execution engine for
	scientific computations. Units of work ("modules") expose three
	ordered phases, setup, execute and cleanup, and are wired into a
	tree of pipelines that exchange results through a shared,
	namespaced block of keyed values (package block). A pipeline
	decides per child which prerequisite phases must run, copies the
	block at phase boundaries so that children work on isolated views,
	and publishes declared result keys back to its parent.

	Pipelines can fan their execute phase out over a fixed process
	group: the group is partitioned into worker sub-groups that
	consume iteration tasks from a manager rank (package exec), and
	per-task results are stitched back to every rank with collective
	transfers that move bulk numeric arrays as opaque byte blocks
	(packages comm and array).

	Module types are registered with Register, typically from package
	init functions, and are resolved by name when a configuration
	(package config) is loaded. Process groups run either in-process,
	for tests and single-machine use, or SPMD-style across a cluster
	of bigmachine machines; user code is the same in both cases.
*/
package bigpipe
