// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpipe/comm"
	"github.com/grailbio/bigpipe/config"
	"github.com/grailbio/bigpipe/exec"
	yaml "gopkg.in/yaml.v3"
)

func init() {
	// Machines run the main pipeline SPMD-style from the shipped
	// configuration.
	exec.RegisterRunner(func(ctx context.Context, c comm.Comm, raw []byte) error {
		cfg, err := config.Parse(raw)
		if err != nil {
			return err
		}
		_, err = Run(ctx, cfg, c)
		return err
	})
}

// RunMachines runs the main pipeline from cfg over a process group
// of n bigmachine machines allocated from system. Every machine
// builds the same pipeline from the configuration and joins the
// group as one rank; RunMachines returns when all ranks have
// finished their three phases.
func RunMachines(ctx context.Context, system bigmachine.System, n int, cfg *config.Config) error {
	raw, err := yaml.Marshal(cfg.Raw())
	if err != nil {
		return err
	}
	return exec.Machines(ctx, system, n, raw)
}
