// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigpipe runs a pipeline from a configuration file. The pipeline's
// module types must be registered by the importing program; this
// binary knows the built-in pipeline types only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/comm"
	"github.com/grailbio/bigpipe/config"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigpipe -config config.yaml [flags]

Bigpipe builds the pipeline named "main" from the configuration file
and runs it through its setup, execute and cleanup phases. The
process exits nonzero if any phase faults.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		configPath = flag.String("config", "", "path of the pipeline configuration file")
		blockPath  = flag.String("block", "", "load the initial block from this file")
		savePath   = flag.String("save-block", "", "save the pipeline's root block to this file")
		ranks      = flag.Int("ranks", 1, "size of the in-process group to run the pipeline on")
		graph      = flag.Bool("graph", false, "print the pipeline tree and exit")
	)
	log.AddFlags()
	flag.Parse()
	must.Func = log.Fatal
	if *configPath == "" {
		flag.Usage()
	}

	cfg, err := config.Load(*configPath)
	must.Nil(err, "load configuration")
	if *graph {
		p, err := bigpipe.New(cfg, comm.Self())
		must.Nil(err)
		fmt.Print(p)
		return
	}

	ctx := context.Background()
	run := func(ctx context.Context, c comm.Comm) error {
		p, err := bigpipe.New(cfg, c)
		if err != nil {
			return err
		}
		if *blockPath != "" {
			blk, err := block.Load(*blockPath, c)
			if err != nil {
				return err
			}
			p.Bind(blk)
		}
		if err := p.Run(ctx); err != nil {
			return err
		}
		if *savePath != "" && c.Rank() == 0 {
			return p.Block().Save(*savePath)
		}
		return nil
	}
	if *ranks > 1 {
		err = comm.Run(ctx, *ranks, run)
	} else {
		err = run(ctx, comm.Self())
	}
	if err != nil {
		log.Fatal(err)
	}
}
