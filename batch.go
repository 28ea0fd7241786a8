// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpipe/block"
	"github.com/grailbio/bigpipe/config"
)

// batchCommand invokes this program on a task's configuration and
// block snapshots; the spawned run saves its root block where the
// parent expects the task's result.
const batchCommand = "bigpipe"

// batchRetries bounds completion polling for jobs submitted through
// a queue template.
const batchRetries = 30

// A BatchPipeline executes its run list through external jobs
// instead of in-process: for every task it snapshots the
// configuration and the working block to its job directory, invokes
// an external command (optionally wrapped in a submission-queue
// script rendered from a template), then loads the result block the
// job left behind. A job that leaves no result is a
// TaskIncompleteError.
type BatchPipeline struct {
	Pipeline

	jobDir      string
	jobTemplate string
	jobSubmit   string
	jobOptions  map[string]interface{}
}

func (p *BatchPipeline) build() error {
	if err := p.Pipeline.build(); err != nil {
		return err
	}
	// A module set up in-process cannot execute in a spawned job: its
	// setup state does not cross the process boundary.
	inSetup := make(map[Module]bool)
	for _, td := range p.todos[Setup] {
		inSetup[td.module] = true
	}
	for _, td := range p.todos[Execute] {
		if inSetup[td.module] {
			return config.Errorf(p.name, "", "module %q must run entirely (setup, execute) inside the batch job", td.module.Name())
		}
	}
	return nil
}

func (p *BatchPipeline) Setup(ctx context.Context) error {
	var err error
	if p.jobDir, err = p.options.GetString(config.KeywordJobDir, "job_dir"); err != nil {
		return err
	}
	if err := os.MkdirAll(p.jobDir, 0777); err != nil {
		return err
	}
	if path, err := p.options.GetString(config.KeywordJobTemplate, ""); err != nil {
		return err
	} else if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		p.jobTemplate = string(data)
		if p.jobSubmit, err = p.options.GetString(config.KeywordJobSubmit, "sbatch"); err != nil {
			return err
		}
		if p.jobOptions, err = p.options.GetMap(config.KeywordJobOptions, nil); err != nil {
			return err
		}
	}
	return p.Pipeline.Setup(ctx)
}

func (p *BatchPipeline) Execute(ctx context.Context) error {
	snapshot, saved := p.snapshot()
	ntasks := 1
	if p.iter != nil {
		ntasks = len(p.iter.tasks)
	}
	ipipe := p.blk.Copy()
	for itask := 0; itask < ntasks; itask++ {
		if p.iter != nil {
			for _, key := range p.iter.sortedConfigKeys() {
				snapshot.SetRaw(key.Section, key.Name, p.iter.configIter[key][itask])
			}
			for _, key := range sortedBlockKeysI(p.iter.blockIter) {
				ipipe.Set(key.Section, key.Name, p.iter.blockIter[key][itask])
			}
		}
		if err := p.runTask(ctx, itask, snapshot, ipipe, saved); err != nil {
			return err
		}
	}

	outer := p.blk.Copy()
	p.pipe = outer
	last := outer
	for itask := 0; itask < ntasks && saved; itask++ {
		loaded, err := p.loadTask(ctx, itask)
		if err != nil {
			return err
		}
		if p.iter != nil {
			for _, src := range p.iter.sources {
				out := p.iter.keyIter[src][itask]
				v, err := loaded.Get(src.Section, src.Name)
				if err != nil {
					return err
				}
				outer.Set(out.Section, out.Name, v)
			}
		}
		last = loaded
	}
	bcast := make(map[block.Key]bool)
	if p.iter != nil {
		for _, out := range p.iter.outputs {
			bcast[out] = true
		}
	}
	for _, d := range p.duplicates {
		if bcast[d.Global] {
			continue
		}
		if v, ok := last.Lookup(d.Global.Section, d.Global.Name); ok {
			outer.Set(d.Global.Section, d.Global.Name, v)
		}
	}
	return nil
}

// snapshot prepares the configuration shipped to every job: a copy
// of the pipeline's configuration whose main section runs this
// pipeline's execute list directly, carries its preset pairs, and
// publishes the keys the parent reads back. saved reports whether
// jobs are asked to save their result block at all.
func (p *BatchPipeline) snapshot() (snapshot *config.Config, saved bool) {
	snapshot = p.config.Copy()
	var execute []interface{}
	for _, td := range p.todos[Execute] {
		execute = append(execute, td.module.Name()+todoSep+td.phase.String())
	}
	set := make(map[string]interface{}, len(p.presets))
	for _, item := range p.presets {
		set[item.Key.String()] = item.Value
	}
	dup := make(map[string]interface{})
	bcast := make(map[block.Key]bool)
	if p.iter != nil {
		for _, out := range p.iter.outputs {
			bcast[out] = true
		}
		for _, src := range p.iter.sources {
			dup[src.String()] = src.String()
		}
	}
	for _, d := range p.duplicates {
		if !bcast[d.Global] {
			dup[d.Global.String()] = d.Local.String()
		}
	}
	main := map[string]interface{}{
		config.KeywordExecute: execute,
	}
	if len(set) > 0 {
		main[config.KeywordSet] = set
	}
	if len(dup) > 0 {
		main[config.KeywordDuplicate] = dup
	}
	snapshot.Raw()[Main] = main
	return snapshot, len(dup) > 0
}

// taskFile names one of a task's snapshot files in the job
// directory. Single-task pipelines drop the index suffix.
func (p *BatchPipeline) taskFile(base, ext string, itask int) string {
	if p.iter == nil {
		return filepath.Join(p.jobDir, fmt.Sprintf("%s.%s", base, ext))
	}
	return filepath.Join(p.jobDir, fmt.Sprintf("%s_%d.%s", base, itask, ext))
}

// runTask writes the task's snapshots and invokes its job.
func (p *BatchPipeline) runTask(ctx context.Context, itask int, snapshot *config.Config, ipipe *block.Block, saved bool) error {
	configFn := p.taskFile("config_block", "yaml", itask)
	blockFn := p.taskFile("data_block", "bin", itask)
	if err := snapshot.Save(configFn); err != nil {
		return err
	}
	if err := ipipe.Save(blockFn); err != nil {
		return err
	}
	command := fmt.Sprintf("%s -config %s -block %s", batchCommand, configFn, blockFn)
	if saved {
		command = fmt.Sprintf("%s -save-block %s", command, p.taskFile("save_data_block", "bin", itask))
	}
	if p.jobTemplate != "" {
		script := p.renderJob(command)
		scriptFn := p.taskFile("script", "job", itask)
		if err := ioutil.WriteFile(scriptFn, []byte(script), 0666); err != nil {
			return err
		}
		command = fmt.Sprintf("%s %s", p.jobSubmit, scriptFn)
	}
	log.Printf("%s: task %d: running %s", p.name, itask, command)
	out, err := osexec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		// The job's own outcome is judged by the result file it
		// leaves, not by the submission command's exit status.
		log.Error.Printf("%s: task %d: %v", p.name, itask, err)
	}
	if len(out) > 0 {
		log.Printf("%s: task %d: output:\n%s", p.name, itask, out)
	}
	return nil
}

// renderJob substitutes {command} and the job options into the job
// script template.
func (p *BatchPipeline) renderJob(command string) string {
	pairs := []string{"{command}", command}
	for key, value := range p.jobOptions {
		pairs = append(pairs, "{"+key+"}", fmt.Sprint(value))
	}
	return strings.NewReplacer(pairs...).Replace(p.jobTemplate)
}

// loadTask loads the task's result block, polling with backoff when
// the job went through a submission queue.
func (p *BatchPipeline) loadTask(ctx context.Context, itask int) (*block.Block, error) {
	path := p.taskFile("save_data_block", "bin", itask)
	if p.jobTemplate != "" {
		policy := retry.Backoff(time.Second, 10*time.Second, 1.5)
		for try := 0; ; try++ {
			if _, err := os.Stat(path); err == nil {
				break
			}
			if try >= batchRetries {
				return nil, &TaskIncompleteError{Task: itask, Path: path}
			}
			if err := retry.Wait(ctx, policy, try); err != nil {
				return nil, err
			}
		}
	}
	b, err := block.Load(path, p.blk.Comm())
	if os.IsNotExist(err) {
		return nil, &TaskIncompleteError{Task: itask, Path: path}
	}
	return b, err
}
