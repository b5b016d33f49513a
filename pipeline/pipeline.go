// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline composes the transactional stages into the two calls the
// variant callers are built from:
//
//   RunFanOutTask runs one external tool per partition key (e.g. chromosome
//   and variant type) with bounded parallelism, synthesizing empty results
//   for partitions where the tool finds nothing.
//
//   MergeAndPostProcess cleans the per-partition VCFs, merges them, and
//   splits, filters and indexes the result per sample.
//
// Every step is an idempotent stage, so an interrupted run resumes at the
// first missing output.
package pipeline

import (
	"context"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/fanout"
	"github.com/grailbio/biopipe/reference"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/vcf"
)

// Reference is the genome the tools are run against.
type Reference struct {
	// Path is the FASTA file.
	Path string
	// Index lists its contigs.
	Index *reference.Index
}

// LoadReference loads the contig index of the FASTA file at path, generating
// the index if needed.
func LoadReference(ctx context.Context, path string) (Reference, error) {
	if path == "" {
		return Reference{}, errors.E(errors.Invalid, "pipeline: no reference")
	}
	index, err := reference.LoadIndex(ctx, path)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Path: path, Index: index}, nil
}

// Order returns the contig order of ref, or nil if ref has no index.
func (ref Reference) Order() map[string]int {
	if ref.Index == nil {
		return nil
	}
	return ref.Index.Order()
}

// Task is one partition's tool run, as produced by a Builder.
type Task struct {
	// Output is the final VCF path of the partition.
	Output string
	// Empty marks a partition known to have no results.  Its output is
	// written as an empty VCF without running the tool.
	Empty bool
	// Benign lists output fragments that mark a failing exit as "nothing
	// found".
	Benign []string
	// Command builds the tool invocation that writes txPath.
	Command func(ctx context.Context, txPath string) (toolrun.Command, error)
}

// Builder describes the tool run for one partition key.
type Builder func(key fanout.PartitionKey, ref Reference) (Task, error)

// RunFanOutTask runs one tool invocation per key and returns the output path
// of each key.  Up to min(opts.Cores, len(keys)) invocations run at once.
// Partitions where the tool reports nothing found get an empty VCF listing
// samples.  A failing invocation is returned as a *fanout.TaskError naming its
// key.
func RunFanOutTask(ctx context.Context, opts *Opts, samples []string, keys []fanout.PartitionKey, build Builder, ref Reference) (map[fanout.PartitionKey]string, error) {
	tasks := make([]fanout.Task, 0, len(keys))
	for _, key := range keys {
		t, err := build(key, ref)
		if err != nil {
			return nil, errors.E(err, "pipeline: build task", key.String())
		}
		if t.Output == "" {
			return nil, errors.E(errors.Invalid, "pipeline: no output path for task", key.String())
		}
		name := key.String()
		tasks = append(tasks, fanout.Task{
			Key: key,
			Run: func(ctx context.Context) (stage.Result, error) {
				return ToolStage(ctx, opts.Runner, name, t, samples)
			},
		})
	}
	sched := fanout.Scheduler{Parallelism: fanout.Parallelism(opts.Cores, len(keys)), Policy: opts.Policy}
	return sched.RunAll(ctx, tasks)
}

// ToolStage runs t as an idempotent stage.  The tool writes the transaction
// path; when it reports nothing found, or exits cleanly without writing, an
// empty VCF with the given samples is written instead.
func ToolStage(ctx context.Context, r toolrun.Runner, name string, t Task, samples []string) (stage.Result, error) {
	return stage.Stage{
		Name:   name,
		Output: t.Output,
		Compute: func(ctx context.Context, txPath string) error {
			if t.Empty {
				log.Debug.Printf("pipeline: %s: no regions to call, writing empty result", name)
				return vcf.WriteEmptyFile(ctx, txPath, samples)
			}
			cmd, err := t.Command(ctx, txPath)
			if err != nil {
				return err
			}
			out := toolrun.Invoke(ctx, r, toolrun.Invocation{Command: cmd, Output: txPath, Benign: t.Benign})
			switch out.Kind {
			case toolrun.SuccessWithOutput:
				return nil
			case toolrun.SuccessEmpty:
				return vcf.WriteEmptyFile(ctx, txPath, samples)
			}
			return out.Err
		},
	}.Run(ctx)
}

// PostProcess configures MergeAndPostProcess.
type PostProcess struct {
	// Samples are the sample names, in the column order of the inputs.
	Samples []string
	// Filter, if set, soft-filters each per-sample VCF.
	Filter *vcf.Filter
	// Output is the merged VCF path.  Defaults to vcf.CombinedPath of the
	// cleaned inputs.
	Output string
}

// MergeAndPostProcess turns the per-partition VCFs at paths into one
// compressed, indexed VCF per sample and returns their paths by sample name.
// Each input is cleaned, with its sample columns renamed to pp.Samples, and
// indexed; the cleaned files are merged in reference order and indexed; the
// merged file is split per sample, and each split is soft-filtered and
// indexed.
func MergeAndPostProcess(ctx context.Context, opts *Opts, paths []string, pp PostProcess, ref Reference) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.E(errors.Invalid, "pipeline: no VCFs to merge")
	}
	compress := opts.Compress()

	cleanTasks := make([]fanout.Task, len(paths))
	for i, path := range paths {
		path := path
		cleanTasks[i] = fanout.Task{
			Key: fanout.Key(path),
			Run: func(ctx context.Context) (stage.Result, error) {
				clean, err := vcf.Clean(ctx, path, pp.Samples)
				if err != nil {
					return stage.Result{}, err
				}
				gz, err := vcf.BgzipAndIndex(ctx, clean, compress)
				return stage.Result{Path: gz}, err
			},
		}
	}
	sched := fanout.Scheduler{Parallelism: fanout.Parallelism(opts.Cores, len(paths)), Policy: opts.Policy}
	cleaned, err := sched.RunAll(ctx, cleanTasks)
	if err != nil {
		return nil, err
	}
	var ins []string
	for _, path := range paths {
		ins = append(ins, cleaned[fanout.Key(path)])
	}

	out := pp.Output
	if out == "" {
		out = vcf.CombinedPath(ins)
	}
	merged, err := vcf.Merge(ctx, ins, out, ref.Order())
	if err != nil {
		return nil, err
	}
	if merged, err = vcf.BgzipAndIndex(ctx, merged, compress); err != nil {
		return nil, err
	}
	log.Printf("pipeline: merged %d VCFs into %s", len(paths), merged)

	sampleTasks := make([]fanout.Task, len(pp.Samples))
	for i, sample := range pp.Samples {
		sample := sample
		sampleTasks[i] = fanout.Task{
			Key: fanout.Key(sample),
			Run: func(ctx context.Context) (stage.Result, error) {
				path, err := sampleView(ctx, merged, sample, pp.Filter, compress)
				return stage.Result{Path: path}, err
			},
		}
	}
	sched.Parallelism = fanout.Parallelism(opts.Cores, len(pp.Samples))
	outputs, err := sched.RunAll(ctx, sampleTasks)
	if err != nil {
		return nil, err
	}
	bySample := make(map[string]string, len(outputs))
	for key, path := range outputs {
		bySample[key.Values()[0]] = path
	}
	return bySample, nil
}

// sampleView projects sample out of the merged VCF, then filters and indexes
// it.
func sampleView(ctx context.Context, merged, sample string, filter *vcf.Filter, compress vcf.CompressOpts) (string, error) {
	path, err := vcf.SelectSample(ctx, merged, sample, vcf.SamplePath(merged, sample))
	if err != nil {
		return "", err
	}
	if path, err = vcf.BgzipAndIndex(ctx, path, compress); err != nil {
		return "", err
	}
	if filter == nil {
		return path, nil
	}
	if path, err = vcf.SoftFilter(ctx, path, vcf.FilterPath(path), *filter); err != nil {
		return "", err
	}
	return vcf.BgzipAndIndex(ctx, path, compress)
}

// WorkPath returns the path of name under the work directory, creating no
// directories.
func (o *Opts) WorkPath(elems ...string) string {
	return filepath.Join(append([]string{o.WorkDir}, elems...)...)
}
