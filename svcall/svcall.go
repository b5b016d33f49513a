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

// Package svcall calls structural variants with delly.
//
// Each sample's BAM is first reduced to a small BAM holding a subsample of
// properly paired reads plus all split and discordant reads.  delly then runs
// once per (chromosome, variant type) pair over all samples, and the
// per-partition VCFs are cleaned, merged, split per sample and soft-filtered
// on read-pair support.
package svcall

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/alignment"
	"github.com/grailbio/biopipe/fanout"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/regions"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/vcf"
)

const (
	// Caller names the caller in results.
	Caller = "delly"
	// FilterName is the FILTER tag of calls with weak read-pair support.
	FilterName = "DVSupport"
	// FilterExpr selects calls with fewer than 4 supporting pairs, or with
	// supporting pairs below 20% of all high-quality pairs.
	FilterExpr = "FMT/DV < 4 || (FMT/DV / (FMT/DV + FMT/DR)) < 0.2"
	// subsampleFilter keeps the reads delly uses to estimate insert sizes.
	subsampleFilter = "not secondary_alignment and proper_pair"
)

// noVariants is printed by delly when a partition has no calls.  delly exits
// with a failure status in that case.
var noVariants = []string{"No structural variants found"}

// Result is the output for one sample.
type Result struct {
	Sample string
	Caller string
	// VCF is the filtered, compressed and indexed calls.
	VCF string
	// Exclude is the BED of regions the caller skipped.
	Exclude string
}

// Run calls structural variants jointly over samples and returns one Result
// per sample, in order.
func Run(ctx context.Context, opts *pipeline.Opts, samples []pipeline.Sample) ([]Result, error) {
	if err := pipeline.ValidateSamples(samples); err != nil {
		return nil, err
	}
	ref, err := pipeline.LoadReference(ctx, opts.Reference)
	if err != nil {
		return nil, err
	}
	workDir := opts.WorkPath("structural", samples[0].Name, Caller)

	bams, err := PrepBAMs(ctx, opts, samples, workDir)
	if err != nil {
		return nil, err
	}
	exclude, err := loadOptional(ctx, opts.ExcludeBED)
	if err != nil {
		return nil, err
	}
	target, err := loadOptional(ctx, opts.VariantRegionsBED)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(workDir, bamBase(bams[0])+"-svs")
	excludePath, err := stage.Run(ctx, base+"-exclude.bed", func(ctx context.Context, txPath string) error {
		return exclude.WriteFile(ctx, txPath)
	})
	if err != nil {
		return nil, err
	}

	chroms := Chroms(ref, exclude)
	if len(chroms) == 0 {
		return nil, errors.E(errors.Invalid, "svcall: every chromosome is excluded")
	}
	keys := fanout.Product(chroms, opts.SVTypes)
	names := pipeline.SampleNames(samples)
	c := caller{opts: opts, bams: bams, base: base, exclude: exclude, target: target}
	outputs, err := pipeline.RunFanOutTask(ctx, opts, names, keys, c.build, ref)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(keys))
	for i, key := range keys {
		paths[i] = outputs[key]
	}

	filter, err := vcf.NewFilter(FilterName, FilterExpr)
	if err != nil {
		return nil, err
	}
	final, err := pipeline.MergeAndPostProcess(ctx, opts, paths, pipeline.PostProcess{
		Samples: names,
		Filter:  &filter,
		Output:  base + ".vcf",
	}, ref)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(samples))
	for i, name := range names {
		results[i] = Result{Sample: name, Caller: Caller, VCF: final[name], Exclude: excludePath}
	}
	return results, nil
}

// Chroms returns the reference contigs, in reference order, that are not
// entirely covered by exclude.
func Chroms(ref pipeline.Reference, exclude *regions.Set) []string {
	var chroms []string
	for _, c := range ref.Index.Contigs() {
		if exclude.Covers(c.Name, int(c.Length)) {
			log.Debug.Printf("svcall: %s is excluded", c.Name)
			continue
		}
		chroms = append(chroms, c.Name)
	}
	return chroms
}

// ChromExclude returns the regions delly must skip when calling chrom: every
// other contig in full, plus the excluded parts of chrom.
func ChromExclude(ref pipeline.Reference, exclude *regions.Set, chrom string) *regions.Set {
	var ivs []regions.Interval
	for _, c := range ref.Index.Contigs() {
		if c.Name == chrom {
			ivs = append(ivs, exclude.Intervals(chrom)...)
			continue
		}
		ivs = append(ivs, regions.Interval{Chrom: c.Name, Start: 0, End: int(c.Length)})
	}
	return regions.New(ivs)
}

type caller struct {
	opts    *pipeline.Opts
	bams    []string
	base    string
	exclude *regions.Set
	target  *regions.Set
}

// build describes the delly run for one (chromosome, type) key.
func (c caller) build(key fanout.PartitionKey, ref pipeline.Reference) (pipeline.Task, error) {
	v := key.Values()
	if len(v) != 2 {
		return pipeline.Task{}, errors.E(errors.Invalid, "svcall: want (chromosome, type) key, got", key.String())
	}
	chrom, svType := v[0], v[1]
	out := fmt.Sprintf("%s%s-%s.vcf", c.base, svType, chrom)
	if c.target != nil && !c.target.HasContig(chrom) {
		return pipeline.Task{Output: out, Empty: true}, nil
	}
	threads := fanout.Parallelism(c.opts.Cores, len(c.bams))
	return pipeline.Task{
		Output: out,
		Benign: noVariants,
		Command: func(ctx context.Context, txPath string) (toolrun.Command, error) {
			excludePath := strings.TrimSuffix(out, ".vcf") + "-exclude.bed"
			_, err := stage.Run(ctx, excludePath, func(ctx context.Context, txPath string) error {
				return ChromExclude(ref, c.exclude, chrom).WriteFile(ctx, txPath)
			})
			if err != nil {
				return toolrun.Command{}, err
			}
			args := []string{"-t", svType, "-g", ref.Path, "-o", txPath, "-x", excludePath}
			return toolrun.Command{
				Name: c.opts.Tools.Delly,
				Args: append(args, c.bams...),
				Env:  []string{"OMP_NUM_THREADS=" + strconv.Itoa(threads)},
			}, nil
		},
	}, nil
}

// PrepBAMs builds the reduced input BAM of each sample, running up to
// min(opts.Cores, len(samples)) samples at once.  It returns the BAM paths in
// sample order.
func PrepBAMs(ctx context.Context, opts *pipeline.Opts, samples []pipeline.Sample, workDir string) ([]string, error) {
	tools := opts.Alignment()
	tasks := make([]fanout.Task, len(samples))
	for i, s := range samples {
		s := s
		tasks[i] = fanout.Task{
			Key: fanout.Key(s.Name),
			Run: func(ctx context.Context) (stage.Result, error) {
				path, err := PrepBAM(ctx, tools, s, opts.Downsample, workDir)
				return stage.Result{Path: path}, err
			},
		}
	}
	sched := fanout.Scheduler{Parallelism: fanout.Parallelism(opts.Cores, len(samples)), Policy: opts.Policy}
	outputs, err := sched.RunAll(ctx, tasks)
	if err != nil {
		return nil, err
	}
	bams := make([]string, len(samples))
	for i, s := range samples {
		bams[i] = outputs[fanout.Key(s.Name)]
	}
	return bams, nil
}

// PrepBAM writes a BAM of about target properly paired reads from s.BAM, plus
// the sample's split and discordant reads, and indexes it.
func PrepBAM(ctx context.Context, tools alignment.Tools, s pipeline.Sample, target int64, workDir string) (string, error) {
	if s.BAM == "" {
		return "", errors.E(errors.Invalid, "svcall: no BAM for sample", s.Name)
	}
	ds, err := alignment.Downsample(ctx, tools, s.BAM, alignment.DownsampleOpts{
		Target:  target,
		Filter:  subsampleFilter,
		WorkDir: workDir,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(ds, ".bam") + "-final.bam"
	return alignment.Merge(ctx, tools, []string{ds, s.SplitReads, s.Discordant}, out)
}

func loadOptional(ctx context.Context, path string) (*regions.Set, error) {
	if path == "" {
		return nil, nil
	}
	return regions.Load(ctx, path)
}

func bamBase(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
