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

// Package hapcall calls small variants with the Platypus haplotype-based
// caller.
package hapcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/alignment"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/regions"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/vcf"
)

// NormalizeCmd is the shell pipeline run over raw calls before compression.
// It replaces IUPAC ambiguity codes in REF with N, splits complex alleles into
// primitives and restores sort order.
const NormalizeCmd = `awk -F$'\t' -v OFS='\t' '{if ($0 !~ /^#/) gsub(/[KMRYSWBVHDXkmryswbvhdx]/, "N", $4) } {print}'` +
	" | vcfallelicprimitives | vcfstreamsort"

// Call describes one Platypus run.
type Call struct {
	// Samples supply the BAMs, called jointly.
	Samples []pipeline.Sample
	// Region restricts calling, e.g. "chr1" or "chr1:1-1000000".  Empty means
	// the whole genome.
	Region string
	// Out is the output path; it must end in .vcf.gz.
	Out string
	// Normalize is the shell pipeline run before compression.  Defaults to
	// NormalizeCmd.
	Normalize string
}

// Run calls variants and returns c.Out, a compressed and indexed VCF.
func Run(ctx context.Context, opts *pipeline.Opts, c Call) (string, error) {
	if !strings.HasSuffix(c.Out, ".vcf.gz") {
		return "", errors.E(errors.Invalid, "hapcall: output must end in .vcf.gz:", c.Out)
	}
	if err := pipeline.ValidateSamples(c.Samples); err != nil {
		return "", err
	}
	if stage.Exists(ctx, c.Out) && stage.Exists(ctx, c.Out+".tbi") {
		log.Debug.Printf("hapcall: %s exists, skipping", c.Out)
		return c.Out, nil
	}
	bams := make([]string, len(c.Samples))
	filterDuplicates := true
	for i, s := range c.Samples {
		bams[i] = s.BAM
		// Duplicates cannot be filtered on data where they were never marked.
		if s.DuplicatesUnmarked {
			filterDuplicates = false
		}
	}

	raw := strings.TrimSuffix(c.Out, ".gz")
	_, err := stage.Stage{
		Name:       "platypus",
		Output:     raw,
		Alternates: []string{c.Out},
		Compute: func(ctx context.Context, txPath string) error {
			if err := alignment.IndexAll(ctx, opts.Alignment(), bams); err != nil {
				return err
			}
			target, err := RegionsArg(ctx, opts, c.Region, c.Out)
			if err != nil {
				return err
			}
			cmd := Command(opts, bams, target, txPath, filterDuplicates)
			_, err = toolrun.Check(ctx, opts.Runner, cmd)
			return err
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}
	compress := opts.Compress()
	compress.Prep = c.Normalize
	if compress.Prep == "" {
		compress.Prep = NormalizeCmd
	}
	out, err := vcf.BgzipAndIndex(ctx, raw, compress)
	if err != nil {
		return "", err
	}
	if out != c.Out {
		return "", errors.E(errors.Integrity, fmt.Sprintf("hapcall: compressed %s to %s, want %s", raw, out, c.Out))
	}
	return out, nil
}

// Command returns the Platypus invocation writing out.  An empty target calls
// the whole genome.
func Command(opts *pipeline.Opts, bams []string, target, out string, filterDuplicates bool) toolrun.Command {
	var args []string
	args = append(args, "callVariants")
	if target != "" {
		args = append(args, "--regions="+target)
	}
	args = append(args,
		"--bamFiles="+strings.Join(bams, ","),
		"--refFile="+opts.Reference,
		"--output="+out,
		"--logFileName", "/dev/null",
		"--verbosity=1",
		"--assemble=1",
		"--hapScoreThreshold", "10",
		"--scThreshold", "0.99",
		"--filteredReadsFrac", "0.9",
	)
	if !filterDuplicates {
		args = append(args, "--filterDuplicates=0")
	}
	return toolrun.Command{Name: opts.Tools.Platypus, Args: args}
}

// RegionsPath returns the region list file written for the output out.
func RegionsPath(out string) string {
	return strings.TrimSuffix(out, ".vcf.gz") + "-platypusregion.list"
}

// RegionsArg returns the --regions value for calling region.  With variant
// regions configured, the regions overlapping region are written to a list
// file, one chrom:start-end per line, and its path is returned.  Otherwise
// region itself is returned.
func RegionsArg(ctx context.Context, opts *pipeline.Opts, region, out string) (string, error) {
	if opts.VariantRegionsBED == "" {
		return region, nil
	}
	set, err := regions.Load(ctx, opts.VariantRegionsBED)
	if err != nil {
		return "", err
	}
	if region != "" {
		iv, err := regions.ParseRegion(region)
		if err != nil {
			return "", err
		}
		set = set.Intersect(iv)
	}
	if set.Bases() == 0 {
		log.Printf("hapcall: no variant regions overlap %q", region)
	}
	return stage.Run(ctx, RegionsPath(out), func(ctx context.Context, txPath string) (err error) {
		f, err := file.Create(ctx, txPath)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, f, &err)
		w := f.Writer(ctx)
		for _, chrom := range set.Contigs() {
			for _, iv := range set.Intervals(chrom) {
				if _, err = fmt.Fprintf(w, "%s:%d-%d\n", iv.Chrom, iv.Start, iv.End); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
