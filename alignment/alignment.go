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

// Package alignment wraps the samtools and sambamba operations the variant
// callers need on BAM files: indexing, counting, downsampling and merging.
// Every operation is an idempotent stage keyed by its output path, so a
// re-run after a failure only repeats the missing steps.
package alignment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"golang.org/x/sync/errgroup"
)

// Tools locates the alignment binaries.
type Tools struct {
	// Runner runs the binaries.
	Runner toolrun.Runner
	// Samtools defaults to "samtools".
	Samtools string
	// Sambamba defaults to "sambamba".
	Sambamba string
	// Cores is the thread count passed to each tool.  Values below 1 mean 1.
	Cores int
}

func (t Tools) samtools() string {
	if t.Samtools == "" {
		return "samtools"
	}
	return t.Samtools
}

func (t Tools) sambamba() string {
	if t.Sambamba == "" {
		return "sambamba"
	}
	return t.Sambamba
}

func (t Tools) threads() string {
	if t.Cores < 1 {
		return "1"
	}
	return strconv.Itoa(t.Cores)
}

// IndexPath returns the index path of bam.
func IndexPath(bam string) string { return bam + ".bai" }

// Index writes the coordinate index of bam next to it.  The index is rebuilt
// if bam is newer.
func Index(ctx context.Context, t Tools, bam string) (string, error) {
	res, err := stage.Stage{
		Name:   "bam-index",
		Output: IndexPath(bam),
		Inputs: []string{bam},
		Compute: func(ctx context.Context, txPath string) error {
			_, err := toolrun.Check(ctx, t.Runner, toolrun.Command{
				Name: t.samtools(),
				Args: []string{"index", "-@", t.threads(), bam, txPath},
			})
			return err
		},
	}.Run(ctx)
	return res.Path, err
}

// IndexAll indexes every BAM in bams concurrently.  It returns the first
// error.
func IndexAll(ctx context.Context, t Tools, bams []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, bam := range bams {
		bam := bam
		g.Go(func() error {
			_, err := Index(gctx, t, bam)
			return err
		})
	}
	return g.Wait()
}

// idxstatsRow is one line of "samtools idxstats".
type idxstatsRow struct {
	Contig   string
	Length   int64
	Mapped   int64
	Unmapped int64
}

// MappedReads returns the number of mapped reads in bam, from its index.  The
// index is built if needed.
func MappedReads(ctx context.Context, t Tools, bam string) (int64, error) {
	if _, err := Index(ctx, t, bam); err != nil {
		return 0, err
	}
	res, err := toolrun.Check(ctx, t.Runner, toolrun.Command{
		Name: t.samtools(),
		Args: []string{"idxstats", bam},
	})
	if err != nil {
		return 0, err
	}
	r := tsv.NewReader(bytes.NewReader(res.Stdout))
	var total int64
	for {
		var row idxstatsRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return 0, errors.E(errors.Invalid, err, "alignment: idxstats", bam)
		}
		total += row.Mapped
	}
	return total, nil
}

// DownsampleOpts configures Downsample.
type DownsampleOpts struct {
	// Target is the number of reads to keep.
	Target int64
	// Filter is a sambamba filter expression applied while sampling, e.g.
	// "not secondary_alignment and proper_pair".
	Filter string
	// WorkDir receives the output.  Defaults to the directory of the input.
	WorkDir string
	// Seed makes subsampling reproducible.
	Seed int
}

// DownsamplePath returns the output path of Downsample.
func DownsamplePath(bam, workDir string) string {
	if workDir == "" {
		workDir = filepath.Dir(bam)
	}
	return filepath.Join(workDir, strings.TrimSuffix(filepath.Base(bam), ".bam")+"-downsample.bam")
}

// Downsample writes a copy of bam with about opts.Target reads, keeping only
// reads that pass opts.Filter.  An input with fewer reads than the target is
// filtered but not subsampled.
func Downsample(ctx context.Context, t Tools, bam string, opts DownsampleOpts) (string, error) {
	out := DownsamplePath(bam, opts.WorkDir)
	res, err := stage.Stage{
		Name:   "downsample",
		Output: out,
		Inputs: []string{bam},
		Compute: func(ctx context.Context, txPath string) error {
			total, err := MappedReads(ctx, t, bam)
			if err != nil {
				return err
			}
			args := []string{"view", "-t", t.threads(), "-f", "bam", "-o", txPath}
			if opts.Target > 0 && total > opts.Target {
				frac := float64(opts.Target) / float64(total)
				args = append(args, "-s", strconv.FormatFloat(frac, 'f', 6, 64),
					fmt.Sprintf("--subsampling-seed=%d", opts.Seed))
				log.Printf("alignment: downsampling %s from %d to %d reads", bam, total, opts.Target)
			}
			if opts.Filter != "" {
				args = append(args, "-F", opts.Filter)
			}
			args = append(args, bam)
			_, err = toolrun.Check(ctx, t.Runner, toolrun.Command{Name: t.sambamba(), Args: args})
			return err
		},
	}.Run(ctx)
	return res.Path, err
}

// Merge merges the BAMs in ins into out and indexes the result.  Empty paths
// in ins are ignored.
func Merge(ctx context.Context, t Tools, ins []string, out string) (string, error) {
	var bams []string
	for _, in := range ins {
		if in != "" {
			bams = append(bams, in)
		}
	}
	if len(bams) == 0 {
		return "", errors.E(errors.Invalid, "alignment: nothing to merge into", out)
	}
	_, err := stage.Stage{
		Name:   "bam-merge",
		Output: out,
		Inputs: bams,
		Compute: func(ctx context.Context, txPath string) error {
			args := append([]string{"merge", "-f", "-@", t.threads(), txPath}, bams...)
			_, err := toolrun.Check(ctx, t.Runner, toolrun.Command{Name: t.samtools(), Args: args})
			return err
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}
	if _, err := Index(ctx, t, out); err != nil {
		return "", err
	}
	return out, nil
}
