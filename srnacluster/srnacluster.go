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

// Package srnacluster groups small-RNA reads across samples with seqcluster.
//
// The steps are:
//
//   Prepare   collapse each sample's reads into one matrix of unique
//             sequences (seqs.ma) and a FASTQ of those sequences (seqs.fastq).
//   align     map seqs.fastq to the genome; supplied by the caller.
//   Relocate  move the aligned BAM to <work>/align/seqs.bam and remove the
//             directory the aligner wrote it to.
//   QC        run fastqc on the relocated BAM.
//   Cluster   cluster the aligned sequences into counts.tsv.
//
// Each step is skipped when its output exists.
package srnacluster

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/txfile"
)

// Sequence length bounds and minimum count passed to seqcluster prepare.
const (
	minCount  = 1
	minLength = 17
	maxLength = 40
)

// Dirs are the working directories of one clustering run.
type Dirs struct {
	Prepare string
	Align   string
	QC      string
	Cluster string
}

// NewDirs returns the directories under workDir.
func NewDirs(workDir string) Dirs {
	return Dirs{
		Prepare: filepath.Join(workDir, "seqcluster", "prepare"),
		Align:   filepath.Join(workDir, "align"),
		QC:      filepath.Join(workDir, "qc", "seqcluster"),
		Cluster: filepath.Join(workDir, "seqcluster", "cluster"),
	}
}

// MatrixPath returns the sequence matrix written by Prepare.
func (d Dirs) MatrixPath() string { return filepath.Join(d.Prepare, "seqs.ma") }

// FastqPath returns the unique-sequence FASTQ written by Prepare.
func (d Dirs) FastqPath() string { return filepath.Join(d.Prepare, "seqs.fastq") }

// BAMPath returns the aligned sequences after Relocate.
func (d Dirs) BAMPath() string { return filepath.Join(d.Align, "seqs.bam") }

// QCReportPath returns the fastqc report on the relocated BAM.
func (d Dirs) QCReportPath() string { return filepath.Join(d.QC, "seqs_fastqc.html") }

// CountsPath returns the cluster counts written by Cluster.
func (d Dirs) CountsPath() string { return filepath.Join(d.Cluster, "counts.tsv") }

// MinShared returns the number of samples a sequence must appear in to be
// kept: a tenth of the samples, and at least one.
func MinShared(samples int) int {
	n := samples / 10
	if n < 1 {
		n = 1
	}
	return n
}

// WriteConfig writes the seqcluster sample sheet: one line per sample with
// the collapsed FASTQ path and the sample name.
func WriteConfig(ctx context.Context, path string, samples []pipeline.Sample) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "srnacluster: create", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	w := tsv.NewWriter(f.Writer(ctx))
	for _, s := range samples {
		if s.Collapsed == "" {
			return errors.E(errors.Invalid, "srnacluster: no collapsed reads for sample", s.Name)
		}
		w.WriteString(s.Collapsed)
		w.WriteString(s.Name)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Prepare writes the sequence matrix and FASTQ of unique sequences across
// samples, and returns the matrix path.
func Prepare(ctx context.Context, opts *pipeline.Opts, dirs Dirs, samples []pipeline.Sample) (string, error) {
	if err := pipeline.ValidateSamples(samples); err != nil {
		return "", err
	}
	config, err := stage.Run(ctx, filepath.Join(dirs.Prepare, "prepare.conf"), func(ctx context.Context, txPath string) error {
		return WriteConfig(ctx, txPath, samples)
	})
	if err != nil {
		return "", err
	}
	res, err := stage.Stage{
		Name:   "seqcluster-prepare",
		Output: dirs.MatrixPath(),
		Tx:     txfile.Opts{Sidecars: []string{filepath.Base(dirs.FastqPath())}},
		Compute: func(ctx context.Context, txPath string) error {
			_, err := toolrun.Check(ctx, opts.Runner, toolrun.Command{
				Name: opts.Tools.Seqcluster,
				Args: []string{
					"prepare",
					"-c", config,
					"-o", filepath.Dir(txPath),
					"--minc", strconv.Itoa(minCount),
					"--minl", strconv.Itoa(minLength),
					"--maxl", strconv.Itoa(maxLength),
					"--min_shared", strconv.Itoa(MinShared(len(samples))),
				},
			})
			return err
		},
	}.Run(ctx)
	return res.Path, err
}

// Relocate moves the aligned BAM at bam, and its index, to dirs.BAMPath.
// If bam lies in a subdirectory of dirs.Align, that subdirectory is removed
// afterwards.  Once relocated, later calls return immediately even though bam
// no longer exists.
func Relocate(ctx context.Context, dirs Dirs, bam string) (string, error) {
	res, err := stage.Stage{
		Name:   "relocate",
		Output: dirs.BAMPath(),
		Compute: func(ctx context.Context, txPath string) error {
			if err := os.Rename(bam, txPath); err != nil {
				return errors.E(err, "srnacluster: move", bam)
			}
			if err := os.Rename(bam+".bai", txPath+".bai"); err != nil && !os.IsNotExist(err) {
				return errors.E(err, "srnacluster: move", bam+".bai")
			}
			return nil
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}
	if !res.Skipped {
		if err := removeAlignerDir(dirs, bam); err != nil {
			return "", err
		}
	}
	return res.Path, nil
}

// removeAlignerDir removes the top-level subdirectory of dirs.Align that
// holds bam.
func removeAlignerDir(dirs Dirs, bam string) error {
	rel, err := filepath.Rel(dirs.Align, filepath.Dir(bam))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	top := filepath.Join(dirs.Align, strings.Split(rel, string(filepath.Separator))[0])
	if err := os.RemoveAll(top); err != nil {
		return errors.E(err, "srnacluster: remove", top)
	}
	log.Debug.Printf("srnacluster: removed aligner directory %s", top)
	return nil
}

// QC runs fastqc on the aligned sequences at bam and returns the path of its
// HTML report.  The report directory is published as a whole.
func QC(ctx context.Context, opts *pipeline.Opts, dirs Dirs, bam string) (string, error) {
	res, err := stage.Stage{
		Name:   "fastqc",
		Output: dirs.QCReportPath(),
		Inputs: []string{bam},
		Tx:     txfile.Opts{PublishAll: true},
		Compute: func(ctx context.Context, txPath string) error {
			_, err := toolrun.Check(ctx, opts.Runner, toolrun.Command{
				Name: opts.Tools.Fastqc,
				Args: []string{"-f", "bam", "-o", filepath.Dir(txPath), bam},
			})
			return err
		},
	}.Run(ctx)
	return res.Path, err
}

// Cluster clusters the aligned sequences at bam and returns the counts
// table.  gtf, if set, annotates clusters.  Every file seqcluster writes is
// published to dirs.Cluster.
func Cluster(ctx context.Context, opts *pipeline.Opts, dirs Dirs, bam, gtf string) (string, error) {
	res, err := stage.Stage{
		Name:   "seqcluster-cluster",
		Output: dirs.CountsPath(),
		Tx:     txfile.Opts{PublishAll: true},
		Compute: func(ctx context.Context, txPath string) error {
			args := []string{
				"cluster",
				"-o", filepath.Dir(txPath),
				"-m", dirs.MatrixPath(),
				"-a", bam,
				"-r", opts.Reference,
			}
			if gtf != "" {
				args = append(args, "-g", gtf)
			}
			_, err := toolrun.Check(ctx, opts.Runner, toolrun.Command{Name: opts.Tools.Seqcluster, Args: args})
			return err
		},
	}.Run(ctx)
	return res.Path, err
}

// Aligner maps the FASTQ at fastq and returns the path of a sorted, indexed
// BAM.
type Aligner func(ctx context.Context, fastq string) (string, error)

// Run prepares, aligns, relocates, checks and clusters, and returns the
// counts table.  The aligner is not called once the BAM has been relocated.
// QC is skipped if opts names no fastqc binary.
func Run(ctx context.Context, opts *pipeline.Opts, samples []pipeline.Sample, align Aligner, gtf string) (string, error) {
	dirs := NewDirs(opts.WorkDir)
	if _, err := Prepare(ctx, opts, dirs, samples); err != nil {
		return "", err
	}
	bam := dirs.BAMPath()
	if !stage.Exists(ctx, bam) {
		aligned, err := align(ctx, dirs.FastqPath())
		if err != nil {
			return "", errors.E(err, "srnacluster: align", dirs.FastqPath())
		}
		if bam, err = Relocate(ctx, dirs, aligned); err != nil {
			return "", err
		}
	}
	if opts.Tools.Fastqc != "" {
		if _, err := QC(ctx, opts, dirs, bam); err != nil {
			return "", err
		}
	}
	counts, err := Cluster(ctx, opts, dirs, bam, gtf)
	if err != nil {
		return "", err
	}
	log.Printf("srnacluster: clusters of %d samples in %s", len(samples), counts)
	return counts, nil
}
