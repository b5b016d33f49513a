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

package pipeline

import (
	"context"
	"fmt"
	"io/ioutil"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/biopipe/alignment"
	"github.com/grailbio/biopipe/fanout"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/vcf"
	"gopkg.in/yaml.v3"
)

// Tools names the external binaries.  A name without a slash is looked up on
// PATH.
type Tools struct {
	Delly      string `yaml:"delly"`
	Platypus   string `yaml:"platypus"`
	Samtools   string `yaml:"samtools"`
	Sambamba   string `yaml:"sambamba"`
	Tabix      string `yaml:"tabix"`
	Seqcluster string `yaml:"seqcluster"`
	// Fastqc runs quality control on the small-RNA alignment.  Empty skips
	// it.
	Fastqc string `yaml:"fastqc"`
}

// Opts configures one pipeline run.  An Opts value is built once, validated,
// and then shared read-only by every step.
type Opts struct {
	// WorkDir receives all intermediate and final outputs.
	WorkDir string `yaml:"work_dir"`
	// Reference is the FASTA file passed to the callers.
	Reference string `yaml:"reference"`
	// Cores bounds both fan-out width and per-tool threads.
	Cores int `yaml:"cores"`
	// Policy selects what happens to the remaining tasks of a fan-out when one
	// fails.
	Policy fanout.Policy `yaml:"policy"`
	// Downsample is the number of reads kept per sample when preparing
	// structural-variant inputs.
	Downsample int64 `yaml:"downsample"`
	// ExcludeBED lists regions callers must skip.  Optional.
	ExcludeBED string `yaml:"exclude_bed"`
	// VariantRegionsBED restricts calling to the listed regions.  Optional.
	VariantRegionsBED string `yaml:"variant_regions_bed"`
	// SVTypes are the structural-variant classes called separately.
	SVTypes []string `yaml:"sv_types"`
	// Tools names the external binaries.
	Tools Tools `yaml:"tools"`

	// Runner executes the tools.  Not configurable from YAML.
	Runner toolrun.Runner `yaml:"-"`
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{
	WorkDir:    "work",
	Cores:      runtime.NumCPU(),
	Policy:     fanout.FailFast,
	Downsample: 5e6,
	// TRA is left out: its END field is not valid VCF.
	SVTypes: []string{"DEL", "DUP", "INV"},
	Tools: Tools{
		Delly:      "delly",
		Platypus:   "platypus",
		Samtools:   "samtools",
		Sambamba:   "sambamba",
		Tabix:      "tabix",
		Seqcluster: "seqcluster",
		Fastqc:     "fastqc",
	},
}

// Validate checks opts for values no step can work with.  It fills in a local
// Runner if none is set.
func (o *Opts) Validate() error {
	if o.WorkDir == "" {
		return errors.E(errors.Invalid, "pipeline: work directory not set")
	}
	if o.Cores < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: cores must be positive, got %d", o.Cores))
	}
	if o.Downsample < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: negative downsample target %d", o.Downsample))
	}
	for _, t := range o.SVTypes {
		if t == "" {
			return errors.E(errors.Invalid, "pipeline: empty structural variant type")
		}
	}
	if o.Runner == nil {
		o.Runner = toolrun.NewLocal()
	}
	return nil
}

// LoadConfig overlays the YAML document at path onto o.  Keys absent from the
// document keep their current values.
func LoadConfig(ctx context.Context, path string, o *Opts) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "pipeline: open config", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return errors.E(err, "pipeline: read config", path)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return errors.E(errors.Invalid, err, "pipeline: parse config", path)
	}
	return nil
}

// Alignment returns the alignment tool settings derived from o.
func (o *Opts) Alignment() alignment.Tools {
	return alignment.Tools{
		Runner:   o.Runner,
		Samtools: o.Tools.Samtools,
		Sambamba: o.Tools.Sambamba,
		Cores:    o.Cores,
	}
}

// Compress returns the compression settings derived from o.
func (o *Opts) Compress() vcf.CompressOpts {
	return vcf.CompressOpts{Runner: o.Runner, Tabix: o.Tools.Tabix}
}

// Sample is one input sample.
type Sample struct {
	// Name is the sample name written to output VCFs.
	Name string `yaml:"name"`
	// BAM is the aligned, coordinate-sorted reads.
	BAM string `yaml:"bam"`
	// SplitReads and Discordant are optional BAMs of split and discordant
	// read pairs, as produced by samblaster.
	SplitReads string `yaml:"split_reads"`
	Discordant string `yaml:"discordant"`
	// Collapsed is the collapsed small-RNA FASTQ.
	Collapsed string `yaml:"collapsed"`
	// DuplicatesUnmarked is set when duplicate marking was skipped for the
	// sample, e.g. for high-depth amplicon data.
	DuplicatesUnmarked bool `yaml:"duplicates_unmarked"`
}

// SampleNames returns the names of samples, in order.
func SampleNames(samples []Sample) []string {
	names := make([]string, len(samples))
	for i, s := range samples {
		names[i] = s.Name
	}
	return names
}

// ValidateSamples checks that samples is non-empty and that names are unique.
func ValidateSamples(samples []Sample) error {
	if len(samples) == 0 {
		return errors.E(errors.Invalid, "pipeline: no samples")
	}
	seen := map[string]bool{}
	for _, s := range samples {
		if s.Name == "" {
			return errors.E(errors.Invalid, "pipeline: sample without a name")
		}
		if seen[s.Name] {
			return errors.E(errors.Invalid, "pipeline: duplicate sample", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
