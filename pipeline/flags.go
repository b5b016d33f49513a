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
	"flag"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v3"
)

// stringList is a comma-separated flag value.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}

// Flags binds command-line flags to pipeline options.
type Flags struct {
	fs     *flag.FlagSet
	config string
	opts   Opts
}

// RegisterFlags registers the pipeline flags, and -config, on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs, opts: DefaultOpts}
	fs.StringVar(&f.config, "config", "", "YAML file of options. Flags given explicitly override it")
	bindFlags(fs, &f.opts)
	return f
}

func bindFlags(fs *flag.FlagSet, o *Opts) {
	fs.StringVar(&o.WorkDir, "work-dir", o.WorkDir, "Directory for intermediate and final outputs")
	fs.StringVar(&o.Reference, "ref", o.Reference, "Reference FASTA path")
	fs.IntVar(&o.Cores, "cores", o.Cores, "Maximum number of concurrent tasks and tool threads")
	fs.Var(&o.Policy, "policy", "What to do when a task fails: fail-fast or continue")
	fs.Int64Var(&o.Downsample, "downsample", o.Downsample, "Reads kept per sample for structural variant calling")
	fs.StringVar(&o.ExcludeBED, "exclude-bed", o.ExcludeBED, "BED of regions callers skip")
	fs.StringVar(&o.VariantRegionsBED, "variant-regions", o.VariantRegionsBED, "BED of regions to call in")
	fs.Var((*stringList)(&o.SVTypes), "sv-types", "Comma-separated structural variant types to call")
	fs.StringVar(&o.Tools.Delly, "delly", o.Tools.Delly, "delly binary")
	fs.StringVar(&o.Tools.Platypus, "platypus", o.Tools.Platypus, "platypus binary")
	fs.StringVar(&o.Tools.Samtools, "samtools", o.Tools.Samtools, "samtools binary")
	fs.StringVar(&o.Tools.Sambamba, "sambamba", o.Tools.Sambamba, "sambamba binary")
	fs.StringVar(&o.Tools.Tabix, "tabix", o.Tools.Tabix, "tabix binary")
	fs.StringVar(&o.Tools.Seqcluster, "seqcluster", o.Tools.Seqcluster, "seqcluster binary")
	fs.StringVar(&o.Tools.Fastqc, "fastqc", o.Tools.Fastqc, "fastqc binary; empty skips small-RNA alignment QC")
}

// Opts returns the validated options: DefaultOpts, overlaid by the -config
// file if given, overlaid by the flags set on the command line.  It must be
// called after the flags are parsed.
func (f *Flags) Opts(ctx context.Context) (*Opts, error) {
	opts := f.opts
	if f.config != "" {
		opts = DefaultOpts
		if err := LoadConfig(ctx, f.config, &opts); err != nil {
			return nil, err
		}
		over := flag.NewFlagSet("config", flag.ContinueOnError)
		bindFlags(over, &opts)
		var err error
		f.fs.Visit(func(fl *flag.Flag) {
			if err == nil && over.Lookup(fl.Name) != nil {
				err = over.Set(fl.Name, fl.Value.String())
			}
		})
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "pipeline: apply flags")
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// ParseSamples parses sample arguments of the form name=path.
func ParseSamples(args []string) ([]Sample, error) {
	samples := make([]Sample, 0, len(args))
	for _, arg := range args {
		i := strings.IndexByte(arg, '=')
		if i <= 0 || i == len(arg)-1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline: sample %q is not name=path", arg))
		}
		samples = append(samples, Sample{Name: arg[:i], BAM: arg[i+1:]})
	}
	return samples, ValidateSamples(samples)
}

// LoadSamples reads a YAML list of samples from path.
func LoadSamples(ctx context.Context, path string) ([]Sample, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "pipeline: open samples", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, "pipeline: read samples", path)
	}
	var samples []Sample
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return nil, errors.E(errors.Invalid, err, "pipeline: parse samples", path)
	}
	return samples, ValidateSamples(samples)
}
