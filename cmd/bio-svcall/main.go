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
package main

/*
bio-svcall calls structural variants jointly over a set of samples with
delly.  Calls are made per chromosome and variant type, merged, split per
sample and soft-filtered on read-pair support.  Rerunning the command after a
failure resumes at the first missing output.

Samples are given either as name=bam arguments or as a YAML list (-samples)
with optional split-read and discordant-pair BAMs:

  - name: NA12878
    bam: /data/NA12878.bam
    split_reads: /data/NA12878-sr.bam
    discordant: /data/NA12878-disc.bam

The per-sample VCFs are printed to stdout, one line per sample.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/svcall"
)

var samplesPath = flag.String("samples", "", "YAML list of samples; replaces name=bam arguments")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] -ref genome.fa {-samples samples.yaml | name=bam...}\n", os.Args[0])
	flag.PrintDefaults()
}

func loadSamples(ctx context.Context) ([]pipeline.Sample, error) {
	if *samplesPath != "" {
		return pipeline.LoadSamples(ctx, *samplesPath)
	}
	return pipeline.ParseSamples(flag.Args())
}

func main() {
	flags := pipeline.RegisterFlags(flag.CommandLine)
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	ctx := vcontext.Background()
	opts, err := flags.Opts(ctx)
	if err != nil {
		log.Fatal(err)
	}
	samples, err := loadSamples(ctx)
	if err != nil {
		log.Fatal(err)
	}
	results, err := svcall.Run(ctx, opts, samples)
	if err != nil {
		log.Fatal(err)
	}
	w := tsv.NewWriter(os.Stdout)
	for _, r := range results {
		w.WriteString(r.Sample)
		w.WriteString(r.Caller)
		w.WriteString(r.VCF)
		w.WriteString(r.Exclude)
		if err := w.EndLine(); err != nil {
			log.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}
}
