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
bio-srna-cluster clusters small-RNA reads across samples with seqcluster.

The samples file is a YAML list naming each sample's collapsed FASTQ:

  - name: s1
    collapsed: /data/s1-collapsed.fastq

The first run writes the unique sequences to
<work-dir>/seqcluster/prepare/seqs.fastq and stops.  Align that file, then
rerun with -bam pointing at the sorted, indexed alignments to cluster them.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/srnacluster"
)

var (
	samplesPath = flag.String("samples", "", "YAML list of samples (required)")
	bam         = flag.String("bam", "", "Sorted, indexed alignments of seqs.fastq")
	gtf         = flag.String("gtf", "", "Small-RNA annotation GTF")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] -ref genome.fa -samples samples.yaml [-bam seqs.bam]\n", os.Args[0])
	flag.PrintDefaults()
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
	if *samplesPath == "" {
		log.Fatal("-samples is required")
	}
	samples, err := pipeline.LoadSamples(ctx, *samplesPath)
	if err != nil {
		log.Fatal(err)
	}
	align := func(ctx context.Context, fastq string) (string, error) {
		if *bam == "" {
			return "", errors.E(errors.NotExist, fmt.Sprintf("no alignments; align %s and rerun with -bam", fastq))
		}
		return *bam, nil
	}
	counts, err := srnacluster.Run(ctx, opts, samples, align, *gtf)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(counts)
}
