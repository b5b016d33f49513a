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
bio-hapcall calls small variants jointly over a set of BAMs with Platypus and
writes a bgzip-compressed, tabix-indexed VCF.

  bio-hapcall -ref genome.fa -region chr20 -out calls/chr20.vcf.gz s1=s1.bam s2=s2.bam
*/

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/biopipe/hapcall"
	"github.com/grailbio/biopipe/pipeline"
)

var (
	region       = flag.String("region", "", "Restrict calling to <contig>, <contig>:<pos> or <contig>:<start>-<end> (1-based)")
	out          = flag.String("out", "", "Output VCF path; must end in .vcf.gz")
	normalize    = flag.String("normalize", hapcall.NormalizeCmd, "Shell pipeline applied to raw calls before compression")
	samplesPath  = flag.String("samples", "", "YAML list of samples; replaces name=bam arguments")
	noDuplicates = flag.Bool("duplicates-unmarked", false, "Duplicates were not marked in the input BAMs; disables duplicate filtering")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] -ref genome.fa -out calls.vcf.gz {-samples samples.yaml | name=bam...}\n", os.Args[0])
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
	var samples []pipeline.Sample
	if *samplesPath != "" {
		samples, err = pipeline.LoadSamples(ctx, *samplesPath)
	} else {
		samples, err = pipeline.ParseSamples(flag.Args())
	}
	if err != nil {
		log.Fatal(err)
	}
	if *noDuplicates {
		for i := range samples {
			samples[i].DuplicatesUnmarked = true
		}
	}
	path, err := hapcall.Run(ctx, opts, hapcall.Call{
		Samples:   samples,
		Region:    *region,
		Out:       *out,
		Normalize: *normalize,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(path)
}
