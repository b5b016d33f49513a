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
package svcall_test

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/biopipe/reference"
	"github.com/grailbio/biopipe/regions"
	"github.com/grailbio/biopipe/svcall"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/biopipe/toolrun/tooltest"
	"github.com/grailbio/biopipe/vcf"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fasta = ">chr1\nACGTACGTAC\n>chr2\nACGTACGT\n>chrM\nACGT\n"

func fakeSamtools(cmd toolrun.Command) (toolrun.Result, error) {
	switch cmd.Args[0] {
	case "index":
		return toolrun.Result{}, tooltest.WriteFile(cmd.Args[len(cmd.Args)-1], "bai")
	case "idxstats":
		return toolrun.Result{Stdout: []byte("chr1\t10\t8000000\t0\n*\t0\t0\t0\n")}, nil
	case "merge":
		return toolrun.Result{}, tooltest.WriteFile(cmd.Args[4], "bam")
	}
	return tooltest.Exit(1, "unexpected")(cmd)
}

// fakeDelly writes one deletion per DEL call and reports no variants for any
// other type.  Sample columns are named after the BAM files, as delly does.
func fakeDelly(cmd toolrun.Command) (toolrun.Result, error) {
	if tooltest.Arg(cmd.Args, "-t") != "DEL" {
		return toolrun.Result{ExitCode: 1, Stderr: []byte("No structural variants found!")}, nil
	}
	var cols []string
	for _, a := range cmd.Args[len(cmd.Args)-2:] {
		cols = append(cols, filepath.Base(a))
	}
	content := "##fileformat=VCFv4.1\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t" + strings.Join(cols, "\t") + "\n" +
		"chr1\t5\tDEL00000001\tN\t<DEL>\t.\t.\tSVTYPE=DEL\tGT:GL:DR:DV\t0/1:.,.,.:2:8\t0/0:-1,-2,-3:20:1\n"
	return toolrun.Result{}, tooltest.WriteFile(tooltest.Arg(cmd.Args, "-o"), content)
}

func fakeTabix(cmd toolrun.Command) (toolrun.Result, error) {
	return toolrun.Result{}, tooltest.WriteFile(cmd.Args[len(cmd.Args)-1]+".tbi", "tbi")
}

func newRunner() *tooltest.Runner {
	r := tooltest.New()
	r.Handle("samtools", fakeSamtools)
	r.Handle("sambamba", tooltest.WriteArg("-o", "bam"))
	r.Handle("delly", fakeDelly)
	r.Handle("tabix", fakeTabix)
	return r
}

func setup(t *testing.T, tmpdir string, r toolrun.Runner) (*pipeline.Opts, []pipeline.Sample) {
	write := func(name, content string) string {
		path := filepath.Join(tmpdir, name)
		require.NoError(t, tooltest.WriteFile(path, content))
		return path
	}
	opts := pipeline.DefaultOpts
	opts.WorkDir = filepath.Join(tmpdir, "work")
	opts.Reference = write("ref/genome.fa", fasta)
	opts.ExcludeBED = write("exclude.bed", "chrM\t0\t4\nchr1\t2\t4\n")
	opts.VariantRegionsBED = write("targets.bed", "chr1\t0\t10\n")
	opts.SVTypes = []string{"DEL", "DUP"}
	opts.Cores = 4
	opts.Runner = r
	require.NoError(t, opts.Validate())
	samples := []pipeline.Sample{
		{Name: "s1", BAM: write("in/s1.bam", "bam"), Discordant: write("in/s1-disc.bam", "bam")},
		{Name: "s2", BAM: write("in/s2.bam", "bam")},
	}
	return &opts, samples
}

func readRecords(t *testing.T, path string) []*vcf.Record {
	vf, err := vcf.Open(context.Background(), path)
	require.NoError(t, err)
	defer vf.Close(context.Background()) // nolint: errcheck
	var recs []*vcf.Record
	for {
		rec, err := vf.NextRecord()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestRun(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	r := newRunner()
	opts, samples := setup(t, tmpdir, r)
	results, err := svcall.Run(ctx, opts, samples)
	require.NoError(t, err)
	require.Equal(t, 2, len(results))

	workDir := filepath.Join(opts.WorkDir, "structural", "s1", "delly")
	base := filepath.Join(workDir, "s1-downsample-final-svs")
	for i, want := range []struct{ sample, filter string }{{"s1", "PASS"}, {"s2", svcall.FilterName}} {
		res := results[i]
		expect.EQ(t, res.Sample, want.sample)
		expect.EQ(t, res.Caller, "delly")
		expect.EQ(t, res.VCF, fmt.Sprintf("%s-%s-filter.vcf.gz", base, want.sample))
		expect.EQ(t, res.Exclude, base+"-exclude.bed")
		recs := readRecords(t, res.VCF)
		require.Equal(t, 1, len(recs))
		expect.EQ(t, recs[0].Filter(), want.filter)
		expect.EQ(t, recs[0].NumSamples(), 1)
	}

	// chr2 has no target regions and chrM is excluded, so delly only runs on
	// chr1.
	expect.EQ(t, r.Calls("delly"), 2)
	for _, cmd := range r.Commands() {
		if cmd.Name != "delly" {
			continue
		}
		expect.EQ(t, cmd.Env, []string{"OMP_NUM_THREADS=2"})
		expect.EQ(t, tooltest.Arg(cmd.Args, "-g"), opts.Reference)
		exclude, err := ioutil.ReadFile(tooltest.Arg(cmd.Args, "-x"))
		require.NoError(t, err)
		expect.EQ(t, string(exclude), "chr1\t2\t4\nchr2\t0\t8\nchrM\t0\t4\n")
	}
	h, err := vcf.ReadHeader(ctx, base+"DUP-chr2.vcf")
	require.NoError(t, err)
	expect.EQ(t, h.Samples(), []string{"s1", "s2"})

	// Everything is in place: a second run invokes no tools.
	n := len(r.Commands())
	again, err := svcall.Run(ctx, opts, samples)
	require.NoError(t, err)
	expect.EQ(t, again, results)
	expect.EQ(t, len(r.Commands()), n)
}

func TestPrepBAMMergesEvidence(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	r := newRunner()
	opts, samples := setup(t, tmpdir, r)
	out, err := svcall.PrepBAM(ctx, opts.Alignment(), samples[0], opts.Downsample, tmpdir)
	require.NoError(t, err)
	expect.EQ(t, out, filepath.Join(tmpdir, "s1-downsample-final.bam"))
	var merge toolrun.Command
	for _, cmd := range r.Commands() {
		if cmd.Name == "samtools" && cmd.Args[0] == "merge" {
			merge = cmd
		}
		if cmd.Name == "sambamba" {
			assert.Equal(t, "0.625000", tooltest.Arg(cmd.Args, "-s"))
			assert.Equal(t, "not secondary_alignment and proper_pair", tooltest.Arg(cmd.Args, "-F"))
		}
	}
	expect.EQ(t, merge.Args[5:], []string{filepath.Join(tmpdir, "s1-downsample.bam"), samples[0].Discordant})
}

func TestChroms(t *testing.T) {
	index, err := reference.NewIndex([]reference.Contig{
		{Name: "chr1", Length: 100}, {Name: "chr2", Length: 50}, {Name: "chrM", Length: 16},
	})
	require.NoError(t, err)
	ref := pipeline.Reference{Index: index}
	exclude := regions.New([]regions.Interval{
		{Chrom: "chrM", Start: 0, End: 16},
		{Chrom: "chr2", Start: 0, End: 49},
	})
	expect.EQ(t, svcall.Chroms(ref, exclude), []string{"chr1", "chr2"})
	expect.EQ(t, svcall.Chroms(ref, nil), []string{"chr1", "chr2", "chrM"})

	got := svcall.ChromExclude(ref, exclude, "chr2")
	expect.EQ(t, got.Intervals("chr2"), []regions.Interval{{Chrom: "chr2", Start: 0, End: 49}})
	expect.EQ(t, got.Intervals("chr1"), []regions.Interval{{Chrom: "chr1", Start: 0, End: 100}})
	expect.EQ(t, got.Bases(), 100+49+16)
}
