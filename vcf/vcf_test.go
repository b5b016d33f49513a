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
package vcf_test

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/biopipe/vcf"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dellyVCF = `##fileformat=VCFv4.1
##INFO=<ID=SVTYPE,Number=1,Type=String,Description="Type of structural variant">
##FORMAT=<ID=GL,Number=G,Type=Float,Description="Log10-scaled genotype likelihoods">
##FORMAT=<ID=DR,Number=1,Type=Integer,Description="# high-quality reference pairs">
##FORMAT=<ID=DV,Number=1,Type=Integer,Description="# high-quality variant pairs">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	a-final.bam	b-final.bam
chr1	1000	DEL00000001	N	<DEL>	.	PASS	SVTYPE=DEL	GT:GL:DR:DV	0/1:.,.,.:10:3	0/0:-1,-2,-3:12:0
chr1	5000	DEL00000002	N	<DEL>	.	LowQual	SVTYPE=DEL	GT:GL:DR:DV	0/1:-5,-1,-9:5:5	./.:.,.,.:0:0
`

func writeFile(t *testing.T, path, content string) string {
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func readFile(t *testing.T, path string) string {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriteEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, vcf.WriteEmpty(&buf, []string{"sampleA", "sampleB"}))
	expect.EQ(t, buf.String(), "##fileformat=VCFv4.1\n"+
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tsampleA\tsampleB\n")

	buf.Reset()
	require.NoError(t, vcf.WriteEmpty(&buf, nil))
	expect.EQ(t, buf.String(), "##fileformat=VCFv4.1\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n")

	r, err := vcf.NewReader(strings.NewReader(buf.String()))
	require.NoError(t, err)
	expect.EQ(t, len(r.Header.Samples()), 0)
	_, err = r.Next()
	expect.EQ(t, err, io.EOF)
}

func TestWriteEmptyFileCompressed(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	path := filepath.Join(tmpdir, "empty.vcf.gz")
	require.NoError(t, vcf.WriteEmptyFile(ctx, path, []string{"sampleA", "sampleB"}))
	h, err := vcf.ReadHeader(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, h.Samples(), []string{"sampleA", "sampleB"})
}

func TestFixSampleNames(t *testing.T) {
	line := "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tcol1\tcol2"
	got, err := vcf.FixSampleNames(line, []string{"sampleA", "sampleB"})
	require.NoError(t, err)
	expect.EQ(t, got, "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tsampleA\tsampleB")

	_, err = vcf.FixSampleNames(line, []string{"sampleA"})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Integrity, err))

	noFormat := "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"
	got, err = vcf.FixSampleNames(noFormat, []string{"sampleA"})
	require.NoError(t, err)
	expect.EQ(t, got, noFormat)
}

func TestRecord(t *testing.T) {
	rec, err := vcf.ParseRecord("chr1\t1000\t.\tN\t<DEL>\t37.5\t.\tSVTYPE=DEL;IMPRECISE;END=2000\tGT:DR:DV\t0/1:10:3\t0/0:12")
	require.NoError(t, err)
	expect.EQ(t, rec.Chrom(), "chr1")
	expect.EQ(t, rec.Pos(), 1000)
	q, ok := rec.Qual()
	expect.True(t, ok)
	expect.EQ(t, q, 37.5)
	v, ok := rec.Info("END")
	expect.True(t, ok)
	expect.EQ(t, v, "2000")
	v, ok = rec.Info("IMPRECISE")
	expect.True(t, ok)
	expect.EQ(t, v, "1")
	_, ok = rec.Info("CIPOS")
	expect.False(t, ok)
	expect.EQ(t, rec.NumSamples(), 2)
	v, ok = rec.Format(0, "DV")
	expect.True(t, ok)
	expect.EQ(t, v, "3")
	_, ok = rec.Format(1, "DV")
	expect.False(t, ok)
	_, ok = rec.Format(2, "GT")
	expect.False(t, ok)

	_, err = vcf.ParseRecord("chr1\t1000\t.")
	expect.NotNil(t, err)
	_, err = vcf.ParseRecord("chr1\tx\t.\tN\t<DEL>\t.\t.\t.")
	expect.NotNil(t, err)
}

func TestReaderRejectsHeaderless(t *testing.T) {
	_, err := vcf.NewReader(strings.NewReader("chr1\t1\t.\tA\tC\t.\t.\t.\n"))
	expect.True(t, errors.Is(errors.Integrity, err))
	_, err = vcf.NewReader(strings.NewReader("##fileformat=VCFv4.1\n"))
	expect.True(t, errors.Is(errors.Integrity, err))
}

func TestClean(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	in := writeFile(t, filepath.Join(tmpdir, "a-svsDEL-chr1.vcf"), dellyVCF)
	out, err := vcf.Clean(ctx, in, []string{"sampleA", "sampleB"})
	require.NoError(t, err)
	expect.EQ(t, out, filepath.Join(tmpdir, "a-svsDEL-chr1-clean.vcf"))
	got := readFile(t, out)
	assert.Contains(t, got, "FORMAT\tsampleA\tsampleB\n")
	assert.NotContains(t, got, ".,.,.")
	assert.Contains(t, got, "0/1:.:10:3\t0/0:-1,-2,-3:12:0")
	assert.Contains(t, got, "##FORMAT=<ID=DV")

	_, err = vcf.Clean(ctx, writeFile(t, filepath.Join(tmpdir, "b.vcf"), dellyVCF), []string{"sampleA"})
	expect.True(t, errors.Is(errors.Integrity, err))
	_, err = ioutil.ReadFile(filepath.Join(tmpdir, "b-clean.vcf"))
	expect.NotNil(t, err)
}

func TestCleanSkipsCompressed(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	in := filepath.Join(tmpdir, "a.vcf")
	writeFile(t, filepath.Join(tmpdir, "a-clean.vcf.gz"), "")
	// The input no longer exists; Clean must not read it.
	out, err := vcf.Clean(ctx, in, []string{"sampleA"})
	require.NoError(t, err)
	expect.EQ(t, out, filepath.Join(tmpdir, "a-clean.vcf.gz"))
}

func TestSelectSample(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	in := writeFile(t, filepath.Join(tmpdir, "combined.vcf"), dellyVCF)
	out := vcf.SamplePath(in, "b-final.bam")
	expect.EQ(t, out, filepath.Join(tmpdir, "combined-b-final.bam.vcf"))
	_, err := vcf.SelectSample(ctx, in, "b-final.bam", out)
	require.NoError(t, err)
	got := readFile(t, out)
	assert.Contains(t, got, "FORMAT\tb-final.bam\n")
	assert.Contains(t, got, "chr1\t1000\tDEL00000001\tN\t<DEL>\t.\tPASS\tSVTYPE=DEL\tGT:GL:DR:DV\t0/0:-1,-2,-3:12:0\n")
	assert.Contains(t, got, "chr1\t5000\tDEL00000002\tN\t<DEL>\t.\tLowQual\tSVTYPE=DEL\tGT:GL:DR:DV\t./.:.,.,.:0:0\n")
	expect.EQ(t, readFile(t, in), dellyVCF)

	_, err = vcf.SelectSample(ctx, in, "nobody", filepath.Join(tmpdir, "nobody.vcf"))
	expect.True(t, errors.Is(errors.Integrity, err))
}

func TestReaderRejectsMalformedHeader(t *testing.T) {
	for _, header := range []string{
		"##fileformat=VCFv4.1\n##INFO=<ID=END,Number=1,Type=Integer,Description=\"End\">\n" +
			"##INFO=<ID=END,Number=1,Type=Integer,Description=\"Stop\">\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n",
		"##fileformat=VCFv4.1\n##FORMAT=<ID=DV,Number=1,Type=Integer\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n",
		"##fileformat=VCFv4.1\n##contig=chr1\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n",
		"##fileformat=VCFv4.1\n##INFO=<ID=X,Number=1,Type=Decimal,Description=\"x\">\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n",
		"##fileformat=VCFv4.1\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ts1\ts1\n",
		"##fileformat=VCFv4.1\n#CHROM\tPOS\tID\n",
	} {
		_, err := vcf.NewReader(strings.NewReader(header))
		expect.True(t, errors.Is(errors.Integrity, err), "%q: %v", header, err)
	}
}

func TestHeaderParsed(t *testing.T) {
	r, err := vcf.NewReader(strings.NewReader(dellyVCF))
	require.NoError(t, err)
	h := r.Header
	expect.EQ(t, h.Samples(), []string{"a-final.bam", "b-final.bam"})
	expect.EQ(t, h.Parsed().FileFormat, "VCFv4.1")
	_, ok := h.Parsed().Info["SVTYPE"]
	expect.True(t, ok)
	_, ok = h.Parsed().Format["DV"]
	expect.True(t, ok)
	expect.EQ(t, len(h.Meta()), 5)

	require.NoError(t, h.AddMeta(`##FILTER=<ID=DVSupport,Description="x">`))
	require.NoError(t, h.AddMeta(`##FILTER=<ID=DVSupport,Description="y">`))
	expect.EQ(t, len(h.Meta()), 6)
	expect.EQ(t, h.Meta()[5], `##FILTER=<ID=DVSupport,Description="y">`)
	expect.EQ(t, h.Parsed().Filter["DVSupport"].Description, "y")

	require.NoError(t, h.SetSamples([]string{"sampleA", "sampleB"}))
	expect.EQ(t, h.Samples(), []string{"sampleA", "sampleB"})
	expect.EQ(t, h.ColumnLine(), "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tsampleA\tsampleB")
	expect.True(t, errors.Is(errors.Integrity, h.SetSamples([]string{"s", "s"})))
	expect.EQ(t, h.Samples(), []string{"sampleA", "sampleB"})
}

func TestRecordMalformed(t *testing.T) {
	for _, line := range []string{
		"chr1\t1000\t.\tN\t<DEL>\thigh\t.\t.",
		"chr1\t1000\t.\tN\t<DEL>\t.\t.\t.\tDV:GT\t3:0/1",
		"chr1\t1000\t.\tN\t<DEL>\t.\t.\t.\tGT:DV\tx/1:3",
		"chr1\t1000\t.\tN\t<DEL>\t.\t.\t.\tGT:DV\t0//1:3",
		"chr1\t1000\t.\tN\t<DEL>\t.\t.\t.\tGT:DV\t:3",
		"#chr1\t1000\t.\tN\t<DEL>\t.\t.\t.",
	} {
		_, err := vcf.ParseRecord(line)
		expect.True(t, errors.Is(errors.Invalid, err), "%q: %v", line, err)
	}
}

func TestRecordKeepsText(t *testing.T) {
	line := "chr1\t1000\t.\tN\t<DEL>,<DUP>\t.\tLowQual\tSVTYPE=DEL\tGT:GL:DV\t./.:.:0\t0/.:-1,-2,-3:4\t1|2:.:7"
	rec, err := vcf.ParseRecord(line)
	require.NoError(t, err)
	_, ok := rec.Qual()
	expect.False(t, ok)
	expect.EQ(t, rec.Vcf.Alt, []string{"<DEL>", "<DUP>"})
	expect.EQ(t, rec.Vcf.Samples[1].Alleles, []int16{0, -1})
	expect.EQ(t, rec.Vcf.Samples[2].Alleles, []int16{1, 2})
	v, ok := rec.Format(0, "GT")
	expect.True(t, ok)
	expect.EQ(t, v, "./.")
	v, ok = rec.Format(1, "GL")
	expect.True(t, ok)
	expect.EQ(t, v, "-1,-2,-3")
	rec.SetFilter("PASS")
	expect.EQ(t, rec.Vcf.Filter, "PASS")
	expect.EQ(t, rec.String(), strings.Replace(line, "LowQual", "PASS", 1))
}
