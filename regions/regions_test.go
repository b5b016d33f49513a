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
package regions_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/biopipe/regions"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const excludeBED = `track name=exclude
# comment
chr2	0	500
chr1	100	200
chr1	150	300
chr1	300	310
chrM	0	16571
chr1	400	400
chr3	10	10
`

func TestParseMerges(t *testing.T) {
	set, err := regions.Parse(strings.NewReader(excludeBED))
	require.NoError(t, err)
	expect.EQ(t, set.Contigs(), []string{"chr2", "chr1", "chrM", "chr3"})
	expect.EQ(t, set.Intervals("chr1"), []regions.Interval{{"chr1", 100, 310}})
	expect.True(t, set.HasContig("chr1"))
	expect.False(t, set.HasContig("chr3"))
	expect.False(t, set.HasContig("chrX"))
	expect.True(t, set.Covers("chrM", 16571))
	expect.False(t, set.Covers("chr2", 1000))
	expect.True(t, set.Contains("chr1", 100))
	expect.True(t, set.Contains("chr1", 309))
	expect.False(t, set.Contains("chr1", 310))
	expect.False(t, set.Contains("chr1", 99))
	expect.EQ(t, set.Bases(), 500+210+16571)
}

func TestParseErrors(t *testing.T) {
	for _, bed := range []string{
		"chr1\t100\n",
		"chr1\tx\t200\n",
		"chr1\t300\t200\n",
		"chr1\t-1\t200\n",
	} {
		_, err := regions.Parse(strings.NewReader(bed))
		expect.NotNil(t, err, bed)
	}
}

func TestNilSet(t *testing.T) {
	var set *regions.Set
	expect.False(t, set.HasContig("chr1"))
	expect.False(t, set.Covers("chr1", 10))
	expect.EQ(t, set.Bases(), 0)
	expect.EQ(t, len(set.Contigs()), 0)
}

func TestIntersect(t *testing.T) {
	set := regions.New([]regions.Interval{{"chr1", 0, 100}, {"chr1", 200, 300}, {"chr2", 0, 50}})
	sub := set.Intersect(regions.Interval{Chrom: "chr1", Start: 50, End: 250})
	expect.EQ(t, sub.Intervals("chr1"), []regions.Interval{{"chr1", 50, 100}, {"chr1", 200, 250}})
	expect.False(t, sub.HasContig("chr2"))
}

func TestParseRegion(t *testing.T) {
	for _, test := range []struct {
		in   string
		want regions.Interval
	}{
		{"chr1:101-200", regions.Interval{"chr1", 100, 200}},
		{"chr1:1,001-2,000", regions.Interval{"chr1", 1000, 2000}},
		{"chr1:5", regions.Interval{"chr1", 4, 5}},
		{"HLA-A*01:01:01:01:1-10", regions.Interval{"HLA-A*01:01:01:01", 0, 10}},
	} {
		got, err := regions.ParseRegion(test.in)
		require.NoError(t, err, test.in)
		expect.EQ(t, got, test.want)
	}
	whole, err := regions.ParseRegion("chrX")
	require.NoError(t, err)
	expect.EQ(t, whole.Chrom, "chrX")
	expect.EQ(t, whole.Start, 0)
	expect.EQ(t, regions.Interval{"chr1", 100, 200}.String(), "chr1:101-200")
	for _, bad := range []string{"", ":1-2", "chr1:0", "chr1:10-5", "chr1:a-b"} {
		_, err := regions.ParseRegion(bad)
		expect.NotNil(t, err, bad)
	}
}

func TestLoadGzipAndWrite(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(excludeBED))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := filepath.Join(tmpdir, "exclude.bed.gz")
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))

	set, err := regions.Load(ctx, path)
	require.NoError(t, err)
	out := filepath.Join(tmpdir, "chr1.bed")
	require.NoError(t, set.WriteFile(ctx, out, "chr1", "chr3"))
	got, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	expect.EQ(t, string(got), "chr1\t100\t310\n")
}
