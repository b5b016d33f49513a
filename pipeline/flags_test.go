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
package pipeline_test

import (
	"context"
	"flag"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/biopipe/fanout"
	"github.com/grailbio/biopipe/pipeline"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	config := filepath.Join(tmpdir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(config, []byte("work_dir: /from/config\ncores: 3\npolicy: continue\n"), 0644))
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := pipeline.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", config, "-cores", "7", "-sv-types", "DEL, INV"}))
	opts, err := flags.Opts(ctx)
	require.NoError(t, err)
	expect.EQ(t, opts.WorkDir, "/from/config")
	expect.EQ(t, opts.Cores, 7)
	expect.EQ(t, opts.Policy, fanout.Continue)
	expect.EQ(t, opts.SVTypes, []string{"DEL", "INV"})
	expect.NotNil(t, opts.Runner)
	expect.EQ(t, pipeline.DefaultOpts.SVTypes, []string{"DEL", "DUP", "INV"})
}

func TestFlagsWithoutConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := pipeline.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-work-dir", "/tmp/w", "-policy", "continue", "-tabix", "/opt/tabix", "-fastqc", ""}))
	opts, err := flags.Opts(context.Background())
	require.NoError(t, err)
	expect.EQ(t, opts.WorkDir, "/tmp/w")
	expect.EQ(t, opts.Policy, fanout.Continue)
	expect.EQ(t, opts.Tools.Tabix, "/opt/tabix")
	expect.EQ(t, opts.Tools.Delly, "delly")
	expect.EQ(t, opts.Tools.Fastqc, "")
	expect.EQ(t, pipeline.DefaultOpts.Tools.Fastqc, "fastqc")

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	flags = pipeline.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-cores", "0"}))
	_, err = flags.Opts(context.Background())
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestParseSamples(t *testing.T) {
	samples, err := pipeline.ParseSamples([]string{"NA12878=/data/na12878.bam", "NA12891=/data/na12891.bam"})
	require.NoError(t, err)
	expect.EQ(t, samples, []pipeline.Sample{
		{Name: "NA12878", BAM: "/data/na12878.bam"},
		{Name: "NA12891", BAM: "/data/na12891.bam"},
	})
	for _, bad := range [][]string{{"noequals"}, {"=x.bam"}, {"a="}, {"a=1.bam", "a=2.bam"}, nil} {
		_, err := pipeline.ParseSamples(bad)
		expect.True(t, errors.Is(errors.Invalid, err), "%v", bad)
	}
}

func TestLoadSamples(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	path := filepath.Join(tmpdir, "samples.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
- name: s1
  bam: /data/s1.bam
  discordant: /data/s1-disc.bam
  duplicates_unmarked: true
- name: s2
  bam: /data/s2.bam
  collapsed: /data/s2.fastq
`), 0644))
	samples, err := pipeline.LoadSamples(context.Background(), path)
	require.NoError(t, err)
	expect.EQ(t, samples, []pipeline.Sample{
		{Name: "s1", BAM: "/data/s1.bam", Discordant: "/data/s1-disc.bam", DuplicatesUnmarked: true},
		{Name: "s2", BAM: "/data/s2.bam", Collapsed: "/data/s2.fastq"},
	})
}
