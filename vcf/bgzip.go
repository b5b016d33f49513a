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

package vcf

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/biopipe/stage"
	"github.com/grailbio/biopipe/toolrun"
	"github.com/grailbio/hts/bgzf"
)

// CompressOpts configures BgzipAndIndex.
type CompressOpts struct {
	// Runner runs the indexer.
	Runner toolrun.Runner
	// Tabix is the tabix binary.  Defaults to "tabix".
	Tabix string
	// Prep, if set, is a shell pipeline the uncompressed input is piped
	// through before compression, e.g. "vcfallelicprimitives | vcfstreamsort".
	Prep string
}

func (o CompressOpts) tabix() string {
	if o.Tabix == "" {
		return "tabix"
	}
	return o.Tabix
}

// BgzipAndIndex produces a BGZF-compressed, tabix-indexed copy of the VCF at
// in, at in+".gz", and returns its path.  The stage is skipped if both the
// compressed file and its index exist and the compressed file is newer than
// in; it is re-run if in changed.  An input that is already compressed is
// only indexed.
func BgzipAndIndex(ctx context.Context, in string, opts CompressOpts) (string, error) {
	if strings.HasSuffix(in, ".gz") {
		_, err := stage.Stage{
			Name:   "tabix",
			Output: in + ".tbi",
			Inputs: []string{in},
			Compute: func(ctx context.Context, txPath string) error {
				return indexInPlace(ctx, in, txPath, opts)
			},
		}.Run(ctx)
		return in, err
	}
	out := in + ".gz"
	_, err := stage.Stage{
		Name:     "bgzip",
		Output:   out,
		Requires: []string{out + ".tbi"},
		Inputs:   []string{in},
		Compute: func(ctx context.Context, txPath string) error {
			src := in
			if opts.Prep != "" {
				src = filepath.Join(filepath.Dir(txPath), "prep.vcf")
				cmd := toolrun.Shell("cat " + shellQuote(in) + " | " + opts.Prep)
				cmd.Stdout = src
				if _, err := toolrun.Check(ctx, opts.Runner, cmd); err != nil {
					return err
				}
			}
			if err := bgzipFile(ctx, src, txPath); err != nil {
				return err
			}
			return tabix(ctx, txPath, opts)
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}
	return out, nil
}

// indexInPlace indexes the compressed file gz, whose index must appear at
// txPath.  tabix names its output after its input, so gz is linked into the
// transaction directory first.
func indexInPlace(ctx context.Context, gz, txPath string, opts CompressOpts) error {
	abs, err := filepath.Abs(gz)
	if err != nil {
		return err
	}
	link := strings.TrimSuffix(txPath, ".tbi")
	if err := os.Symlink(abs, link); err != nil {
		return errors.E(err, "vcf: link", gz)
	}
	return tabix(ctx, link, opts)
}

func tabix(ctx context.Context, path string, opts CompressOpts) error {
	_, err := toolrun.Check(ctx, opts.Runner, toolrun.Command{
		Name: opts.tabix(),
		Args: []string{"-f", "-p", "vcf", path},
	})
	return err
}

// bgzipFile compresses in to out in BGZF format.
func bgzipFile(ctx context.Context, in, out string) (err error) {
	src, err := file.Open(ctx, in)
	if err != nil {
		return errors.E(err, "vcf: open", in)
	}
	defer src.Close(ctx) // nolint: errcheck
	dst, err := file.Create(ctx, out)
	if err != nil {
		return errors.E(err, "vcf: create", out)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := bgzf.NewWriter(dst.Writer(ctx), runtime.NumCPU())
	if _, err = io.Copy(w, src.Reader(ctx)); err != nil {
		w.Close() // nolint: errcheck
		return errors.E(err, "vcf: compress", in)
	}
	return w.Close()
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
