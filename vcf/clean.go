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
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/biopipe/stage"
)

// WriteEmpty writes a schema-valid VCF with no records for samples.
func WriteEmpty(w io.Writer, samples []string) error {
	h, err := NewHeader(samples)
	if err != nil {
		return err
	}
	return writeHeader(w, h)
}

// WriteEmptyFile writes an empty VCF for samples at path.  A path ending in
// .gz is BGZF-compressed.
func WriteEmptyFile(ctx context.Context, path string, samples []string) (err error) {
	h, err := NewHeader(samples)
	if err != nil {
		return err
	}
	vw, err := Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := vw.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	return vw.WriteHeader(h)
}

// FixSampleNames replaces the sample columns of a "#CHROM" line, positionally,
// with samples.  Callers use it when a tool names samples after its input
// files.  A line without a FORMAT column has no samples and is returned
// unchanged.  A column count that differs from len(samples) is an Integrity
// error.
func FixSampleNames(line string, samples []string) (string, error) {
	parts := strings.Split(line, "\t")
	formatIdx := -1
	for i, p := range parts {
		if p == "FORMAT" {
			formatIdx = i
			break
		}
	}
	if formatIdx < 0 {
		return line, nil
	}
	got := parts[formatIdx+1:]
	if len(got) != len(samples) {
		return "", errors.E(errors.Integrity,
			fmt.Sprintf("vcf: header has %d sample columns %v, expected %d %v", len(got), got, len(samples), samples))
	}
	return strings.Join(append(parts[:formatIdx+1:formatIdx+1], samples...), "\t"), nil
}

// missingLikelihoods is how some callers write undefined genotype
// likelihoods.  Downstream tools only accept a single ".".
const missingLikelihoods = ".,.,."

// CleanLine rewrites undefined genotype likelihoods in a data line.
func CleanLine(line string) string {
	return strings.Replace(line, missingLikelihoods, ".", -1)
}

// CleanPath returns the output path of Clean for in.
func CleanPath(in string) string {
	base, _ := splitExt(in)
	return base + "-clean.vcf"
}

// Clean writes a copy of the VCF at in with sample names replaced by samples
// and undefined genotype likelihoods rewritten.  The stage is skipped if its
// output, or the compressed form of its output, exists.  It returns the path
// of whichever form exists.
func Clean(ctx context.Context, in string, samples []string) (string, error) {
	out := CleanPath(in)
	res, err := stage.Stage{
		Name:       "clean",
		Output:     out,
		Alternates: []string{out + ".gz"},
		Compute: func(ctx context.Context, txPath string) error {
			return transform(ctx, in, txPath, func(h *Header) (func(string) (string, error), error) {
				line, err := FixSampleNames(h.ColumnLine(), samples)
				if err != nil {
					return nil, err
				}
				if line != h.ColumnLine() {
					if err := h.SetSamples(samples); err != nil {
						return nil, err
					}
				}
				return func(line string) (string, error) { return CleanLine(line), nil }, nil
			})
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}
	if res.Skipped && !stage.Exists(ctx, out) {
		return out + ".gz", nil
	}
	return res.Path, nil
}
