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
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/biopipe/stage"
)

// SamplePath returns the output path of SelectSample for in and sample:
// <base>-<sample>.vcf.
func SamplePath(in, sample string) string {
	base, _ := splitExt(in)
	return fmt.Sprintf("%s-%s.vcf", base, sample)
}

// SelectSample writes the projection of the VCF at in onto one sample to
// out.  All records are kept; only the sample's genotype column remains.  A
// sample missing from the input is an Integrity error.  The stage is skipped
// if out, or out.gz, exists.  The input is never modified.
func SelectSample(ctx context.Context, in, sample, out string) (string, error) {
	res, err := stage.Stage{
		Name:       "select-sample",
		Output:     out,
		Alternates: []string{out + ".gz"},
		Compute: func(ctx context.Context, txPath string) error {
			return transform(ctx, in, txPath, func(h *Header) (func(string) (string, error), error) {
				idx := -1
				for i, s := range h.Samples() {
					if s == sample {
						idx = i
						break
					}
				}
				if idx < 0 {
					return nil, errors.E(errors.Integrity, fmt.Sprintf("vcf: sample %s not in %v", sample, h.Samples()))
				}
				if err := h.SetSamples([]string{sample}); err != nil {
					return nil, err
				}
				return func(line string) (string, error) {
					fields := strings.Split(line, "\t")
					if len(fields) <= colFirstSample+idx {
						return "", errors.E(errors.Integrity, fmt.Sprintf("vcf: record %.40q has no column for sample %s", line, sample))
					}
					return strings.Join(append(fields[:colFirstSample:colFirstSample], fields[colFirstSample+idx]), "\t"), nil
				}, nil
			})
		},
	}.Run(ctx)
	return res.Path, err
}
