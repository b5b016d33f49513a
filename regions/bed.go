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

package regions

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from line, returning
// the number of tokens saved.  Any (group of) characters <= ' ' is treated as a
// delimiter.
func getTokens(tokens [][]byte, line []byte) int {
	posEnd := 0
	lineLen := len(line)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if line[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if line[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = line[pos:posEnd]
	}
	return len(tokens)
}

// isHeader reports whether a BED line is a comment or a browser/track line.
func isHeader(token []byte) bool {
	s := string(token)
	return s[0] == '#' || s == "track" || s == "browser"
}

// Parse reads a BED file.  Only the first three columns are used.  Input need
// not be sorted.
func Parse(r io.Reader) (*Set, error) {
	scanner := bufio.NewScanner(r)
	var (
		tokens  [3][]byte
		ivs     []Interval
		lineIdx int
	)
	for scanner.Scan() {
		lineIdx++
		n := getTokens(tokens[:], scanner.Bytes())
		if n == 0 || isHeader(tokens[0]) {
			continue
		}
		if n != 3 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("regions: line %d has fewer tokens than expected", lineIdx))
		}
		start, err := strconv.Atoi(string(tokens[1]))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("regions: line %d", lineIdx))
		}
		end, err := strconv.Atoi(string(tokens[2]))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("regions: line %d", lineIdx))
		}
		if start < 0 || end < start {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("regions: invalid coordinate pair on line %d", lineIdx))
		}
		ivs = append(ivs, Interval{Chrom: string(tokens[0]), Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(ivs), nil
}

// Load reads a BED file, optionally gzip-compressed.
func Load(ctx context.Context, path string) (set *Set, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "regions: open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.E(err, "regions: gzip", path)
		}
		defer gz.Close()
		r = gz
	}
	if set, err = Parse(r); err != nil {
		return nil, errors.E(err, path)
	}
	log.Debug.Printf("regions: loaded %s, %d base(s) covered", path, set.Bases())
	return set, nil
}

// WriteBED writes the intervals of the given chromosomes, or of every
// chromosome if none is given, as a three-column BED.
func (s *Set) WriteBED(w io.Writer, chroms ...string) error {
	if len(chroms) == 0 {
		chroms = s.Contigs()
	}
	out := tsv.NewWriter(w)
	for _, chrom := range chroms {
		for _, iv := range s.Intervals(chrom) {
			out.WriteString(iv.Chrom)
			out.WriteInt64(int64(iv.Start))
			out.WriteInt64(int64(iv.End))
			if err := out.EndLine(); err != nil {
				return err
			}
		}
	}
	return out.Flush()
}

// WriteFile writes the intervals of the given chromosomes to path.  See
// WriteBED.
func (s *Set) WriteFile(ctx context.Context, path string, chroms ...string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "regions: create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return s.WriteBED(out.Writer(ctx), chroms...)
}

// sortIntervals orders intervals by chromosome first appearance, then start.
func sortIntervals(ivs []Interval, rank map[string]int) {
	sort.SliceStable(ivs, func(i, j int) bool {
		a, b := ivs[i], ivs[j]
		if a.Chrom != b.Chrom {
			return rank[a.Chrom] < rank[b.Chrom]
		}
		return a.Start < b.Start
	})
}
