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
	"path/filepath"
	"sort"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/stage"
)

// CombinedPath returns the default output path for merging paths: their
// longest common prefix with ".vcf" appended.  After compression the merged
// file is therefore <prefix>.vcf.gz.
func CombinedPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := paths[0]
	for _, p := range paths[1:] {
		n := 0
		for n < len(prefix) && n < len(p) && prefix[n] == p[n] {
			n++
		}
		prefix = prefix[:n]
	}
	if len(paths) == 1 {
		base, _ := splitExt(prefix)
		return base + "-combined.vcf"
	}
	prefix = strings.TrimRight(prefix, "-_.")
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		prefix = filepath.Join(prefix, "combined")
	}
	return prefix + ".vcf"
}

// sortKey orders records by contig rank, then position.  Ties are broken by
// the full line, so keys compare equal only for identical records.
type sortKey struct {
	rank  int
	chrom string
	pos   int
	line  string
}

// Compare implements llrb.Comparable.
func (a sortKey) Compare(c llrb.Comparable) int {
	b := c.(sortKey)
	if diff := a.rank - b.rank; diff != 0 {
		return diff
	}
	if a.chrom != b.chrom {
		return strings.Compare(a.chrom, b.chrom)
	}
	if diff := a.pos - b.pos; diff != 0 {
		return diff
	}
	return strings.Compare(a.line, b.line)
}

// Merge combines the VCF files at ins into one file at out.  All inputs must
// list the same samples; a mismatch is an Integrity error.  Records are sorted
// by the contig order given by order (contigs missing from order come last, by
// name), then by position, and exact duplicates are dropped.  Header lines are
// unioned and sorted.  The result depends only on the set of inputs, not on
// their order.
//
// The stage is skipped if out, or out.gz, exists.  Merge returns out.
func Merge(ctx context.Context, ins []string, out string, order map[string]int) (string, error) {
	if len(ins) == 0 {
		return "", errors.E(errors.Invalid, "vcf: nothing to merge into", out)
	}
	res, err := stage.Stage{
		Name:       "merge",
		Output:     out,
		Alternates: []string{out + ".gz"},
		Compute: func(ctx context.Context, txPath string) error {
			return merge(ctx, ins, txPath, order)
		},
	}.Run(ctx)
	return res.Path, err
}

func merge(ctx context.Context, ins []string, out string, order map[string]int) (err error) {
	sorted := append([]string(nil), ins...)
	sort.Strings(sorted)

	var (
		header  *Header
		meta    = map[string]bool{}
		records llrb.Tree
		dups    int
	)
	for _, path := range sorted {
		vf, err := Open(ctx, path)
		if err != nil {
			return err
		}
		h := *vf.Header
		if header == nil {
			header = &h
		} else if err = sameSamples(header, &h); err != nil {
			vf.Close(ctx) // nolint: errcheck
			return errors.E(err, fmt.Sprintf("vcf: cannot merge %s with %s", path, sorted[0]))
		}
		for _, m := range h.Meta() {
			meta[m] = true
		}
		for {
			rec, err := vf.NextRecord()
			if err == io.EOF {
				break
			}
			if err != nil {
				vf.Close(ctx) // nolint: errcheck
				return errors.E(err, path)
			}
			rank, ok := order[rec.Chrom()]
			if !ok {
				rank = len(order)
			}
			key := sortKey{rank, rec.Chrom(), rec.Pos(), rec.String()}
			if records.Get(key) != nil {
				dups++
				continue
			}
			records.Insert(key)
		}
		if err = vf.Close(ctx); err != nil {
			return err
		}
	}
	if err = header.SetMeta(mergeMeta(meta, order)); err != nil {
		return err
	}

	vw, err := Create(ctx, out)
	if err != nil {
		return err
	}
	defer func() {
		if e := vw.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	if err = vw.WriteHeader(header); err != nil {
		return err
	}
	records.Do(func(c llrb.Comparable) bool {
		err = vw.WriteLine(c.(sortKey).line)
		return err != nil
	})
	if err != nil {
		return err
	}
	log.Printf("vcf: merged %d files, %d records (%d duplicates dropped) into %s", len(ins), records.Len(), dups, out)
	return nil
}

func sameSamples(a, b *Header) error {
	as, bs := a.Samples(), b.Samples()
	if len(as) != len(bs) {
		return errors.E(errors.Integrity, fmt.Sprintf("vcf: sample lists differ: %v vs %v", as, bs))
	}
	for i := range as {
		if as[i] != bs[i] {
			return errors.E(errors.Integrity, fmt.Sprintf("vcf: sample lists differ: %v vs %v", as, bs))
		}
	}
	return nil
}

// singleMeta are the unstructured header tags kept once in merged output.
var singleMeta = map[string]bool{"fileDate": true, "reference": true}

// mergeMeta orders the union of header lines: the newest fileformat line
// first, then lines grouped by tag, contig lines in contig order.  Of the
// structured lines sharing a tag and ID, and of the lines sharing a tag in
// singleMeta, only the first in that order is kept.
func mergeMeta(lines map[string]bool, order map[string]int) []string {
	var (
		format string
		rest   []string
	)
	for m := range lines {
		if strings.HasPrefix(m, "##fileformat=") {
			if m > format {
				format = m
			}
			continue
		}
		rest = append(rest, m)
	}
	if format == "" {
		format = FileFormat
	}
	contigRank := func(id string) int {
		if r, ok := order[id]; ok {
			return r
		}
		return len(order)
	}
	sort.Slice(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		ta, ida, _ := metaKey(a)
		tb, idb, _ := metaKey(b)
		if ta != tb {
			return ta < tb
		}
		if ta == "contig" {
			if ra, rb := contigRank(ida), contigRank(idb); ra != rb {
				return ra < rb
			}
		}
		return a < b
	})
	merged := []string{format}
	seen := make(map[string]bool)
	for _, m := range rest {
		tag, id, structured := metaKey(m)
		var key string
		switch {
		case structured && id != "":
			key = tag + "/" + id
		case !structured && singleMeta[tag]:
			key = tag
		default:
			merged = append(merged, m)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, m)
	}
	return merged
}
