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

/*Package regions implements interval-union sets of genomic coordinates loaded
  from BED files.  Overlapping and touching intervals are merged.  Coordinates
  are zero-based and half-open, as in BED.

  Callers use a Set to decide which chromosomes to call variants on (variant
  regions), to drop chromosomes that are excluded entirely, and to write
  per-chromosome subsets that are passed to external tools.
*/
package regions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Interval is a zero-based, half-open range on one chromosome.
type Interval struct {
	Chrom      string
	Start, End int
}

// Len returns the number of bases in iv.
func (iv Interval) Len() int { return iv.End - iv.Start }

// String renders iv as a one-based, inclusive region string, e.g.
// "chr1:101-200".
func (iv Interval) String() string {
	return fmt.Sprintf("%s:%d-%d", iv.Chrom, iv.Start+1, iv.End)
}

// maxPos bounds region strings with no end coordinate.
const maxPos = 1<<31 - 1

// ParseRegion parses a region string of one of the forms
//   chrom:start-end   (one-based, inclusive)
//   chrom:pos
//   chrom
// into an Interval.  A bare chromosome covers the whole chromosome.
func ParseRegion(region string) (Interval, error) {
	if region == "" {
		return Interval{}, errors.E(errors.Invalid, "regions: empty region string")
	}
	colon := strings.LastIndexByte(region, ':')
	if colon == -1 {
		return Interval{Chrom: region, Start: 0, End: maxPos}, nil
	}
	if colon == 0 {
		return Interval{}, errors.E(errors.Invalid, "regions: empty contig in", region)
	}
	iv := Interval{Chrom: region[:colon]}
	rng := strings.Replace(region[colon+1:], ",", "", -1)
	dash := strings.IndexByte(rng, '-')
	if dash == -1 {
		pos, err := strconv.Atoi(rng)
		if err != nil || pos <= 0 {
			return Interval{}, errors.E(errors.Invalid, "regions: invalid position in", region)
		}
		iv.Start, iv.End = pos-1, pos
		return iv, nil
	}
	start, err := strconv.Atoi(rng[:dash])
	if err != nil || start <= 0 {
		return Interval{}, errors.E(errors.Invalid, "regions: invalid start in", region)
	}
	end, err := strconv.Atoi(rng[dash+1:])
	if err != nil || end < start {
		return Interval{}, errors.E(errors.Invalid, "regions: invalid end in", region)
	}
	iv.Start, iv.End = start-1, end
	return iv, nil
}

// Set is a union of intervals, grouped by chromosome.  The zero value and nil
// are empty sets.
type Set struct {
	order   []string
	byChrom map[string][]Interval
}

// New returns the union of ivs.  Empty intervals are dropped, but their
// chromosomes still count as mentioned for Contigs.
func New(ivs []Interval) *Set {
	s := &Set{byChrom: map[string][]Interval{}}
	rank := map[string]int{}
	for _, iv := range ivs {
		if _, ok := rank[iv.Chrom]; !ok {
			rank[iv.Chrom] = len(s.order)
			s.order = append(s.order, iv.Chrom)
		}
	}
	sorted := append([]Interval(nil), ivs...)
	sortIntervals(sorted, rank)
	for _, iv := range sorted {
		if iv.End <= iv.Start {
			continue
		}
		cur := s.byChrom[iv.Chrom]
		if n := len(cur); n > 0 && iv.Start <= cur[n-1].End {
			if iv.End > cur[n-1].End {
				cur[n-1].End = iv.End
			}
			continue
		}
		s.byChrom[iv.Chrom] = append(cur, iv)
	}
	return s
}

// Contigs returns the chromosomes mentioned in the set, in order of first
// appearance.
func (s *Set) Contigs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Intervals returns the merged intervals on chrom, sorted by start.
func (s *Set) Intervals(chrom string) []Interval {
	if s == nil {
		return nil
	}
	return s.byChrom[chrom]
}

// HasContig reports whether the set covers at least one base of chrom.
func (s *Set) HasContig(chrom string) bool {
	return len(s.Intervals(chrom)) > 0
}

// Covers reports whether the set covers every base of [0, length) on chrom.
func (s *Set) Covers(chrom string, length int) bool {
	ivs := s.Intervals(chrom)
	return len(ivs) > 0 && ivs[0].Start <= 0 && ivs[0].End >= length
}

// Contains reports whether pos (zero-based) on chrom is in the set.
func (s *Set) Contains(chrom string, pos int) bool {
	ivs := s.Intervals(chrom)
	lo, hi := 0, len(ivs)
	for lo < hi {
		mid := (lo + hi) / 2
		if ivs[mid].End <= pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(ivs) && ivs[lo].Start <= pos
}

// Bases returns the number of bases covered.
func (s *Set) Bases() int {
	total := 0
	for _, chrom := range s.Contigs() {
		for _, iv := range s.byChrom[chrom] {
			total += iv.Len()
		}
	}
	return total
}

// Intersect returns the part of s that overlaps region.
func (s *Set) Intersect(region Interval) *Set {
	var out []Interval
	for _, iv := range s.Intervals(region.Chrom) {
		if iv.End <= region.Start || iv.Start >= region.End {
			continue
		}
		if iv.Start < region.Start {
			iv.Start = region.Start
		}
		if iv.End > region.End {
			iv.End = region.End
		}
		out = append(out, iv)
	}
	return New(out)
}
