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

// Package vcf implements the variant-file transforms run after variant
// calling: cleaning, merging, compression and indexing, per-sample
// projection and expression-based soft filtering.  Each transform is an
// idempotent stage keyed by its output path.
//
// Headers and records are parsed with gonomics.  Records keep their column
// text, which is what transforms edit and write, so values the parser
// normalizes (a missing QUAL, a "./." genotype) pass through unchanged.
package vcf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	easyio "github.com/vertgenlab/gonomics/fileio"
	gvcf "github.com/vertgenlab/gonomics/vcf"
)

// Fixed columns of the #CHROM header line.
var fixedColumns = []string{"#CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}

// Column indexes of a record.
const (
	colChrom = iota
	colPos
	colID
	colRef
	colAlt
	colQual
	colFilter
	colInfo
	colFormat
	colFirstSample
)

// FileFormat is the version line written to new files.
const FileFormat = "##fileformat=VCFv4.1"

// Header is the meta-information and column header of a VCF file.  Its
// lines are kept verbatim; Parsed gives the typed view.
type Header struct {
	parsed gvcf.Header
}

// NewHeader returns a minimal header for the given samples.  The FORMAT column
// is present only if there are samples.
func NewHeader(samples []string) (*Header, error) {
	return parseHeader([]string{FileFormat, columnLine(samples)})
}

func columnLine(samples []string) string {
	cols := append([]string(nil), fixedColumns...)
	if len(samples) > 0 {
		cols = append(cols, "FORMAT")
		cols = append(cols, samples...)
	}
	return strings.Join(cols, "\t")
}

// parseHeader validates text and parses it with gonomics.  gonomics exits the
// process on some malformed headers, so those are rejected here first as
// Integrity errors.
func parseHeader(text []string) (h *Header, err error) {
	if err := checkHeader(text); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, errors.E(errors.Integrity, fmt.Sprintf("vcf: malformed header: %v", r))
		}
	}()
	br := bufio.NewReader(strings.NewReader(strings.Join(text, "\n") + "\n"))
	return &Header{parsed: gvcf.ReadHeader(&easyio.EasyReader{BuffReader: br})}, nil
}

// parsedTags are the meta tags gonomics parses into maps.
var parsedTags = map[string]bool{"contig": true, "INFO": true, "FILTER": true, "FORMAT": true}

func checkHeader(text []string) error {
	if len(text) == 0 || !strings.HasPrefix(text[len(text)-1], "#CHROM") {
		return errors.E(errors.Integrity, "vcf: missing #CHROM header line")
	}
	seen := make(map[string]bool)
	for i, line := range text[:len(text)-1] {
		if !strings.HasPrefix(line, "##") {
			return errors.E(errors.Integrity, fmt.Sprintf("vcf: header line %d: %.40q is not a meta line", i+1, line))
		}
		tag, id, structured := metaKey(line)
		if !parsedTags[tag] {
			continue
		}
		if !structured || !strings.HasSuffix(line, ">") {
			return errors.E(errors.Integrity, fmt.Sprintf("vcf: header line %d: malformed %s line %.60q", i+1, tag, line))
		}
		key := tag + "/" + id
		if seen[key] {
			return errors.E(errors.Integrity, fmt.Sprintf("vcf: header line %d: duplicate %s ID %s", i+1, tag, id))
		}
		seen[key] = true
	}
	cols := strings.Split(text[len(text)-1], "\t")
	if cols[0] != "#CHROM" || len(cols) < len(fixedColumns) {
		return errors.E(errors.Integrity, fmt.Sprintf("vcf: malformed column line %.60q", text[len(text)-1]))
	}
	if len(cols) > colFirstSample {
		names := make(map[string]bool)
		for _, s := range cols[colFirstSample:] {
			if names[s] {
				return errors.E(errors.Integrity, "vcf: duplicate sample", s)
			}
			names[s] = true
		}
	}
	return nil
}

// metaKey splits a meta line such as ##INFO=<ID=END,Number=1,...> into its
// tag and ID.  structured is false for lines without a <...> value, such as
// ##fileDate=20200101.
func metaKey(line string) (tag, id string, structured bool) {
	rest := strings.TrimPrefix(line, "##")
	i := strings.IndexByte(rest, '=')
	if i < 0 {
		return rest, "", false
	}
	tag, rest = rest[:i], rest[i+1:]
	if !strings.HasPrefix(rest, "<") {
		return tag, "", false
	}
	for _, f := range strings.Split(strings.TrimSuffix(rest[1:], ">"), ",") {
		if strings.HasPrefix(f, "ID=") {
			return tag, f[len("ID="):], true
		}
	}
	return tag, "", true
}

// Parsed returns the gonomics view of h, with typed INFO, FILTER, FORMAT and
// contig declarations.
func (h *Header) Parsed() gvcf.Header { return h.parsed }

// Lines returns every header line, the #CHROM line last.
func (h *Header) Lines() []string { return h.parsed.Text }

// Meta returns the "##" lines.
func (h *Header) Meta() []string {
	text := h.parsed.Text
	return text[:len(text)-1:len(text)-1]
}

// ColumnLine returns the "#CHROM" line.
func (h *Header) ColumnLine() string { return h.parsed.Text[len(h.parsed.Text)-1] }

// Samples returns the sample names in column order.
func (h *Header) Samples() []string {
	if len(h.parsed.Samples) == 0 {
		return nil
	}
	return gvcf.SampleNamesInOrder(h.parsed)
}

// SetSamples replaces the sample columns.
func (h *Header) SetSamples(samples []string) error {
	text := append([]string(nil), h.parsed.Text...)
	if len(samples) == 0 {
		text[len(text)-1] = columnLine(nil)
		return h.set(text)
	}
	// HeaderUpdateSampleList rewrites text in place.
	return h.set(gvcf.HeaderUpdateSampleList(gvcf.Header{Text: text}, samples).Text)
}

// SetMeta replaces the "##" lines.
func (h *Header) SetMeta(meta []string) error {
	return h.set(append(append([]string(nil), meta...), h.ColumnLine()))
}

// AddMeta adds a "##" line.  A structured line replaces an earlier line with
// the same tag and ID; an identical line is not added twice.
func (h *Header) AddMeta(line string) error {
	meta := append([]string(nil), h.Meta()...)
	tag, id, structured := metaKey(line)
	for i, m := range meta {
		if m == line {
			return nil
		}
		if mtag, mid, ok := metaKey(m); structured && ok && mtag == tag && mid == id {
			meta[i] = line
			return h.SetMeta(meta)
		}
	}
	return h.SetMeta(append(meta, line))
}

func (h *Header) set(text []string) error {
	nh, err := parseHeader(text)
	if err != nil {
		return err
	}
	*h = *nh
	return nil
}

// writeHeader writes the lines of h to w.  NewWriteHeader exits the process
// on a write error, so it writes to memory first.
func writeHeader(w io.Writer, h *Header) error {
	var buf bytes.Buffer
	gvcf.NewWriteHeader(&buf, h.parsed)
	_, err := w.Write(buf.Bytes())
	return err
}

// splitExt splits path into a base and a VCF extension (.vcf or .vcf.gz).
func splitExt(path string) (base, ext string) {
	for _, e := range []string{".vcf.gz", ".vcf.bgz", ".vcf", ".gz"} {
		if strings.HasSuffix(path, e) {
			return strings.TrimSuffix(path, e), e
		}
	}
	return path, ""
}
