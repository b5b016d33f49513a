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
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	easyio "github.com/vertgenlab/gonomics/fileio"
	gvcf "github.com/vertgenlab/gonomics/vcf"
)

// Record is one data line.  Fields holds its columns, which are what gets
// written; Vcf is the parsed form.  Use SetFilter to keep both in step.
type Record struct {
	Vcf    gvcf.Vcf
	Fields []string
}

// ParseRecord parses a tab-separated data line.  Malformed lines are Invalid.
func ParseRecord(line string) (*Record, error) {
	var p recordParser
	return p.parse(line)
}

// recordParser feeds single lines to the gonomics parser, reusing its
// buffers.
type recordParser struct {
	sr strings.Reader
	er easyio.EasyReader
}

func (p *recordParser) parse(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, "\t")
	if err := checkRecord(fields); err != nil {
		return nil, err
	}
	p.sr.Reset(line + "\n")
	if p.er.BuffReader == nil {
		p.er.BuffReader = bufio.NewReader(&p.sr)
	} else {
		p.er.BuffReader.Reset(&p.sr)
	}
	v, done := gvcf.NextVcf(&p.er)
	if done {
		return nil, errors.E(errors.Invalid, "vcf: empty record")
	}
	return &Record{Vcf: v, Fields: fields}, nil
}

// checkRecord rejects the lines gonomics would exit the process on.
func checkRecord(fields []string) error {
	if len(fields) < len(fixedColumns) {
		return errors.E(errors.Invalid, fmt.Sprintf("vcf: record has %d columns, expected at least %d", len(fields), len(fixedColumns)))
	}
	if strings.HasPrefix(fields[colChrom], "#") {
		return errors.E(errors.Invalid, "vcf: record starts with #")
	}
	if _, err := strconv.Atoi(fields[colPos]); err != nil {
		return errors.E(errors.Invalid, err, "vcf: bad POS in record at", fields[colChrom])
	}
	if q := fields[colQual]; q != "." {
		if _, err := strconv.ParseFloat(q, 64); err != nil {
			return errors.E(errors.Invalid, err, fmt.Sprintf("vcf: bad QUAL in record at %s:%s", fields[colChrom], fields[colPos]))
		}
	}
	if len(fields) <= colFormat {
		return nil
	}
	keys := strings.Split(fields[colFormat], ":")
	for _, k := range keys[1:] {
		if k == "GT" {
			return errors.E(errors.Invalid, fmt.Sprintf("vcf: GT is not the first FORMAT key in record at %s:%s", fields[colChrom], fields[colPos]))
		}
	}
	if keys[0] != "GT" {
		return nil
	}
	for _, sample := range fields[colFirstSample:] {
		gt := sample
		if i := strings.IndexByte(gt, ':'); i >= 0 {
			gt = gt[:i]
		}
		if !validGenotype(gt) {
			return errors.E(errors.Invalid, fmt.Sprintf("vcf: bad genotype %q in record at %s:%s", gt, fields[colChrom], fields[colPos]))
		}
	}
	return nil
}

func validGenotype(gt string) bool {
	if gt == "." || gt == "./." {
		return true
	}
	start := 0
	for i := 0; i <= len(gt); i++ {
		if i < len(gt) && gt[i] != '/' && gt[i] != '|' {
			continue
		}
		if a := gt[start:i]; a != "." {
			if _, err := strconv.ParseInt(a, 10, 16); err != nil {
				return false
			}
		}
		start = i + 1
	}
	return true
}

// Chrom returns the record's chromosome.
func (r *Record) Chrom() string { return r.Vcf.Chr }

// Pos returns the record's one-based position.
func (r *Record) Pos() int { return r.Vcf.Pos }

// Filter returns the FILTER column.
func (r *Record) Filter() string { return r.Fields[colFilter] }

// SetFilter replaces the FILTER column.
func (r *Record) SetFilter(f string) {
	r.Fields[colFilter] = f
	r.Vcf.Filter = f
}

// Qual returns the QUAL column.  It is missing if the column is ".".
func (r *Record) Qual() (float64, bool) {
	if r.Fields[colQual] == "." {
		return 0, false
	}
	return r.Vcf.Qual, true
}

// Info returns the value of an INFO key.  Flags have the value "1".
func (r *Record) Info(key string) (string, bool) {
	v, hasValue, ok := r.info(key)
	if ok && !hasValue {
		return "1", true
	}
	return v, ok
}

func (r *Record) info(key string) (value string, hasValue, ok bool) {
	if r.Vcf.Info == "." {
		return "", false, false
	}
	for _, kv := range strings.Split(r.Vcf.Info, ";") {
		k, v := kv, ""
		i := strings.IndexByte(kv, '=')
		if i >= 0 {
			k, v = kv[:i], kv[i+1:]
		}
		if k == key {
			return v, i >= 0, true
		}
	}
	return "", false, false
}

// NumSamples returns the number of sample columns.
func (r *Record) NumSamples() int {
	if len(r.Fields) <= colFirstSample {
		return 0
	}
	return len(r.Fields) - colFirstSample
}

// Format returns the value of a FORMAT key for the sample at index i.
// Trailing keys may be dropped from a sample column, in which case they are
// missing.
func (r *Record) Format(i int, key string) (string, bool) {
	if i < 0 || i >= len(r.Vcf.Samples) {
		return "", false
	}
	data := r.Vcf.Samples[i].FormatData
	for j, k := range r.Vcf.Format {
		if k != key {
			continue
		}
		if j >= len(data) {
			return "", false
		}
		if k == "GT" {
			// The parser moves GT into Alleles.
			gt := r.Fields[colFirstSample+i]
			if n := strings.IndexByte(gt, ':'); n >= 0 {
				gt = gt[:n]
			}
			return gt, true
		}
		return data[j], true
	}
	return "", false
}

// String returns the record as a data line without a terminator.
func (r *Record) String() string { return strings.Join(r.Fields, "\t") }
