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

// Package reference reads the contig index (*.fai) of a FASTA reference.
// External tools consume the reference itself; the pipeline only needs the
// contig names, their lengths and their order.
package reference

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/biopipe/stage"
	"github.com/pkg/errors"
)

// Contig is one line of a FASTA index.
type Contig struct {
	Name      string
	Length    int64
	Offset    int64
	LineBases int64
	LineWidth int64
}

// Index lists the contigs of a reference in file order.
type Index struct {
	contigs []Contig
	byName  map[string]int
}

// NewIndex builds an Index from contigs.
func NewIndex(contigs []Contig) (*Index, error) {
	x := &Index{contigs: contigs, byName: make(map[string]int, len(contigs))}
	for i, c := range contigs {
		if _, ok := x.byName[c.Name]; ok {
			return nil, errors.Errorf("duplicate sequence %s in index", c.Name)
		}
		x.byName[c.Name] = i
	}
	return x, nil
}

// ReadIndex parses a FASTA index in the format written by "samtools faidx".
func ReadIndex(r io.Reader) (*Index, error) {
	tsvReader := tsv.NewReader(r)
	tsvReader.Comment = '#'
	var contigs []Contig
	for {
		var c Contig
		if err := tsvReader.Read(&c); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "couldn't read FASTA index")
		}
		contigs = append(contigs, c)
	}
	return NewIndex(contigs)
}

// Contigs returns the contigs in file order.
func (x *Index) Contigs() []Contig { return x.contigs }

// Names returns the contig names in file order.
func (x *Index) Names() []string {
	names := make([]string, len(x.contigs))
	for i, c := range x.contigs {
		names[i] = c.Name
	}
	return names
}

// Len returns the length of the named contig.
func (x *Index) Len(name string) (int64, error) {
	i, ok := x.byName[name]
	if !ok {
		return 0, errors.Errorf("sequence not found in index: %s", name)
	}
	return x.contigs[i].Length, nil
}

// Order maps each contig name to its position in the index.  Variant files are
// sorted in this order.
func (x *Index) Order() map[string]int {
	order := make(map[string]int, len(x.byName))
	for name, i := range x.byName {
		order[name] = i
	}
	return order
}

// IndexPath returns the conventional index path of a FASTA file.
func IndexPath(fastaPath string) string { return fastaPath + ".fai" }

// LoadIndex reads the index of the FASTA file at fastaPath, generating it
// first if it does not exist.
func LoadIndex(ctx context.Context, fastaPath string) (*Index, error) {
	faiPath, err := stage.Run(ctx, IndexPath(fastaPath), func(ctx context.Context, txPath string) (err error) {
		log.Printf("reference: indexing %s", fastaPath)
		in, err := file.Open(ctx, fastaPath)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, in, &err)
		out, err := file.Create(ctx, txPath)
		if err != nil {
			return err
		}
		defer file.CloseAndReport(ctx, out, &err)
		return GenerateIndex(out.Writer(ctx), in.Reader(ctx))
	})
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, faiPath)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	x, err := ReadIndex(in.Reader(ctx))
	return x, errors.Wrap(err, faiPath)
}

// GenerateIndex generates an index (*.fai) from FASTA.
//
// The index format is defined by "samtools faidx"
// (http://www.htslib.org/doc/faidx.html).
func GenerateIndex(out io.Writer, in io.Reader) (err error) {
	var (
		tsvOut     = tsv.NewWriter(out)
		r          = bufio.NewReader(in)
		cur        Contig
		haveSeq    bool
		totalBytes int64
		eof        bool
	)
	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	flush := func() {
		tsvOut.WriteString(cur.Name)
		tsvOut.WriteInt64(cur.Length)
		tsvOut.WriteInt64(cur.Offset)
		tsvOut.WriteInt64(cur.LineBases)
		tsvOut.WriteInt64(cur.LineWidth)
		setErr(tsvOut.EndLine())
	}
	for !eof && err == nil {
		fullLine, e := r.ReadBytes('\n')
		if e == io.EOF {
			eof = true
		} else if e != nil {
			setErr(e)
		}
		totalBytes += int64(len(fullLine))
		line := bytes.TrimRight(fullLine, "\r\n")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if haveSeq {
				flush()
			}
			fields := strings.Fields(string(line[1:]))
			if len(fields) == 0 {
				setErr(errors.Errorf("malformed FASTA file: unnamed sequence at byte %d", totalBytes))
				break
			}
			cur = Contig{Name: fields[0], Offset: totalBytes}
			haveSeq = true
			continue
		}
		if !haveSeq {
			setErr(errors.Errorf("malformed FASTA file: sequence data before the first header"))
			break
		}
		if cur.LineWidth == 0 {
			cur.LineWidth = int64(len(fullLine))
			cur.LineBases = int64(len(line))
		}
		cur.Length += int64(len(line))
	}
	if haveSeq && err == nil {
		flush()
	}
	setErr(tsvOut.Flush())
	if totalBytes == 0 {
		setErr(errors.Errorf("empty FASTA file"))
	}
	return
}
