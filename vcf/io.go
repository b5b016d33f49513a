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
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/hts/bgzf"
	"github.com/klauspost/compress/gzip"
)

// Reader reads a VCF stream.  The header is parsed by NewReader.
type Reader struct {
	Header *Header
	r      *bufio.Reader
	p      recordParser
	line   int
}

// NewReader reads the header from r.  A stream without a "#CHROM" line is an
// Integrity error.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReaderSize(r, 1<<16)}
	var text []string
	for {
		b, err := rd.r.Peek(1)
		if err == io.EOF || (err == nil && b[0] != '#') {
			break
		}
		if err != nil {
			return nil, err
		}
		line, err := rd.readLine()
		if err != nil {
			return nil, err
		}
		text = append(text, line)
	}
	h, err := parseHeader(text)
	if err != nil {
		return nil, err
	}
	rd.Header = h
	return rd, nil
}

func (rd *Reader) readLine() (string, error) {
	line, err := rd.r.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	rd.line++
	return strings.TrimRight(line, "\r\n"), nil
}

// Next returns the next data line, or io.EOF.
func (rd *Reader) Next() (string, error) {
	for {
		line, err := rd.readLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// NextRecord returns the next parsed record, or io.EOF.
func (rd *Reader) NextRecord() (*Record, error) {
	line, err := rd.Next()
	if err != nil {
		return nil, err
	}
	rec, err := rd.p.parse(line)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("line %d", rd.line))
	}
	return rec, nil
}

// File is a Reader over a file opened with Open.
type File struct {
	*Reader
	f  file.File
	gz *gzip.Reader
}

// Open opens a VCF file for reading.  Files ending in .gz, including bgzip
// output, are decompressed.
func Open(ctx context.Context, path string) (*File, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "vcf: open", path)
	}
	vf := &File{f: f}
	r := io.Reader(f.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		if vf.gz, err = gzip.NewReader(r); err != nil {
			f.Close(ctx) // nolint: errcheck
			return nil, errors.E(err, "vcf: gzip", path)
		}
		r = vf.gz
	}
	if vf.Reader, err = NewReader(r); err != nil {
		vf.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, path)
	}
	return vf, nil
}

// Close closes the underlying file.
func (vf *File) Close(ctx context.Context) error {
	var err error
	if vf.gz != nil {
		err = vf.gz.Close()
	}
	if e := vf.f.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// ReadHeader returns the header of the VCF file at path.
func ReadHeader(ctx context.Context, path string) (*Header, error) {
	vf, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return vf.Header, vf.Close(ctx)
}

// Writer writes a VCF file.  Paths ending in .gz are BGZF-compressed, so they
// can be indexed with tabix.
type Writer struct {
	f  file.File
	bg *bgzf.Writer
	w  *bufio.Writer
}

// Create creates a VCF file at path.
func Create(ctx context.Context, path string) (*Writer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "vcf: create", path)
	}
	vw := &Writer{f: f}
	out := io.Writer(f.Writer(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		vw.bg = bgzf.NewWriter(out, runtime.NumCPU())
		out = vw.bg
	}
	vw.w = bufio.NewWriterSize(out, 1<<16)
	return vw, nil
}

// WriteHeader writes h.
func (vw *Writer) WriteHeader(h *Header) error {
	return writeHeader(vw.w, h)
}

// Write writes rec.
func (vw *Writer) Write(rec *Record) error {
	return vw.WriteLine(rec.String())
}

// WriteLine writes a data line followed by a newline.
func (vw *Writer) WriteLine(line string) error {
	if _, err := vw.w.WriteString(line); err != nil {
		return err
	}
	return vw.w.WriteByte('\n')
}

// Close flushes buffered data and closes the file.
func (vw *Writer) Close(ctx context.Context) error {
	err := vw.w.Flush()
	if vw.bg != nil {
		if e := vw.bg.Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := vw.f.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// transform streams the file at in through fn into a new file at out.  fn
// receives the input header, which it may modify before it is written, and
// returns a function applied to every data line.  A line mapped to "" is
// dropped.
func transform(ctx context.Context, in, out string, fn func(h *Header) (func(line string) (string, error), error)) (err error) {
	vf, err := Open(ctx, in)
	if err != nil {
		return err
	}
	defer func() {
		if e := vf.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	h := *vf.Header
	mapLine, err := fn(&h)
	if err != nil {
		return errors.E(err, in)
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
	if err = vw.WriteHeader(&h); err != nil {
		return err
	}
	for {
		line, err := vf.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.E(err, "vcf: read", in)
		}
		if line, err = mapLine(line); err != nil {
			return errors.E(err, in)
		}
		if line == "" {
			continue
		}
		if err = vw.WriteLine(line); err != nil {
			return err
		}
	}
}
