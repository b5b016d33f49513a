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
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/stage"
)

// Filter is a named soft filter.
type Filter struct {
	// Name is written to the FILTER column of matching records.
	Name string
	// Expr selects the records to tag.
	Expr *Expr
}

// NewFilter compiles expr into a Filter called name.
func NewFilter(name, expr string) (Filter, error) {
	if name == "" || strings.ContainsAny(name, " \t;,") {
		return Filter{}, errors.E(errors.Invalid, fmt.Sprintf("vcf: invalid filter name %q", name))
	}
	e, err := ParseExpr(expr)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Name: name, Expr: e}, nil
}

// HeaderLine returns the ##FILTER line describing f.
func (f Filter) HeaderLine() string {
	desc := strings.Replace(f.Expr.String(), `"`, `'`, -1)
	return fmt.Sprintf(`##FILTER=<ID=%s,Description="%s">`, f.Name, desc)
}

// Apply tags rec if it matches f.  A matching record gets f.Name in its
// FILTER column, appended to any earlier failing filters.  A record that does
// not match and has no FILTER value is marked PASS.  Apply reports whether rec
// matched.
func (f Filter) Apply(rec *Record) bool {
	cur := rec.Filter()
	if !f.Expr.Match(rec) {
		if cur == "." || cur == "" {
			rec.SetFilter("PASS")
		}
		return false
	}
	switch cur {
	case ".", "", "PASS":
		rec.SetFilter(f.Name)
	default:
		for _, name := range strings.Split(cur, ";") {
			if name == f.Name {
				return true
			}
		}
		rec.SetFilter(cur + ";" + f.Name)
	}
	return true
}

// checkDeclared logs the fields f uses that h does not declare.  They read as
// missing unless the records carry them anyway.
func checkDeclared(h *Header, f Filter) {
	parsed := h.Parsed()
	for _, field := range f.Expr.Fields() {
		var ok bool
		if key := strings.TrimPrefix(field, "FMT/"); key != field {
			_, ok = parsed.Format[key]
		} else {
			_, ok = parsed.Info[strings.TrimPrefix(field, "INFO/")]
		}
		if !ok {
			log.Printf("vcf: filter %s uses undeclared field %s", f.Name, field)
		}
	}
}

// FilterPath returns the output path of SoftFilter for in: <base>-filter.vcf.
func FilterPath(in string) string {
	base, _ := splitExt(in)
	return base + "-filter.vcf"
}

// SoftFilter writes a copy of the VCF at in to out with records matching f
// tagged in their FILTER column.  No record is removed.  The stage is skipped
// if out, or out.gz, exists.
func SoftFilter(ctx context.Context, in, out string, f Filter) (string, error) {
	res, err := stage.Stage{
		Name:       "soft-filter",
		Output:     out,
		Alternates: []string{out + ".gz"},
		Compute: func(ctx context.Context, txPath string) error {
			var total, tagged int
			err := transform(ctx, in, txPath, func(h *Header) (func(string) (string, error), error) {
				if err := h.AddMeta(f.HeaderLine()); err != nil {
					return nil, err
				}
				checkDeclared(h, f)
				return func(line string) (string, error) {
					rec, err := ParseRecord(line)
					if err != nil {
						return "", err
					}
					total++
					if f.Apply(rec) {
						tagged++
					}
					return rec.String(), nil
				}, nil
			})
			if err == nil {
				log.Printf("vcf: %s tagged %d of %d records in %s", f.Name, tagged, total, in)
			}
			return err
		},
	}.Run(ctx)
	return res.Path, err
}
