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
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/grailbio/base/errors"
)

// Expr is a compiled filter expression in the style of bcftools, e.g.
//   FMT/DV < 4 || (FMT/DV / (FMT/DV + FMT/DR)) < 0.2
//
// Terms are numbers, quoted strings, QUAL (or %QUAL), INFO/<key> (or a bare
// <key>) and FMT/<key> (or FORMAT/<key>).  Single & and | are the logical
// operators, as is = for equality; abs(x) is available.  Multi-valued fields
// use their first value.  INFO flags are true when present.  A missing value
// is false and makes any arithmetic or ordering that uses it fail to match.
// Division follows IEEE rules: x/0 is infinite and 0/0 matches nothing.
//
// An expression that mentions FORMAT fields is evaluated once per sample, and
// matches a record if it is true for any sample.
type Expr struct {
	src       string
	eval      *govaluate.EvaluableExpression
	perSample bool
}

var (
	// fieldRef matches the field names that need brackets to be variables.
	fieldRef = regexp.MustCompile(`(?:FMT|FORMAT|INFO)/[A-Za-z0-9_.]+|%QUAL\b|\bQUAL\b`)
	// danglingRef matches a scope prefix without a key.
	danglingRef = regexp.MustCompile(`(?:FMT|FORMAT|INFO)/(?:[^A-Za-z0-9_.]|$)`)

	exprFuncs = map[string]govaluate.ExpressionFunction{
		"abs": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("abs takes one argument, got %d", len(args))
			}
			x, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("abs: %v is not a number", args[0])
			}
			return math.Abs(x), nil
		},
	}
)

// ParseExpr compiles src.  Syntax errors are Invalid.
func ParseExpr(src string) (*Expr, error) {
	translated, err := translate(src)
	if err != nil {
		return nil, err
	}
	eval, err := govaluate.NewEvaluableExpressionWithFunctions(translated, exprFuncs)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, fmt.Sprintf("vcf: expression %q", src))
	}
	e := &Expr{src: src, eval: eval}
	for _, name := range eval.Vars() {
		if strings.HasPrefix(name, "FMT/") || strings.HasPrefix(name, "FORMAT/") {
			e.perSample = true
		}
	}
	return e, nil
}

// translate rewrites a bcftools expression into govaluate syntax: field
// names are bracketed and the single-character logical and equality
// operators are doubled.
func translate(src string) (string, error) {
	invalid := func(msg string) error {
		return errors.E(errors.Invalid, fmt.Sprintf("vcf: expression %q: %s", src, msg))
	}
	switch {
	case strings.TrimSpace(src) == "":
		return "", invalid("empty")
	case danglingRef.MatchString(src):
		return "", invalid("field prefix without a key")
	case strings.ContainsAny(src, "[]"):
		return "", invalid("brackets are not supported")
	case strings.Contains(src, "~"):
		return "", invalid("regular expression matching is not supported")
	}
	s := fieldRef.ReplaceAllString(src, "[$0]")
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '[':
			j := strings.IndexByte(s[i:], ']')
			b.WriteString(s[i : i+j+1])
			i += j
			continue
		case '&', '|':
			b.WriteByte(c)
			if i+1 < len(s) && s[i+1] == c {
				i++
			}
		case '=':
			if i+1 < len(s) && s[i+1] == '=' {
				i++
			} else if i > 0 && strings.IndexByte("!<>", s[i-1]) >= 0 {
				b.WriteByte(c)
				continue
			}
			b.WriteByte(c)
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// String returns the source of e.
func (e *Expr) String() string { return e.src }

// Fields returns the INFO and FORMAT keys e refers to, with their scope
// prefix: INFO/<key> or FMT/<key>.
func (e *Expr) Fields() []string {
	var fields []string
	for _, name := range e.eval.Vars() {
		sc, key := splitScope(name)
		switch sc {
		case scopeQual:
			continue
		case scopeFormat:
			fields = append(fields, "FMT/"+key)
		default:
			fields = append(fields, "INFO/"+key)
		}
	}
	return fields
}

// Match reports whether rec satisfies e.
func (e *Expr) Match(rec *Record) bool {
	if !e.perSample || rec.NumSamples() == 0 {
		return e.match(rec, -1)
	}
	for i := 0; i < rec.NumSamples(); i++ {
		if e.match(rec, i) {
			return true
		}
	}
	return false
}

func (e *Expr) match(rec *Record, sample int) bool {
	v, err := e.eval.Eval(recordParams{rec, sample})
	if err != nil {
		return false
	}
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	}
	return false
}

type scope int

const (
	scopeInfo scope = iota
	scopeFormat
	scopeQual
)

func splitScope(name string) (scope, string) {
	switch {
	case name == "QUAL" || name == "%QUAL":
		return scopeQual, name
	case strings.HasPrefix(name, "FMT/"):
		return scopeFormat, name[len("FMT/"):]
	case strings.HasPrefix(name, "FORMAT/"):
		return scopeFormat, name[len("FORMAT/"):]
	case strings.HasPrefix(name, "INFO/"):
		return scopeInfo, name[len("INFO/"):]
	}
	return scopeInfo, name
}

// recordParams resolves expression variables against one sample of a
// record.  A negative sample has no FORMAT values.
type recordParams struct {
	rec    *Record
	sample int
}

// Get implements govaluate.Parameters.
func (p recordParams) Get(name string) (interface{}, error) {
	sc, key := splitScope(name)
	switch sc {
	case scopeQual:
		if q, ok := p.rec.Qual(); ok {
			return q, nil
		}
		return false, nil
	case scopeFormat:
		v, ok := p.rec.Format(p.sample, key)
		return fieldValue(v, ok), nil
	}
	v, hasValue, ok := p.rec.info(key)
	if ok && !hasValue {
		return true, nil
	}
	return fieldValue(v, ok), nil
}

// fieldValue converts the first value of a field to a number where possible.
func fieldValue(s string, ok bool) interface{} {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	if !ok || s == "" || s == "." {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
