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

// Package stage implements idempotent pipeline stages.  A stage is keyed by its
// output path: when the output already exists the stage returns immediately,
// otherwise it computes the output inside a txfile transaction.  Re-running a
// pipeline after a crash therefore resumes at the first stage whose output is
// missing.
package stage

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/biopipe/txfile"
)

// ComputeFunc produces a stage's output at txPath.
type ComputeFunc func(ctx context.Context, txPath string) error

// Stage is a unit of work keyed by a deterministic output path.
type Stage struct {
	// Name labels the stage in logs.
	Name string
	// Output is the path the stage produces.
	Output string
	// Alternates are paths whose existence also marks the stage done, e.g. the
	// compressed form of Output after a later stage compressed it.
	Alternates []string
	// Requires are paths that must exist next to Output for the stage to count
	// as done, e.g. an index written as a sidecar.
	Requires []string
	// Inputs makes the stage stale, and re-run, when any input is newer than
	// Output.
	Inputs []string
	// Tx configures the transaction around Compute.
	Tx txfile.Opts
	// Compute produces Output.
	Compute ComputeFunc
}

// Result describes a completed stage.
type Result struct {
	// Path is the stage's output path.
	Path string
	// Skipped is true if the output existed and Compute was not called.
	Skipped bool
}

// Run executes the stage unless its output is already present and current.
func (s Stage) Run(ctx context.Context) (Result, error) {
	if s.Output == "" {
		return Result{}, errors.E(errors.Invalid, "stage: no output path for", s.Name)
	}
	if s.Compute == nil {
		return Result{}, errors.E(errors.Invalid, "stage: no compute function for", s.Name)
	}
	done, stale := s.status(ctx)
	if done {
		log.Debug.Printf("stage %s: %s exists, skipping", s.Name, s.Output)
		return Result{Path: s.Output, Skipped: true}, nil
	}
	opts := s.Tx
	if stale {
		log.Printf("stage %s: %s is out of date, recomputing", s.Name, s.Output)
		opts.Policy = txfile.Overwrite
	}
	log.Debug.Printf("stage %s: computing %s", s.Name, s.Output)
	err := txfile.Do(ctx, s.Output, opts, func(txPath string) error {
		return s.Compute(ctx, txPath)
	})
	if err != nil {
		return Result{}, err
	}
	log.Printf("stage %s: wrote %s", s.Name, s.Output)
	return Result{Path: s.Output}, nil
}

// status reports whether the stage is done, and whether an existing output is
// stale relative to the stage inputs.
func (s Stage) status(ctx context.Context) (done, stale bool) {
	for _, path := range s.Requires {
		if !Exists(ctx, path) {
			// An output without its sidecars is replaced as a whole.
			return false, Exists(ctx, s.Output)
		}
	}
	if len(s.Inputs) > 0 && Exists(ctx, s.Output) {
		if !UpToDate(ctx, s.Output, s.Inputs...) {
			return false, true
		}
		return true, false
	}
	if Exists(ctx, s.Output) {
		return true, false
	}
	for _, path := range s.Alternates {
		if Exists(ctx, path) {
			return true, false
		}
	}
	return false, false
}

// Run is shorthand for a Stage with only an output path and a compute
// function.  It returns outPath.
func Run(ctx context.Context, outPath string, fn ComputeFunc) (string, error) {
	res, err := Stage{Name: outPath, Output: outPath, Compute: fn}.Run(ctx)
	return res.Path, err
}

// Exists reports whether path exists and is not an in-flight transaction
// output.  Any error other than nonexistence is logged and treated as absent,
// so the stage recomputes the output.
func Exists(ctx context.Context, path string) bool {
	if path == "" || txfile.IsTxPath(path) {
		return false
	}
	_, err := file.Stat(ctx, path)
	switch {
	case err == nil:
		return true
	case os.IsNotExist(err) || errors.Is(errors.NotExist, err):
		return false
	case isDir(ctx, path):
		return true
	}
	log.Error.Printf("stage: stat %s: %v", path, err)
	return false
}

// isDir reports whether path names a directory.  file.Stat fails on local
// directories; on object stores a directory is any non-empty prefix.
func isDir(ctx context.Context, path string) bool {
	scheme, _, err := file.ParsePath(path)
	if err != nil {
		return false
	}
	if scheme == "" {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	}
	return file.List(ctx, strings.TrimSuffix(path, "/")+"/", false).Scan()
}

// UpToDate reports whether out exists and is at least as new as every input.
// Missing inputs are ignored.
func UpToDate(ctx context.Context, out string, inputs ...string) bool {
	outInfo, err := file.Stat(ctx, out)
	if err != nil {
		return false
	}
	outTime := outInfo.ModTime()
	for _, in := range inputs {
		inInfo, err := file.Stat(ctx, in)
		if err != nil {
			continue
		}
		if inInfo.ModTime().After(outTime.Add(mtimeSlack)) {
			return false
		}
	}
	return true
}

// mtimeSlack absorbs coarse filesystem timestamp resolution.
const mtimeSlack = time.Millisecond
