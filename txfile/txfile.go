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

// Package txfile implements transactional file outputs.  Work that produces a
// file writes it to a private temporary path; the temporary path is published
// to its final location in a single rename once the work succeeds, and is
// discarded otherwise.  An observer therefore sees the final path either absent
// or complete, never partially written.
//
// Example:
//   err := txfile.Do(ctx, "/work/calls.vcf", txfile.Opts{}, func(txPath string) error {
//     return exec.Command("delly", "-o", txPath, ...).Run()
//   })
package txfile

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Policy determines what happens when the final path already exists at
// publish time.
type Policy int

const (
	// SkipExisting leaves an existing final path untouched and discards the
	// transaction's output.  The existence check and the publish are a single
	// filesystem operation where the platform supports it, so two concurrent
	// writers of the same path never clobber each other.
	SkipExisting Policy = iota
	// Overwrite atomically replaces an existing final path.
	Overwrite
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case SkipExisting:
		return "skip-existing"
	case Overwrite:
		return "overwrite"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Opts configures a transaction.
type Opts struct {
	// Policy is applied to every published path.
	Policy Policy
	// Sidecars lists additional basenames, relative to the transaction
	// directory, which are published next to the final path when present.
	// Files named <final basename>.<suffix> (e.g. an index) are always
	// published as sidecars, so they rarely need to be listed.
	Sidecars []string
	// PublishAll makes the directory of the final path the unit of work.  The
	// whole transaction directory, with every entry the work leaves in it,
	// replaces that directory in one rename.  It is meant for tools that only
	// accept an output directory.  An existing directory without the final
	// path is incomplete and is replaced.
	PublishAll bool
}

// txDirPrefix marks transaction directories.  Names starting with it are never
// valid outputs.
const txDirPrefix = ".tx-"

// IsTxPath reports whether path lies inside a transaction directory.
func IsTxPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, txDirPrefix) {
			return true
		}
	}
	return false
}

// Do creates a private temporary path for finalPath and calls fn with it.  If
// fn succeeds, the temporary path and its sidecars are published to the
// directory of finalPath according to opts.Policy.  If fn fails or panics, the
// temporary path is removed and finalPath is left as it was.  Parent
// directories of finalPath are created as needed.
//
// The temporary path has the same basename as finalPath, so tools that infer a
// format from the file extension behave identically.
func Do(ctx context.Context, finalPath string, opts Opts, fn func(txPath string) error) (err error) {
	if opts.PublishAll {
		return doDir(finalPath, opts.Policy, fn)
	}
	dir, base := filepath.Split(finalPath)
	if dir == "" {
		dir = "."
	}
	if base == "" {
		return errors.E(errors.Invalid, "txfile: empty basename in", finalPath)
	}
	if err = os.MkdirAll(dir, 0777); err != nil {
		return errors.E(err, "txfile: create directory", dir)
	}
	txDir := filepath.Join(dir, txName(base))
	// Mkdir fails if txDir exists, so no two transactions share a directory.
	if err = os.Mkdir(txDir, 0777); err != nil {
		return errors.E(err, "txfile: create transaction directory", txDir)
	}
	defer func() {
		if e := os.RemoveAll(txDir); e != nil {
			log.Error.Printf("txfile: failed to remove %s: %v", txDir, e)
		}
	}()

	txPath := filepath.Join(txDir, base)
	if err = fn(txPath); err != nil {
		log.Debug.Printf("txfile: discarding %s: %v", txPath, err)
		return err
	}
	if _, err = os.Lstat(txPath); err != nil {
		return errors.E(err, "txfile: work completed without producing", finalPath)
	}
	names, err := publishOrder(txDir, base, opts)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err = publish(filepath.Join(txDir, name), filepath.Join(dir, name), opts.Policy); err != nil {
			return err
		}
	}
	return nil
}

// txName returns a fresh transaction directory name for base.
func txName(base string) string {
	return fmt.Sprintf("%s%s-%d-%s", txDirPrefix, base, os.Getpid(), uuid.New().String())
}

// doDir runs a PublishAll transaction.  The transaction directory is a
// sibling of the directory of finalPath and takes its place when fn succeeds.
func doDir(finalPath string, policy Policy, fn func(txPath string) error) (err error) {
	dir, base := filepath.Split(finalPath)
	dir = filepath.Clean(dir)
	if base == "" || dir == "." || dir == string(filepath.Separator) {
		return errors.E(errors.Invalid, "txfile: cannot publish a whole directory for", finalPath)
	}
	parent := filepath.Dir(dir)
	if err = os.MkdirAll(parent, 0777); err != nil {
		return errors.E(err, "txfile: create directory", parent)
	}
	txDir := filepath.Join(parent, txName(filepath.Base(dir)))
	if err = os.Mkdir(txDir, 0777); err != nil {
		return errors.E(err, "txfile: create transaction directory", txDir)
	}
	defer func() {
		if e := os.RemoveAll(txDir); e != nil {
			log.Error.Printf("txfile: failed to remove %s: %v", txDir, e)
		}
	}()

	txPath := filepath.Join(txDir, base)
	if err = fn(txPath); err != nil {
		log.Debug.Printf("txfile: discarding %s: %v", txDir, err)
		return err
	}
	if _, err = os.Lstat(txPath); err != nil {
		return errors.E(err, "txfile: work completed without producing", finalPath)
	}
	if _, err = os.Lstat(finalPath); err == nil && policy == SkipExisting {
		log.Printf("txfile: %s was published by another writer; discarding this copy", dir)
		return nil
	}
	if err = retire(dir); err != nil {
		return err
	}
	return publish(txDir, dir, SkipExisting)
}

// retire removes dir, first renaming it to a transaction name so that no
// observer sees it half-deleted.
func retire(dir string) error {
	trash := filepath.Join(filepath.Dir(dir), txName(filepath.Base(dir)))
	switch err := os.Rename(dir, trash); {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.E(err, "txfile: retire", dir)
	}
	log.Printf("txfile: replacing %s", dir)
	return os.RemoveAll(trash)
}

// publishOrder returns the basenames to publish.  The main output comes last,
// so its existence implies that its sidecars exist too.
func publishOrder(txDir, base string, opts Opts) ([]string, error) {
	infos, err := ioutil.ReadDir(txDir)
	if err != nil {
		return nil, errors.E(err, "txfile: list", txDir)
	}
	listed := make(map[string]bool, len(opts.Sidecars))
	for _, s := range opts.Sidecars {
		listed[s] = true
	}
	var names []string
	for _, info := range infos {
		name := info.Name()
		if name == base {
			continue
		}
		if listed[name] || strings.HasPrefix(name, base+".") {
			names = append(names, name)
		}
	}
	return append(names, base), nil
}

func publish(src, dst string, policy Policy) error {
	if policy == Overwrite {
		if err := os.Rename(src, dst); err != nil {
			return errors.E(err, "txfile: publish", dst)
		}
		log.Debug.Printf("txfile: published %s", dst)
		return nil
	}
	err := renameNoReplace(src, dst)
	switch {
	case err == nil:
		log.Debug.Printf("txfile: published %s", dst)
		return nil
	case os.IsExist(err):
		log.Printf("txfile: %s was published by another writer; discarding this copy", dst)
		return nil
	default:
		return errors.E(err, "txfile: publish", dst)
	}
}

// linkNoReplace publishes src at dst unless dst exists, using a hard link so
// that the check and the creation are one operation.  Directories cannot be
// hard-linked; they fall back to a check followed by a rename.
func linkNoReplace(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err = os.Link(src, dst); err == nil {
			return os.Remove(src)
		}
		if os.IsExist(err) {
			return err
		}
	}
	if _, err = os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: os.ErrExist}
	}
	return os.Rename(src, dst)
}
