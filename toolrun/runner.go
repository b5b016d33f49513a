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

// Package toolrun runs external bioinformatics tools and classifies their
// exit status.  Tools are run through the Runner interface so tests can
// substitute a fake (see package tooltest).
package toolrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"v.io/x/lib/lookpath"
	"v.io/x/lib/vlog"
)

// Command is one external process invocation.
type Command struct {
	// Name is the binary.  A name without a slash is resolved on PATH.
	Name string
	// Args are passed to the binary as is.
	Args []string
	// Env holds KEY=VALUE pairs added to the parent environment.
	Env []string
	// Dir is the working directory.  Empty means the current directory.
	Dir string
	// Stdout, if set, is a path that receives the process's standard output
	// instead of Result.Stdout.
	Stdout string
}

// Shell returns a command that runs script with bash, failing if any stage of
// a pipe fails.
func Shell(script string) Command {
	return Command{Name: "bash", Args: []string{"-o", "pipefail", "-c", script}}
}

// String renders c as a shell-like line for logs and errors.
func (c Command) String() string {
	var b strings.Builder
	for _, e := range c.Env {
		b.WriteString(e)
		b.WriteByte(' ')
	}
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		if a == "" || strings.ContainsAny(a, " \t'\"|&;<>()$") {
			b.WriteString(fmt.Sprintf("%q", a))
		} else {
			b.WriteString(a)
		}
	}
	if c.Stdout != "" {
		b.WriteString(" > ")
		b.WriteString(c.Stdout)
	}
	return b.String()
}

// Result is the observable outcome of a finished process.
type Result struct {
	// ExitCode is the process exit status; -1 if it was killed by a signal.
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Output returns stdout followed by stderr.
func (r Result) Output() string {
	if len(r.Stdout) == 0 {
		return string(r.Stderr)
	}
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	return string(r.Stdout) + "\n" + string(r.Stderr)
}

// Runner executes commands.  Run blocks until the process exits.  A non-zero
// exit is reported in Result.ExitCode, not as an error; the error is reserved
// for processes that could not be started.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local runs commands as child processes of this one.
type Local struct {
	mu       sync.Mutex
	env      map[string]string
	resolved map[string]string
}

// NewLocal returns a Runner that resolves binaries against the current
// environment's PATH.
func NewLocal() *Local {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return &Local{env: env, resolved: map[string]string{}}
}

func (l *Local) lookup(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return name, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if path, ok := l.resolved[name]; ok {
		return path, nil
	}
	path, err := lookpath.Look(l.env, name)
	if err != nil {
		return "", errors.E(errors.NotExist, err, "toolrun: cannot find", name)
	}
	l.resolved[name] = path
	return path, nil
}

// Run implements Runner.  A command that has already started is allowed to
// finish even if ctx is canceled, so its transactional output is either
// published or discarded as a whole.
func (l *Local) Run(ctx context.Context, cmd Command) (res Result, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	path, err := l.lookup(cmd.Name)
	if err != nil {
		return
	}
	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stderr = &stderr
	c.Stdout = &stdout
	if cmd.Stdout != "" {
		var out file.File
		if out, err = file.Create(ctx, cmd.Stdout); err != nil {
			return res, errors.E(err, "toolrun: create", cmd.Stdout)
		}
		defer file.CloseAndReport(ctx, out, &err)
		c.Stdout = out.Writer(ctx)
	}
	vlog.VI(1).Infof("toolrun: %s", cmd)
	runErr := c.Run()
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return res, errors.E(runErr, "toolrun: start", cmd.Name)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	vlog.VI(1).Infof("toolrun: %s exited with status %d", cmd.Name, res.ExitCode)
	return res, nil
}

// Check runs cmd and returns a *ToolError if it could not be started or
// exited with a non-zero status.
func Check(ctx context.Context, r Runner, cmd Command) (Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, &ToolError{Tool: cmd.Name, Args: cmd.Args, ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return res, &ToolError{Tool: cmd.Name, Args: cmd.Args, ExitCode: res.ExitCode, Output: tail(res.Output())}
	}
	return res, nil
}

// ToolError reports an external tool that failed for a reason not known to be
// benign.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	// Output is the tail of the tool's combined output.
	Output string
	// Err is set if the tool could not be started.
	Err error
}

// Error implements error.
func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Unwrap returns the start error, if any.
func (e *ToolError) Unwrap() error { return e.Err }

// maxErrorOutput bounds the tool output kept in a ToolError.
const maxErrorOutput = 4096

func tail(s string) string {
	if len(s) <= maxErrorOutput {
		return s
	}
	return "..." + s[len(s)-maxErrorOutput:]
}
