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

// Package tooltest provides a fake toolrun.Runner that dispatches commands to
// in-process handlers and counts invocations.
package tooltest

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/biopipe/toolrun"
)

// Handler simulates one tool.
type Handler func(cmd toolrun.Command) (toolrun.Result, error)

// Runner is a fake toolrun.Runner.  Commands whose Name has no handler are
// passed to Fallback, or fail with exit status 127 if Fallback is nil.
type Runner struct {
	Fallback toolrun.Runner

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	commands []toolrun.Command
}

// New returns an empty Runner.
func New() *Runner {
	return &Runner{handlers: map[string]Handler{}, calls: map[string]int{}}
}

// Handle registers h for commands named name.
func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Run implements toolrun.Runner.
func (r *Runner) Run(ctx context.Context, cmd toolrun.Command) (toolrun.Result, error) {
	r.mu.Lock()
	r.calls[cmd.Name]++
	r.commands = append(r.commands, cmd)
	h := r.handlers[cmd.Name]
	r.mu.Unlock()
	if h == nil {
		if r.Fallback != nil {
			return r.Fallback.Run(ctx, cmd)
		}
		return toolrun.Result{ExitCode: 127, Stderr: []byte(cmd.Name + ": command not found")}, nil
	}
	res, err := h(cmd)
	if err == nil && cmd.Stdout != "" {
		if err = ioutil.WriteFile(cmd.Stdout, res.Stdout, 0644); err == nil {
			res.Stdout = nil
		}
	}
	return res, err
}

// Calls returns how many times a command named name was run.
func (r *Runner) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// Commands returns every command run so far, in order.
func (r *Runner) Commands() []toolrun.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toolrun.Command(nil), r.commands...)
}

// Arg returns the value of flag in args, accepting both "-o value" and
// "--output=value" forms.  It returns "" if flag is absent.
func Arg(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, flag+"=") {
			return a[len(flag)+1:]
		}
	}
	return ""
}

// WriteFile creates path, and its parent directories, with content.
func WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	return ioutil.WriteFile(path, []byte(content), 0644)
}

// Exit returns a handler that prints stderr and exits with code.
func Exit(code int, stderr string) Handler {
	return func(toolrun.Command) (toolrun.Result, error) {
		return toolrun.Result{ExitCode: code, Stderr: []byte(stderr)}, nil
	}
}

// WriteArg returns a handler that writes content to the path given by flag
// and exits cleanly.
func WriteArg(flag, content string) Handler {
	return func(cmd toolrun.Command) (toolrun.Result, error) {
		if err := WriteFile(Arg(cmd.Args, flag), content); err != nil {
			return toolrun.Result{}, err
		}
		return toolrun.Result{}, nil
	}
}
