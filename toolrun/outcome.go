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

package toolrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Kind classifies a finished tool invocation.
type Kind int

const (
	// SuccessWithOutput means the tool exited cleanly and wrote its output.
	SuccessWithOutput Kind = iota
	// SuccessEmpty means the tool found nothing.  The caller must synthesize an
	// empty, schema-valid output so downstream stages see a uniform shape.
	SuccessEmpty
	// Fatal means the tool failed.  Outcome.Err describes the failure.
	Fatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case SuccessWithOutput:
		return "success"
	case SuccessEmpty:
		return "empty"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Invocation is a command together with what its success looks like.
type Invocation struct {
	Command Command
	// Output is the file the command is expected to write.  If empty, a clean
	// exit is always SuccessWithOutput.
	Output string
	// Benign lists substrings of the tool's output that, on a non-zero exit,
	// mean "nothing found" rather than failure.
	Benign []string
}

// Outcome is the classified result of an Invocation.  It is returned by
// value; Fatal outcomes carry their error in Err.
type Outcome struct {
	Kind   Kind
	Result Result
	// Reason is a short explanation for SuccessEmpty and Fatal outcomes.
	Reason string
	// Err is a *ToolError for Fatal outcomes and nil otherwise.
	Err error
}

// Invoke runs inv.Command through r and classifies the result.
func Invoke(ctx context.Context, r Runner, inv Invocation) Outcome {
	res, err := r.Run(ctx, inv.Command)
	produced := false
	if err == nil && inv.Output != "" {
		produced = nonEmpty(ctx, inv.Output)
	}
	o := Classify(inv, res, err, produced)
	if o.Kind == SuccessEmpty {
		log.Printf("%s: %s", inv.Command.Name, o.Reason)
	}
	return o
}

// Classify maps a process result onto an Outcome.  runErr is the error
// returned by Runner.Run and produced reports whether inv.Output exists and
// is non-empty.
func Classify(inv Invocation, res Result, runErr error, produced bool) Outcome {
	cmd := inv.Command
	if runErr != nil {
		return Outcome{
			Kind:   Fatal,
			Result: res,
			Reason: runErr.Error(),
			Err:    &ToolError{Tool: cmd.Name, Args: cmd.Args, ExitCode: -1, Err: runErr},
		}
	}
	if res.ExitCode != 0 {
		out := res.Output()
		for _, pat := range inv.Benign {
			if pat != "" && strings.Contains(out, pat) {
				return Outcome{Kind: SuccessEmpty, Result: res, Reason: pat}
			}
		}
		toolErr := &ToolError{Tool: cmd.Name, Args: cmd.Args, ExitCode: res.ExitCode, Output: tail(out)}
		return Outcome{Kind: Fatal, Result: res, Reason: toolErr.Error(), Err: toolErr}
	}
	if inv.Output != "" && !produced {
		return Outcome{Kind: SuccessEmpty, Result: res, Reason: "no output written"}
	}
	return Outcome{Kind: SuccessWithOutput, Result: res}
}

// nonEmpty reports whether path exists with a non-zero size.  Tools that find
// nothing sometimes leave a zero-length file behind, which no downstream
// reader accepts.
func nonEmpty(ctx context.Context, path string) bool {
	info, err := file.Stat(ctx, path)
	return err == nil && info.Size() > 0
}
