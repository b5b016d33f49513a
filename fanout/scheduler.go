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

// Package fanout runs independent pipeline tasks, one per partition key, on a
// bounded pool of workers.
//
// Workers pull task indices from a queue and report status changes over a
// channel to a single collector, which owns the per-task reports.  Each task is
// normally an idempotent stage, so the order in which tasks complete does not
// affect the result, and a failed run can simply be repeated.
package fanout

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/biopipe/stage"
)

// Status is the lifecycle state of a task.
type Status int

const (
	// Pending tasks have not started.  Under FailFast, tasks still pending
	// when a failure occurs are never started.
	Pending Status = iota
	// Running tasks have started but not finished.
	Running
	// Done tasks computed their output.
	Done
	// SkippedDone tasks found their output already present.
	SkippedDone
	// Failed tasks returned an error.
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case SkippedDone:
		return "skipped-done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Policy determines how a scheduler reacts to a failed task.
type Policy int

const (
	// FailFast stops starting new tasks after the first failure and returns
	// that failure.  Tasks already running are allowed to finish.
	FailFast Policy = iota
	// Continue runs every task and returns all failures together.
	Continue
)

// String implements fmt.Stringer and flag.Value.
func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Continue:
		return "continue"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Set implements flag.Value.
func (p *Policy) Set(s string) error {
	switch strings.ToLower(s) {
	case "fail-fast", "failfast":
		*p = FailFast
	case "continue":
		*p = Continue
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("fanout: unknown policy %q (want fail-fast or continue)", s))
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so a Policy can be read
// from configuration files.
func (p *Policy) UnmarshalText(text []byte) error { return p.Set(string(text)) }

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Task is one unit of fan-out work.
type Task struct {
	// Key identifies the task.  Keys must be unique within a run.
	Key PartitionKey
	// Run computes the task's output.
	Run func(ctx context.Context) (stage.Result, error)
}

// StageTask returns a Task that runs s.
func StageTask(key PartitionKey, s stage.Stage) Task {
	return Task{Key: key, Run: s.Run}
}

// Report describes the final state of a task.
type Report struct {
	Key    PartitionKey
	Status Status
	// Output is the task's output path, set if Status is Done or SkippedDone.
	Output string
	// Err is a *TaskError, set if Status is Failed.
	Err error
}

// TaskError is the error of a failed task.  It names the partition key so the
// failing chromosome or sample is visible to the user.
type TaskError struct {
	Key PartitionKey
	Err error
}

// Error implements error.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Key, e.Err)
}

// Unwrap returns the task's own error.
func (e *TaskError) Unwrap() error { return e.Err }

// Scheduler runs tasks with bounded parallelism.
type Scheduler struct {
	// Parallelism bounds the number of concurrently running tasks.  Values
	// <= 0 mean runtime.NumCPU().
	Parallelism int
	// Policy selects fail-fast or continue-on-error behavior.
	Policy Policy
}

// Parallelism returns the default scheduler width for a step with the given
// number of configured cores and independent inputs: a step cannot usefully
// run more workers than it has inputs.  The result is at least 1.
func Parallelism(cores, inputs int) int {
	n := cores
	if inputs < n {
		n = inputs
	}
	if n < 1 {
		n = 1
	}
	return n
}

type event struct {
	index  int
	report Report
}

// Run executes tasks and returns one report per task, in task order.  The
// error is nil if every task succeeded.  Otherwise it is the first
// *TaskError under FailFast, or all task errors, in task order, under
// Continue.  If ctx is canceled, no new task is started and ctx.Err() is
// returned unless a task failed first.
func (s Scheduler) Run(ctx context.Context, tasks []Task) ([]Report, error) {
	if err := validate(tasks); err != nil {
		return nil, err
	}
	reports := make([]Report, len(tasks))
	for i, t := range tasks {
		reports[i] = Report{Key: t.Key, Status: Pending}
	}
	if len(tasks) == 0 {
		return reports, nil
	}
	workers := s.Parallelism
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
	}
	close(queue)

	var (
		first    errors.Once
		stopOnce sync.Once
		stop     = make(chan struct{})
		events   = make(chan event, 2*workers)
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		for ev := range events {
			reports[ev.index] = ev.report
			if ev.report.Status == Failed {
				log.Error.Printf("fanout: %v", ev.report.Err)
			}
		}
	}()

	log.Debug.Printf("fanout: running %d tasks on %d workers", len(tasks), workers)
	defer func() {
		// Stop the collector even if a task panics.
		if events != nil {
			close(events)
		}
	}()
	_ = traverse.Each(workers, func(int) error {
		for i := range queue {
			select {
			case <-stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
			t := tasks[i]
			events <- event{i, Report{Key: t.Key, Status: Running}}
			res, err := t.Run(ctx)
			r := Report{Key: t.Key, Output: res.Path}
			switch {
			case err != nil:
				r = Report{Key: t.Key, Status: Failed, Err: &TaskError{Key: t.Key, Err: err}}
				if s.Policy == FailFast {
					first.Set(r.Err)
					stopOnce.Do(func() { close(stop) })
				}
			case res.Skipped:
				r.Status = SkippedDone
			default:
				r.Status = Done
			}
			events <- event{i, r}
		}
		return nil
	})
	close(events)
	events = nil
	<-done

	if s.Policy == FailFast {
		if err := first.Err(); err != nil {
			return reports, err
		}
	} else {
		errs := multierror.NewMultiError(len(tasks))
		for _, r := range reports {
			if r.Status == Failed {
				errs.Add(r.Err)
			}
		}
		if err := errs.Err(); err != nil {
			return reports, err
		}
	}
	for _, r := range reports {
		if r.Status == Pending {
			return reports, ctx.Err()
		}
	}
	return reports, nil
}

// RunAll executes tasks and returns the output path of every task that
// completed, keyed by partition key.  See Run for error semantics.
func (s Scheduler) RunAll(ctx context.Context, tasks []Task) (map[PartitionKey]string, error) {
	reports, err := s.Run(ctx, tasks)
	outputs := make(map[PartitionKey]string, len(reports))
	for _, r := range reports {
		if r.Status == Done || r.Status == SkippedDone {
			outputs[r.Key] = r.Output
		}
	}
	return outputs, err
}

func validate(tasks []Task) error {
	seen := make(map[PartitionKey]bool, len(tasks))
	for _, t := range tasks {
		if t.Key.IsZero() {
			return errors.E(errors.Invalid, "fanout: task without a partition key")
		}
		if t.Run == nil {
			return errors.E(errors.Invalid, "fanout: task without a run function:", t.Key.String())
		}
		if seen[t.Key] {
			return errors.E(errors.Invalid, "fanout: duplicate partition key", t.Key.String())
		}
		seen[t.Key] = true
	}
	return nil
}
