package rclone

import (
	"context"
	"time"

	"github.com/l3uddz/cloudplow/internal/process"
)

// Result is the outcome of one rclone invocation.
type Result struct {
	ExitCode int
	Delay    time.Duration
	Trigger  string
	Err      error
}

// Aborted means a sleep trigger (or exit code 7) ended the transfer. Both a delay and a
// trigger are required.
func (r Result) Aborted() bool {
	return r.Delay > 0 && r.Trigger != ""
}

func (r Result) Clean() bool {
	return r.Err == nil && !r.Aborted() && r.ExitCode == 0
}

// Failed is any other outcome: the process could not run or exited non-zero on its own.
func (r Result) Failed() bool {
	return !r.Clean() && !r.Aborted()
}

// Runner streams argv output into onLine, killing the process once onLine returns true.
type Runner func(ctx context.Context, argv []string, onLine func(string) bool) (int, error)

// ExecRunner runs rclone locally and logs its output.
func ExecRunner(ctx context.Context, argv []string, onLine func(string) bool) (int, error) {
	return process.Execute(ctx, argv, onLine, process.WithLogOutput())
}

// Transfer runs argv through run while tracker watches the output.
func Transfer(ctx context.Context, run Runner, argv []string, tracker *Tracker) Result {
	code, err := run(ctx, argv, tracker.Observe)
	res := tracker.Result(code)
	if err != nil && !res.Aborted() {
		res.Err = err
	}
	return res
}
