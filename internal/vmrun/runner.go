package vmrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
)

// Runner executes one vmrun invocation and returns its combined output
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError is a vmrun invocation that exited non-zero, timed out or
// could not be started
type CommandError struct {
	Command  string // vmrun subcommand, e.g. "start"
	Output   string
	TimedOut bool
	Err      error
}

// Error implements error interface
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("vmrun %s", e.Command)
	if e.TimedOut {
		msg += " timed out"
	} else {
		msg += " failed"
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the real vmrun binary. Every invocation is bounded by
// Timeout.
type ExecRunner struct {
	Path    string
	Timeout time.Duration
	Logger  *logging.Logger
}

// Run executes vmrun with args
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	if r.Logger != nil {
		r.Logger.Debug("Executing vmrun", map[string]interface{}{"args": redact(args)})
	}

	cmd := exec.CommandContext(ctx, r.Path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second // children holding the output pipe

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err == nil {
		return output, nil
	}

	cerr := &CommandError{Command: subcommand(args), Output: output, Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cerr.TimedOut = true
		cerr.Err = context.DeadlineExceeded
	}
	return output, cerr
}

// subcommand returns the first argument that is not a global flag or its value
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-T", "-h", "-P", "-gu", "-gp", "-vp":
			i++
		default:
			return args[i]
		}
	}
	return ""
}

// redact hides guest and encryption passwords for logging
func redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "-gp" || out[i] == "-vp" || out[i] == "-P" {
			out[i+1] = "****"
		}
	}
	return out
}
