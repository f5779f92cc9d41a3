package restart

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrRestartInProgress is returned when a machine already has a restart in flight
var ErrRestartInProgress = errors.New("restart already in progress")

// FailureKind classifies a control-plane failure for retry handling
type FailureKind int

const (
	FailureOther          FailureKind = iota // Permanent for this operation, never retried
	FailureLockContention                    // Machine files still held by the control plane, retried
)

func (k FailureKind) String() string {
	switch k {
	case FailureLockContention:
		return "lock_contention"
	default:
		return "other"
	}
}

// lockIndicators are matched case-insensitively against control-plane output.
// vmrun reports held .lck files as "...is locked", "...busy" or "...in use".
var lockIndicators = []string{
	"locked",
	"busy",
	"in use",
}

// vmxPath matches a machine path vmrun echoes back in its errors
var vmxPath = regexp.MustCompile(`(?i)[^\s,;"']*\.vmx`)

// Classify determines the failure kind from control-plane output. It is the
// only place lock contention is recognised. The machine's identities (name,
// .vmx path) and any .vmx path are removed first, so a machine called
// "busybox" is not mistaken for a busy one.
func Classify(output string, identities ...string) FailureKind {
	lower := strings.ToLower(output)
	for _, id := range identities {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			lower = strings.ReplaceAll(lower, id, " ")
		}
	}
	lower = vmxPath.ReplaceAllString(lower, " ")
	for _, indicator := range lockIndicators {
		if strings.Contains(lower, indicator) {
			return FailureLockContention
		}
	}
	return FailureOther
}

// ControlError is a failed stop or start command
type ControlError struct {
	Op       string // "stop" or "start"
	Machine  string
	Kind     FailureKind
	Output   string
	TimedOut bool
	Err      error
}

// NewControlError builds a ControlError, classifying it from output with
// machine and identities masked. A timeout stays FailureOther unless the
// output itself reports a lock.
func NewControlError(op, machine, output string, timedOut bool, err error, identities ...string) *ControlError {
	return &ControlError{
		Op:       op,
		Machine:  machine,
		Kind:     Classify(output, append([]string{machine}, identities...)...),
		Output:   output,
		TimedOut: timedOut,
		Err:      err,
	}
}

// Error implements error interface
func (e *ControlError) Error() string {
	msg := fmt.Sprintf("%s %s failed (%s)", e.Op, e.Machine, e.Kind)
	if e.TimedOut {
		msg += " after timeout"
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ControlError) Unwrap() error {
	return e.Err
}

// IsLockContention reports whether err is a lock-contention control failure
func IsLockContention(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind == FailureLockContention
	}
	return false
}
