// Package decision turns an event observation into a restart decision.
package decision

import (
	"github.com/brayalter/vmwatch/pkg/models"
)

// Action is what the monitor should do with a machine this cycle
type Action int

const (
	Skip Action = iota
	Restart
)

func (a Action) String() string {
	switch a {
	case Restart:
		return "restart"
	default:
		return "skip"
	}
}

// MarshalText renders the action by name
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Skip reasons. The first two come from Decide; the rest are produced by the
// monitor around it.
const (
	ReasonNoSignal          = "no signal"
	ReasonEventTooOld       = "event too old"
	ReasonObservationFailed = "observation failed"
	ReasonAlreadyRestarted  = "already restarted"
	ReasonRestartInProgress = "restart in progress"
	ReasonShuttingDown      = "shutting down"
)

// Decision is the outcome of Decide
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Restart reports whether the decision asks for a restart
func (d Decision) Restart() bool {
	return d.Action == Restart
}

func (d Decision) String() string {
	if d.Reason == "" {
		return d.Action.String()
	}
	return d.Action.String() + " (" + d.Reason + ")"
}

// SkipBecause builds a skip decision
func SkipBecause(reason string) Decision {
	return Decision{Action: Skip, Reason: reason}
}

// Decide is pure: no signal skips, an event older than MaxEventAge skips,
// anything else (including an age exactly at the threshold) restarts.
func Decide(obs models.EventObservation, policy models.RestartPolicy) Decision {
	age, ok := obs.Age()
	if !ok {
		return SkipBecause(ReasonNoSignal)
	}
	if age > policy.MaxEventAge {
		return SkipBecause(ReasonEventTooOld)
	}
	return Decision{Action: Restart}
}
