package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is a lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists all known statuses in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
//
//	pending -> running | failed
//	running -> completed | failed
//
// Terminal states have no outgoing transitions.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Sources returns all statuses from which a transition to s is allowed.
func (s Status) Sources() []Status {
	var ret []Status
	for _, from := range Statuses {
		if from.CanTransition(s) {
			ret = append(ret, from)
		}
	}
	return ret
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return st, nil
}

// Kind selects the interpreter strategy of a script.
type Kind string

const (
	// KindBatch runs the script as a single one-shot OS process.
	KindBatch Kind = "batch"
	// KindPowerShell feeds the script to a persistent PowerShell session.
	KindPowerShell Kind = "powershell"
	// KindBash feeds the script to a persistent bash session.
	KindBash Kind = "bash"
)

// Persistent reports whether the kind is driven through a long-lived session.
func (k Kind) Persistent() bool {
	return k == KindPowerShell || k == KindBash
}

// ParseKind maps script type names, including the historical aliases, to a Kind.
// Unknown names fall back to KindBatch.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ps1", "powershell", "pwsh":
		return KindPowerShell
	case "shell", "sh", "bash":
		return KindBash
	default:
		return KindBatch
	}
}

// Script is the read-only input needed to start a run.
type Script struct {
	ID   string
	Kind Kind
	Path string
}

// Run is one execution attempt of a script.
type Run struct {
	ID        string
	ScriptID  string
	Kind      Kind
	Status    Status
	StartTime time.Time
	EndTime   *time.Time // set iff Status is terminal
	Progress  int        // 0..100
	LogPath   string
	PID       *int
}

func (r Run) Terminal() bool {
	return r.Status.Terminal()
}

// Duration returns the run duration, or the time since start while running.
func (r Run) Duration() time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return time.Since(r.StartTime)
}

func (r Run) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %q, script_id: %q, kind: %s, status: %s, progress: %d",
		r.ID, r.ScriptID, r.Kind, r.Status, r.Progress)
	if r.PID != nil {
		fmt.Fprintf(&sb, ", pid: %d", *r.PID)
	}
	return sb.String()
}
