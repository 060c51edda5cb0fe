package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a queued task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

var allStates = []State{StateQueued, StateRunning, StateSucceeded, StateFailed}

// AllStates returns the ordered list of known task states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	for _, state := range allStates {
		if normalized == state {
			return normalized, true
		}
	}
	return "", false
}

// Task is one unit of stage work persisted in SQLite. Payload carries the
// JSON-encoded pipeline event that produced it.
type Task struct {
	ID           string
	Type         string
	Payload      []byte
	State        State
	Attempts     int
	MaxAttempts  int
	NextRunAt    time.Time
	LeaseSeconds int
	IdemKey      string
	LastError    string
	LeasedUntil  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Counts aggregates tasks per state for the status surfaces.
type Counts struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
}
