// Package status defines the job lifecycle states and their groupings.
package status

import (
	"encoding/json"
	"strings"

	"autosubmit/internal/apperrors"
)

// Status is the lifecycle state of a job. The zero value is Waiting.
type Status int

const (
	Waiting Status = iota
	Ready
	Queuing
	Submitted
	Held
	Running
	Completed
	Failed
	Suspended
	Skipped
	Unknown
)

var names = [...]string{
	Waiting:   "WAITING",
	Ready:     "READY",
	Queuing:   "QUEUING",
	Submitted: "SUBMITTED",
	Held:      "HELD",
	Running:   "RUNNING",
	Completed: "COMPLETED",
	Failed:    "FAILED",
	Suspended: "SUSPENDED",
	Skipped:   "SKIPPED",
	Unknown:   "UNKNOWN",
}

// All lists every status in declaration order.
func All() []Status {
	out := make([]Status, len(names))
	for i := range names {
		out[i] = Status(i)
	}
	return out
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s >= 0 && int(s) < len(names)
}

// Parse maps a case-insensitive status name to its Status.
func Parse(name string) (Status, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, candidate := range names {
		if candidate == n {
			return Status(i), nil
		}
	}
	return Unknown, apperrors.InvalidStatus(name)
}

// IsTerminal reports whether no further transition is expected without an
// operator action or an automatic retry.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Skipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job still needs to reach a terminal state.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// IsInQueue reports whether the job is held by a remote platform.
func (s Status) IsInQueue() bool {
	switch s {
	case Submitted, Queuing, Running, Held:
		return true
	default:
		return false
	}
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText lets statuses be used as TOML values and map keys.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
