// Package link models a single decided (ability, agent, command) instance and
// its lifecycle status.
package link

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a link. It is a tagged enumeration
// internally; integer codes only appear at the JSON boundary (see Code).
type Status uint8

const (
	StatusPendingReview Status = iota + 1
	StatusPendingAddition
	StatusQueued
	StatusInProgress
	StatusSuccess
	StatusFailed
	StatusTimeout
	StatusDiscarded
	StatusUntrusted
)

// Wire codes consumed by the console.
const (
	CodePendingAddition = -5
	CodeUntrusted       = -4
	CodeExecute         = -3
	CodeDiscard         = -2
	CodePendingReview   = -1
	CodeSuccess         = 0
	CodeFailed          = 1
	CodeTimeout         = 124
)

var statusNames = map[Status]string{
	StatusPendingReview:   "pending_review",
	StatusPendingAddition: "pending_addition",
	StatusQueued:          "queued",
	StatusInProgress:      "in_progress",
	StatusSuccess:         "success",
	StatusFailed:          "failed",
	StatusTimeout:         "timeout",
	StatusDiscarded:       "discarded",
	StatusUntrusted:       "untrusted",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Code returns the integer wire value for s. Queued and in-progress links
// share -3; they are distinguished by the collect timestamp.
func (s Status) Code() int {
	switch s {
	case StatusPendingReview:
		return CodePendingReview
	case StatusPendingAddition:
		return CodePendingAddition
	case StatusQueued, StatusInProgress:
		return CodeExecute
	case StatusSuccess:
		return CodeSuccess
	case StatusFailed:
		return CodeFailed
	case StatusTimeout:
		return CodeTimeout
	case StatusDiscarded:
		return CodeDiscard
	case StatusUntrusted:
		return CodeUntrusted
	}
	return CodeExecute
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown link status %q", name)
}

// FromCode maps an operator-supplied wire code to a status. -3 maps to
// queued: operators approve, they never mark a link as collected.
func FromCode(code int) (Status, error) {
	switch code {
	case CodePendingReview:
		return StatusPendingReview, nil
	case CodePendingAddition:
		return StatusPendingAddition, nil
	case CodeExecute:
		return StatusQueued, nil
	case CodeSuccess:
		return StatusSuccess, nil
	case CodeFailed:
		return StatusFailed, nil
	case CodeTimeout:
		return StatusTimeout, nil
	case CodeDiscard:
		return StatusDiscarded, nil
	case CodeUntrusted:
		return StatusUntrusted, nil
	}
	return 0, fmt.Errorf("unknown link status code %d", code)
}

// FromExitCode maps an agent-reported status to a terminal link status.
func FromExitCode(code int) Status {
	switch code {
	case CodeSuccess:
		return StatusSuccess
	case CodeTimeout:
		return StatusTimeout
	}
	return StatusFailed
}

// Terminal reports whether s is final for the scheduler.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusDiscarded, StatusUntrusted:
		return true
	}
	return false
}

// Pending reports whether s is waiting for an operator or for dispatch.
func (s Status) Pending() bool {
	switch s {
	case StatusPendingReview, StatusPendingAddition, StatusQueued:
		return true
	}
	return false
}

// rank orders statuses for monotonic transitions.
func (s Status) rank() int {
	switch s {
	case StatusPendingReview, StatusPendingAddition:
		return 0
	case StatusQueued:
		return 1
	case StatusInProgress:
		return 2
	}
	return 3
}

// CanTransition reports whether from -> to is a forward transition. Terminal
// statuses never move without an explicit operator override.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusDiscarded || to == StatusUntrusted {
		return true
	}
	return to.rank() > from.rank()
}

// MarshalJSON writes the wire code.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Code())
}

// UnmarshalJSON reads a wire code.
func (s *Status) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return fmt.Errorf("decode link status: %w", err)
	}
	st, err := FromCode(code)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
