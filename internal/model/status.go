package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of one action slot.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusFirst     Status = "first"
	StatusExecuting Status = "executing"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// ParseStatus maps a persisted or user supplied status string to a Status.
// Unknown values (including the empty string) fall back to idle.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusFirst:
		return StatusFirst
	case StatusExecuting:
		return StatusExecuting
	case StatusSuccess:
		return StatusSuccess
	case StatusError:
		return StatusError
	default:
		return StatusIdle
	}
}

// IsKnownStatus reports whether s is one of the five action statuses.
func IsKnownStatus(s string) bool {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusIdle, StatusFirst, StatusExecuting, StatusSuccess, StatusError:
		return true
	}
	return false
}

var terminalStatuses = map[Status]bool{
	StatusSuccess: true,
	StatusError:   true,
}

// Action status cycle: idle → first → executing → success|error → idle.
// Every status may abort back to idle.
var validActionTransitions = map[Status]map[Status]bool{
	StatusIdle: {
		StatusFirst: true,
	},
	StatusFirst: {
		StatusExecuting: true,
	},
	StatusExecuting: {
		StatusSuccess: true,
		StatusError:   true,
	},
	StatusSuccess: {},
	StatusError:   {},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateActionTransition(from, to Status) error {
	if to == StatusIdle {
		return nil
	}
	allowed, ok := validActionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid action transition: %q → %q", from, to)
	}
	return nil
}
