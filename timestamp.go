package rpdispatch

import (
	"fmt"
	"regexp"
	"time"
)

// ParentTimeLayout is the layout the service uses for start times in error messages
const ParentTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// StartTimeOffset is added to the parent start time when correcting a child
const StartTimeOffset = 1000 // milliseconds

// The service wraps the quoted values in brackets in some versions.
var startTimeOrderPattern = regexp.MustCompile(
	`Start time of child \[?'(.+?)'\]? item should be same or later than start time \[?'(.+?)'\]? of the parent item/launch '.+'`,
)

// StartTimeViolation is a parsed "child started before parent" rejection message
type StartTimeViolation struct {
	Child      string
	ParentTime time.Time
}

// CorrectedStartTime returns the start time in epoch milliseconds the child should be sent with
func (v StartTimeViolation) CorrectedStartTime() int64 {
	return v.ParentTime.UnixMilli() + StartTimeOffset
}

// ParseStartTimeViolation extracts the child and parent start time from a service message.
// ok is false when the message is not a start time ordering rejection.
func ParseStartTimeViolation(message string) (v StartTimeViolation, ok bool, err error) {
	m := startTimeOrderPattern.FindStringSubmatch(message)
	if m == nil {
		return v, false, nil
	}

	parent, err := time.Parse(ParentTimeLayout, m[2])
	if err != nil {
		return v, true, fmt.Errorf("failed to parse parent start time %q: %w", m[2], err)
	}

	return StartTimeViolation{Child: m[1], ParentTime: parent}, true, nil
}
