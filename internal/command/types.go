package command

import (
	"errors"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// State is the lifecycle state of a command.
type State string

// Command states.
const (
	StateSent       State = "sent"
	StateConfirmed  State = "confirmed"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
	StateSuperseded State = "superseded"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateSent
}

// Domain-specific errors for command operations.
var (
	// ErrCommandTimeout is delivered with a failure when no report confirmed the command in time.
	ErrCommandTimeout = errors.New("command: not confirmed before timeout")

	// ErrClosed is returned by SetField after Close.
	ErrClosed = errors.New("command: dispatcher closed")

	// ErrNotFound is returned when no command has the given id.
	ErrNotFound = errors.New("command: not found")
)

// Command is a snapshot of one field write and its lifecycle.
type Command struct {
	ID         string       `json:"id"`
	DeviceID   string       `json:"device_id"`
	Field      shadow.Field `json:"field"`
	Value      int          `json:"value"`
	State      State        `json:"state"`
	Error      string       `json:"error,omitempty"`
	IssuedAt   time.Time    `json:"issued_at"`
	Deadline   time.Time    `json:"deadline"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

// Latency is the time from issue to resolution, or zero while pending.
func (c Command) Latency() time.Duration {
	if c.ResolvedAt.IsZero() {
		return 0
	}
	return c.ResolvedAt.Sub(c.IssuedAt)
}

// Failure is the signal emitted once for a command that timed out or
// could not be published.
type Failure struct {
	Command Command
	Err     error
}
