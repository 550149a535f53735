package monitor

import (
	"fmt"
	"time"

	"darklook/internal/profile"
)

// State is the loop state. Transitions: Idle -> Ticking on timer fire,
// Ticking -> Idle once the pass over the snapshot completes.
type State int32

const (
	StateIdle State = iota
	StateTicking
)

func (s State) String() string {
	if s == StateTicking {
		return "ticking"
	}
	return "idle"
}

// Outcome is the per-identity result of one tick.
type Outcome string

const (
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeChanged      Outcome = "changed"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeTransient    Outcome = "transient"
	OutcomeStoreFault   Outcome = "store_fault"
	OutcomeNotifyFailed Outcome = "notify_failed"
	// OutcomeRemoved: the row was deleted by its owner while the tick ran.
	OutcomeRemoved Outcome = "removed"
	// OutcomeSkipped: shutdown was requested before the identity was reached.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePanicked: processing the identity panicked; the rest of the
	// tick carries on.
	OutcomePanicked Outcome = "panicked"
)

// ErrorKind classifies identity failures for callers that report them.
type ErrorKind string

const (
	KindStoreFault         ErrorKind = "store_fault"
	KindDirectoryNotFound  ErrorKind = "directory_not_found"
	KindDirectoryTransient ErrorKind = "directory_transient"
	KindNotifyFailure      ErrorKind = "notify_failure"
	KindPanic              ErrorKind = "panic"
)

// IdentityError is a failure isolated to one tracked identity. Field is set
// for store faults while applying a specific delta.
type IdentityError struct {
	Kind   ErrorKind
	Owner  int64
	Target int64
	Field  profile.Field
	Err    error
}

func (e *IdentityError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: owner=%d target=%d field=%s: %v", e.Kind, e.Owner, e.Target, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: owner=%d target=%d: %v", e.Kind, e.Owner, e.Target, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Notice is the notification payload for one identity: every delta applied
// in the tick, in field order. Rendering belongs to the transport.
type Notice struct {
	TickID string
	Owner  int64
	Target int64
	Label  string
	Deltas []profile.FieldDelta
}

type IdentityResult struct {
	Owner   int64
	Target  int64
	Outcome Outcome
	// Applied counts deltas committed to the store.
	Applied int
}

// TickReport summarizes one pass.
type TickReport struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Identities int
	Changes    int
	Notified   int
	Counts     map[Outcome]int
	Results    []IdentityResult
	Errors     []*IdentityError
}

func (r TickReport) Count(o Outcome) int { return r.Counts[o] }
