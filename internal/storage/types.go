package storage

import (
	"errors"
	"time"

	"darklook/internal/profile"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNoChange is returned by ApplyFieldChange when the row already holds
	// the new value; nothing is written.
	ErrNoChange = errors.New("storage: value already stored")
	// ErrFault marks I/O or consistency failures. Every such error returned by
	// a Store satisfies errors.Is(err, ErrFault).
	ErrFault = errors.New("storage fault")
)

// FaultError carries the failing operation name.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *FaultError) Unwrap() error { return e.Err }
func (e *FaultError) Is(target error) bool {
	return target == ErrFault
}

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FaultError
	if errors.As(err, &fe) {
		return err
	}
	return &FaultError{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "memory": private in-memory SQLite database, lost on Close
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// MergePolicy is the conflict rule UpsertTracked applies when the
// (owner, target) row already exists.
type MergePolicy int

const (
	// MergeLastWriteWins replaces the stored profile fields with the incoming
	// ones and refreshes last_checked_at. added_at is kept.
	MergeLastWriteWins MergePolicy = iota
	// MergeKeepExisting keeps the stored profile fields and only refreshes
	// last_checked_at.
	MergeKeepExisting
)

func (p MergePolicy) String() string {
	switch p {
	case MergeLastWriteWins:
		return "last_write_wins"
	case MergeKeepExisting:
		return "keep_existing"
	}
	return "unknown"
}

// AllOwners selects rows of every owner in ListTracked.
const AllOwners int64 = 0

type BotUser struct {
	ID           int64
	Username     string
	DisplayName  string
	FirstSeenAt  time.Time
	LastActiveAt time.Time
}

type TrackedIdentity struct {
	Owner         int64
	Target        int64
	Username      string
	FirstName     string
	LastName      string
	AddedAt       time.Time
	LastCheckedAt time.Time
}

// Profile returns the stored profile fields of the row.
func (t TrackedIdentity) Profile() profile.Profile {
	return profile.Profile{Username: t.Username, FirstName: t.FirstName, LastName: t.LastName}
}

type ChangeRecord struct {
	ID         int64
	Owner      int64
	Target     int64
	Field      profile.Field
	OldValue   string
	NewValue   string
	OccurredAt time.Time
}

type ActionLogEntry struct {
	ID         int64
	Actor      int64
	Kind       string
	Details    string
	OccurredAt time.Time
}

// ChangeFilter narrows ListChanges. Zero Owner/Target match everything.
type ChangeFilter struct {
	Owner  int64
	Target int64
	Limit  int
}

type Stats struct {
	BotUsers      int
	Tracked       int
	Owners        int
	Changes       int
	Actions       int
	LastChangeAt  time.Time
	LastActionAt  time.Time
	DatabaseBytes int64
}

type PruneResult struct {
	Changes int64
	Actions int64
	Dedup   int64
}

// TxStage names points inside ApplyFieldChange where a TxHook runs.
type TxStage string

const (
	StageAfterFieldUpdate TxStage = "after_field_update"
	StageBeforeCommit     TxStage = "before_commit"
)

// TxHook runs inside ApplyFieldChange; a non-nil error aborts and rolls back
// the transaction.
type TxHook func(stage TxStage) error
