package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("reminder not found")
	ErrDuplicateID = errors.New("reminder id already exists")
	ErrClosed      = errors.New("store closed")
)

// Status is the lifecycle state of a reminder row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is one persisted reminder.
type Record struct {
	ID          string
	Owner       string
	ScheduledAt time.Time
	Content     string
	Status      Status
	Reason      string // last failure reason
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RangeQuery selects rows with ScheduledAt in [From, To] (both inclusive).
// Zero values mean "unbounded" / "any".
type RangeQuery struct {
	Owner    string
	From     time.Time
	To       time.Time
	Statuses []Status
}

func (q RangeQuery) match(r Record) bool {
	if q.Owner != "" && r.Owner != q.Owner {
		return false
	}
	if !q.From.IsZero() && r.ScheduledAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.ScheduledAt.After(q.To) {
		return false
	}
	return statusIn(r.Status, q.Statuses)
}

// Transition moves row ID to To only if its current status is one of From.
type Transition struct {
	ID     string
	From   []Status
	To     Status
	Reason string
	At     time.Time
}

func (t Transition) validate() error {
	if t.ID == "" {
		return errors.New("transition: empty id")
	}
	if len(t.From) == 0 {
		return errors.New("transition: no source status")
	}
	if !t.To.Valid() {
		return errors.New("transition: invalid target status " + string(t.To))
	}
	return nil
}

func statusIn(s Status, set []Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis
	Password string
	DB       int
	Prefix   string

	// Location renders the date/time columns and is applied to loaded rows.
	Location *time.Location
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}
