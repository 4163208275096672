// Package reminder owns the reminder lifecycle:
//
//	Pending -> Sent | Failed | Cancelled
//	Failed  -> Pending   (manual Retry only)
//
// Every status change is a conditional transition in the store, so two
// actors racing on the same reminder can never both win.
package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type (
	Reminder = storage.Record
	Status   = storage.Status
)

const (
	StatusPending   = storage.StatusPending
	StatusSent      = storage.StatusSent
	StatusFailed    = storage.StatusFailed
	StatusCancelled = storage.StatusCancelled
)

type Registry struct {
	store storage.Store
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	loc   *time.Location
	newID func() string
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithLogger(l logx.Logger) Option { return func(r *Registry) { r.log = l } }

func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

// WithLocation sets the service timezone applied to scheduled times.
func WithLocation(loc *time.Location) Option { return func(r *Registry) { r.loc = loc } }

func WithIDGenerator(fn func() string) Option { return func(r *Registry) { r.newID = fn } }

func New(store storage.Store, opts ...Option) *Registry {
	r := &Registry{store: store}
	for _, o := range opts {
		o(r)
	}
	r.clock = clock.OrReal(r.clock)
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "reminder"))
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

func (r *Registry) Now() time.Time { return r.clock.Now().In(r.loc) }

func (r *Registry) Location() *time.Location { return r.loc }

// Create stores a Pending reminder. It fails with *PastTimeError when at is
// not strictly after now (no row is written) and with *StoreWriteError when
// the store is unavailable.
func (r *Registry) Create(ctx context.Context, owner string, at time.Time, content string) (Reminder, error) {
	owner = strings.TrimSpace(owner)
	content = strings.TrimSpace(content)
	if owner == "" || content == "" {
		return Reminder{}, ErrInvalidReminder
	}
	now := r.Now()
	if !at.After(now) {
		return Reminder{}, &PastTimeError{At: at, Now: now}
	}
	rem := Reminder{
		ID:          r.newID(),
		Owner:       owner,
		ScheduledAt: at.In(r.loc),
		Content:     content,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Insert(ctx, rem); err != nil {
		return Reminder{}, &StoreWriteError{Op: "create", Err: err}
	}
	r.log.Info("reminder created",
		logx.String("id", rem.ID),
		logx.String("owner", owner),
		logx.Time("scheduled_at", rem.ScheduledAt),
	)
	eventbus.Publish(r.bus, eventbus.ReminderCreated, rem)
	return rem, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Reminder, error) {
	rem, err := r.store.Get(ctx, id)
	return rem, wrapStore("get", err)
}

// FindByPrefix resolves the short id shown to users. owner restricts the search
// so one chat cannot touch another chat's reminders.
func (r *Registry) FindByPrefix(ctx context.Context, owner, prefix string) (Reminder, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return Reminder{}, ErrNotFound
	}
	rows, err := r.store.Range(ctx, storage.RangeQuery{Owner: owner})
	if err != nil {
		return Reminder{}, wrapStore("find", err)
	}
	var found []Reminder
	for _, row := range rows {
		if strings.HasPrefix(strings.ToLower(row.ID), prefix) {
			found = append(found, row)
		}
	}
	switch len(found) {
	case 0:
		return Reminder{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Reminder{}, fmt.Errorf("%w: %q", ErrAmbiguousID, prefix)
	}
}

// QueryRange lists reminders with ScheduledAt in [start, end], ascending.
// Empty owner means every owner; no statuses means every status.
func (r *Registry) QueryRange(ctx context.Context, owner string, start, end time.Time, statuses ...Status) ([]Reminder, error) {
	rows, err := r.store.Range(ctx, storage.RangeQuery{Owner: owner, From: start, To: end, Statuses: statuses})
	return rows, wrapStore("range", err)
}

// QueryDue lists Pending reminders scheduled within [now-tolerance, now+tolerance], ascending.
func (r *Registry) QueryDue(ctx context.Context, now time.Time, tolerance time.Duration) ([]Reminder, error) {
	if tolerance < 0 {
		tolerance = 0
	}
	rows, err := r.store.Range(ctx, storage.RangeQuery{
		From:     now.Add(-tolerance),
		To:       now.Add(tolerance),
		Statuses: []Status{StatusPending},
	})
	return rows, wrapStore("due", err)
}

// Upcoming lists Pending reminders scheduled after now.
func (r *Registry) Upcoming(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := r.store.Range(ctx, storage.RangeQuery{From: now, Statuses: []Status{StatusPending}})
	return rows, wrapStore("upcoming", err)
}

// TryMarkSent reserves a reminder for delivery. Exactly one concurrent caller
// gets true; everyone else gets false with a nil error.
func (r *Registry) TryMarkSent(ctx context.Context, id string) (bool, error) {
	ok, err := r.transition(ctx, "mark_sent", id, []Status{StatusPending}, StatusSent, "")
	if ok {
		eventbus.Publish(r.bus, eventbus.ReminderSent, id)
	}
	return ok, err
}

// MarkFailed records a delivery failure. It accepts Pending (failure before
// reservation) and Sent (compensation after a reserved send failed).
func (r *Registry) MarkFailed(ctx context.Context, id, reason string) error {
	ok, err := r.transition(ctx, "mark_failed", id, []Status{StatusPending, StatusSent}, StatusFailed, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot become failed", ErrInvalidTransition, id)
	}
	r.log.Warn("reminder failed", logx.String("id", id), logx.String("reason", reason))
	eventbus.Publish(r.bus, eventbus.ReminderFailed, id)
	return nil
}

// Cancel stops a Pending reminder. Losing a race with a delivery is (false, nil).
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := r.transition(ctx, "cancel", id, []Status{StatusPending}, StatusCancelled, "")
	if ok {
		eventbus.Publish(r.bus, eventbus.ReminderCancelled, id)
	}
	return ok, err
}

// Retry moves a Failed reminder back to Pending. It is never called automatically.
func (r *Registry) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := r.transition(ctx, "retry", id, []Status{StatusFailed}, StatusPending, "")
	if ok {
		r.log.Info("reminder retried", logx.String("id", id))
		eventbus.Publish(r.bus, eventbus.ReminderRetried, id)
	}
	return ok, err
}

func (r *Registry) transition(ctx context.Context, op, id string, from []Status, to Status, reason string) (bool, error) {
	ok, err := r.store.Transition(ctx, storage.Transition{
		ID:     id,
		From:   from,
		To:     to,
		Reason: reason,
		At:     r.Now(),
	})
	if err != nil {
		return false, wrapStore(op, err)
	}
	return ok, nil
}
