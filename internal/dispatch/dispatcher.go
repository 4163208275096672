// Package dispatch turns due reminders into exactly one notification each.
//
// Two mechanisms feed the same delivery path:
//
//   - a periodic sweep that queries every Pending reminder inside the
//     tolerance window around now, and
//   - a one-shot timer per reminder that fires at its scheduled time.
//
// The sweep is the recovery path: timers are lost on restart and may be
// dropped under load, and the next sweep delivers whatever they missed.
// Duplicates between the two are impossible because every delivery first
// reserves the reminder with a conditional Pending -> Sent transition and
// only the winner sends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

const (
	SweepJobName   = "dispatch.sweep"
	oneShotPrefix  = "reminder:"
	restoreTimeout = 30 * time.Second
)

type Config struct {
	SweepInterval   time.Duration
	Tolerance       time.Duration
	DeliveryTimeout time.Duration
	// OneShot arms a precise timer per reminder in addition to the sweep.
	OneShot bool
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 120 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}

// Sender is the delivery channel. *notifier.Service satisfies it.
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// Triggers is the part of the trigger scheduler the dispatcher drives.
// *scheduler.Service satisfies it.
type Triggers interface {
	AddIntervalOpt(name string, every, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error)
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	started bool

	reg      *reminder.Registry
	sender   Sender
	triggers Triggers
	clock    clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
	format   func(reminder.Reminder) string

	tmu     sync.Mutex
	tracked map[string]struct{}
}

type Option func(*Dispatcher)

// WithClock overrides the clock used to decide what is due. It defaults to
// the registry's clock.
func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

// WithFormatter replaces the text sent for a reminder. The default sends
// Reminder.Content as-is.
func WithFormatter(fn func(reminder.Reminder) string) Option {
	return func(d *Dispatcher) { d.format = fn }
}

// New wires a dispatcher. triggers may be nil, in which case the caller is
// responsible for calling Sweep periodically and one-shots are disabled.
func New(cfg Config, reg *reminder.Registry, sender Sender, triggers Triggers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		sender:   sender,
		triggers: triggers,
		tracked:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.clock == nil {
		d.clock = clock.Func(reg.Now)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	if d.format == nil {
		d.format = func(r reminder.Reminder) string { return r.Content }
	}
	return d
}

// FormatReminder prefixes the content with the scheduled time. It is opt-in
// through WithFormatter; by default the content is sent unchanged.
func FormatReminder(r reminder.Reminder) string {
	return fmt.Sprintf("⏰ 提醒 %s\n%s", r.ScheduledAt.Format("01/02 15:04"), r.Content)
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) now() time.Time { return d.clock.Now().In(d.reg.Location()) }

// Start registers the sweep trigger and re-arms one-shots for reminders that
// are still in the future. It runs one sweep immediately so reminders that
// came due while the process was down go out without waiting a full interval,
// unless the trigger scheduler is paused.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	cfg := d.cfg
	d.mu.Unlock()

	if err := d.registerSweep(cfg); err != nil {
		return err
	}
	d.reportStale(ctx, cfg)
	if d.triggersPaused() {
		d.log.Info("scheduler disabled; startup sweep skipped")
	} else if _, err := d.Sweep(ctx); err != nil {
		d.log.Warn("startup sweep failed", logx.Err(err))
	}
	if cfg.OneShot {
		if n, err := d.Restore(ctx); err != nil {
			d.log.Warn("restore one-shots failed", logx.Err(err))
		} else {
			d.log.Info("one-shots restored", logx.Int("count", n))
		}
	}
	d.log.Info("dispatcher started",
		logx.Duration("sweep_interval", cfg.SweepInterval),
		logx.Duration("tolerance", cfg.Tolerance),
		logx.Bool("one_shot", cfg.OneShot),
	)
	return nil
}

// triggersPaused reports whether the trigger scheduler is switched off.
// Triggers without an Enabled method count as running.
func (d *Dispatcher) triggersPaused() bool {
	e, ok := d.triggers.(interface{ Enabled() bool })
	return ok && !e.Enabled()
}

// Stop removes the sweep trigger and every one-shot this dispatcher armed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	if d.triggers != nil {
		d.triggers.Remove(SweepJobName)
	}
	d.tmu.Lock()
	ids := make([]string, 0, len(d.tracked))
	for id := range d.tracked {
		ids = append(ids, id)
	}
	d.tmu.Unlock()
	for _, id := range ids {
		d.Untrack(id)
	}
	d.log.Info("dispatcher stopped")
}

// Apply swaps the config. A new sweep interval re-registers the trigger;
// turning one-shots off drops the armed timers and the sweep takes over.
func (d *Dispatcher) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	if prev.SweepInterval != cfg.SweepInterval || prev.Tolerance != cfg.Tolerance {
		if err := d.registerSweep(cfg); err != nil {
			d.log.Error("sweep re-register failed", logx.Err(err))
		}
	}
	switch {
	case prev.OneShot && !cfg.OneShot:
		d.tmu.Lock()
		ids := make([]string, 0, len(d.tracked))
		for id := range d.tracked {
			ids = append(ids, id)
		}
		d.tmu.Unlock()
		for _, id := range ids {
			d.Untrack(id)
		}
	case !prev.OneShot && cfg.OneShot:
		if _, err := d.Restore(ctx); err != nil {
			d.log.Warn("restore one-shots failed", logx.Err(err))
		}
	}
}

func (d *Dispatcher) registerSweep(cfg Config) error {
	if d.triggers == nil {
		return nil
	}
	// The sweep owns its own per-row timeouts; the job timeout only guards a
	// wedged store.
	timeout := cfg.SweepInterval + cfg.DeliveryTimeout
	_, err := d.triggers.AddIntervalOpt(SweepJobName, cfg.SweepInterval, timeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1},
		func(ctx context.Context) error {
			_, err := d.Sweep(ctx)
			return err
		})
	if err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	return nil
}

// reportStale logs Pending reminders that fell out of the tolerance window
// while the process was down. They are left untouched; Retry is manual.
func (d *Dispatcher) reportStale(ctx context.Context, cfg Config) {
	now := d.now()
	rows, err := d.reg.QueryRange(ctx, "", time.Time{}, now.Add(-cfg.Tolerance-time.Nanosecond), reminder.StatusPending)
	if err != nil {
		d.log.Warn("stale scan failed", logx.Err(err))
		return
	}
	if len(rows) > 0 {
		d.log.Warn("pending reminders outside tolerance window",
			logx.Int("count", len(rows)),
			logx.Time("oldest", rows[0].ScheduledAt),
		)
	}
}

// Track arms the one-shot timer for r. Reminders at or before now are left
// to the sweep.
func (d *Dispatcher) Track(r reminder.Reminder) {
	cfg := d.Config()
	if d.triggers == nil || !cfg.OneShot || r.Status != reminder.StatusPending {
		return
	}
	if !r.ScheduledAt.After(d.now()) {
		return
	}
	id := r.ID
	_, err := d.triggers.AddOnce(oneShotPrefix+id, r.ScheduledAt, cfg.DeliveryTimeout+5*time.Second,
		func(ctx context.Context) error {
			d.tmu.Lock()
			delete(d.tracked, id)
			d.tmu.Unlock()
			// never retried; a missed fire is picked up by the sweep
			return engine.NoRetry(d.Fire(ctx, id))
		})
	if err != nil {
		d.log.Warn("arm one-shot failed", logx.String("id", id), logx.Err(err))
		return
	}
	d.tmu.Lock()
	d.tracked[id] = struct{}{}
	d.tmu.Unlock()
}

// Untrack disarms the one-shot for id, if any.
func (d *Dispatcher) Untrack(id string) {
	d.tmu.Lock()
	_, ok := d.tracked[id]
	delete(d.tracked, id)
	d.tmu.Unlock()
	if ok && d.triggers != nil {
		d.triggers.Remove(oneShotPrefix + id)
	}
}

// Tracked reports whether a one-shot is armed for id.
func (d *Dispatcher) Tracked(id string) bool {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	_, ok := d.tracked[id]
	return ok
}

// Restore arms one-shots for every Pending reminder scheduled after now.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	rows, err := d.reg.Upcoming(ctx, d.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		d.Track(r)
		if d.Tracked(r.ID) {
			n++
		}
	}
	return n, nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Due     int
	Sent    int
	Skipped int
	Failed  int
}

// Sweep delivers every Pending reminder inside [now-tolerance, now+tolerance]
// in ScheduledAt order. A failing row never stops the others; the returned
// error is non-nil only when the due query itself failed.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	cfg := d.Config()
	now := d.now()
	due, err := d.reg.QueryDue(ctx, now, cfg.Tolerance)
	if err != nil {
		d.log.Error("due query failed", logx.Err(err))
		return SweepResult{}, err
	}
	res := SweepResult{Due: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		// errors are logged by Deliver and never stop the sweep
		out, _ := d.Deliver(ctx, r)
		switch out {
		case OutcomeSent:
			res.Sent++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}
	if res.Due > 0 {
		d.log.Info("sweep finished",
			logx.Int("due", res.Due),
			logx.Int("sent", res.Sent),
			logx.Int("skipped", res.Skipped),
			logx.Int("failed", res.Failed),
		)
	}
	eventbus.Publish(d.bus, eventbus.SweepFinished, res)
	return res, nil
}

// Fire is the one-shot path: it reloads the reminder and delivers it if it
// is still Pending.
func (d *Dispatcher) Fire(ctx context.Context, id string) error {
	r, err := d.reg.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		d.log.Debug("one-shot for unknown reminder", logx.String("id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != reminder.StatusPending {
		return nil
	}
	_, err = d.Deliver(ctx, r)
	return err
}

type Outcome int

const (
	OutcomeSent Outcome = iota
	// OutcomeSkipped: another actor already reserved or cancelled the reminder.
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Deliver reserves r and, only if the reservation wins, sends it. A failed
// send is recorded as Failed and returned as *reminder.DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, r reminder.Reminder) (Outcome, error) {
	log := d.log.With(logx.String("id", r.ID), logx.String("owner", r.Owner))
	ok, err := d.reg.TryMarkSent(ctx, r.ID)
	if err != nil {
		log.Warn("reserve failed", logx.Err(err))
		return OutcomeFailed, err
	}
	if !ok {
		log.Debug("reservation lost")
		eventbus.Publish(d.bus, eventbus.ReminderSkipped, r.ID)
		return OutcomeSkipped, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.Config().DeliveryTimeout)
	sendErr := d.sender.Send(sendCtx, r.Owner, d.format(r))
	cancel()
	if sendErr == nil {
		log.Info("reminder delivered", logx.Time("scheduled_at", r.ScheduledAt), logx.Duration("lag", d.now().Sub(r.ScheduledAt)))
		return OutcomeSent, nil
	}

	// The row is Sent but nothing went out; record the failure even if the
	// caller's context is already gone.
	if err := d.reg.MarkFailed(context.WithoutCancel(ctx), r.ID, sendErr.Error()); err != nil {
		log.Error("mark failed after send error", logx.Err(err), logx.String("send_err", sendErr.Error()))
	} else {
		log.Warn("reminder delivery failed", logx.Err(sendErr))
	}
	return OutcomeFailed, &reminder.DeliveryError{ID: r.ID, Owner: r.Owner, Err: sendErr}
}
