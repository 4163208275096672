package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"remindbot/internal/assistant"
	"remindbot/internal/config"
	"remindbot/internal/countdown"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	loc   *time.Location

	adapter kit.Adapter

	engine    *engine.Service
	sched     *scheduler.Service
	notif     *notifier.Service
	reg       *reminder.Registry
	disp      *dispatch.Dispatcher
	countdown *countdown.Service
	assistant *assistant.Service

	allowed atomic.Value // stores map[int64]struct{}; nil map allows every chat
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; the chat sink warns when its target is
	// unset, so boot with it off, set the target, then apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(mapLogTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	loc, err := loadLocation(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ccfg, err := mapCountdownConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineSvc := engine.New(engCfg, root, bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, root, bus)
	notifSvc := notifier.New(ncfg, ad, root, bus)

	reg := reminder.New(store,
		reminder.WithLogger(root),
		reminder.WithBus(bus),
		reminder.WithLocation(loc),
	)
	dopts := []dispatch.Option{
		dispatch.WithLogger(root),
		dispatch.WithBus(bus),
	}
	if cfg.Dispatch.Decorate {
		dopts = append(dopts, dispatch.WithFormatter(dispatch.FormatReminder))
	}
	disp := dispatch.New(dcfg, reg, notifSvc, schedSvc, dopts...)
	cd := countdown.New(ccfg, schedSvc, notifSvc,
		countdown.WithLogger(root),
		countdown.WithBus(bus),
		countdown.WithSendTimeout(dcfg.DeliveryTimeout),
	)

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		loc:       loc,
		adapter:   ad,
		engine:    engineSvc,
		sched:     schedSvc,
		notif:     notifSvc,
		reg:       reg,
		disp:      disp,
		countdown: cd,
		assistant: assistant.New(reg, disp, cd, root),
		updates:   make(chan kit.Update, 256),
	}
	a.allowed.Store(allowedChats(cfg))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCountdownConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg, a.loc)
		return err
	})

	a.engine.Start(c)
	a.sched.Start(c)
	if err := a.disp.Start(c); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	a.logSchedules()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.sup.Go("updates.handle", a.handleUpdates)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// debug only: task events fire on every sweep
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("timezone", a.loc.String()))
	return nil
}

func (a *App) handleUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			a.handleMessage(ctx, up.Message)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, m *kit.Message) {
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	if allowed, _ := a.allowed.Load().(map[int64]struct{}); allowed != nil {
		if _, ok := allowed[m.ChatID]; !ok {
			a.log.Debug("message from chat not allowed", logx.Int64("chat_id", m.ChatID))
			return
		}
	}
	owner := m.Target().String()
	reply := a.assistant.OnScheduleRequest(ctx, owner, m.Text, a.reg.Now())
	if reply == "" {
		return
	}
	if err := a.notif.Send(ctx, owner, reply); err != nil {
		a.log.Warn("reply failed", logx.String("owner", owner), logx.Err(err))
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		a.log.Warn("scheduler.timezone changed; restart required for reminders to use it")
	}

	// target first so Apply does not warn about a missing chat
	a.logs.SetChatTarget(mapLogTarget(newCfg))
	a.logs.Apply(mapLogConfig(newCfg))

	a.allowed.Store(allowedChats(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	prevSched := a.sched.Enabled()
	sc := mapSchedulerConfig(newCfg)
	// keep the timezone the registry was built with
	sc.Timezone = strings.TrimSpace(oldCfg.Scheduler.Timezone)
	a.sched.Apply(sc)
	switch {
	case prevSched && !sc.Enabled:
		a.log.Warn("scheduler disabled via config; reminders are held until it is enabled again")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(ctx, dc)
	}
	if cc, err := mapCountdownConfig(newCfg); err != nil {
		a.log.Warn("invalid countdown config; keeping previous", logx.Err(err))
	} else {
		a.countdown.Apply(cc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logSchedules() {
	snap := a.sched.Snapshot()
	for _, s := range snap.Schedules {
		a.log.Info("schedule registered",
			logx.String("name", s.Name),
			logx.String("spec", s.Spec),
			logx.Time("next", s.Next),
		)
	}
	a.log.Debug("one-shot timers armed", logx.Int("count", snap.OnceCount))
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel first so background loops start unwinding
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("dispatcher", time.Second, func(context.Context) error { a.disp.Stop(); return nil })
	step("countdown", time.Second, func(context.Context) error { a.countdown.Close(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
