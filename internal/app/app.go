package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/diag"
	"warden/internal/eventbus"
	"warden/internal/journal"
	"warden/internal/runtime/group"
	"warden/internal/supervisor"
	"warden/internal/trigger"
	"warden/pkg/logx"
)

// StopReason tags shutdown log lines with what initiated the stop.
type StopReason string

const (
	StopSignal   StopReason = "signal"
	StopFatal    StopReason = "fatal_error"
	StopShutdown StopReason = "shutdown"
)

// App wires the runtime together: config manager, logging, event bus,
// journal, the supervisor (which owns the scheduler), the trigger service,
// and the diagnostic listener.
type App struct {
	cfgPath string

	cfgm *config.Manager
	grp  *group.Group

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store journal.Store
	rec   *journal.Recorder

	sup  *supervisor.Supervisor
	reg  *trigger.Registry
	trig *trigger.Service
	diag *diag.Service

	startedAt time.Time

	// cfgTriggers tracks trigger names sourced from the config file so a
	// reload can retire the ones that vanished without touching built-ins.
	// Touched only by Start and the reload goroutine, never concurrently.
	cfgTriggers map[string]bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging service mapping
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Journal (optional)
	var store journal.Store
	jc, enabled, err := mapJournalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := journal.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}
	rec := journal.NewRecorder(jc, store, log.With(logx.String("comp", "journal")), bus)

	supCfg, err := mapSupervisorConfig(cfg)
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(supCfg, log.With(logx.String("comp", "supervisor")), bus)

	reg := trigger.NewRegistry()
	trig := trigger.New(mapTriggerConfig(cfg), sup.Scheduler(), reg,
		log.With(logx.String("comp", "trigger")), bus)

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		rec:         rec,
		sup:         sup,
		reg:         reg,
		trig:        trig,
		cfgTriggers: map[string]bool{},
	}

	// Diag last: its status document and exit report close over the app.
	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.diag = diag.New(dc, log.With(logx.String("comp", "diag")),
		diag.WithStatus(a.statusDoc),
		diag.WithOnExit(func(err error) { a.sup.ReportExit("diag", err) }),
	)
	if err := a.sup.AddChild(a.diag); err != nil {
		return nil, err
	}

	if err := a.registerActions(jc); err != nil {
		return nil, err
	}
	// Bad trigger definitions are fatal at boot; on hot reload they only
	// keep the previous set.
	if _, err := mapTriggerDefs(cfg, a.reg); err != nil {
		return nil, err
	}
	return a, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.grp == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.grp.Context().Done()
}

// Err returns the first fatal error observed by the run group (if any).
func (a *App) Err() error {
	if a.grp == nil {
		return nil
	}
	return a.grp.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.grp = group.New(ctx, group.WithLogger(a.log), group.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	cfg := a.cfgm.Get()

	// Recorder first so startup lifecycle events land in the journal.
	a.rec.Start(a.grp.Context())

	if err := a.sup.Start(a.grp.Context()); err != nil {
		// Start failures feed the restart machinery; the app stays up.
		a.log.Warn("some children failed to start", logx.Err(err))
	}

	a.addBuiltinTriggers(cfg)
	a.applyTriggerDefs(cfg)
	a.trig.Start(a.grp.Context())

	// Debug-level event mirror. Components subscribe themselves for real
	// work; this exists so a DEBUG log captures the full event stream.
	events, unsub := a.bus.Subscribe(128)
	a.grp.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("kind", e.Kind), logx.Time("time", e.At))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.grp.Go0("config.reload", func(c context.Context) {
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
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.grp.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	notifyReady(a.log)

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies one validated config snapshot. Sections that can
// change live are pushed into their components; the journal driver cannot be
// swapped at runtime and only logs that a restart is needed.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "journal" {
			a.log.Warn("journal config changed; restart required for changes to take effect")
			break
		}
	}

	// apply logging updates
	a.logs.Apply(mapLoggingConfig(next))

	// supervisor + scheduler knobs (live)
	if supCfg, err := mapSupervisorConfig(next); err != nil {
		a.log.Warn("invalid supervisor config; keeping previous", logx.Err(err))
	} else {
		a.sup.Apply(supCfg)
	}

	// trigger service knobs, then reconcile definitions
	a.trig.Apply(mapTriggerConfig(next))
	a.applyTriggerDefs(next)

	// diag listener (bounces itself when the bind or auth setup changed)
	if dc, err := mapDiagConfig(next); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Apply(ctx, dc)
	}

	a.log.Info("config reloaded", fields...)
}

// validateConfig rejects bad hot-reloads before they are committed. It runs
// structural validation first, then dry-runs the section mappings so a bad
// duration or trigger definition never reaches a component.
func (a *App) validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapSupervisorConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTriggerDefs(cfg, a.reg); err != nil {
		return err
	}
	if _, _, err := mapJournalConfig(cfg); err != nil {
		return err
	}
	if cfg.Journal != nil && strings.TrimSpace(cfg.Journal.PruneSchedule) != "" {
		if _, err := trigger.ParseSchedule(cfg.Journal.PruneSchedule); err != nil {
			return fmt.Errorf("journal.prune_schedule: %w", err)
		}
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	return nil
}

// addBuiltinTriggers registers maintenance triggers that ship with the
// daemon. A config-declared trigger with the same name replaces the built-in.
func (a *App) addBuiltinTriggers(cfg *config.Config) {
	if a.store == nil {
		return
	}
	spec := "@daily"
	if cfg != nil && cfg.Journal != nil && strings.TrimSpace(cfg.Journal.PruneSchedule) != "" {
		spec = cfg.Journal.PruneSchedule
	}
	def := trigger.Def{Name: "journal.prune", Schedule: spec, Action: "journal.prune"}
	if err := a.trig.Add(def); err != nil {
		a.log.Warn("journal prune trigger rejected", logx.String("spec", spec), logx.Err(err))
	}
}

// applyTriggerDefs reconciles config-declared triggers with the service:
// current definitions are upserted and ones that vanished from the file are
// retired. Built-in triggers are left alone.
func (a *App) applyTriggerDefs(cfg *config.Config) {
	defs, err := mapTriggerDefs(cfg, a.reg)
	if err != nil {
		a.log.Warn("invalid trigger definitions; keeping previous", logx.Err(err))
		return
	}
	desired := make(map[string]bool, len(defs))
	for _, d := range defs {
		desired[d.Name] = true
	}
	for name := range a.cfgTriggers {
		if !desired[name] {
			a.trig.Remove(name)
			delete(a.cfgTriggers, name)
		}
	}
	for _, d := range defs {
		if err := a.trig.Add(d); err != nil {
			a.log.Warn("trigger rejected", logx.String("trigger", d.Name), logx.Err(err))
			continue
		}
		a.cfgTriggers[d.Name] = true
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.grp == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Cancel the run context first so background loops start unwinding.
	a.grp.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so nothing new is admitted, then the supervisor cascade
	// (children plus its owned scheduler), then drain the journal queue.
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { a.sup.Stop(c); return nil })
	step("journal", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("journal.store", 1*time.Second, func(c context.Context) error {
		st := a.store
		a.store = nil
		if st != nil {
			return st.Close()
		}
		return nil
	})

	// Finally, wait for the background goroutines (config watch/reload,
	// event mirror, watchdog).
	step("background", 2*time.Second, func(c context.Context) error { return a.grp.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// statusDoc composes the document served at /statusz.
func (a *App) statusDoc() any {
	doc := struct {
		Service    string                   `json:"service"`
		StartedAt  time.Time                `json:"started_at"`
		Uptime     string                   `json:"uptime,omitempty"`
		Supervisor supervisor.Snapshot      `json:"supervisor"`
		Triggers   trigger.Snapshot         `json:"triggers"`
		Journal    journal.RecorderSnapshot `json:"journal"`
		Recent     []journal.Entry          `json:"recent,omitempty"`
		Goroutines group.Counters           `json:"goroutines"`
	}{
		Service:    "warden",
		StartedAt:  a.startedAt,
		Supervisor: a.sup.Snapshot(),
		Triggers:   a.trig.Snapshot(),
		Journal:    a.rec.Snapshot(),
		Recent:     a.rec.Recent(32),
		Goroutines: a.grp.Counters(),
	}
	if !a.startedAt.IsZero() {
		doc.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	return doc
}
