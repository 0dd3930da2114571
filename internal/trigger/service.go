package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"warden/internal/eventbus"
	"warden/internal/sched"
	"warden/pkg/logx"
)

const admitWarnThrottle = 5 * time.Second

// ErrNameEmpty is returned for trigger defs without a name.
var ErrNameEmpty = errors.New("trigger: name is empty")

func New(cfg Config, sink Sink, reg *Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		sink: sink,
		reg:  reg,
		// SecondOptional accepts both five-field and six-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastAdmitWarn: map[string]time.Time{},
	}
}

// Add registers a trigger, replacing any existing one with the same name.
// Schedule and action are resolved up front so bad wiring fails at startup,
// not at first fire.
func (s *Service) Add(def Def) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ErrNameEmpty
	}
	ps, err := ParseSchedule(def.Schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger: invalid cron expression %q: %w", spec, err)
	}
	def.Action = strings.TrimSpace(def.Action)
	if _, ok := s.reg.Lookup(def.Action); !ok {
		return fmt.Errorf("%w: %s", ErrActionUnknown, def.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(def.Name)
	s.defs = append(s.defs, triggerDef{def: def, ps: ps, spec: spec})
	if s.c != nil {
		if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.defs = s.defs[:len(s.defs)-1]
			return err
		}
	}
	args := []logx.Field{
		logx.String("trigger", def.Name),
		logx.String("spec", spec),
		logx.String("action", def.Action),
	}
	if next := s.previewLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("trigger registered", args...)
	return nil
}

// Remove drops the named trigger and reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("trigger removed", logx.String("trigger", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.def.Name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start builds the cron runner in the configured timezone and registers all
// definitions. A disabled service stays idle but keeps its definitions.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("triggers disabled")
		return
	}
	s.startLocked()
}

// Stop halts the cron runner, bounded by ctx. Definitions remain for a later
// Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.started = false
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// Apply hot-applies config. Once started, an enable flip or a timezone
// change rebuilds the cron runner with definitions intact.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	newTZ := strings.TrimSpace(cfg.Timezone)

	if !s.started {
		return
	}
	switch {
	case s.c == nil && cfg.Enabled:
		s.startLocked()
	case s.c != nil && !cfg.Enabled:
		s.haltLocked()
		s.log.Info("triggers disabled")
	case s.c != nil && oldTZ != newTZ:
		s.haltLocked()
		s.startLocked()
	}
}

// startLocked builds and starts the cron runner. Caller holds s.mu.
func (s *Service) startLocked() {
	loc := s.locationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("trigger register failed",
				logx.String("trigger", s.defs[i].def.Name),
				logx.String("spec", s.defs[i].spec),
				logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger service started",
		logx.String("tz", loc.String()),
		logx.Int("triggers", len(s.defs)))
}

// haltLocked tears the cron runner down, waiting out in-flight fires. Fires
// never take s.mu, so blocking here is safe. Caller holds s.mu.
func (s *Service) haltLocked() {
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// registerLocked wires one definition into the running cron. @every specs
// get a startup spread so restarts do not fire every interval trigger at
// once. Caller holds s.mu.
func (s *Service) registerLocked(d *triggerDef) error {
	// Copy for the closure: the defs slice reallocates on upsert.
	def := d.def
	job := cron.FuncJob(func() { s.fire(def) })

	if d.ps.Kind == SpecInterval {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		schedule, jitter := intervalScheduleWithSpread(d.ps.Every, time.Now().In(loc), def.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(schedule, job)
		return nil
	}
	d.spread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// fire admits one task for the trigger. Runs on the cron goroutine and must
// not take s.mu.
func (s *Service) fire(def Def) {
	act, ok := s.reg.Lookup(def.Action)
	if !ok {
		// The action vanished after registration.
		s.reportAdmitError(def.Name, fmt.Errorf("%w: %s", ErrActionUnknown, def.Action))
		return
	}

	id := "trigger." + def.Name
	if def.Overlap == OverlapAllow {
		id = fmt.Sprintf("trigger.%s.%s", def.Name, uuid.NewString())
	}
	err := s.sink.Add(sched.Task{
		ID:          id,
		Action:      act,
		Priority:    def.Priority,
		Retries:     def.Retries,
		MaxExecTime: def.MaxExecTime,
	})
	switch {
	case err == nil:
		s.publish("trigger.fired", TriggerEvent{Name: def.Name, Action: def.Action, Task: id})
		s.log.Debug("trigger fired", logx.String("trigger", def.Name), logx.String("task", id))
	case errors.Is(err, sched.ErrTaskExists) && def.Overlap == OverlapSkip:
		// Previous run still live; normal under OverlapSkip.
		s.publish("trigger.skipped", TriggerEvent{Name: def.Name, Task: id})
		s.log.Debug("trigger skipped", logx.String("trigger", def.Name))
	default:
		s.publish("trigger.failed", TriggerEvent{Name: def.Name, Error: err.Error()})
		s.reportAdmitError(def.Name, err)
	}
}

// reportAdmitError warns about admit failures at most once per trigger per
// throttle window. Queue-full bursts would otherwise flood the log.
func (s *Service) reportAdmitError(name string, err error) {
	now := time.Now()
	s.admitMu.Lock()
	last := s.lastAdmitWarn[name]
	if !last.IsZero() && now.Sub(last) < admitWarnThrottle {
		s.admitMu.Unlock()
		return
	}
	s.lastAdmitWarn[name] = now
	s.admitMu.Unlock()
	s.log.Warn("trigger failed to admit task", logx.String("trigger", name), logx.Err(err))
}

// Snapshot reports every registered trigger with its next and previous fire
// times when the runner is live.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
	}
	loc := s.loc
	c := s.c
	defs := make([]triggerDef, len(s.defs))
	copy(defs, s.defs)
	s.mu.Unlock()

	if snap.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	snap.Triggers = make([]TriggerInfo, 0, len(defs))
	for _, d := range defs {
		info := TriggerInfo{
			Name:     d.def.Name,
			Schedule: d.spec,
			Action:   d.def.Action,
			Spread:   d.spread,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		snap.Triggers = append(snap.Triggers, info)
	}
	return snap
}

// previewLocked renders the next n fire times for debug logs. Caller holds
// s.mu.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sc, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.locationLocked()
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sc.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(kind string, ev TriggerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: kind, At: time.Now(), Data: ev})
}
