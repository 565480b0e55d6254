// Package cron runs named maintenance tasks on cron schedules.
//
// Schedules use the standard five-field syntax or descriptors such as
// "@every 30s" and "@hourly". A tick is skipped while the previous run of the
// same task is still active.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one unit of scheduled work. ctx ends when the scheduler stops.
type Task func(ctx context.Context) error

// Entry describes a registered task.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

type Scheduler struct {
	c      *cron.Cron
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]registered
	started bool
}

type registered struct {
	id       cron.EntryID
	schedule string
}

// ValidateSchedule reports whether expr is a schedule Add would accept.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func New(l *slog.Logger) *Scheduler {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "scheduler")
	cl := cronLogger{l}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]registered),
	}
}

// Add registers t under a unique name.
func (s *Scheduler) Add(name, schedule string, t Task) error {
	if name == "" {
		return errors.New("task requires a name")
	}
	if t == nil {
		return fmt.Errorf("task %s: nil func", name)
	}
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	id, err := s.c.AddFunc(schedule, func() { s.run(name, t) })
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	s.entries[name] = registered{id: id, schedule: schedule}
	return nil
}

func (s *Scheduler) run(name string, t Task) {
	start := time.Now()
	if err := t(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("task failed", "task", name, "error", err, "took", time.Since(start))
		return
	}
	s.log.Debug("task done", "task", name, "took", time.Since(start))
}

// Start begins firing schedules. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
}

// Stop cancels running tasks and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists registered tasks by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, r := range s.entries {
		e := s.c.Entry(r.id)
		out = append(out, Entry{Name: name, Schedule: r.schedule, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes the library's logging to slog. Its Info level fires on
// every tick, so it goes to Debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
