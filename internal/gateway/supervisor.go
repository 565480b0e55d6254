package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomhay/moltworker/internal/history"
	"github.com/tomhay/moltworker/internal/metrics"
	"github.com/tomhay/moltworker/internal/probe"
	"github.com/tomhay/moltworker/internal/process"
)

const (
	DefaultStartupTimeout = 3 * time.Minute
	DefaultVerifyTimeout  = 3 * time.Minute
	DefaultStatusTimeout  = 5 * time.Second
)

// Config describes the single gateway instance the Supervisor keeps alive.
type Config struct {
	Command string
	Port    int
	// Env is forwarded opaquely to the runtime on every launch.
	Env map[string]string
	// StartupTimeout bounds the wait for a freshly launched process's port.
	StartupTimeout time.Duration
	// VerifyTimeout bounds the TCP stage when verifying a discovered process.
	// It must tolerate a process that a concurrent caller has just started.
	VerifyTimeout time.Duration
	// StatusTimeout bounds the probe used by Status.
	StatusTimeout time.Duration
	Matcher       Matcher
	// SingleFlight collapses concurrent Ensure calls into one procedure.
	SingleFlight bool
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if len(c.Matcher.Include) == 0 {
		c.Matcher.Include = []string{c.Command}
	}
	return c
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, proc process.Info, port int, timeout time.Duration) probe.Result
}

// Supervisor keeps exactly one verified gateway process running. It holds no
// process reference between calls; every call re-discovers from the runtime.
type Supervisor struct {
	rt     process.Runtime
	prober Prober
	cfg    Config

	mu   sync.RWMutex
	log  *slog.Logger
	hist *history.Recorder

	group singleflight.Group
}

func New(rt process.Runtime, prober Prober, cfg Config) *Supervisor {
	s := &Supervisor{
		rt:     rt,
		prober: prober,
		cfg:    cfg.withDefaults(),
		log:    slog.Default().With("component", "supervisor"),
	}
	return s
}

func (s *Supervisor) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.log = l.With("component", "supervisor")
	s.mu.Unlock()
	if !s.cfg.Matcher.MatchCommand(s.cfg.Command) {
		l.Warn("gateway command does not match the discovery patterns; running instances will never be reused",
			"command", s.cfg.Command, "include", s.cfg.Matcher.Include, "exclude", s.cfg.Matcher.Exclude)
	}
}

// SetHistory configures where lifecycle decisions are recorded. nil disables.
func (s *Supervisor) SetHistory(r *history.Recorder) {
	s.mu.Lock()
	s.hist = r
	s.mu.Unlock()
}

func (s *Supervisor) Config() Config { return s.cfg }

func (s *Supervisor) logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

func (s *Supervisor) record(t history.EventType, p process.Info, reason string, err error) {
	s.mu.RLock()
	h := s.hist
	s.mu.RUnlock()
	if h == nil {
		return
	}
	e := history.Event{Type: t, ProcessID: p.ID, PID: p.PID, Command: p.Command, Reason: reason}
	if err != nil {
		e.Error = err.Error()
	}
	h.Record(e)
}

// Ensure returns a verified gateway, launching one if needed. When ctx ends
// first the caller gets ctx.Err() while the procedure keeps running.
func (s *Supervisor) Ensure(ctx context.Context) (process.Info, error) {
	select {
	case r := <-s.start():
		if r.Err != nil {
			return process.Info{}, r.Err
		}
		return r.Val.(process.Info), nil
	case <-ctx.Done():
		return process.Info{}, ctx.Err()
	}
}

// EnsureBackground triggers Ensure without waiting for the result.
func (s *Supervisor) EnsureBackground() {
	ch := s.start()
	go func() {
		if r := <-ch; r.Err != nil {
			s.logger().Error("background gateway start failed", "error", r.Err)
		}
	}()
}

const ensureKey = "ensure"

func (s *Supervisor) start() <-chan singleflight.Result {
	if s.cfg.SingleFlight {
		return s.group.DoChan(ensureKey, s.runEnsure)
	}
	ch := make(chan singleflight.Result, 1)
	go func() {
		v, err := s.runEnsure()
		ch <- singleflight.Result{Val: v, Err: err}
	}()
	return ch
}

func (s *Supervisor) runEnsure() (any, error) {
	begin := time.Now()
	p, outcome, err := s.ensure(context.Background())
	metrics.ObserveEnsure(outcome, time.Since(begin).Seconds())
	return p, err
}

func (s *Supervisor) ensure(ctx context.Context) (process.Info, string, error) {
	log := s.logger()

	if p, ok := s.discover(ctx); ok {
		res := s.prober.Probe(ctx, p, s.cfg.Port, s.cfg.VerifyTimeout)
		if res.Reachability == probe.Verified {
			s.killOthers(ctx, p.ID, "duplicate")
			return p, "reused", nil
		}
		kind := KindUnreachable
		if res.Reachability == probe.LoopbackOnly {
			kind = KindLoopbackOnly
		}
		log.Warn("existing gateway failed verification, replacing it",
			"id", p.ID, "pid", p.PID, "kind", kind.String(), "error", res.Err)
		s.kill(ctx, p, kind.String())
	}

	p, err := s.launch(ctx)
	if err != nil {
		s.record(history.EventFailure, p, kindOf(err), err)
		var se *StartupError
		if errors.As(err, &se) {
			log.Error("gateway launch failed", "kind", se.Kind.String(), "id", se.ProcessID,
				"error", se.Error(), "stderr", se.Details())
		}
		return process.Info{}, "failed", err
	}
	return p, "launched", nil
}

// discover returns the oldest active process matching the gateway patterns.
// Listing failures are logged and read as "none found".
func (s *Supervisor) discover(ctx context.Context) (process.Info, bool) {
	procs := s.list(ctx)
	for _, p := range procs {
		if s.cfg.Matcher.Match(p) {
			return p, true
		}
	}
	return process.Info{}, false
}

func (s *Supervisor) list(ctx context.Context) []process.Info {
	procs, err := s.rt.List(ctx)
	if err != nil {
		s.logger().Warn("listing processes failed", "kind", KindDiscovery.String(), "error", err)
		return nil
	}
	return procs
}

func (s *Supervisor) launch(ctx context.Context) (process.Info, error) {
	log := s.logger()
	s.killOthers(ctx, "", "duplicate")

	p, err := s.rt.Start(ctx, s.cfg.Command, s.cfg.Env)
	if err != nil {
		return process.Info{Command: s.cfg.Command}, &StartupError{
			Kind:    KindLaunchFailed,
			Message: "failed to start gateway",
			Err:     err,
		}
	}
	metrics.IncLaunch()
	s.record(history.EventLaunch, p, "", nil)
	log.Info("gateway launched", "id", p.ID, "pid", p.PID, "command", p.Command)

	if err := s.rt.WaitForPort(ctx, p.ID, s.cfg.Port, s.cfg.StartupTimeout); err != nil {
		se := &StartupError{
			Kind:      KindLaunchTimeout,
			ProcessID: p.ID,
			Message:   fmt.Sprintf("gateway did not open port %d within %s", s.cfg.Port, s.cfg.StartupTimeout),
			Err:       err,
		}
		s.attachLogs(ctx, se)
		return p, se
	}

	res := s.prober.Probe(ctx, p, s.cfg.Port, s.cfg.VerifyTimeout)
	if res.Reachability != probe.Verified {
		se := &StartupError{
			Kind:      KindLaunchUnreachable,
			ProcessID: p.ID,
			Message:   fmt.Sprintf("gateway started but is not reachable on port %d (%s)", s.cfg.Port, res.Reachability),
			Err:       res.Err,
		}
		s.attachLogs(ctx, se)
		return p, se
	}
	s.record(history.EventVerified, p, "", nil)
	log.Info("gateway verified", "id", p.ID, "pid", p.PID)
	return p, nil
}

func (s *Supervisor) attachLogs(ctx context.Context, se *StartupError) {
	logs, err := s.rt.Logs(ctx, se.ProcessID)
	if err != nil {
		s.logger().Warn("fetching gateway logs failed", "id", se.ProcessID, "error", err)
		return
	}
	se.Stdout, se.Stderr = logs.Stdout, logs.Stderr
}

// killOthers kills every active gateway instance except keep.
func (s *Supervisor) killOthers(ctx context.Context, keep, reason string) int {
	n := 0
	for _, p := range s.list(ctx) {
		if p.ID == keep || !s.cfg.Matcher.Match(p) {
			continue
		}
		s.kill(ctx, p, reason)
		n++
	}
	return n
}

// kill is best-effort: failures are logged and never returned.
func (s *Supervisor) kill(ctx context.Context, p process.Info, reason string) {
	if err := s.rt.Kill(ctx, p.ID); err != nil {
		s.logger().Warn("killing gateway failed", "kind", KindKill.String(), "id", p.ID, "pid", p.PID, "reason", reason, "error", err)
		return
	}
	metrics.IncKill(reason)
	s.record(history.EventKill, p, reason, nil)
	s.logger().Info("gateway killed", "id", p.ID, "pid", p.PID, "reason", reason)
}

// Restart kills every gateway instance and starts a fresh one in the background.
func (s *Supervisor) Restart(ctx context.Context) int {
	n := s.killOthers(ctx, "", "restart")
	s.EnsureBackground()
	return n
}

// Stop kills every gateway instance without relaunching.
func (s *Supervisor) Stop(ctx context.Context) int {
	return s.killOthers(ctx, "", "shutdown")
}

// Find runs discovery only.
func (s *Supervisor) Find(ctx context.Context) (process.Info, bool) {
	return s.discover(ctx)
}

// CurrentPID returns the pid of the discovered gateway, or zero.
func (s *Supervisor) CurrentPID(ctx context.Context) int32 {
	p, ok := s.discover(ctx)
	if !ok {
		return 0
	}
	return int32(p.PID)
}

// State is the coarse gateway state reported by status endpoints.
type State string

const (
	StateRunning       State = "running"
	StateNotRunning    State = "not_running"
	StateNotResponding State = "not_responding"
)

type Status struct {
	State     State  `json:"status"`
	ProcessID string `json:"process_id,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Command   string `json:"command,omitempty"`
}

// Status discovers and probes the gateway without launching or killing anything.
func (s *Supervisor) Status(ctx context.Context) Status {
	p, ok := s.discover(ctx)
	if !ok {
		return Status{State: StateNotRunning}
	}
	st := Status{State: StateNotResponding, ProcessID: p.ID, PID: p.PID, Command: p.Command}
	if s.prober.Probe(ctx, p, s.cfg.Port, s.cfg.StatusTimeout).Reachability == probe.Verified {
		st.State = StateRunning
	}
	return st
}

func kindOf(err error) string {
	var se *StartupError
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	return ""
}
