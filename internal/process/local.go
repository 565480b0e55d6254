package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomhay/moltworker/internal/detector"
	"github.com/tomhay/moltworker/internal/env"
	"github.com/tomhay/moltworker/internal/logger"
)

// LocalOptions configures a LocalRuntime.
type LocalOptions struct {
	Env          *env.Env          // base environment; nil means the OS environment
	Log          logger.FileConfig // optional rotated files for gateway output
	Logger       *slog.Logger
	CaptureBytes int           // per-stream capture bound (default DefaultCaptureBytes)
	DialHost     string        // host used by WaitForPort (default 127.0.0.1)
	KillWait     time.Duration // grace between SIGTERM and SIGKILL (default 5s)
	KeepExited   int           // exited records retained for diagnostics (default 16)
	Scanner      HostScanner   // optional; lists matching processes started elsewhere
}

// LocalRuntime runs gateway processes as children of this process.
type LocalRuntime struct {
	mu    sync.RWMutex
	procs map[string]*localProc
	opts  LocalOptions
	log   *slog.Logger
}

type localProc struct {
	mu      sync.Mutex
	info    Info
	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	closers []io.Closer
	killed  bool
	done    chan struct{} // closed when cmd.Wait returns
}

func NewLocalRuntime(opts LocalOptions) *LocalRuntime {
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.DialHost == "" {
		opts.DialHost = "127.0.0.1"
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 5 * time.Second
	}
	if opts.KeepExited <= 0 {
		opts.KeepExited = 16
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &LocalRuntime{
		procs: make(map[string]*localProc),
		opts:  opts,
		log:   l.With("component", "runtime"),
	}
}

func (r *LocalRuntime) get(id string) (*localProc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

func (r *LocalRuntime) List(ctx context.Context) ([]Info, error) {
	r.mu.RLock()
	out := make([]Info, 0, len(r.procs))
	own := make(map[int]bool, len(r.procs))
	for _, p := range r.procs {
		s := p.snapshot()
		out = append(out, s)
		if s.PID > 0 {
			own[s.PID] = true
		}
	}
	r.mu.RUnlock()
	out = append(out, r.listHost(ctx, own)...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *LocalRuntime) Start(_ context.Context, command string, vars map[string]string) (Info, error) {
	id := "proc-" + uuid.NewString()
	cmd := BuildCommand(command)
	cmd.Env = r.opts.Env.Merge(vars)
	configureSysProcAttr(cmd)

	p := &localProc{
		info:   Info{ID: id, Command: command, Status: StatusStarting, StartedAt: time.Now()},
		stdout: newTailBuffer(r.opts.CaptureBytes),
		stderr: newTailBuffer(r.opts.CaptureBytes),
		done:   make(chan struct{}),
	}
	var outW io.Writer = p.stdout
	var errW io.Writer = p.stderr
	if r.opts.Log.Enabled() {
		fo, fe, err := r.opts.Log.Writers("gateway")
		if err != nil {
			r.log.Warn("gateway log files unavailable", "error", err)
		}
		if fo != nil {
			outW = io.MultiWriter(p.stdout, fo)
			p.closers = append(p.closers, fo)
		}
		if fe != nil {
			errW = io.MultiWriter(p.stderr, fe)
			p.closers = append(p.closers, fe)
		}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	// Grandchildren holding the output pipes must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second
	p.cmd = cmd

	r.mu.Lock()
	r.procs[id] = p
	r.pruneLocked()
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		p.mu.Lock()
		p.info.Status = StatusFailed
		p.info.ExitedAt = time.Now()
		p.mu.Unlock()
		p.closeWriters()
		close(p.done)
		return p.snapshot(), fmt.Errorf("start %q: %w", command, err)
	}

	p.mu.Lock()
	p.info.PID = cmd.Process.Pid
	p.info.Status = StatusRunning
	p.mu.Unlock()
	r.log.Info("process started", "id", id, "pid", cmd.Process.Pid, "command", command)

	go r.wait(p)
	return p.snapshot(), nil
}

// wait is the single waiter for a process; it records the terminal state.
func (r *LocalRuntime) wait(p *localProc) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.info.ExitedAt = time.Now()
	code := exitCode(err)
	p.info.ExitCode = &code
	switch {
	case p.killed:
		p.info.Status = StatusKilled
	case err == nil:
		p.info.Status = StatusCompleted
	default:
		p.info.Status = StatusFailed
	}
	info := p.info
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
	r.log.Info("process exited", "id", info.ID, "pid", info.PID, "status", info.Status, "exit_code", code)
}

func (r *LocalRuntime) Kill(ctx context.Context, id string) error {
	if pid, start, ok := parseHostID(id); ok {
		return r.killHost(ctx, id, pid, start)
	}
	p, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.killed = true
	cmd := p.cmd
	p.mu.Unlock()

	_ = signalGroup(cmd, syscall.SIGTERM)
	t := time.NewTimer(r.opts.KillWait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}

func (r *LocalRuntime) WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error {
	var exited func() error
	if pid, start, ok := parseHostID(id); ok {
		exited = func() error {
			if !detector.Alive(ctx, pid, start) {
				return fmt.Errorf("%w before port %d opened", ErrExited, port)
			}
			return nil
		}
	} else {
		p, err := r.get(id)
		if err != nil {
			return err
		}
		exited = func() error {
			select {
			case <-p.done:
				return fmt.Errorf("%w before port %d opened: %s", ErrExited, port, p.snapshot().Status)
			default:
				return nil
			}
		}
	}
	addr := net.JoinHostPort(r.opts.DialHost, strconv.Itoa(port))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var d net.Dialer
	for {
		dctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		conn, derr := d.DialContext(dctx, "tcp", addr)
		cancel()
		if derr == nil {
			_ = conn.Close()
			return nil
		}
		if err := exited(); err != nil {
			return err
		}
		select {
		case <-deadline.C:
			return fmt.Errorf("%w %d after %s", ErrPortTimeout, port, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Logs returns captured output. Adopted host processes have none.
func (r *LocalRuntime) Logs(ctx context.Context, id string) (Logs, error) {
	if pid, start, ok := parseHostID(id); ok {
		if !detector.Alive(ctx, pid, start) {
			return Logs{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Logs{}, nil
	}
	p, err := r.get(id)
	if err != nil {
		return Logs{}, err
	}
	return Logs{Stdout: p.stdout.String(), Stderr: p.stderr.String()}, nil
}

// pruneLocked drops the oldest exited records beyond KeepExited.
func (r *LocalRuntime) pruneLocked() {
	var exited []Info
	for _, p := range r.procs {
		if s := p.snapshot(); !s.Status.Active() {
			exited = append(exited, s)
		}
	}
	if len(exited) <= r.opts.KeepExited {
		return
	}
	sort.Slice(exited, func(i, j int) bool { return exited[i].StartedAt.Before(exited[j].StartedAt) })
	for _, s := range exited[:len(exited)-r.opts.KeepExited] {
		delete(r.procs, s.ID)
	}
}

func (p *localProc) snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *localProc) closeWriters() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
