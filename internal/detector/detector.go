// Package detector finds gateway processes this proxy did not start, such as
// those left behind by a previous run, in the host process table.
package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Found is one matching host process.
type Found struct {
	PID         int
	Command     string
	StartMillis int64 // creation time, guards against PID reuse
}

// Scanner lists host processes whose command line satisfies Match.
// Processes descending from Ancestor are skipped: zero means this process,
// a negative value disables the filter.
type Scanner struct {
	Match    func(cmd string) bool
	Ancestor int
}

// Scan returns matching processes, oldest first.
func (s Scanner) Scan(ctx context.Context) ([]Found, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list host processes: %w", err)
	}
	self := int32(os.Getpid())
	anc := int32(s.Ancestor)
	if anc == 0 {
		anc = self
	}
	var out []Found
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		if s.Match != nil && !s.Match(cmd) {
			continue
		}
		if zombie(ctx, p) {
			continue
		}
		if anc > 0 && descendsFrom(ctx, p, anc) {
			continue
		}
		ms, _ := p.CreateTimeWithContext(ctx)
		out = append(out, Found{PID: int(p.Pid), Command: cmd, StartMillis: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMillis < out[j].StartMillis })
	return out, nil
}

func zombie(ctx context.Context, p *gopsproc.Process) bool {
	st, err := p.StatusWithContext(ctx)
	return err == nil && slices.Contains(st, gopsproc.Zombie)
}

func descendsFrom(ctx context.Context, p *gopsproc.Process, anc int32) bool {
	for range 64 {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil || ppid <= 0 {
			return false
		}
		if ppid == anc {
			return true
		}
		if ppid == 1 {
			return false
		}
		if p, err = gopsproc.NewProcessWithContext(ctx, ppid); err != nil {
			return false
		}
	}
	return false
}

// Alive reports whether pid is running and, when startMillis is non-zero,
// is still the process first observed.
func Alive(ctx context.Context, pid int, startMillis int64) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if zombie(ctx, p) {
		return false
	}
	if startMillis > 0 {
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms != startMillis {
			return false
		}
	}
	return true
}

// ErrReused is returned when pid now belongs to a different process.
var ErrReused = errors.New("pid reused by another process")

// Terminate sends SIGTERM to pid and its descendants, then SIGKILL to
// whatever is still alive after wait.
func Terminate(ctx context.Context, pid int, startMillis int64, wait time.Duration) error {
	if !Alive(ctx, pid, startMillis) {
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
		if err == nil && startMillis > 0 {
			if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms != startMillis {
				return ErrReused
			}
		}
		return nil
	}
	root, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	tree := append([]*gopsproc.Process{root}, descendants(ctx, root)...)
	for _, p := range tree {
		_ = p.TerminateWithContext(ctx)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !Alive(ctx, pid, startMillis) {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}
	var errs []error
	for _, p := range tree {
		if ok, _ := p.IsRunningWithContext(ctx); ok && !zombie(ctx, p) {
			if err := p.KillWithContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("kill %d: %w", p.Pid, err))
			}
		}
	}
	return errors.Join(errs...)
}

func descendants(ctx context.Context, p *gopsproc.Process) []*gopsproc.Process {
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := kids
	for _, k := range kids {
		out = append(out, descendants(ctx, k)...)
	}
	return out
}
