package process

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomhay/moltworker/internal/detector"
)

// HostScanner finds matching host processes this runtime did not start.
type HostScanner interface {
	Scan(ctx context.Context) ([]detector.Found, error)
}

const hostPrefix = "host-"

func hostID(f detector.Found) string {
	return hostPrefix + strconv.Itoa(f.PID) + "-" + strconv.FormatInt(f.StartMillis, 10)
}

func parseHostID(id string) (pid int, start int64, ok bool) {
	rest, found := strings.CutPrefix(id, hostPrefix)
	if !found {
		return 0, 0, false
	}
	p, s, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false
	}
	pid, err := strconv.Atoi(p)
	if err != nil || pid <= 0 {
		return 0, 0, false
	}
	start, err = strconv.ParseInt(s, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	return pid, start, true
}

// listHost reports adopted processes, skipping pids this runtime owns.
func (r *LocalRuntime) listHost(ctx context.Context, own map[int]bool) []Info {
	if r.opts.Scanner == nil {
		return nil
	}
	found, err := r.opts.Scanner.Scan(ctx)
	if err != nil {
		r.log.Warn("host process scan failed", "error", err)
		return nil
	}
	out := make([]Info, 0, len(found))
	for _, f := range found {
		if own[f.PID] {
			continue
		}
		out = append(out, Info{
			ID:        hostID(f),
			Command:   f.Command,
			Status:    StatusRunning,
			PID:       f.PID,
			StartedAt: time.UnixMilli(f.StartMillis),
		})
	}
	return out
}

func (r *LocalRuntime) killHost(ctx context.Context, id string, pid int, start int64) error {
	if !detector.Alive(ctx, pid, start) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.log.Info("killing host process", "id", id, "pid", pid)
	if err := detector.Terminate(ctx, pid, start, r.opts.KillWait); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}
