package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomhay/moltworker/internal/metrics"
	"github.com/tomhay/moltworker/internal/process"
)

// Reachability is the tri-state outcome of a connectivity check.
type Reachability int

const (
	// Unreachable: the port never opened within the timeout.
	Unreachable Reachability = iota
	// LoopbackOnly: the port is open but the overlay path to it fails.
	LoopbackOnly
	// Verified: port open and the overlay fetch succeeded.
	Verified
)

func (r Reachability) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case LoopbackOnly:
		return "loopback_only"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("reachability(%d)", int(r))
	}
}

// PortWaiter is the subset of process.Runtime the probe needs.
type PortWaiter interface {
	WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error
}

// Result describes one probe outcome.
type Result struct {
	Reachability Reachability
	// StatusCode of the overlay fetch, zero when no response was received.
	StatusCode int
	Err        error
}

// Prober runs the two-stage check: TCP wait then overlay HTTP fetch.
type Prober struct {
	Waiter  PortWaiter
	Fetcher Fetcher
	Logger  *slog.Logger
	// FetchTimeout bounds the overlay request.
	FetchTimeout time.Duration
}

func New(w PortWaiter, f Fetcher, l *slog.Logger) *Prober {
	if l == nil {
		l = slog.Default()
	}
	return &Prober{Waiter: w, Fetcher: f, Logger: l, FetchTimeout: 10 * time.Second}
}

// Probe checks proc on port. timeout bounds only the TCP stage.
func (p *Prober) Probe(ctx context.Context, proc process.Info, port int, timeout time.Duration) Result {
	res := p.probe(ctx, proc, port, timeout)
	metrics.IncProbe(res.Reachability.String())
	attrs := []any{"id", proc.ID, "pid", proc.PID, "port", port, "result", res.Reachability.String()}
	if res.StatusCode != 0 {
		attrs = append(attrs, "status", res.StatusCode)
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
		p.Logger.Warn("gateway probe", attrs...)
	} else {
		p.Logger.Info("gateway probe", attrs...)
	}
	return res
}

func (p *Prober) probe(ctx context.Context, proc process.Info, port int, timeout time.Duration) Result {
	if err := p.Waiter.WaitForPort(ctx, proc.ID, port, timeout); err != nil {
		return Result{Reachability: Unreachable, Err: err}
	}

	fetchTimeout := p.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := p.Fetcher.Fetch(fctx, fmt.Sprintf("http://localhost:%d/", port))
	if err != nil {
		return Result{Reachability: LoopbackOnly, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch {
	case IsNotListening(resp):
		return Result{Reachability: LoopbackOnly, StatusCode: resp.StatusCode, Err: ErrNotListening}
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{Reachability: LoopbackOnly, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("overlay fetch returned %d", resp.StatusCode)}
	default:
		return Result{Reachability: Verified, StatusCode: resp.StatusCode}
	}
}
