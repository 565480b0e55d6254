package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomhay/moltworker/internal/probe"
	"github.com/tomhay/moltworker/internal/process"
)

// binding describes where a fake gateway listens.
type binding int

const (
	bindOverlay  binding = iota // reachable by clients
	bindLoopback                // port opens, overlay refused
	bindNone                    // port never opens
)

type fakeProc struct {
	info process.Info
	bind binding
}

type fakeRuntime struct {
	mu         sync.Mutex
	procs      []*fakeProc
	next       []binding
	startDelay time.Duration
	listErr    error
	killErr    error
	startErr   error
	stderr     string
	starts     int
	kills      []string
	seq        int
}

func (r *fakeRuntime) add(command string, status process.Status, b binding) process.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	p := &fakeProc{info: process.Info{
		ID:        fmt.Sprintf("proc-%d", r.seq),
		Command:   command,
		Status:    status,
		PID:       1000 + r.seq,
		StartedAt: time.Now(),
	}, bind: b}
	r.procs = append(r.procs, p)
	return p.info
}

func (r *fakeRuntime) List(context.Context) ([]process.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]process.Info, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p.info)
	}
	return out, nil
}

func (r *fakeRuntime) Start(_ context.Context, command string, _ map[string]string) (process.Info, error) {
	if r.startDelay > 0 {
		time.Sleep(r.startDelay)
	}
	r.mu.Lock()
	if r.startErr != nil {
		r.mu.Unlock()
		return process.Info{}, r.startErr
	}
	r.starts++
	b := bindOverlay
	if len(r.next) > 0 {
		b, r.next = r.next[0], r.next[1:]
	}
	r.mu.Unlock()
	return r.add(command, process.StatusRunning, b), nil
}

func (r *fakeRuntime) find(id string) *fakeProc {
	for _, p := range r.procs {
		if p.info.ID == id {
			return p
		}
	}
	return nil
}

func (r *fakeRuntime) Kill(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killErr != nil {
		return r.killErr
	}
	p := r.find(id)
	if p == nil {
		return process.ErrNotFound
	}
	p.info.Status = process.StatusKilled
	r.kills = append(r.kills, id)
	return nil
}

func (r *fakeRuntime) WaitForPort(_ context.Context, id string, _ int, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(id)
	switch {
	case p == nil:
		return process.ErrNotFound
	case !p.info.Status.Active():
		return process.ErrExited
	case p.bind == bindNone:
		return process.ErrPortTimeout
	}
	return nil
}

func (r *fakeRuntime) Logs(context.Context, string) (process.Logs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return process.Logs{Stdout: "booting", Stderr: r.stderr}, nil
}

// Fetch answers as whichever active process bound the port most recently.
func (r *fakeRuntime) Fetch(_ context.Context, _ string) (*http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.procs) - 1; i >= 0; i-- {
		p := r.procs[i]
		if !p.info.Status.Active() || p.bind == bindNone {
			continue
		}
		h := http.Header{}
		code := http.StatusOK
		if p.bind == bindLoopback {
			h.Set(probe.OverlayHeader, probe.NotListening)
			code = http.StatusServiceUnavailable
		}
		return &http.Response{StatusCode: code, Header: h, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return nil, errors.New("connection refused")
}

func (r *fakeRuntime) active(m Matcher) []process.Info {
	procs, _ := r.List(context.Background())
	var out []process.Info
	for _, p := range procs {
		if m.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

const gatewayCmd = "/usr/local/bin/start-gateway.sh"

func newTestSupervisor(rt *fakeRuntime, singleFlight bool) *Supervisor {
	pr := probe.New(rt, rt, nil)
	return New(rt, pr, Config{
		Command:        gatewayCmd,
		Port:           18789,
		Env:            map[string]string{"OPENCLAW_GATEWAY_TOKEN": "S"},
		StartupTimeout: time.Second,
		VerifyTimeout:  time.Second,
		Matcher:        DefaultMatcher(),
		SingleFlight:   singleFlight,
	})
}
