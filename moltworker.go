// Package moltworker wires the gateway supervisor, the relays and the admin
// API into a single embeddable proxy.
package moltworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomhay/moltworker/internal/auth"
	cfg "github.com/tomhay/moltworker/internal/config"
	"github.com/tomhay/moltworker/internal/cron"
	"github.com/tomhay/moltworker/internal/detector"
	"github.com/tomhay/moltworker/internal/gateway"
	"github.com/tomhay/moltworker/internal/history"
	"github.com/tomhay/moltworker/internal/history/factory"
	"github.com/tomhay/moltworker/internal/metrics"
	"github.com/tomhay/moltworker/internal/probe"
	"github.com/tomhay/moltworker/internal/process"
	"github.com/tomhay/moltworker/internal/relay"
	"github.com/tomhay/moltworker/internal/server"
	mtls "github.com/tomhay/moltworker/internal/tls"
)

// Re-export configuration and status types for external consumers.

type Config = cfg.Config

type GatewayStatus = gateway.Status

type ProcessInfo = process.Info

type HistorySink = history.Sink

// LoadConfig reads a TOML file (empty path means defaults only) with
// MOLTWORKER_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() (*Config, error) { return cfg.Default() }

// Proxy is a fully wired moltworker instance.
type Proxy struct {
	conf       *Config
	log        *slog.Logger
	runtime    *process.LocalRuntime
	supervisor *gateway.Supervisor
	history    *history.Recorder
	sampler    *metrics.ResourceSampler
	scheduler  *cron.Scheduler
	handler    http.Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Proxy from c. Nothing is launched until the first request or Start.
func New(c *Config, l *slog.Logger) (*Proxy, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}
	gw := c.Gateway
	vars, err := gw.GatewayEnv()
	if err != nil {
		return nil, err
	}
	subs, err := relay.Compile(c.Relay.Substitutions)
	if err != nil {
		return nil, fmt.Errorf("relay.substitutions: %w", err)
	}
	target, err := url.Parse("http://" + net.JoinHostPort(gw.Host, strconv.Itoa(gw.Port)))
	if err != nil {
		return nil, fmt.Errorf("gateway address: %w", err)
	}

	sinks := make([]history.Sink, 0, len(c.History.Sinks))
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, open := range sinks {
				_ = open.Close()
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	opts := process.LocalOptions{
		Env:          gw.BaseEnv(),
		Log:          gw.Log,
		Logger:       l,
		CaptureBytes: gw.CaptureBytes,
		DialHost:     gw.Host,
		KillWait:     gw.KillWait,
	}
	if gw.AdoptExternal {
		opts.Scanner = detector.Scanner{Match: gw.Matcher().MatchCommand}
	}
	rt := process.NewLocalRuntime(opts)
	fetcher := probe.NewOverlayFetcher(gw.Host)
	if gw.ProbeTimeout > 0 {
		fetcher.Client.Timeout = gw.ProbeTimeout
	}
	sup := gateway.New(rt, probe.New(rt, fetcher, l), gateway.Config{
		Command:        gw.Command,
		Port:           gw.Port,
		Env:            vars,
		StartupTimeout: gw.StartupTimeout,
		VerifyTimeout:  gw.VerifyTimeout,
		StatusTimeout:  gw.StatusTimeout,
		Matcher:        gw.Matcher(),
		SingleFlight:   gw.SingleFlight,
	})
	sup.SetLogger(l)
	rec := history.NewRecorder(l, sinks...)
	sup.SetHistory(rec)

	var authSvc *auth.Service
	fail := func(err error) (*Proxy, error) {
		_ = rec.Close()
		return nil, err
	}
	if c.Auth.Enabled {
		if authSvc, err = auth.NewService(c.Auth); err != nil {
			return fail(err)
		}
	} else if c.Server.Admin != "" {
		l.Warn("admin API is mounted without authentication", "base", c.Server.Admin)
	}

	metricsPath := ""
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fail(fmt.Errorf("register metrics: %w", err))
		}
		if c.Metrics.Listen == "" {
			metricsPath = c.Metrics.Path
		}
	}

	r := server.NewRouter(server.Options{
		Supervisor: sup,
		Runtime:    rt,
		Target:     target,
		Token:      gw.Token,
		Relay: relay.Options{
			Substitutions:    subs,
			CloseGrace:       c.Relay.CloseGrace,
			HandshakeTimeout: c.Relay.HandshakeTimeout,
			Logger:           l,
		},
		AdminBase:     c.Server.Admin,
		LoadingPage:   c.Server.LoadingPage,
		EnsureTimeout: c.Server.EnsureTimeout,
		EnvKeys:       slices.Sorted(maps.Keys(vars)),
		Auth:          authSvc,
		MetricsPath:   metricsPath,
		Logger:        l,
	})

	p := &Proxy{
		conf:       c,
		log:        l,
		runtime:    rt,
		supervisor: sup,
		history:    rec,
		handler:    r.Handler(),
	}
	if c.Metrics.Enabled && c.Metrics.ResourceInterval > 0 {
		p.sampler = metrics.NewResourceSampler(c.Metrics.ResourceInterval, l)
	}
	if gw.Watchdog != "" {
		p.scheduler = cron.New(l)
		timeout := c.Server.EnsureTimeout
		err := p.scheduler.Add("gateway-watchdog", gw.Watchdog, func(ctx context.Context) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			_, err := sup.Ensure(ctx)
			return err
		})
		if err != nil {
			return fail(err)
		}
	}
	return p, nil
}

// Handler returns the proxy's HTTP surface for mounting in any server.
func (p *Proxy) Handler() http.Handler { return p.handler }

// Ensure discovers, verifies or launches the gateway.
func (p *Proxy) Ensure(ctx context.Context) (ProcessInfo, error) { return p.supervisor.Ensure(ctx) }

// Status reports the gateway state without launching or killing anything.
func (p *Proxy) Status(ctx context.Context) GatewayStatus { return p.supervisor.Status(ctx) }

// Restart kills every gateway instance and relaunches in the background.
func (p *Proxy) Restart(ctx context.Context) int { return p.supervisor.Restart(ctx) }

// Processes lists every process the runtime has started, exited ones
// included, plus adopted host processes when gateway.adopt_external is set.
func (p *Proxy) Processes(ctx context.Context) ([]ProcessInfo, error) { return p.runtime.List(ctx) }

// Start begins background work: resource sampling, the watchdog schedule
// and, when eager is set, a gateway launch ahead of the first request.
func (p *Proxy) Start(eager bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if p.sampler != nil {
			p.sampler.Run(ctx, p.supervisor.CurrentPID)
			return
		}
		<-ctx.Done()
	}()
	if p.scheduler != nil {
		p.scheduler.Start()
	}
	if eager {
		p.supervisor.EnsureBackground()
	}
}

// Shutdown stops background work, kills the gateway processes started by
// this proxy and flushes history sinks.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if p.scheduler != nil {
		if err := p.scheduler.Stop(ctx); err != nil {
			p.log.Warn("scheduler stop", "error", err)
		}
	}
	if n := p.supervisor.Stop(ctx); n > 0 {
		p.log.Info("gateway stopped", "killed", n)
	}
	return p.history.Close()
}

// NewHTTPServer builds (but does not start) the main listener for p. When
// server.tls is enabled the returned server carries a TLSConfig and must be
// started with ListenAndServeTLS("", "").
func (p *Proxy) NewHTTPServer() (*http.Server, error) {
	s := p.conf.Server
	srv := server.NewServer(s.Listen, p.handler, s.ReadHeaderTimeout, s.IdleTimeout)
	tc, err := mtls.Setup(s.TLS)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = tc
	return srv, nil
}

// NewMetricsServer builds the separate metrics listener, or nil when metrics
// share the main listener or are disabled.
func (p *Proxy) NewMetricsServer() *http.Server {
	m := p.conf.Metrics
	if !m.Enabled || m.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(m.Path, metrics.Handler())
	return &http.Server{
		Addr:              m.Listen,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// RegisterMetrics registers the proxy's collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
