package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tomhay/moltworker/internal/auth"
	"github.com/tomhay/moltworker/internal/gateway"
	"github.com/tomhay/moltworker/internal/metrics"
	"github.com/tomhay/moltworker/internal/process"
	"github.com/tomhay/moltworker/internal/relay"
)

// Supervisor is the subset of *gateway.Supervisor the router drives.
type Supervisor interface {
	Ensure(ctx context.Context) (process.Info, error)
	EnsureBackground()
	Find(ctx context.Context) (process.Info, bool)
	Status(ctx context.Context) gateway.Status
	Restart(ctx context.Context) int
}

// Options configures a Router.
type Options struct {
	Supervisor Supervisor
	Runtime    process.Runtime
	// Target is the gateway base URL, e.g. http://127.0.0.1:18789.
	Target *url.URL
	Token  string
	Relay  relay.Options
	// AdminBase mounts the admin API, empty disables it.
	AdminBase     string
	LoadingPage   bool
	EnsureTimeout time.Duration
	// EnvKeys are the injected gateway variable names shown by /debug/env.
	EnvKeys []string
	// Auth guards the admin API, nil leaves it open.
	Auth *auth.Service
	// MetricsPath mounts the Prometheus handler, empty disables it.
	MetricsPath string
	Logger      *slog.Logger
}

// Router provides the proxy's HTTP surface.
// Endpoints:
//
//	GET  /api/status                      gateway state without launching
//	POST {admin}/login                    exchange credentials for a bearer token (auth enabled)
//	GET  {admin}/processes?logs=true      runtime process table
//	GET  {admin}/logs?id=...              captured output of one process
//	POST {admin}/restart                  kill gateway instances and relaunch
//	GET  {admin}/debug/env                injected env key names
//	*    anything else                    ensure gateway, then relay (WebSocket or HTTP)
type Router struct {
	opts      Options
	adminBase string
	wsRelay   *relay.Relay
	httpRelay *relay.HTTPRelay
	log       *slog.Logger
}

func NewRouter(opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	if opts.EnsureTimeout <= 0 {
		opts.EnsureTimeout = 5 * time.Minute
	}
	ro := opts.Relay
	ro.Token = opts.Token
	if ro.Logger == nil {
		ro.Logger = l
	}
	return &Router{
		opts:      opts,
		adminBase: sanitizeBase(opts.AdminBase),
		wsRelay:   relay.NewRelay(ro),
		httpRelay: relay.NewHTTPRelay(opts.Target, opts.Token, l),
		log:       l.With("component", "server"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/api/status", r.handleStatus)
	if r.opts.MetricsPath != "" {
		g.GET(r.opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	// "/" sanitizes to "" and would shadow gateway paths
	if r.adminBase != "" {
		admin := g.Group(r.adminBase)
		read, write := gin.HandlersChain{}, gin.HandlersChain{}
		if r.opts.Auth != nil {
			m := auth.NewMiddleware(r.opts.Auth)
			admin.POST("/login", m.GinLogin())
			admin.Use(m.GinAuth())
			read = append(read, m.GinRequirePermission(auth.ResourceGateway, auth.ActionRead))
			write = append(write, m.GinRequirePermission(auth.ResourceGateway, auth.ActionWrite))
		}
		admin.GET("/processes", append(read, r.handleProcesses)...)
		admin.GET("/logs", append(read, r.handleLogs)...)
		admin.POST("/restart", append(write, r.handleRestart)...)
		admin.GET("/debug/env", append(read, r.handleDebugEnv)...)
	}
	g.NoRoute(r.handleProxy)
	g.NoMethod(r.handleProxy)
	return g
}

// NewServer builds an http.Server for h. Timeouts leave writes unbounded
// because relayed WebSocket sessions are long-lived.
func NewServer(addr string, h http.Handler, readHeaderTimeout, idleTimeout time.Duration) *http.Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// --- Handlers ---

type errorResp struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

type statusResp struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	ProcessID string `json:"process_id,omitempty"`
}

func (r *Router) handleProxy(c *gin.Context) {
	req := c.Request
	isWS := websocket.IsWebSocketUpgrade(req)

	if r.opts.LoadingPage && !isWS && wantsHTML(c) {
		if _, ok := r.opts.Supervisor.Find(req.Context()); !ok {
			r.opts.Supervisor.EnsureBackground()
			c.Header("Cache-Control", "no-store")
			c.Data(http.StatusAccepted, "text/html; charset=utf-8", []byte(loadingPage))
			return
		}
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.opts.EnsureTimeout)
	_, err := r.opts.Supervisor.Ensure(ctx)
	cancel()
	if err != nil {
		r.writeEnsureError(c, err)
		return
	}

	if isWS {
		if err := r.wsRelay.ServeWS(c.Writer, req, r.opts.Target); err != nil {
			writeJSON(c, http.StatusBadGateway, errorResp{
				Error:   "gateway websocket connection failed",
				Details: err.Error(),
				Hint:    gateway.HintGeneric,
			})
		}
		return
	}
	r.httpRelay.ServeHTTP(c.Writer, req)
}

func (r *Router) writeEnsureError(c *gin.Context, err error) {
	resp := errorResp{Error: "gateway failed to start", Details: err.Error(), Hint: gateway.HintGeneric}
	var se *gateway.StartupError
	switch {
	case errors.As(err, &se):
		resp.Error = se.Error()
		resp.Hint = se.Hint()
		if d := se.Details(); d != "" {
			resp.Details = d
		}
	case errors.Is(err, context.DeadlineExceeded):
		resp.Error = "timed out waiting for the gateway"
		resp.Hint = "The gateway is still starting. Retry in a moment."
	case errors.Is(err, context.Canceled):
		// client went away
		return
	}
	r.log.Warn("request rejected, gateway unavailable", "path", c.Request.URL.Path, "error", err)
	writeJSON(c, http.StatusServiceUnavailable, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.opts.Supervisor.Status(c.Request.Context())
	writeJSON(c, http.StatusOK, statusResp{
		OK:        st.State == gateway.StateRunning,
		Status:    string(st.State),
		ProcessID: st.ProcessID,
	})
}

type processResp struct {
	process.Info
	Gateway bool          `json:"gateway"`
	Logs    *process.Logs `json:"logs,omitempty"`
}

func (r *Router) handleProcesses(c *gin.Context) {
	ctx := c.Request.Context()
	procs, err := r.opts.Runtime.List(ctx)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	current, _ := r.opts.Supervisor.Find(ctx)
	withLogs := c.Query("logs") == "true"
	out := make([]processResp, 0, len(procs))
	for _, p := range procs {
		pr := processResp{Info: p, Gateway: p.ID == current.ID && current.ID != ""}
		if withLogs {
			if logs, err := r.opts.Runtime.Logs(ctx, p.ID); err == nil {
				pr.Logs = &logs
			}
		}
		out = append(out, pr)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleLogs(c *gin.Context) {
	id := c.Query("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required: allowed [A-Za-z0-9._-]"})
		return
	}
	logs, err := r.opts.Runtime.Logs(c.Request.Context(), id)
	if errors.Is(err, process.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

type restartResp struct {
	OK     bool `json:"ok"`
	Killed int  `json:"killed"`
}

func (r *Router) handleRestart(c *gin.Context) {
	n := r.opts.Supervisor.Restart(c.Request.Context())
	r.log.Info("gateway restart requested", "killed", n, "remote", c.ClientIP())
	writeJSON(c, http.StatusAccepted, restartResp{OK: true, Killed: n})
}

type envResp struct {
	Keys []string `json:"keys"`
}

func (r *Router) handleDebugEnv(c *gin.Context) {
	keys := r.opts.EnvKeys
	if keys == nil {
		keys = []string{}
	}
	writeJSON(c, http.StatusOK, envResp{Keys: keys})
}
