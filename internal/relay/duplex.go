package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomhay/moltworker/internal/metrics"
)

const (
	DefaultCloseGrace       = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	controlWriteTimeout     = time.Second
)

// ErrBackendDial is returned by ServeWS when the gateway refused the session.
// The client connection has not been upgraded in that case.
var ErrBackendDial = errors.New("gateway websocket dial failed")

// Options configures a Relay.
type Options struct {
	// Token is injected into the first handshake and the backend URL query.
	Token         string
	Substitutions Substitutions
	// CloseGrace bounds teardown after the first leg ends.
	CloseGrace       time.Duration
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
	Logger           *slog.Logger
}

// Relay pairs client WebSocket sessions with gateway sessions.
type Relay struct {
	opts     Options
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	log      *slog.Logger
}

func NewRelay(opts Options) *Relay {
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Substitutions == nil {
		opts.Substitutions = DefaultSubstitutions()
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Relay{
		opts: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      opts.CheckOrigin,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log: l.With("component", "relay"),
	}
}

// BackendURL maps the inbound request onto target, switching to a ws scheme
// and setting the token query parameter.
func BackendURL(target *url.URL, r *http.Request, token string) *url.URL {
	u := *target
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = singleJoiningSlash(target.Path, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = withToken(r.URL.Query(), token).Encode()
	return &u
}

// ServeWS dials the gateway, upgrades the client and relays until either leg
// ends. It blocks for the lifetime of the session.
func (rl *Relay) ServeWS(w http.ResponseWriter, r *http.Request, target *url.URL) error {
	backendURL := BackendURL(target, r, rl.opts.Token)

	d := *rl.dialer
	d.Subprotocols = websocket.Subprotocols(r)
	hdr := http.Header{}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		hdr.Set("User-Agent", ua)
	}
	backend, resp, err := d.DialContext(r.Context(), backendURL.String(), hdr)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		rl.log.Warn("gateway websocket dial failed", "path", r.URL.Path, "status", status, "error", err)
		return fmt.Errorf("%w: %v", ErrBackendDial, err)
	}

	respHdr := http.Header{}
	if p := backend.Subprotocol(); p != "" {
		respHdr.Set("Sec-WebSocket-Protocol", p)
	}
	client, err := rl.upgrader.Upgrade(w, r, respHdr)
	if err != nil {
		// Upgrade already replied to the client.
		_ = backend.Close()
		rl.log.Warn("client websocket upgrade failed", "error", err)
		return nil
	}

	s := newSession(rl, client, backend)
	s.serve()
	return nil
}

type leg int

const (
	clientLeg leg = iota
	backendLeg
)

func (l leg) other() leg { return 1 - l }

func (l leg) String() string {
	if l == clientLeg {
		return "client"
	}
	return "backend"
}

// Session is one client/backend pair. Both conns are owned by the session and
// closed together.
type Session struct {
	ID      string
	relay   *Relay
	conns   [2]*websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
	log     *slog.Logger
}

func newSession(rl *Relay, client, backend *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		ID:     id,
		relay:  rl,
		conns:  [2]*websocket.Conn{clientLeg: client, backendLeg: backend},
		ctx:    ctx,
		cancel: cancel,
		log:    rl.log.With("session", id),
	}
}

func (s *Session) serve() {
	metrics.SessionOpened()
	defer metrics.SessionClosed()
	s.log.Info("relay session opened")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.pump(clientLeg) }()
	go func() { defer wg.Done(); s.pump(backendLeg) }()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	<-s.ctx.Done()
	select {
	case <-done:
	case <-time.After(s.relay.opts.CloseGrace):
		s.log.Warn("relay teardown exceeded grace period, forcing close", "grace", s.relay.opts.CloseGrace)
	}
	_ = s.conns[clientLeg].Close()
	_ = s.conns[backendLeg].Close()
	<-done
	s.log.Info("relay session closed")
}

// pump forwards frames read from src to the other leg in receipt order.
func (s *Session) pump(src leg) {
	in, out := s.conns[src], s.conns[src.other()]
	direction := "client_to_backend"
	if src == backendLeg {
		direction = "backend_to_client"
	}
	token := s.relay.opts.Token
	rewroteHandshake := false

	for {
		mt, data, err := in.ReadMessage()
		if err != nil {
			s.end(src, err)
			return
		}
		kind := Opaque
		if mt == websocket.TextMessage {
			switch src {
			case clientLeg:
				if token != "" && !rewroteHandshake {
					if kind = Classify(data); kind == Handshake {
						if rewritten, err := RewriteHandshake(data, token); err == nil {
							data = rewritten
							rewroteHandshake = true
							metrics.IncRewrite("handshake")
						} else {
							s.log.Warn("handshake rewrite failed, forwarding unchanged", "error", err)
						}
					}
				}
			case backendLeg:
				if kind = Classify(data); kind == ErrorResponse {
					if rewritten, ok := RewriteError(data, s.relay.opts.Substitutions); ok {
						data = rewritten
						metrics.IncRewrite("error")
					}
				}
			}
		}
		metrics.IncFrame(direction, kind.String())
		if err := out.WriteMessage(mt, data); err != nil {
			s.end(src.other(), err)
			return
		}
	}
}

// end propagates the first failure of leg l to the other leg and starts teardown.
func (s *Session) end(l leg, err error) {
	s.endOnce.Do(func() {
		defer s.cancel()
		target := l.other()
		code, reason := websocket.CloseInternalServerErr, ""

		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			code = SendableCloseCode(ce.Code)
			if l == backendLeg {
				reason = CloseReason(ce.Text, s.relay.opts.Substitutions)
			} else {
				reason = truncateReason(ce.Text)
			}
			s.log.Info("relay leg closed", "leg", l.String(), "code", ce.Code, "reason", ce.Text)
		} else {
			s.log.Warn("relay leg failed", "leg", l.String(), "error", err)
		}

		msg := websocket.FormatCloseMessage(code, reason)
		if werr := s.conns[target].WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			s.log.Debug("propagating close failed", "leg", target.String(), "error", werr)
		}
	})
}

// SendableCloseCode maps codes that must not appear on the wire to ones that can.
func SendableCloseCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived:
		return websocket.CloseNormalClosure
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr
	}
	if code < 1000 || code >= 5000 {
		return websocket.CloseInternalServerErr
	}
	return code
}

func withToken(q url.Values, token string) url.Values {
	if token != "" {
		q.Set("token", token)
	}
	return q
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "" && b != "":
		return a + "/" + b
	}
	return a + b
}
