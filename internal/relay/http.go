package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/tomhay/moltworker/internal/metrics"
)

// HTTPRelay forwards one-shot requests to the gateway with the token query
// parameter added.
type HTTPRelay struct {
	target *url.URL
	token  string
	proxy  *httputil.ReverseProxy
	log    *slog.Logger
}

type errorResp struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func NewHTTPRelay(target *url.URL, token string, l *slog.Logger) *HTTPRelay {
	if l == nil {
		l = slog.Default()
	}
	h := &HTTPRelay{target: target, token: token, log: l.With("component", "http_relay")}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.URL.RawQuery = withToken(pr.In.URL.Query(), token).Encode()
		},
		ModifyResponse: func(resp *http.Response) error {
			metrics.IncHTTP(resp.StatusCode)
			return nil
		},
		ErrorHandler: h.handleError,
	}
	return h
}

// ServeHTTP relays r. The request always carries a cancelable context so the
// proxy never falls back to http.CloseNotifier, which gin's writer only
// supports over a real connection.
func (h *HTTPRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (h *HTTPRelay) handleError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.IncHTTP(http.StatusBadGateway)
	h.log.Warn("gateway request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(errorResp{
		Error:   "gateway request failed",
		Details: err.Error(),
		Hint:    "The gateway may be restarting. Retry in a few seconds.",
	})
}
