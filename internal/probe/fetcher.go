package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const (
	// OverlayHeader marks responses synthesized by OverlayFetcher.
	OverlayHeader = "X-Moltworker-Overlay"
	// NotListening is the OverlayHeader value for a refused overlay dial.
	NotListening = "not-listening"
)

// ErrNotListening reports that nothing accepts connections on the overlay address.
var ErrNotListening = errors.New("gateway is not listening on the overlay interface")

// Fetcher performs an HTTP GET through the network path real client traffic
// uses. Callers close the response body.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*http.Response, error)
}

// OverlayFetcher rewrites localhost URLs to Host, the address the proxy uses to
// reach the gateway, so a gateway bound to 127.0.0.1 is not mistaken for a
// reachable one when Host is a non-loopback interface.
type OverlayFetcher struct {
	Host   string
	Client *http.Client
}

func NewOverlayFetcher(host string) *OverlayFetcher {
	if host == "" {
		host = "127.0.0.1"
	}
	return &OverlayFetcher{
		Host: host,
		Client: &http.Client{
			Timeout: 10 * time.Second,
			// never follow redirects, any status below 500 counts as up
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (f *OverlayFetcher) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(u.Hostname(), "localhost") {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(f.Host, port)
		} else {
			u.Host = f.Host
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return notListeningResponse(req), nil
		}
		return nil, err
	}
	return resp, nil
}

func notListeningResponse(req *http.Request) *http.Response {
	h := make(http.Header)
	h.Set(OverlayHeader, NotListening)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	body := ErrNotListening.Error()
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsNotListening reports whether resp is the synthetic overlay refusal.
func IsNotListening(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusServiceUnavailable &&
		resp.Header.Get(OverlayHeader) == NotListening
}
