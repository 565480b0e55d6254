// Package opensearch indexes supervisor history events as OpenSearch (or
// Elasticsearch) documents over the REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomhay/moltworker/internal/history"
)

const DefaultIndex = "supervisor-history"

type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends the event date (index-2006.01.02) so retention can drop
	// whole indices.
	Daily   bool
	Timeout time.Duration
}

// Sink POSTs each event to {base}/{index}/_doc.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) index(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.opts.Index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.opts.BaseURL, s.index(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
