package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to a running moltworker proxy: the status endpoint and the admin API.
type Client struct {
	baseURL   string
	adminBase string
	client    *http.Client
	logger    *slog.Logger
	username  string
	password  string
	token     string
}

// Config holds client configuration
type Config struct {
	BaseURL   string // proxy root, e.g. http://localhost:8080
	AdminBase string // admin API path on the proxy
	Timeout   time.Duration
	Logger    *slog.Logger // Optional logger for client operations
	TLS       *TLSClientConfig
	Insecure  bool // Skip TLS verification
	// Admin API credentials; Token takes precedence over basic auth.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8080",
		AdminBase: "/_admin",
		Timeout:   10 * time.Second,
	}
}

// New creates a new moltworker API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.AdminBase == "" {
		config.AdminBase = def.AdminBase
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		adminBase: "/" + strings.Trim(config.AdminBase, "/"),
		logger:    config.Logger,
		username:  config.Username,
		password:  config.Password,
		token:     config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the proxy is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Proxy unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Proxy reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Status reports the gateway state without launching it.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/status", &out)
	return out, err
}

// Processes lists the runtime process table, optionally with captured logs.
func (c *Client) Processes(ctx context.Context, withLogs bool) ([]Process, error) {
	u := c.adminURL("/processes")
	if withLogs {
		u += "?logs=true"
	}
	var out []Process
	err := c.doJSON(ctx, http.MethodGet, u, &out)
	return out, err
}

// Logs fetches captured output of one process.
func (c *Client) Logs(ctx context.Context, id string) (Logs, error) {
	var out Logs
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("/logs")+"?id="+url.QueryEscape(id), &out)
	return out, err
}

// Restart kills the gateway and asks the proxy to launch a fresh one.
func (c *Client) Restart(ctx context.Context) (RestartResponse, error) {
	var out RestartResponse
	err := c.doJSON(ctx, http.MethodPost, c.adminURL("/restart"), &out)
	return out, err
}

// EnvKeys lists the variable names injected into the gateway.
func (c *Client) EnvKeys(ctx context.Context) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("/debug/env"), &out)
	return out.Keys, err
}

// Login exchanges credentials for a bearer token to pass as Config.Token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	var out LoginResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode login: %w", err)
	}
	err = c.do(ctx, http.MethodPost, c.adminURL("/login"), bytes.NewReader(body), &out)
	return out, err
}

func (c *Client) adminURL(p string) string {
	return c.baseURL + c.adminBase + p
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSON performs a request and decodes a 2xx JSON body into out.
func (c *Client) doJSON(ctx context.Context, method, url string, out any) error {
	return c.do(ctx, method, url, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if errorResp.Hint != "" {
		return fmt.Errorf("API error: %s (hint: %s)", errorResp.Error, errorResp.Hint)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
