package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomhay/moltworker"
)

// fakeProxy serves the status endpoint and the admin API with canned bodies.
func fakeProxy(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": "running", "process_id": "proc-1"})
	})
	mux.HandleFunc("/_admin/processes", func(w http.ResponseWriter, r *http.Request) {
		p := map[string]any{"id": "proc-1", "command": "openclaw gateway", "status": "running", "pid": 42, "gateway": true}
		if r.URL.Query().Get("logs") == "true" {
			p["logs"] = map[string]string{"stdout": "ready", "stderr": ""}
		}
		_ = json.NewEncoder(w).Encode([]any{p})
	})
	mux.HandleFunc("/_admin/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "proc-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "process not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"stdout": "listening on 18789", "stderr": ""})
	})
	mux.HandleFunc("/_admin/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "killed": 1})
	})
	mux.HandleFunc("/_admin/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["method"] != "client_secret" || req["client_id"] != "ops" || req["client_secret"] != "sec" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication_failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": map[string]string{"type": "Bearer", "value": "jwt-123"}})
	})
	mux.HandleFunc("/_admin/debug/env", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []string{"OPENCLAW_GATEWAY_TOKEN"}})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := buildRoot(newCommand())
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func TestBuildRootHasCommands(t *testing.T) {
	root := buildRoot(newCommand())
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "status", "processes", "logs", "restart", "env", "hash-password", "init", "login"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestAPICommands(t *testing.T) {
	ts := fakeProxy(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"status", []string{"status"}, `"status": "running"`},
		{"processes", []string{"processes"}, `"id": "proc-1"`},
		{"processes with logs", []string{"processes", "--logs"}, `"stdout": "ready"`},
		{"logs", []string{"logs", "--id", "proc-1"}, "listening on 18789"},
		{"restart", []string{"restart"}, `"killed": 1`},
		{"env", []string{"env"}, "OPENCLAW_GATEWAY_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := captureStdout(t)
			args := append(tc.args, "--api-url", ts.URL)
			require.NoError(t, run(t, args...))
			assert.Contains(t, out.String(), tc.want)
		})
	}
}

func TestLogsRequiresID(t *testing.T) {
	ts := fakeProxy(t)
	err := run(t, "logs", "--api-url", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestLogsUnknownIDSurfacesError(t *testing.T) {
	ts := fakeProxy(t)
	captureStdout(t)
	err := run(t, "logs", "--id", "proc-x", "--api-url", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process not found")
}

func TestUnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = run(t, "status", "--api-url", "http://"+addr, "--api-timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestRunServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "moltworker.toml")
	toml := strings.Join([]string{
		"[server]",
		`listen = "` + addr + `"`,
		"[gateway]",
		`command = "openclaw gateway --port 18789"`,
		"[metrics]",
		"resource_interval = \"0s\"",
		"[log]",
		`level = "error"`,
	}, "\n")
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: cfgPath}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/status")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRunServeBadConfig(t *testing.T) {
	err := runServe(context.Background(), ServeFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
}

func TestHashPasswordFromStdin(t *testing.T) {
	out := captureStdout(t)
	root := buildRoot(newCommand())
	root.SetArgs([]string{"hash-password", "--cost", "4"})
	root.SetIn(strings.NewReader("s3cret\n"))
	require.NoError(t, root.ExecuteContext(context.Background()))

	h := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("s3cret")))
}

func TestAPICommandsSendBasicAuth(t *testing.T) {
	var user string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_admin/debug/env" {
			user, _, _ = r.BasicAuth()
		}
		_, _ = w.Write([]byte(`{"ok":true,"status":"running","keys":[]}`))
	}))
	t.Cleanup(ts.Close)
	captureStdout(t)
	require.NoError(t, run(t, "env", "--api-url", ts.URL, "--username", "ops", "--password", "pw"))
	assert.Equal(t, "ops", user)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	out := captureStdout(t)
	path := filepath.Join(t.TempDir(), "moltworker.toml")
	require.NoError(t, run(t, "init", "--type", "local", "--output", path, "--gateway-port", "19001"))
	assert.Contains(t, out.String(), "wrote "+path)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	cfg, err := moltworker.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 19001, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.Gateway.Token)

	err = run(t, "init", "--output", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	require.NoError(t, run(t, "init", "--output", path, "--force"))
}

func TestInitToStdout(t *testing.T) {
	out := captureStdout(t)
	require.NoError(t, run(t, "init", "--type", "secure", "--output", "-", "--gateway-token", "tok"))
	assert.Contains(t, out.String(), "[auth]")
	assert.Contains(t, out.String(), "tok")

	assert.Error(t, run(t, "init", "--type", "bogus", "--output", "-"))
}

func TestLoginPrintsToken(t *testing.T) {
	ts := fakeProxy(t)
	out := captureStdout(t)
	require.NoError(t, run(t, "login", "--api-url", ts.URL, "--client-id", "ops", "--client-secret", "sec"))
	assert.Contains(t, out.String(), "jwt-123")

	err := run(t, "login", "--api-url", ts.URL, "--client-id", "ops", "--client-secret", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication_failed")

	assert.Error(t, run(t, "login", "--api-url", ts.URL))
}
