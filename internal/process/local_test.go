package process

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomhay/moltworker/internal/env"
	"github.com/tomhay/moltworker/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func newTestRuntime(t *testing.T) *LocalRuntime {
	t.Helper()
	return NewLocalRuntime(LocalOptions{
		Env:      env.New().WithBase(env.Var{"PATH": os.Getenv("PATH")}),
		KillWait: 500 * time.Millisecond,
	})
}

func waitStatus(t *testing.T, r *LocalRuntime, id string, want Status) Info {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		list, _ := r.List(context.Background())
		for _, p := range list {
			if p.ID == id && p.Status == want {
				return p
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s never reached %s", id, want)
	return Info{}
}

func TestStartCapturesOutputAndEnv(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	ctx := context.Background()

	info, err := r.Start(ctx, "sh -c 'echo out $GATEWAY_TOKEN; echo err 1>&2'", map[string]string{"GATEWAY_TOKEN": "s3cret"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "proc-"))
	assert.Equal(t, StatusRunning, info.Status)
	assert.Greater(t, info.PID, 0)

	done := waitStatus(t, r, info.ID, StatusCompleted)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	logs, err := r.Logs(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "out s3cret\n", logs.Stdout)
	assert.Equal(t, "err\n", logs.Stderr)
}

func TestFailedExitStatus(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	info, err := r.Start(context.Background(), "sh -c 'exit 3'", nil)
	require.NoError(t, err)
	done := waitStatus(t, r, info.ID, StatusFailed)
	assert.Equal(t, 3, *done.ExitCode)
}

func TestStartMissingBinary(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	info, err := r.Start(context.Background(), "/definitely/not/here --flag", nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, info.Status)
}

func TestKillMarksKilled(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	ctx := context.Background()
	info, err := r.Start(ctx, "sleep 30", nil)
	require.NoError(t, err)

	require.NoError(t, r.Kill(ctx, info.ID))
	waitStatus(t, r, info.ID, StatusKilled)

	// killing again is a no-op
	assert.NoError(t, r.Kill(ctx, info.ID))
}

func TestKillUnknown(t *testing.T) {
	r := newTestRuntime(t)
	err := r.Kill(context.Background(), "proc-missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWaitForPortOpen(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	ctx := context.Background()
	info, err := r.Start(ctx, "sleep 5", nil)
	require.NoError(t, err)
	defer func() { _ = r.Kill(ctx, info.ID) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.NoError(t, r.WaitForPort(ctx, info.ID, port, 2*time.Second))
}

func TestWaitForPortTimeout(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	ctx := context.Background()
	info, err := r.Start(ctx, "sleep 5", nil)
	require.NoError(t, err)
	defer func() { _ = r.Kill(ctx, info.ID) }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	err = r.WaitForPort(ctx, info.ID, port, 300*time.Millisecond)
	assert.True(t, errors.Is(err, ErrPortTimeout), "got %v", err)
}

func TestWaitForPortProcessExits(t *testing.T) {
	requireUnix(t)
	r := newTestRuntime(t)
	ctx := context.Background()
	info, err := r.Start(ctx, "sh -c 'exit 1'", nil)
	require.NoError(t, err)

	err = r.WaitForPort(ctx, info.ID, 1, 5*time.Second)
	assert.True(t, errors.Is(err, ErrExited), "got %v", err)
}

func TestListOrderedAndPruned(t *testing.T) {
	requireUnix(t)
	r := NewLocalRuntime(LocalOptions{KeepExited: 2})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		info, err := r.Start(ctx, "/bin/true", nil)
		require.NoError(t, err)
		waitStatus(t, r, info.ID, StatusCompleted)
		ids = append(ids, info.ID)
	}
	// the next start prunes down to KeepExited exited records
	info, err := r.Start(ctx, "sleep 2", nil)
	require.NoError(t, err)
	defer func() { _ = r.Kill(ctx, info.ID) }()

	list, err := r.List(ctx)
	require.NoError(t, err)
	got := make([]string, 0, len(list))
	for _, p := range list {
		got = append(got, p.ID)
	}
	assert.Equal(t, []string{ids[2], ids[3], info.ID}, got)
}

func TestGatewayOutputFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	r := NewLocalRuntime(LocalOptions{Log: logger.FileConfig{Dir: dir}})
	info, err := r.Start(context.Background(), "sh -c 'echo to-file'", nil)
	require.NoError(t, err)
	waitStatus(t, r, info.ID, StatusCompleted)

	b, err := os.ReadFile(filepath.Join(dir, "gateway.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-file\n", string(b))
}
