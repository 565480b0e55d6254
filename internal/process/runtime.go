package process

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown process id.
	ErrNotFound = errors.New("process not found")
	// ErrPortTimeout is returned by WaitForPort when the port never opened.
	ErrPortTimeout = errors.New("timed out waiting for port")
	// ErrExited is returned by WaitForPort when the process exits while waiting.
	ErrExited = errors.New("process exited")
)

// Runtime is the process table of the hosting environment. It owns every
// process record; consumers only ever see Info snapshots.
// Implementations must be safe for concurrent use.
type Runtime interface {
	// List returns all known processes, oldest first.
	List(ctx context.Context) ([]Info, error)
	// Start launches command with vars layered over the runtime's base environment.
	Start(ctx context.Context, command string, vars map[string]string) (Info, error)
	// Kill terminates the process. Killing an exited process is a no-op.
	Kill(ctx context.Context, id string) error
	// WaitForPort blocks until a TCP connect to port succeeds, the process
	// exits, the timeout elapses, or ctx ends.
	WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error
	// Logs returns the captured stdout and stderr tails.
	Logs(ctx context.Context, id string) (Logs, error)
}
