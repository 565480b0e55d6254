package process

import "time"

// Status is the lifecycle state of a gateway process as reported by the runtime.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusKilled    Status = "killed"
)

// Active reports whether the process is starting or running.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// Info is a point-in-time snapshot of one process owned by a Runtime.
// Callers must not hold on to it across requests; re-list instead.
type Info struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Logs holds captured process output.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}
