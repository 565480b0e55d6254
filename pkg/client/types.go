package client

import "time"

// StatusResponse mirrors GET /api/status.
type StatusResponse struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	ProcessID string `json:"process_id,omitempty"`
}

// Process is one entry of the runtime process table.
type Process struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Gateway   bool      `json:"gateway"`
	Logs      *Logs     `json:"logs,omitempty"`
}

// Logs holds captured process output.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// RestartResponse mirrors POST {admin}/restart.
type RestartResponse struct {
	OK     bool `json:"ok"`
	Killed int  `json:"killed"`
}

// ErrorResponse is the JSON error body returned by the proxy.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// LoginRequest is the body of POST {admin}/login. Method is "basic" or
// "client_secret".
type LoginRequest struct {
	Method       string `json:"method"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type LoginResponse struct {
	Success bool     `json:"success"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Token   *Token   `json:"token,omitempty"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
