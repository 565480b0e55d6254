package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of supervisor decision.
type EventType string

const (
	EventLaunch   EventType = "launch"
	EventKill     EventType = "kill"
	EventVerified EventType = "verified"
	EventFailure  EventType = "failure"
)

// Event is one supervisor lifecycle decision exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ProcessID  string    `json:"process_id"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to every configured sink. Delivery is best-effort:
// a failing sink is logged and never blocks the supervisor beyond Timeout.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	log     *slog.Logger
	Timeout time.Duration
}

func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		log:     l.With("component", "history"),
		Timeout: 2 * time.Second,
	}
}

// Record stamps e (when OccurredAt is zero) and sends it to all sinks.
// A nil Recorder is valid and drops events.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink and returns the joined errors.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
