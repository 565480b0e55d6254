package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tomhay/moltworker/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	e := history.Event{
		Type:       history.EventVerified,
		OccurredAt: time.Now().UTC(),
		ProcessID:  "proc-abc",
		PID:        4242,
		Command:    "start-gateway.sh",
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}

	var (
		event  string
		reason *string
	)
	row := sink.db.QueryRowContext(ctx, "SELECT event, reason FROM supervisor_history WHERE process_id = $1", "proc-abc")
	if err := row.Scan(&event, &reason); err != nil {
		t.Fatalf("Failed to query event: %v", err)
	}
	if event != "verified" || reason != nil {
		t.Fatalf("unexpected row: event=%q reason=%v", event, reason)
	}
}
