package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/clusterd/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
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
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventSpawn, OccurredAt: now,
		Record: history.Record{WorkerID: 3, PID: 12345},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventExit, OccurredAt: now.Add(time.Second),
		Record: history.Record{WorkerID: 3, PID: 12345, Cause: "1"},
	}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM worker_history WHERE worker_id = $1", 3).Scan(&count))
	assert.Equal(t, 2, count)

	// schema creation is idempotent
	again, err := New(connStr)
	require.NoError(t, err)
	_ = again.Close()
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
