package guardian

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store over PostgreSQL for multi-process
// deployments where several workers feed one telemetry window.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, ev TelemetryEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO telemetry_events (task_id, tokens, latency_millis, recorded_at) VALUES ($1, $2, $3, $4)",
		ev.TaskID, ev.Tokens, ev.LatencyMillis, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("guardian: insert telemetry event: %w", err)
	}
	return nil
}

// Window returns the limit most recent events, oldest first to match the
// in-memory store's ordering.
func (s *PostgresStore) Window(ctx context.Context, limit int) ([]TelemetryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, tokens, latency_millis, recorded_at FROM telemetry_events ORDER BY recorded_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("guardian: query telemetry window: %w", err)
	}
	defer rows.Close()

	var events []TelemetryEvent
	for rows.Next() {
		var ev TelemetryEvent
		if err := rows.Scan(&ev.TaskID, &ev.Tokens, &ev.LatencyMillis, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("guardian: scan telemetry event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("guardian: iterate telemetry window: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
