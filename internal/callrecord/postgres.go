package callrecord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists finished call summaries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			caller_language TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			caller_samples INT NOT NULL DEFAULT 0,
			agent_samples INT NOT NULL DEFAULT 0,
			caller_mean_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			agent_mean_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			caller_interruptions INT NOT NULL DEFAULT 0,
			agent_interruptions INT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (
			id, call_sid, caller_language, started_at, ended_at,
			caller_samples, agent_samples,
			caller_mean_latency_ms, agent_mean_latency_ms,
			caller_interruptions, agent_interruptions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID,
		record.CallSid,
		record.CallerLanguage,
		record.StartedAt,
		record.EndedAt,
		record.CallerSamples,
		record.AgentSamples,
		record.CallerMeanLatencyMs,
		record.AgentMeanLatencyMs,
		record.CallerInterruptions,
		record.AgentInterruptions,
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, caller_language, started_at, ended_at,
			caller_samples, agent_samples,
			caller_mean_latency_ms, agent_mean_latency_ms,
			caller_interruptions, agent_interruptions
		 FROM call_records ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.CallSid, &r.CallerLanguage, &r.StartedAt, &r.EndedAt,
			&r.CallerSamples, &r.AgentSamples,
			&r.CallerMeanLatencyMs, &r.AgentMeanLatencyMs,
			&r.CallerInterruptions, &r.AgentInterruptions,
		); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	return records, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
