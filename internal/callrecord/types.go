package callrecord

import (
	"context"
	"time"
)

// Record summarizes one completed relay session.
type Record struct {
	ID                  string    `json:"id"`
	CallSid             string    `json:"call_sid"`
	CallerLanguage      string    `json:"caller_language"`
	StartedAt           time.Time `json:"started_at"`
	EndedAt             time.Time `json:"ended_at"`
	CallerSamples       int       `json:"caller_samples"`
	AgentSamples        int       `json:"agent_samples"`
	CallerMeanLatencyMs float64   `json:"caller_mean_latency_ms"`
	AgentMeanLatencyMs  float64   `json:"agent_mean_latency_ms"`
	CallerInterruptions int       `json:"caller_interruptions"`
	AgentInterruptions  int       `json:"agent_interruptions"`
}

// Store persists call summaries.
type Store interface {
	SaveCall(ctx context.Context, record Record) error
	RecentCalls(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
