package domain

import "time"

// UsageEvent records one cache lookup. Pure telemetry: no uniqueness
// constraint, written best-effort, read by nothing on the serving path.
type UsageEvent struct {
	ID              string    `json:"id"`
	CombinationHash string    `json:"combinationHash"`
	Hit             bool      `json:"hit"`
	LatencyMs       int64     `json:"latencyMs"`
	Timestamp       time.Time `json:"timestamp"`
}
