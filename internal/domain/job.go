package domain

import "time"

// JobStatus is the lifecycle state of a computation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ComputationJob is one unit of precomputation work. At most one live
// (pending or running) job may exist per combination hash.
type ComputationJob struct {
	ID              string    `json:"id"`
	CombinationHash string    `json:"combinationHash"`
	ToolSlug        string    `json:"toolSlug"`
	SourceSlugs     []string  `json:"sourceSlugs"`
	Language        string    `json:"language"`
	Status          JobStatus `json:"status"`
	Priority        int       `json:"priority"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"maxAttempts"`
	SchemaVersion   int       `json:"schemaVersion"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
}

// Live reports whether the job still occupies the per-hash slot.
func (j *ComputationJob) Live() bool {
	return j.Status == JobPending || j.Status == JobRunning
}

// JobFilter narrows job listings for the batch control surface.
type JobFilter struct {
	Status      JobStatus
	ToolSlug    string
	Language    string
	MinPriority int
	Limit       int
}

// JobCounts is a point-in-time snapshot of backlog progress.
type JobCounts struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total returns the backlog size across all states.
func (c JobCounts) Total() int64 {
	return c.Pending + c.Running + c.Completed + c.Failed
}
