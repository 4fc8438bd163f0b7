package domain

import "time"

// JobType names the kind of deferred work held by the scheduler.
type JobType string

const (
	JobAnalysis   JobType = "ANALYSIS"
	JobMonitoring JobType = "MONITORING"
	JobForceClose JobType = "FORCE_CLOSE"
)

// JobTypes lists every job type in a stable order.
var JobTypes = []JobType{JobAnalysis, JobMonitoring, JobForceClose}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobAnalysis, JobMonitoring, JobForceClose:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobCancelled
}

// ScheduledJob is a timestamped unit of deferred work. Generation is the
// tracker generation captured when the job was scheduled; a job whose
// generation no longer matches is stale and performs no side effects.
type ScheduledJob struct {
	ID         string            `json:"id"`
	Type       JobType           `json:"type"`
	RunAt      time.Time         `json:"run_at"`
	Status     JobStatus         `json:"status"`
	Generation uint64            `json:"generation"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
