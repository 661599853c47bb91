package jobregistry

import "time"

// JobState is the lifecycle state of a recorded job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued   JobState = "queued"
	JobStateRunning  JobState = "running"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
	JobStateSuccess  JobState = "success"
	JobStatePartial  JobState = "partial"
	JobStateFailed   JobState = "failed"
	JobStateUnknown  JobState = "unknown"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateStopped, JobStateSuccess, JobStatePartial, JobStateFailed:
		return true
	}
	return false
}

// JobRecord is the persistent record written to job.json.
//
// JobID names the registry entry. Name is the session's job name, the tag
// carried by every monitoring record of the job. Handle is the runtime's
// batch handle once the job has been submitted.
type JobRecord struct {
	JobID     string   `json:"job_id"`
	Name      string   `json:"name,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	Task      string   `json:"task,omitempty"`
	State     JobState `json:"state"`
	Source    string   `json:"source,omitempty"`
	OutputDir string   `json:"output_dir,omitempty"`
	PID       int      `json:"pid,omitempty"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Error         string     `json:"error,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// FinalState derives the terminal state from the task counters.
func (r *JobRecord) FinalState() JobState {
	switch {
	case r.Failed == 0:
		return JobStateSuccess
	case r.Succeeded == 0:
		return JobStateFailed
	default:
		return JobStatePartial
	}
}
