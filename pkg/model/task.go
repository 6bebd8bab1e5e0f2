package model

import "time"

type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDetecting   JobStatus = "detecting"
	JobInstalling  JobStatus = "installing"
	JobConfiguring JobStatus = "configuring"
	JobValidating  JobStatus = "validating"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// Job tracks one unattended node deployment.
type Job struct {
	ID          string     `json:"id"`
	Host        string     `json:"host"`
	NodeName    string     `json:"nodeName,omitempty"`
	Status      JobStatus  `json:"status"`
	Percent     int        `json:"percent"`
	CurrentStep string     `json:"currentStep"`
	Logs        []string   `json:"logs"`
	Error       string     `json:"error,omitempty"`
	Warning     string     `json:"warning,omitempty"`
	NodeID      string     `json:"nodeId,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

func (j Job) Duration() time.Duration {
	end := time.Now()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(j.StartedAt)
}

// Tail returns a copy of the job with only the last n log lines.
func (j Job) Tail(n int) Job {
	if n > 0 && len(j.Logs) > n {
		j.Logs = append([]string(nil), j.Logs[len(j.Logs)-n:]...)
	} else {
		j.Logs = append([]string(nil), j.Logs...)
	}
	return j
}
