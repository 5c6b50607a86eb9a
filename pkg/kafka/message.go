package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Build report statuses a worker may send
const (
	ReportStatusRunning   = "running"
	ReportStatusSucceeded = "succeeded"
	ReportStatusFailed    = "failed"
)

// BuildReport is the message a build worker publishes about a job it picked
// up from the job stream. Running reports are progress heartbeats; succeeded
// and failed reports are terminal.
type BuildReport struct {
	JobID           string    `json:"job_id"`
	ChangeRequestID string    `json:"change_request_id"`
	ComponentName   string    `json:"component_name"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Validate checks the report carries everything the dispatcher needs
func (r *BuildReport) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("build report missing job_id")
	}
	switch r.Status {
	case ReportStatusRunning, ReportStatusSucceeded, ReportStatusFailed:
	default:
		return fmt.Errorf("build report has unknown status '%s'", r.Status)
	}
	if r.Status == ReportStatusFailed && r.Error == "" {
		r.Error = "build failed without detail"
	}
	return nil
}

// Terminal reports whether the report ends the job
func (r *BuildReport) Terminal() bool {
	return r.Status == ReportStatusSucceeded || r.Status == ReportStatusFailed
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Parsed content
	Report *BuildReport
}

// ParseReport parses the message value as a build report
func (m *IncomingMessage) ParseReport() error {
	var report BuildReport
	if err := json.Unmarshal(m.Value, &report); err != nil {
		return err
	}
	if err := report.Validate(); err != nil {
		return err
	}
	m.Report = &report
	return nil
}
