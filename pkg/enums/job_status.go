package enums

import "fmt"

// JobStatus is the externally visible lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusError      JobStatus = "error"
)

var validJobStatuses = []JobStatus{
	JobStatusProcessing,
	JobStatusReady,
	JobStatusError,
}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) IsValid() bool {
	for _, candidate := range validJobStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusReady || s == JobStatusError
}

func ParseJobStatus(value string) (JobStatus, error) {
	for _, candidate := range validJobStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job status %q", value)
}
