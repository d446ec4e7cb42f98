package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

// JobTerminalEvent is the outbound signal emitted once a job enters ready or error.
type JobTerminalEvent struct {
	JobID        uuid.UUID            `json:"jobId"`
	Status       enums.JobStatus      `json:"status"`
	Mode         enums.GenerationMode `json:"mode"`
	Provider     enums.Provider       `json:"provider"`
	MediaType    enums.MediaType      `json:"mediaType"`
	ResultURL    *string              `json:"resultUrl,omitempty"`
	ResultURLs   []string             `json:"resultUrls,omitempty"`
	ErrorMessage *string              `json:"errorMessage,omitempty"`
	CompletedAt  time.Time            `json:"completedAt"`
}
