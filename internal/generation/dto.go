package generation

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/chain"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

// JobDTO is the public shape of a generation job.
type JobDTO struct {
	ID                 uuid.UUID            `json:"id"`
	Mode               enums.GenerationMode `json:"mode"`
	Status             enums.JobStatus      `json:"status"`
	Provider           enums.Provider       `json:"provider"`
	MediaType          enums.MediaType      `json:"mediaType"`
	Prompt             string               `json:"prompt"`
	ReferenceURLs      []string             `json:"referenceUrls,omitempty"`
	AspectRatio        string               `json:"aspectRatio,omitempty"`
	DurationHint       int                  `json:"durationHint,omitempty"`
	ProviderTaskHandle *string              `json:"providerTaskHandle,omitempty"`
	ResultURL          *string              `json:"resultUrl,omitempty"`
	ResultURLs         []string             `json:"resultUrls,omitempty"`
	ErrorMessage       *string              `json:"errorMessage,omitempty"`
	RetryCount         int                  `json:"retryCount"`
	StepMetadata       *chain.State         `json:"stepMetadata,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	CompletedAt        *time.Time           `json:"completedAt,omitempty"`
}

// AcceptedDTO is returned when a submission has been scheduled.
type AcceptedDTO struct {
	ID     uuid.UUID       `json:"id"`
	Status enums.JobStatus `json:"status"`
}

// JobPageDTO is one page of the job listing.
type JobPageDTO struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// NewJobDTO flattens a record and its decoded chain state.
func NewJobDTO(job *models.GenerationJob, state *chain.State) JobDTO {
	return JobDTO{
		ID:                 job.ID,
		Mode:               job.Mode,
		Status:             job.Status,
		Provider:           job.Provider,
		MediaType:          job.MediaType,
		Prompt:             job.Prompt,
		ReferenceURLs:      []string(job.ReferenceURLs),
		AspectRatio:        job.AspectRatio,
		DurationHint:       job.DurationHint,
		ProviderTaskHandle: job.ProviderTaskHandle,
		ResultURL:          job.ResultURL,
		ResultURLs:         []string(job.ResultURLs),
		ErrorMessage:       job.ErrorMessage,
		RetryCount:         job.RetryCount,
		StepMetadata:       state,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
		CompletedAt:        job.CompletedAt,
	}
}

// NewJobPageDTO builds a listing page. Chain state is omitted from listings.
func NewJobPageDTO(rows []models.GenerationJob, next string) JobPageDTO {
	page := JobPageDTO{Jobs: make([]JobDTO, 0, len(rows)), NextCursor: next}
	for i := range rows {
		page.Jobs = append(page.Jobs, NewJobDTO(&rows[i], nil))
	}
	return page
}
