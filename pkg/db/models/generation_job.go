package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

// GenerationJob is the durable record of one media-generation request. The
// record is the single source of truth observed by API clients.
type GenerationJob struct {
	ID                 uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	Mode               enums.GenerationMode        `gorm:"column:mode;type:text;not null"`
	Provider           enums.Provider              `gorm:"column:provider;type:text;not null"`
	MediaType          enums.MediaType             `gorm:"column:media_type;type:text;not null"`
	Status             enums.JobStatus             `gorm:"column:status;type:text;not null;index"`
	Prompt             string                      `gorm:"column:prompt;type:text;not null"`
	ReferenceURLs      datatypes.JSONSlice[string] `gorm:"column:reference_urls"`
	AspectRatio        string                      `gorm:"column:aspect_ratio;type:text"`
	DurationHint       int                         `gorm:"column:duration_hint;not null;default:0"`
	ProviderTaskHandle *string                     `gorm:"column:provider_task_handle;type:text"`
	ResultURL          *string                     `gorm:"column:result_url;type:text"`
	ResultURLs         datatypes.JSONSlice[string] `gorm:"column:result_urls"`
	ErrorMessage       *string                     `gorm:"column:error_message;type:text"`
	RetryCount         int                         `gorm:"column:retry_count;not null;default:0"`
	StepMetadata       datatypes.JSON              `gorm:"column:step_metadata"`
	CreatedAt          time.Time                   `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt          time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt        *time.Time                  `gorm:"column:completed_at"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

func (j *GenerationJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// TaskHandle returns the provider handle or an empty string.
func (j *GenerationJob) TaskHandle() string {
	if j == nil || j.ProviderTaskHandle == nil {
		return ""
	}
	return *j.ProviderTaskHandle
}
