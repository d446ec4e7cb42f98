// Package jobs is the job record store: persistence for GenerationJob rows plus
// the guarded terminal transitions that emit outbound events.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/internal/repo"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/pagination"
)

var (
	ErrJobNotFound   = errors.New("generation job not found")
	ErrTerminalState = errors.New("generation job already terminal")
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Provider     *enums.Provider
	MediaType    *enums.MediaType
	TaskHandle   *string
	RetryCount   *int
	StepMetadata datatypes.JSON
}

func (p Patch) columns() map[string]any {
	cols := map[string]any{}
	if p.Provider != nil {
		cols["provider"] = *p.Provider
	}
	if p.MediaType != nil {
		cols["media_type"] = *p.MediaType
	}
	if p.TaskHandle != nil {
		cols["provider_task_handle"] = *p.TaskHandle
	}
	if p.RetryCount != nil {
		cols["retry_count"] = *p.RetryCount
	}
	if p.StepMetadata != nil {
		cols["step_metadata"] = p.StepMetadata
	}
	return cols
}

// ListParams filters the recent-jobs listing.
type ListParams struct {
	pagination.Params
	Status enums.JobStatus
	Mode   enums.GenerationMode
}

// Repository is the gorm-backed record store.
type Repository struct {
	base repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{base: repo.NewBase(db)}
}

// WithTx scopes the repository to an open transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{base: r.base.Bind(tx)}
}

func (r *Repository) Create(ctx context.Context, job *models.GenerationJob) error {
	job.Status = enums.JobStatusProcessing
	return r.base.DB(ctx).Create(job).Error
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.base.DB(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List returns jobs newest first with a keyset cursor for the next page.
func (r *Repository) List(ctx context.Context, params ListParams) ([]models.GenerationJob, *pagination.Cursor, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, nil, err
	}
	var rows []models.GenerationJob
	err = r.base.DB(ctx).
		Scopes(
			repo.WhereIfSet("status", params.Status),
			repo.WhereIfSet("mode", params.Mode),
			repo.After(cursor),
			repo.NewestFirst,
			repo.Page(params.Limit),
		).
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, params.Limit, func(j models.GenerationJob) pagination.Cursor {
		return pagination.Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
	})
	return page, next, nil
}

// UpdateProcessing applies cols only while the job is still processing.
func (r *Repository) UpdateProcessing(ctx context.Context, id uuid.UUID, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	res := r.base.DB(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusProcessing).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// FindStaleProcessing returns processing jobs created before cutoff, oldest first.
func (r *Repository) FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	var rows []models.GenerationJob
	err := r.base.DB(ctx).
		Where("status = ? AND created_at < ?", enums.JobStatusProcessing, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := r.base.DB(ctx).Model(&models.GenerationJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return ErrTerminalState
}
