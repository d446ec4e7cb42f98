package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
	"github.com/angelmondragon/genforge-backend/pkg/outbox"
	"github.com/angelmondragon/genforge-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/genforge-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StoreParams wires the record store.
type StoreParams struct {
	DB         txRunner
	Repository *Repository
	Events     eventEmitter
	Logger     *logger.Logger
	Metrics    *metrics.OrchestratorMetrics
	Now        func() time.Time
}

// Store is the narrow create/get/update surface the orchestrator talks to.
// Terminal transitions go through Complete and Fail so the outbound event is
// emitted exactly once per job.
type Store struct {
	db      txRunner
	repo    *Repository
	events  eventEmitter
	logg    *logger.Logger
	metrics *metrics.OrchestratorMetrics
	now     func() time.Time
}

func NewStore(params StoreParams) (*Store, error) {
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("job repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:      params.DB,
		repo:    params.Repository,
		events:  params.Events,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     now,
	}, nil
}

// Create persists a new processing job and returns its id.
func (s *Store) Create(ctx context.Context, job *models.GenerationJob) (uuid.UUID, error) {
	if job == nil {
		return uuid.Nil, errors.New("job required")
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}
	return job.ID, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return s.repo.Get(ctx, id)
}

func (s *Store) List(ctx context.Context, params ListParams) ([]models.GenerationJob, string, error) {
	rows, next, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, "", err
	}
	if next == nil {
		return rows, "", nil
	}
	return rows, pagination.EncodeCursor(*next), nil
}

// Update applies a partial update to a processing job.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Patch) error {
	return s.repo.UpdateProcessing(ctx, id, patch.columns())
}

// Complete moves the job to ready. The first URL becomes resultUrl; an empty
// list is a valid ready outcome.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, urls []string, patch Patch) error {
	cols := patch.columns()
	cols["status"] = enums.JobStatusReady
	if urls == nil {
		urls = []string{}
	}
	cols["result_urls"] = datatypes.NewJSONSlice(urls)
	if len(urls) > 0 {
		cols["result_url"] = urls[0]
	}
	return s.finalize(ctx, id, cols)
}

// Fail moves the job to error with a human-readable message.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, message string, patch Patch) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "generation failed"
	}
	cols := patch.columns()
	cols["status"] = enums.JobStatusError
	cols["error_message"] = message
	return s.finalize(ctx, id, cols)
}

func (s *Store) finalize(ctx context.Context, id uuid.UUID, cols map[string]any) error {
	cols["completed_at"] = s.now().UTC()
	if err := s.repo.UpdateProcessing(ctx, id, cols); err != nil {
		return err
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logg.Error(s.logg.WithJobID(ctx, id.String()), "reload finalized job failed", err)
		return nil
	}
	s.metrics.IncTerminal(string(job.Mode), string(job.Status))
	s.emitTerminal(ctx, job)
	return nil
}

// emitTerminal runs after the transition committed; a failure here is logged
// and never undoes the transition.
func (s *Store) emitTerminal(ctx context.Context, job *models.GenerationJob) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"job_id":   job.ID.String(),
		"status":   job.Status,
		"provider": job.Provider,
	})
	if s.events == nil {
		return
	}
	event := outbox.DomainEvent{
		EventType:     enums.EventJobCompleted,
		AggregateType: enums.AggregateGenerationJob,
		AggregateID:   job.ID,
		Data:          terminalPayload(job),
		OccurredAt:    s.now().UTC(),
	}
	if job.Status == enums.JobStatusError {
		event.EventType = enums.EventJobFailed
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.events.EmitIfNotExists(ctx, tx, event)
	})
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "terminal event emission failed")
	}
}

func terminalPayload(job *models.GenerationJob) payloads.JobTerminalEvent {
	completed := job.UpdatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	return payloads.JobTerminalEvent{
		JobID:        job.ID,
		Status:       job.Status,
		Mode:         job.Mode,
		Provider:     job.Provider,
		MediaType:    job.MediaType,
		ResultURL:    job.ResultURL,
		ResultURLs:   job.ResultURLs,
		ErrorMessage: job.ErrorMessage,
		CompletedAt:  completed,
	}
}
