package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/genforge-backend/internal/chain"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/poller"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/redis"
)

const staleSweepBatch = 100

type staleJobFinder interface {
	FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.GenerationJob, error)
}

type staleJobFailer interface {
	Fail(ctx context.Context, id uuid.UUID, message string, patch jobs.Patch) error
}

type leaseReader interface {
	Get(ctx context.Context, key string) (string, error)
	JobLeaseKey(jobID string) string
}

type StaleJobSweeperParams struct {
	Logger    *logger.Logger
	Finder    staleJobFinder
	Store     staleJobFailer
	Leases    leaseReader
	MaxAge    time.Duration
	BatchSize int
}

// NewStaleJobSweeper fails processing jobs that outlived every budget without
// an owner, e.g. after a crash or a shutdown that interrupted polling.
func NewStaleJobSweeper(params StaleJobSweeperParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Finder == nil {
		return nil, fmt.Errorf("job finder required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("job store required")
	}
	if params.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = staleSweepBatch
	}
	return &staleJobSweeper{
		logg:   params.Logger,
		finder: params.Finder,
		store:  params.Store,
		leases: params.Leases,
		maxAge: params.MaxAge,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type staleJobSweeper struct {
	logg   *logger.Logger
	finder staleJobFinder
	store  staleJobFailer
	leases leaseReader
	maxAge time.Duration
	batch  int
	now    func() time.Time
}

func (j *staleJobSweeper) Name() string { return "stale-job-sweeper" }

func (j *staleJobSweeper) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.maxAge)
	rows, err := j.finder.FindStaleProcessing(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("find stale jobs: %w", err)
	}

	var errs error
	failed, owned := 0, 0
	for i := range rows {
		job := &rows[i]
		held, err := j.leaseHeld(ctx, job.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s lease: %w", job.ID, err))
			continue
		}
		if held {
			owned++
			continue
		}
		if err := j.fail(ctx, job, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		failed++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":      cutoff,
		"candidates":  len(rows),
		"jobs_failed": failed,
		"jobs_owned":  owned,
	})
	j.logg.Info(logCtx, "stale job sweep complete")
	return errs
}

func (j *staleJobSweeper) leaseHeld(ctx context.Context, id uuid.UUID) (bool, error) {
	if j.leases == nil {
		return false, nil
	}
	_, err := j.leases.Get(ctx, j.leases.JobLeaseKey(id.String()))
	if err == nil {
		return true, nil
	}
	if redis.IsNil(err) {
		return false, nil
	}
	return false, err
}

func (j *staleJobSweeper) fail(ctx context.Context, job *models.GenerationJob, now time.Time) error {
	message := poller.TimeoutMessage(j.maxAge)
	var patch jobs.Patch
	if job.Mode == enums.GenerationModeChain {
		if state, err := chain.ParseState(job.StepMetadata); err == nil && state != nil {
			if next, err := state.ToError(message, now); err == nil {
				if raw, err := next.JSON(); err == nil {
					patch.StepMetadata = raw
				}
			}
		}
	}
	err := j.store.Fail(ctx, job.ID, message, patch)
	if errors.Is(err, jobs.ErrTerminalState) || errors.Is(err, jobs.ErrJobNotFound) {
		return nil
	}
	return err
}
