// Package scheduler runs one detached owner loop per job. Submission returns
// as soon as the loop is started.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
	"github.com/angelmondragon/genforge-backend/pkg/redis"
)

const (
	defaultLeaseTTL = 15 * time.Minute
	releaseTimeout  = 5 * time.Second
)

var (
	ErrClosed  = errors.New("scheduler is shut down")
	ErrNoOwner = errors.New("no owner for generation mode")
)

// Owner drives a job to a terminal record.
type Owner interface {
	Run(ctx context.Context, job *models.GenerationJob) error
}

// LeaseStore backs the per-job ownership lease.
type LeaseStore interface {
	redis.LockStore
	JobLeaseKey(jobID string) string
}

type Params struct {
	Simple   Owner
	Chain    Owner
	Leases   LeaseStore
	LeaseTTL time.Duration
	Logger   *logger.Logger
	Metrics  *metrics.OrchestratorMetrics
}

type Scheduler struct {
	simple   Owner
	chain    Owner
	leases   LeaseStore
	leaseTTL time.Duration
	logg     *logger.Logger
	metrics  *metrics.OrchestratorMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(params Params) (*Scheduler, error) {
	if params.Simple == nil {
		return nil, errors.New("simple owner required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	ttl := params.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		simple:   params.Simple,
		chain:    params.Chain,
		leases:   params.Leases,
		leaseTTL: ttl,
		logg:     params.Logger,
		metrics:  params.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Supports reports whether a job of mode can be owned.
func (s *Scheduler) Supports(mode enums.GenerationMode) bool {
	return s.ownerFor(mode) != nil
}

func (s *Scheduler) ownerFor(mode enums.GenerationMode) Owner {
	switch mode {
	case enums.GenerationModeImage, enums.GenerationModeVideo:
		return s.simple
	case enums.GenerationModeChain:
		return s.chain
	}
	return nil
}

// Schedule starts the owner loop for job in the background.
func (s *Scheduler) Schedule(job *models.GenerationJob) error {
	if job == nil {
		return errors.New("job required")
	}
	owner := s.ownerFor(job.Mode)
	if owner == nil {
		return fmt.Errorf("%w: %s", ErrNoOwner, job.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	go s.run(owner, job)
	return nil
}

func (s *Scheduler) run(owner Owner, job *models.GenerationJob) {
	defer s.wg.Done()
	done := s.metrics.TrackInFlight()
	defer done()

	ctx := s.logg.WithFields(s.ctx, map[string]any{
		"job_id": job.ID.String(),
		"mode":   job.Mode,
	})
	defer func() {
		if r := recover(); r != nil {
			s.logg.Error(s.logg.WithField(ctx, "stack", string(debug.Stack())), "owner loop panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	release, ok := s.acquire(ctx, job)
	if !ok {
		return
	}
	defer release()

	if err := owner.Run(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logg.Warn(ctx, "owner loop interrupted, job left processing")
			return
		}
		s.logg.Error(ctx, "owner loop failed", err)
	}
}

// acquire takes the job lease. A Redis outage does not block the loop: this
// process is the only scheduler.
func (s *Scheduler) acquire(ctx context.Context, job *models.GenerationJob) (func(), bool) {
	noop := func() {}
	if s.leases == nil {
		return noop, true
	}
	lock, err := redis.NewRedisLock(s.leases, s.leases.JobLeaseKey(job.ID.String()), s.leaseTTL)
	if err != nil {
		s.logg.Error(ctx, "build job lease failed", err)
		return noop, true
	}
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "job lease unavailable, running without it")
		return noop, true
	}
	if !acquired {
		s.logg.Info(ctx, "job already owned, skipping")
		return noop, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "release job lease failed")
		}
	}, true
}

// Shutdown stops accepting jobs and waits for running loops until ctx is
// done; the rest are then cancelled and left processing.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-drained
		return ctx.Err()
	}
}
