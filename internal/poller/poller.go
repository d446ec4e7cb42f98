// Package poller submits work to a provider and polls it to a canonical
// outcome within a time budget.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/callbacks"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
)

const (
	defaultInterval    = 15 * time.Second
	defaultBackoffStep = 2 * time.Second
)

var (
	ErrPollTimeout         = errors.New("provider timeout")
	ErrSubmissionExhausted = errors.New("provider submission failed after retries")
)

// Source names where a tick's answer came from.
type Source string

const (
	SourceCallback Source = "callback"
	SourceProvider Source = "provider"
)

type providerSource interface {
	Get(name enums.Provider) (providers.Provider, error)
}

type signalSource interface {
	Lookup(ctx context.Context, provider enums.Provider, taskHandle string) (*callbacks.Signal, error)
}

type jobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
}

// Target identifies one in-flight provider task.
type Target struct {
	JobID      uuid.UUID
	Provider   enums.Provider
	TaskHandle string
}

// Budget bounds one await. Soft only produces a warning.
type Budget struct {
	Soft time.Duration
	Hard time.Duration
}

// Observation is the answer to a single tick.
type Observation struct {
	Result normalizer.Result
	Source Source
}

// Params wires a Poller. Signals and Jobs are optional.
type Params struct {
	Providers     providerSource
	Signals       signalSource
	Jobs          jobReader
	Logger        *logger.Logger
	Metrics       *metrics.OrchestratorMetrics
	Interval      time.Duration
	SubmitRetries int
	BackoffStep   time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

type Poller struct {
	providers   providerSource
	signals     signalSource
	jobs        jobReader
	logg        *logger.Logger
	metrics     *metrics.OrchestratorMetrics
	interval    time.Duration
	retries     int
	backoffStep time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(params Params) (*Poller, error) {
	if params.Providers == nil {
		return nil, errors.New("provider registry required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	p := &Poller{
		providers:   params.Providers,
		signals:     params.Signals,
		jobs:        params.Jobs,
		logg:        params.Logger,
		metrics:     params.Metrics,
		interval:    params.Interval,
		retries:     params.SubmitRetries,
		backoffStep: params.BackoffStep,
		now:         params.Now,
		sleep:       params.Sleep,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.retries < 0 {
		p.retries = 0
	}
	if p.backoffStep <= 0 {
		p.backoffStep = defaultBackoffStep
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = Sleep
	}
	return p, nil
}

// Now exposes the poller clock so callers share one time source.
func (p *Poller) Now() time.Time { return p.now() }

// Interval is the tick cadence.
func (p *Poller) Interval() time.Duration { return p.interval }

// Wait sleeps on the poller clock.
func (p *Poller) Wait(ctx context.Context, d time.Duration) error { return p.sleep(ctx, d) }

// Submit calls the provider, retrying failed calls with a linear backoff
// (step, 2*step, 3*step, ...). It returns the number of retries used.
func (p *Poller) Submit(ctx context.Context, name enums.Provider, req providers.SubmitRequest) (providers.Submission, int, error) {
	provider, err := p.providers.Get(name)
	if err != nil {
		return providers.Submission{}, 0, fmt.Errorf("%w: %v", ErrSubmissionExhausted, err)
	}
	logCtx := p.logg.WithProvider(ctx, string(name))

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, time.Duration(attempt)*p.backoffStep); err != nil {
				return providers.Submission{}, attempt - 1, err
			}
		}
		sub, err := provider.Submit(ctx, req)
		if err == nil {
			p.metrics.IncSubmitAttempt(string(provider.Name()), "ok")
			return sub, attempt, nil
		}
		p.metrics.IncSubmitAttempt(string(provider.Name()), "error")
		if ctx.Err() != nil {
			return providers.Submission{}, attempt, ctx.Err()
		}
		lastErr = err
		attemptCtx := p.logg.WithFields(logCtx, map[string]any{"attempt": attempt + 1, "error": err.Error()})
		p.logg.Warn(attemptCtx, "provider submission failed")
	}
	return providers.Submission{}, p.retries, fmt.Errorf("%w: %v", ErrSubmissionExhausted, lastErr)
}

// Check runs one tick: a settling callback wins, then a record that some other
// writer already finalized stops the loop, then the provider is asked.
func (p *Poller) Check(ctx context.Context, target Target) (Observation, error) {
	if p.signals != nil {
		signal, err := p.signals.Lookup(ctx, target.Provider, target.TaskHandle)
		switch {
		case err != nil:
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "callback signal lookup failed")
		case signal == nil || (signal.JobID != uuid.Nil && signal.JobID != target.JobID):
		case signal.Settles():
			return Observation{Result: signal.Result(), Source: SourceCallback}, nil
		default:
			p.logg.Debug(p.logg.WithField(ctx, "final_status", signal.FinalStatus), "callback carried no result urls, polling provider")
		}
	}

	if p.jobs != nil {
		job, err := p.jobs.Get(ctx, target.JobID)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				return Observation{}, err
			}
			return Observation{}, fmt.Errorf("read job record: %w", err)
		}
		if job.Status.IsTerminal() {
			return Observation{}, jobs.ErrTerminalState
		}
	}

	provider, err := p.providers.Get(target.Provider)
	if err != nil {
		return Observation{}, err
	}
	raw, err := provider.CheckStatus(ctx, target.TaskHandle)
	if err != nil {
		return Observation{}, err
	}
	result, err := normalizer.Normalize(provider.Name(), raw)
	if err != nil {
		return Observation{}, err
	}
	if result.Promoted {
		p.logg.Debug(p.logg.WithField(ctx, "shape", result.Shape), "result urls promoted processing to ready")
	}
	return Observation{Result: result, Source: SourceProvider}, nil
}

// Await ticks until the task resolves or the hard budget runs out. Transient
// check errors are logged and never end the loop.
func (p *Poller) Await(ctx context.Context, target Target, budget Budget) (Observation, error) {
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"job_id":      target.JobID.String(),
		"provider":    target.Provider,
		"task_handle": target.TaskHandle,
	})
	start := p.now()
	warned := false
	for {
		obs, err := p.Check(ctx, target)
		switch {
		case err == nil && obs.Result.Status != normalizer.StatusProcessing:
			return obs, nil
		case errors.Is(err, jobs.ErrTerminalState), errors.Is(err, jobs.ErrJobNotFound):
			return Observation{}, err
		case err != nil:
			if ctx.Err() != nil {
				return Observation{}, ctx.Err()
			}
			p.metrics.IncPollError(string(target.Provider))
			p.logg.Warn(p.logg.WithField(logCtx, "error", err.Error()), "status check failed")
		}

		elapsed := p.now().Sub(start)
		if budget.Soft > 0 && !warned && elapsed >= budget.Soft {
			warned = true
			p.logg.Warn(p.logg.WithField(logCtx, "elapsed_ms", elapsed.Milliseconds()), "provider slower than expected")
		}
		if elapsed >= budget.Hard {
			return Observation{}, fmt.Errorf("%w after %s", ErrPollTimeout, budget.Hard)
		}
		wait := p.interval
		if remaining := budget.Hard - elapsed; remaining < wait {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Observation{}, err
		}
	}
}

// TimeoutMessage is the terminal error text recorded for an exhausted budget.
func TimeoutMessage(budget time.Duration) string {
	return fmt.Sprintf("provider timeout: no result within %s", budget)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
