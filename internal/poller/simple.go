package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/prompts"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
)

const providerFailedMessage = "provider reported failure"

// JobWriter is the record-store surface an owner loop writes through.
type JobWriter interface {
	Update(ctx context.Context, id uuid.UUID, patch jobs.Patch) error
	Complete(ctx context.Context, id uuid.UUID, urls []string, patch jobs.Patch) error
	Fail(ctx context.Context, id uuid.UUID, message string, patch jobs.Patch) error
}

// CallbackURLs mints the per-task callback URL. Implementations return "" when
// callbacks are disabled.
type CallbackURLs interface {
	URLFor(jobID uuid.UUID, provider enums.Provider) (string, error)
}

type SimpleParams struct {
	Poller    *Poller
	Store     JobWriter
	Callbacks CallbackURLs
	Budgets   config.Budgets
	Logger    *logger.Logger
	Metrics   *metrics.OrchestratorMetrics
}

// SimpleRunner owns image and video jobs: one submit, one await, one terminal
// write.
type SimpleRunner struct {
	poller    *Poller
	store     JobWriter
	callbacks CallbackURLs
	budgets   config.Budgets
	logg      *logger.Logger
	metrics   *metrics.OrchestratorMetrics
}

func NewSimpleRunner(params SimpleParams) (*SimpleRunner, error) {
	if params.Poller == nil {
		return nil, errors.New("poller required")
	}
	if params.Store == nil {
		return nil, errors.New("job store required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	budgets := params.Budgets
	if budgets.SimpleImage <= 0 || budgets.SimpleVideo <= 0 {
		budgets = config.DefaultBudgets()
	}
	return &SimpleRunner{
		poller:    params.Poller,
		store:     params.Store,
		callbacks: params.Callbacks,
		budgets:   budgets,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

// Run drives job to a terminal state. It returns nil once the record is
// terminal, including when another writer got there first; a non-nil error
// means the loop was interrupted and the job is left processing.
func (r *SimpleRunner) Run(ctx context.Context, job *models.GenerationJob) error {
	if job == nil {
		return errors.New("job required")
	}
	if job.Mode == enums.GenerationModeChain {
		return fmt.Errorf("simple runner cannot own %s job %s", job.Mode, job.ID)
	}
	ctx = r.logg.WithJobID(ctx, job.ID.String())
	ctx = r.logg.WithProvider(ctx, string(job.Provider))
	start := r.poller.Now()

	req := providers.SubmitRequest{
		Prompt:        r.promptFor(job),
		MediaType:     job.MediaType,
		ReferenceURLs: []string(job.ReferenceURLs),
		DurationHint:  job.DurationHint,
		AspectRatio:   job.AspectRatio,
		CallbackURL:   r.callbackURL(ctx, job.ID, job.Provider),
	}
	sub, retries, err := r.poller.Submit(ctx, job.Provider, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, job.ID, err.Error(), jobs.Patch{RetryCount: &retries})
	}

	provider := sub.Provider
	if provider == "" {
		provider = job.Provider
	}
	handle := sub.TaskHandle
	patch := jobs.Patch{Provider: &provider, TaskHandle: &handle, RetryCount: &retries}
	if err := r.store.Update(ctx, job.ID, patch); err != nil {
		if errors.Is(err, jobs.ErrTerminalState) || errors.Is(err, jobs.ErrJobNotFound) {
			return nil
		}
		r.logg.Error(ctx, "record task handle failed", err)
	}
	r.logg.Info(r.logg.WithField(ctx, "task_handle", handle), "provider task submitted")

	budget := r.budgetFor(job.MediaType)
	obs, err := r.poller.Await(ctx, Target{JobID: job.ID, Provider: provider, TaskHandle: handle}, budget)
	r.metrics.ObserveStep("simple_"+string(job.MediaType), r.poller.Now().Sub(start))
	switch {
	case errors.Is(err, ErrPollTimeout):
		return r.fail(ctx, job.ID, TimeoutMessage(budget.Hard), jobs.Patch{})
	case errors.Is(err, jobs.ErrTerminalState), errors.Is(err, jobs.ErrJobNotFound):
		r.logg.Info(ctx, "job finalized elsewhere, owner loop stopping")
		return nil
	case err != nil:
		return err
	}

	if obs.Result.Status == normalizer.StatusFailed {
		return r.fail(ctx, job.ID, FailureText(obs.Result), jobs.Patch{})
	}
	if len(obs.Result.ResultURLs) == 0 {
		r.logg.Warn(r.logg.WithField(ctx, "source", obs.Source), "ready without result urls")
	}
	return r.complete(ctx, job.ID, obs.Result.ResultURLs)
}

func (r *SimpleRunner) promptFor(job *models.GenerationJob) string {
	req := prompts.Request{
		Prompt:       job.Prompt,
		AspectRatio:  job.AspectRatio,
		DurationHint: job.DurationHint,
		HasReference: len(job.ReferenceURLs) > 0,
	}
	if job.MediaType == enums.MediaTypeVideo {
		return prompts.SimpleVideo(req)
	}
	return prompts.SimpleImage(req)
}

func (r *SimpleRunner) budgetFor(mediaType enums.MediaType) Budget {
	if mediaType == enums.MediaTypeVideo {
		return Budget{Soft: r.budgets.SimpleSoft, Hard: r.budgets.SimpleVideo}
	}
	return Budget{Hard: r.budgets.SimpleImage}
}

func (r *SimpleRunner) callbackURL(ctx context.Context, jobID uuid.UUID, provider enums.Provider) string {
	return CallbackURL(ctx, r.callbacks, r.logg, jobID, provider)
}

func (r *SimpleRunner) complete(ctx context.Context, id uuid.UUID, urls []string) error {
	if err := r.store.Complete(ctx, id, urls, jobs.Patch{}); err != nil && !errors.Is(err, jobs.ErrTerminalState) {
		return err
	}
	return nil
}

func (r *SimpleRunner) fail(ctx context.Context, id uuid.UUID, message string, patch jobs.Patch) error {
	r.logg.Warn(r.logg.WithField(ctx, "reason", message), "job failed")
	if err := r.store.Fail(ctx, id, message, patch); err != nil && !errors.Is(err, jobs.ErrTerminalState) {
		return err
	}
	return nil
}

// CallbackURL mints a callback URL, logging and degrading to polling-only on
// error.
func CallbackURL(ctx context.Context, urls CallbackURLs, logg *logger.Logger, jobID uuid.UUID, provider enums.Provider) string {
	if urls == nil {
		return ""
	}
	u, err := urls.URLFor(jobID, provider)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "callback url unavailable, polling only")
		return ""
	}
	return u
}

// FailureText is the terminal message for a failed provider result.
func FailureText(result normalizer.Result) string {
	if msg := strings.TrimSpace(result.ErrorMessage); msg != "" {
		return msg
	}
	return providerFailedMessage
}
