package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/genforge-backend/internal/analysis"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/poller"
	"github.com/angelmondragon/genforge-backend/internal/prompts"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
)

const defaultImageRetryLimit = 5

// Fallback reason classes used as metric labels.
const (
	reasonImageFailed    = "image_failed"
	reasonImageTimeout   = "image_timeout"
	reasonImageRetries   = "image_retries"
	reasonImageSubmit    = "image_submit"
	reasonAnalysisFailed = "analysis_failed"
)

// Providers names the backend used by each provider-bound step.
type Providers struct {
	Image    enums.Provider
	Video    enums.Provider
	Fallback enums.Provider
}

type Params struct {
	Poller             *poller.Poller
	Store              poller.JobWriter
	Analyzer           analysis.Analyzer
	Callbacks          poller.CallbackURLs
	Providers          Providers
	Budgets            config.Budgets
	ImageRetryLimit    int
	FallbackOnAnalysis bool
	Logger             *logger.Logger
	Metrics            *metrics.OrchestratorMetrics
}

// Orchestrator owns chain jobs from the first image submission to a terminal
// record.
type Orchestrator struct {
	poller             *poller.Poller
	store              poller.JobWriter
	analyzer           analysis.Analyzer
	callbacks          poller.CallbackURLs
	providers          Providers
	budgets            config.Budgets
	imageRetryLimit    int
	fallbackOnAnalysis bool
	logg               *logger.Logger
	metrics            *metrics.OrchestratorMetrics
}

func New(params Params) (*Orchestrator, error) {
	switch {
	case params.Poller == nil:
		return nil, errors.New("poller required")
	case params.Store == nil:
		return nil, errors.New("job store required")
	case params.Analyzer == nil:
		return nil, errors.New("content analyzer required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	}
	p := params.Providers
	if !p.Image.IsValid() || !p.Video.IsValid() || !p.Fallback.IsValid() {
		return nil, fmt.Errorf("chain providers must be valid, got %+v", p)
	}
	budgets := params.Budgets
	if budgets.ChainTotal <= 0 {
		budgets = config.DefaultBudgets()
	}
	limit := params.ImageRetryLimit
	if limit <= 0 {
		limit = defaultImageRetryLimit
	}
	return &Orchestrator{
		poller:             params.Poller,
		store:              params.Store,
		analyzer:           params.Analyzer,
		callbacks:          params.Callbacks,
		providers:          p,
		budgets:            budgets,
		imageRetryLimit:    limit,
		fallbackOnAnalysis: params.FallbackOnAnalysis,
		logg:               params.Logger,
		metrics:            params.Metrics,
	}, nil
}

// run is the owner loop's in-memory view of one chain job.
type run struct {
	job      *models.GenerationJob
	state    State
	provider enums.Provider
	handle   string
	request  prompts.Request
}

func (r *run) target() poller.Target {
	return poller.Target{JobID: r.job.ID, Provider: r.provider, TaskHandle: r.handle}
}

// errStop ends the loop without further writes: the record is terminal.
var errStop = errors.New("chain finished")

// Run ticks the step machine until the job is terminal. A non-nil error means
// the loop was interrupted and the record is left processing.
func (o *Orchestrator) Run(ctx context.Context, job *models.GenerationJob) error {
	if job == nil {
		return errors.New("job required")
	}
	if job.Mode != enums.GenerationModeChain {
		return fmt.Errorf("chain orchestrator cannot own %s job %s", job.Mode, job.ID)
	}
	ctx = o.logg.WithJobID(ctx, job.ID.String())

	r := &run{
		job:      job,
		state:    NewState(o.providers.Image, o.poller.Now()),
		provider: o.providers.Image,
		request: prompts.Request{
			Prompt:       job.Prompt,
			AspectRatio:  job.AspectRatio,
			DurationHint: job.DurationHint,
			HasReference: len(job.ReferenceURLs) > 0,
		},
	}

	err := o.submitImage(ctx, r)
	for err == nil {
		if remaining := o.budgets.ChainTotal - o.poller.Now().Sub(r.state.StartedAt()); remaining <= 0 {
			err = o.fail(ctx, r, poller.TimeoutMessage(o.budgets.ChainTotal))
			break
		}
		var advanced bool
		advanced, err = o.tick(ctx, r)
		if err != nil || advanced {
			continue
		}
		err = o.poller.Wait(ctx, o.nextWait(r))
	}
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// tick dispatches on the current step. advanced reports a transition, which
// lets the loop run the next handler without waiting.
func (o *Orchestrator) tick(ctx context.Context, r *run) (bool, error) {
	stepCtx := o.logg.WithChainStep(ctx, string(r.state.Step))
	switch r.state.Step {
	case enums.ChainStepGeneratingImage:
		return o.onImage(stepCtx, r)
	case enums.ChainStepAnalyzingImage:
		return true, o.onAnalysis(stepCtx, r)
	case enums.ChainStepFallbackToVeo3:
		return true, o.onFallback(stepCtx, r)
	case enums.ChainStepGeneratingVideo:
		return o.onVideo(stepCtx, r)
	default:
		return false, errStop
	}
}

func (o *Orchestrator) nextWait(r *run) time.Duration {
	now := o.poller.Now()
	wait := o.poller.Interval()
	if left := o.budgets.ChainTotal - now.Sub(r.state.StartedAt()); left < wait {
		wait = left
	}
	if left := o.stepBudget(r.state.Step) - r.state.Elapsed(now); left > 0 && left < wait {
		wait = left
	}
	return wait
}

func (o *Orchestrator) stepBudget(step enums.ChainStep) time.Duration {
	switch step {
	case enums.ChainStepGeneratingImage:
		return o.budgets.ChainImage
	case enums.ChainStepAnalyzingImage:
		return o.budgets.ChainAnalysis
	case enums.ChainStepGeneratingVideo:
		return o.budgets.ChainVideo
	}
	return 0
}

func (o *Orchestrator) submitImage(ctx context.Context, r *run) error {
	req := providers.SubmitRequest{
		Prompt:        prompts.ChainImage(r.request),
		MediaType:     enums.MediaTypeImage,
		ReferenceURLs: []string(r.job.ReferenceURLs),
		AspectRatio:   r.job.AspectRatio,
		CallbackURL:   poller.CallbackURL(ctx, o.callbacks, o.logg, r.job.ID, o.providers.Image),
	}
	sub, retries, err := o.poller.Submit(ctx, o.providers.Image, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.job.RetryCount = retries
		return o.fallback(ctx, r, reasonImageSubmit, fmt.Sprintf("image submission failed: %v", err))
	}
	r.job.RetryCount = retries
	r.provider = providerOr(sub.Provider, o.providers.Image)
	r.handle = sub.TaskHandle

	mediaType := enums.MediaTypeImage
	return o.persist(ctx, r, jobs.Patch{Provider: &r.provider, MediaType: &mediaType, TaskHandle: &r.handle, RetryCount: &retries})
}

func (o *Orchestrator) onImage(ctx context.Context, r *run) (bool, error) {
	obs, err := o.poller.Check(ctx, r.target())
	if stop := stopError(err); stop != nil {
		return false, stop
	}
	if err != nil {
		o.metrics.IncPollError(string(r.provider))
		o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "image status check failed")
	} else {
		switch obs.Result.Status {
		case normalizer.StatusFailed:
			return true, o.fallback(ctx, r, reasonImageFailed, "image generation failed: "+poller.FailureText(obs.Result))
		case normalizer.StatusReady:
			if url := obs.Result.FirstURL(); url != "" {
				o.observe(r)
				next, err := r.state.ToAnalyzing(url, o.poller.Now())
				if err != nil {
					return false, err
				}
				r.state = next
				return true, o.persist(ctx, r, jobs.Patch{})
			}
			r.state.ImageRetryCount++
			if r.state.ImageRetryCount >= o.imageRetryLimit {
				return true, o.fallback(ctx, r, reasonImageRetries,
					fmt.Sprintf("image fetch failed after %d retries", r.state.ImageRetryCount))
			}
			o.logg.Warn(o.logg.WithField(ctx, "image_retry_count", r.state.ImageRetryCount), "image ready without url")
			if err := o.persist(ctx, r, jobs.Patch{}); err != nil {
				return false, err
			}
		}
	}

	if r.state.Elapsed(o.poller.Now()) >= o.budgets.ChainImage {
		return true, o.fallback(ctx, r, reasonImageTimeout, "image "+poller.TimeoutMessage(o.budgets.ChainImage))
	}
	return false, nil
}

func (o *Orchestrator) onAnalysis(ctx context.Context, r *run) error {
	analysisCtx, cancel := context.WithTimeout(ctx, o.budgets.ChainAnalysis)
	description, err := o.analyzer.Analyze(analysisCtx, r.state.ImageURL, prompts.AnalysisInstruction(r.job.Prompt))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		message := "image analysis failed: " + err.Error()
		if errors.Is(analysisCtx.Err(), context.DeadlineExceeded) {
			message = "image analysis " + poller.TimeoutMessage(o.budgets.ChainAnalysis)
		}
		if o.fallbackOnAnalysis {
			return o.fallback(ctx, r, reasonAnalysisFailed, message)
		}
		o.observe(r)
		return o.fail(ctx, r, message)
	}
	o.observe(r)

	req := providers.SubmitRequest{
		Prompt:        prompts.ChainVideo(r.request, description),
		MediaType:     enums.MediaTypeVideo,
		ReferenceURLs: []string{r.state.ImageURL},
		DurationHint:  r.job.DurationHint,
		AspectRatio:   r.job.AspectRatio,
	}
	next, err := r.state.ToVideo(description, o.poller.Now())
	if err != nil {
		return err
	}
	return o.enterVideo(ctx, r, next, o.providers.Video, req)
}

func (o *Orchestrator) onFallback(ctx context.Context, r *run) error {
	req := providers.SubmitRequest{
		Prompt:        prompts.SimpleVideo(r.request),
		MediaType:     enums.MediaTypeVideo,
		ReferenceURLs: firstReference(r.job),
		DurationHint:  r.job.DurationHint,
		AspectRatio:   r.job.AspectRatio,
	}
	next, err := r.state.ToVideo("", o.poller.Now())
	if err != nil {
		return err
	}
	return o.enterVideo(ctx, r, next, o.providers.Fallback, req)
}

// enterVideo submits the video task and switches the record's provider and
// media type in the same write that records the new step.
func (o *Orchestrator) enterVideo(ctx context.Context, r *run, next State, provider enums.Provider, req providers.SubmitRequest) error {
	req.CallbackURL = poller.CallbackURL(ctx, o.callbacks, o.logg, r.job.ID, provider)
	sub, retries, err := o.poller.Submit(ctx, provider, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.job.RetryCount += retries
		return o.fail(ctx, r, fmt.Sprintf("video submission failed: %v", err))
	}
	r.job.RetryCount += retries
	r.state = next
	r.provider = providerOr(sub.Provider, provider)
	r.handle = sub.TaskHandle

	mediaType := enums.MediaTypeVideo
	retryCount := r.job.RetryCount
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"provider":    r.provider,
		"task_handle": r.handle,
		"degraded":    r.state.Degraded(),
	}), "video task submitted")
	return o.persist(ctx, r, jobs.Patch{Provider: &r.provider, MediaType: &mediaType, TaskHandle: &r.handle, RetryCount: &retryCount})
}

func (o *Orchestrator) onVideo(ctx context.Context, r *run) (bool, error) {
	obs, err := o.poller.Check(ctx, r.target())
	if stop := stopError(err); stop != nil {
		return false, stop
	}
	if err != nil {
		o.metrics.IncPollError(string(r.provider))
		o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "video status check failed")
	} else {
		switch obs.Result.Status {
		case normalizer.StatusFailed:
			o.observe(r)
			return true, o.fail(ctx, r, "video generation failed: "+poller.FailureText(obs.Result))
		case normalizer.StatusReady:
			o.observe(r)
			return true, o.complete(ctx, r, obs.Result.ResultURLs)
		}
	}
	if r.state.Elapsed(o.poller.Now()) >= o.budgets.ChainVideo {
		o.observe(r)
		return true, o.fail(ctx, r, "video "+poller.TimeoutMessage(o.budgets.ChainVideo))
	}
	return false, nil
}

func (o *Orchestrator) fallback(ctx context.Context, r *run, class, reason string) error {
	o.observe(r)
	next, err := r.state.ToFallback(reason, o.poller.Now())
	if err != nil {
		return err
	}
	r.state = next
	r.handle = ""
	o.metrics.IncFallback(class)
	o.logg.Warn(o.logg.WithField(ctx, "fallback_reason", reason), "chain degraded to direct video generation")
	retries := r.job.RetryCount
	return o.persist(ctx, r, jobs.Patch{RetryCount: &retries})
}

func (o *Orchestrator) complete(ctx context.Context, r *run, urls []string) error {
	if len(urls) == 0 {
		o.logg.Warn(ctx, "video ready without result urls")
	}
	next, err := r.state.ToCompleted(o.poller.Now())
	if err != nil {
		return err
	}
	r.state = next
	meta, err := r.state.JSON()
	if err != nil {
		return err
	}
	if err := o.store.Complete(ctx, r.job.ID, urls, jobs.Patch{StepMetadata: meta}); err != nil && !errors.Is(err, jobs.ErrTerminalState) {
		return err
	}
	o.logg.Info(o.logg.WithField(ctx, "degraded", r.state.Degraded()), "chain completed")
	return errStop
}

func (o *Orchestrator) fail(ctx context.Context, r *run, message string) error {
	next, err := r.state.ToError(message, o.poller.Now())
	if err != nil {
		return err
	}
	r.state = next
	meta, err := r.state.JSON()
	if err != nil {
		return err
	}
	retries := r.job.RetryCount
	o.logg.Warn(o.logg.WithField(ctx, "reason", message), "chain failed")
	if err := o.store.Fail(ctx, r.job.ID, message, jobs.Patch{StepMetadata: meta, RetryCount: &retries}); err != nil && !errors.Is(err, jobs.ErrTerminalState) {
		return err
	}
	return errStop
}

// persist writes the current step metadata plus patch. Store errors other
// than a terminal record are logged; the loop keeps its in-memory state.
func (o *Orchestrator) persist(ctx context.Context, r *run, patch jobs.Patch) error {
	meta, err := r.state.JSON()
	if err != nil {
		return err
	}
	patch.StepMetadata = meta
	if err := o.store.Update(ctx, r.job.ID, patch); err != nil {
		if stop := stopError(err); stop != nil {
			return stop
		}
		o.logg.Error(ctx, "persist chain step failed", err)
	}
	return nil
}

func (o *Orchestrator) observe(r *run) {
	o.metrics.ObserveStep(string(r.state.Step), r.state.Elapsed(o.poller.Now()))
}

// stopError maps "someone else finalized the record" onto errStop and passes
// context errors through.
func stopError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrTerminalState), errors.Is(err, jobs.ErrJobNotFound):
		return errStop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return nil
}

func providerOr(p, fallback enums.Provider) enums.Provider {
	if p == "" {
		return fallback
	}
	return p
}

func firstReference(job *models.GenerationJob) []string {
	for _, ref := range job.ReferenceURLs {
		if strings.TrimSpace(ref) != "" {
			return []string{ref}
		}
	}
	return nil
}
