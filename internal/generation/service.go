// Package generation accepts generation requests: it creates the job record
// and hands the job to its owner loop.
package generation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/angelmondragon/genforge-backend/internal/chain"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

const (
	maxPromptLength   = 4000
	maxReferenceURLs  = 4
	maxDurationHint   = 60
	scheduleFailedMsg = "generation could not be scheduled"
)

// Request is a validated submission.
type Request struct {
	Mode          enums.GenerationMode
	Prompt        string
	Provider      enums.Provider
	ReferenceURLs []string
	AspectRatio   string
	DurationHint  int
}

// View is a job plus its decoded chain state.
type View struct {
	Job   *models.GenerationJob
	Chain *chain.State
}

type jobStore interface {
	Create(ctx context.Context, job *models.GenerationJob) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	List(ctx context.Context, params jobs.ListParams) ([]models.GenerationJob, string, error)
	Fail(ctx context.Context, id uuid.UUID, message string, patch jobs.Patch) error
}

type jobScheduler interface {
	Supports(mode enums.GenerationMode) bool
	Schedule(job *models.GenerationJob) error
}

type providerRegistry interface {
	Get(name enums.Provider) (providers.Provider, error)
	Default(mediaType enums.MediaType) (providers.Provider, error)
}

type ServiceParams struct {
	Store              jobStore
	Scheduler          jobScheduler
	Providers          providerRegistry
	ChainImageProvider enums.Provider
	Logger             *logger.Logger
}

type Service struct {
	store      jobStore
	scheduler  jobScheduler
	providers  providerRegistry
	chainImage enums.Provider
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Store == nil:
		return nil, errors.New("job store required")
	case params.Scheduler == nil:
		return nil, errors.New("scheduler required")
	case params.Providers == nil:
		return nil, errors.New("provider registry required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case !params.ChainImageProvider.IsValid():
		return nil, errors.New("chain image provider required")
	}
	return &Service{
		store:      params.Store,
		scheduler:  params.Scheduler,
		providers:  params.Providers,
		chainImage: params.ChainImageProvider,
		logg:       params.Logger,
	}, nil
}

// Submit creates the job and starts its owner. Once it returns the job exists;
// every later failure is only visible on the record.
func (s *Service) Submit(ctx context.Context, req Request) (*models.GenerationJob, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !s.scheduler.Supports(req.Mode) {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "generation mode "+string(req.Mode)+" is not enabled")
	}
	provider, err := s.pickProvider(req)
	if err != nil {
		return nil, err
	}

	job := &models.GenerationJob{
		Mode:          req.Mode,
		Provider:      provider,
		MediaType:     req.Mode.InitialMediaType(),
		Prompt:        strings.TrimSpace(req.Prompt),
		ReferenceURLs: datatypes.NewJSONSlice(cleanReferences(req.ReferenceURLs)),
		AspectRatio:   strings.TrimSpace(req.AspectRatio),
		DurationHint:  req.DurationHint,
	}
	id, err := s.store.Create(ctx, job)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create generation job")
	}
	ctx = s.logg.WithJobID(ctx, id.String())

	if err := s.scheduler.Schedule(job); err != nil {
		s.logg.Error(ctx, "schedule generation job failed", err)
		if failErr := s.store.Fail(ctx, id, scheduleFailedMsg, jobs.Patch{}); failErr != nil {
			s.logg.Error(ctx, "fail unscheduled job", failErr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, scheduleFailedMsg)
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"mode":     job.Mode,
		"provider": job.Provider,
	}), "generation job scheduled")
	return job, nil
}

func (s *Service) pickProvider(req Request) (enums.Provider, error) {
	if req.Mode == enums.GenerationModeChain {
		return s.chainImage, nil
	}
	mediaType := req.Mode.InitialMediaType()
	if req.Provider != "" {
		p, err := s.providers.Get(req.Provider)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown provider")
		}
		if req.Provider.MediaType() != mediaType || !p.Supports(mediaType) {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "provider "+string(req.Provider)+" cannot produce "+string(mediaType))
		}
		return req.Provider, nil
	}
	p, err := s.providers.Default(mediaType)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeUnsupported, err, "no provider configured for "+string(mediaType))
	}
	return p.Name(), nil
}

// Get returns the job with its chain state decoded.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "generation job not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load generation job")
	}
	view := &View{Job: job}
	if job.Mode == enums.GenerationModeChain {
		state, err := chain.ParseState(job.StepMetadata)
		if err != nil {
			s.logg.Warn(s.logg.WithField(s.logg.WithJobID(ctx, id.String()), "error", err.Error()), "stored chain state is invalid")
		} else {
			view.Chain = state
		}
	}
	return view, nil
}

// List returns recent jobs newest first plus the next-page cursor.
func (s *Service) List(ctx context.Context, params jobs.ListParams) ([]models.GenerationJob, string, error) {
	rows, next, err := s.store.List(ctx, params)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list generation jobs")
	}
	return rows, next, nil
}

func validate(req Request) error {
	if !req.Mode.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "mode must be one of image, video, chain")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "prompt is required")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return pkgerrors.New(pkgerrors.CodeValidation, "prompt is too long")
	}
	if len(req.ReferenceURLs) > maxReferenceURLs {
		return pkgerrors.New(pkgerrors.CodeValidation, "too many reference urls")
	}
	if req.DurationHint < 0 || req.DurationHint > maxDurationHint {
		return pkgerrors.New(pkgerrors.CodeValidation, "durationHint must be between 0 and 60 seconds")
	}
	if req.Provider != "" && !req.Provider.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown provider")
	}
	if req.Provider != "" && req.Mode == enums.GenerationModeChain {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider cannot be chosen for chain mode")
	}
	return nil
}

func cleanReferences(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
