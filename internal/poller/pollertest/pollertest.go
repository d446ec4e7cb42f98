// Package pollertest provides a fake clock, scripted providers and an
// in-memory job store for exercising owner loops deterministically.
package pollertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

const ProcessingBody = `{"code":200,"data":{"successFlag":0}}`

// ReadyBody is a kie-style success payload carrying urls.
func ReadyBody(urls ...string) string {
	if urls == nil {
		urls = []string{}
	}
	raw, _ := json.Marshal(map[string]any{
		"code": 200,
		"data": map[string]any{"successFlag": 1, "response": map[string]any{"resultUrls": urls}},
	})
	return string(raw)
}

// FailedBody is a kie-style failure payload.
func FailedBody(message string) string {
	raw, _ := json.Marshal(map[string]any{
		"code": 200,
		"data": map[string]any{"successFlag": 2, "errorMessage": message},
	})
	return string(raw)
}

// Clock advances only when Sleep is called.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Check is one scripted status answer. Code defaults to 200.
type Check struct {
	Body string
	Code int
	Err  error
}

// Provider replays scripted answers; the last check repeats forever.
type Provider struct {
	ProviderName enums.Provider
	SubmitErrs   []error
	Checks       []Check

	mu      sync.Mutex
	submits []providers.SubmitRequest
	polls   int
}

func (p *Provider) Name() enums.Provider          { return p.ProviderName }
func (p *Provider) Supports(enums.MediaType) bool { return true }

func (p *Provider) Submit(_ context.Context, req providers.SubmitRequest) (providers.Submission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, req)
	n := len(p.submits)
	if n <= len(p.SubmitErrs) && p.SubmitErrs[n-1] != nil {
		return providers.Submission{}, p.SubmitErrs[n-1]
	}
	return providers.Submission{TaskHandle: fmt.Sprintf("%s-task-%d", p.ProviderName, n), Provider: p.ProviderName}, nil
}

func (p *Provider) CheckStatus(context.Context, string) (normalizer.RawResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Checks) == 0 {
		return normalizer.RawResponse{StatusCode: http.StatusOK, Body: []byte(ProcessingBody)}, nil
	}
	i := p.polls
	if i >= len(p.Checks) {
		i = len(p.Checks) - 1
	}
	p.polls++
	c := p.Checks[i]
	if c.Err != nil {
		return normalizer.RawResponse{}, c.Err
	}
	code := c.Code
	if code == 0 {
		code = http.StatusOK
	}
	return normalizer.RawResponse{StatusCode: code, Body: []byte(c.Body)}, nil
}

func (p *Provider) Submits() []providers.SubmitRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.SubmitRequest(nil), p.submits...)
}

func (p *Provider) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Registry resolves providers by name.
type Registry map[enums.Provider]providers.Provider

func NewRegistry(ps ...*Provider) Registry {
	r := Registry{}
	for _, p := range ps {
		r[p.ProviderName] = p
	}
	return r
}

func (r Registry) Get(name enums.Provider) (providers.Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrUnknownProvider, name)
	}
	return p, nil
}

// Store is an in-memory job store with the same guarded transitions as
// jobs.Store. Every accepted patch is kept in order.
type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.GenerationJob
	patches []jobs.Patch
}

func NewStore(seed ...*models.GenerationJob) *Store {
	s := &Store{jobs: map[uuid.UUID]*models.GenerationJob{}}
	for _, job := range seed {
		copied := *job
		s.jobs[job.ID] = &copied
	}
	return s
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// Patches returns every accepted patch in write order.
func (s *Store) Patches() []jobs.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Patch(nil), s.patches...)
}

func (s *Store) Update(_ context.Context, id uuid.UUID, patch jobs.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.processing(id)
	if err != nil {
		return err
	}
	s.apply(job, patch)
	return nil
}

func (s *Store) Complete(_ context.Context, id uuid.UUID, urls []string, patch jobs.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.processing(id)
	if err != nil {
		return err
	}
	s.apply(job, patch)
	if urls == nil {
		urls = []string{}
	}
	job.Status = enums.JobStatusReady
	job.ResultURLs = urls
	if len(urls) > 0 {
		first := urls[0]
		job.ResultURL = &first
	}
	return nil
}

func (s *Store) Fail(_ context.Context, id uuid.UUID, message string, patch jobs.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.processing(id)
	if err != nil {
		return err
	}
	s.apply(job, patch)
	job.Status = enums.JobStatusError
	job.ErrorMessage = &message
	return nil
}

// ForceStatus finalizes a job behind the owner's back.
func (s *Store) ForceStatus(id uuid.UUID, status enums.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
}

func (s *Store) processing(id uuid.UUID) (*models.GenerationJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, jobs.ErrTerminalState
	}
	return job, nil
}

func (s *Store) apply(job *models.GenerationJob, patch jobs.Patch) {
	s.patches = append(s.patches, patch)
	if patch.Provider != nil {
		job.Provider = *patch.Provider
	}
	if patch.MediaType != nil {
		job.MediaType = *patch.MediaType
	}
	if patch.TaskHandle != nil {
		handle := *patch.TaskHandle
		job.ProviderTaskHandle = &handle
	}
	if patch.RetryCount != nil {
		job.RetryCount = *patch.RetryCount
	}
	if patch.StepMetadata != nil {
		job.StepMetadata = patch.StepMetadata
	}
}
