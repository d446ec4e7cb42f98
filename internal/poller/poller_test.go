package poller

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genforge-backend/internal/callbacks"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/poller/pollertest"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

const videoURL = "https://cdn/out.mp4"

type fakeSignals map[string]*callbacks.Signal

func (f fakeSignals) Lookup(_ context.Context, _ enums.Provider, handle string) (*callbacks.Signal, error) {
	return f[handle], nil
}

func newPoller(t *testing.T, clock *pollertest.Clock, reg pollertest.Registry, signals signalSource, store jobReader) *Poller {
	t.Helper()
	p, err := New(Params{
		Providers:     reg,
		Signals:       signals,
		Jobs:          store,
		Logger:        logger.Nop(),
		Interval:      15 * time.Second,
		SubmitRetries: 3,
		BackoffStep:   2 * time.Second,
		Now:           clock.Now,
		Sleep:         clock.Sleep,
	})
	require.NoError(t, err)
	return p
}

func veo(checks ...pollertest.Check) *pollertest.Provider {
	return &pollertest.Provider{ProviderName: enums.ProviderVeo3, Checks: checks}
}

func target(jobID uuid.UUID) Target {
	return Target{JobID: jobID, Provider: enums.ProviderVeo3, TaskHandle: "veo3-task-1"}
}

func TestSubmitRetriesWithLinearBackoff(t *testing.T) {
	clock := pollertest.NewClock()
	provider := veo()
	provider.SubmitErrs = []error{errors.New("503"), errors.New("503")}
	p := newPoller(t, clock, pollertest.NewRegistry(provider), nil, nil)

	sub, retries, err := p.Submit(context.Background(), enums.ProviderVeo3, providers.SubmitRequest{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "veo3-task-3", sub.TaskHandle)
	require.Equal(t, 2, retries)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestSubmitExhausted(t *testing.T) {
	clock := pollertest.NewClock()
	boom := errors.New("gateway down")
	provider := veo()
	provider.SubmitErrs = []error{boom, boom, boom, boom}
	p := newPoller(t, clock, pollertest.NewRegistry(provider), nil, nil)

	_, retries, err := p.Submit(context.Background(), enums.ProviderVeo3, providers.SubmitRequest{Prompt: "x"})
	require.ErrorIs(t, err, ErrSubmissionExhausted)
	require.ErrorContains(t, err, "gateway down")
	require.Equal(t, 3, retries)
	require.Len(t, provider.Submits(), 4)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, clock.Sleeps())
}

func TestSubmitUnknownProvider(t *testing.T) {
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(), nil, nil)
	_, _, err := p.Submit(context.Background(), enums.ProviderRunway, providers.SubmitRequest{Prompt: "x"})
	require.ErrorIs(t, err, ErrSubmissionExhausted)
}

func TestAwaitReadyAfterProcessing(t *testing.T) {
	clock := pollertest.NewClock()
	provider := veo(
		pollertest.Check{Body: pollertest.ProcessingBody},
		pollertest.Check{Body: pollertest.ProcessingBody},
		pollertest.Check{Body: pollertest.ReadyBody(videoURL)},
	)
	p := newPoller(t, clock, pollertest.NewRegistry(provider), nil, nil)

	obs, err := p.Await(context.Background(), target(uuid.New()), Budget{Hard: 3 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, SourceProvider, obs.Source)
	require.Equal(t, normalizer.StatusReady, obs.Result.Status)
	require.Equal(t, []string{videoURL}, obs.Result.ResultURLs)
	require.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, clock.Sleeps())
}

func TestAwaitTimesOutAtBudget(t *testing.T) {
	clock := pollertest.NewClock()
	provider := veo(pollertest.Check{Body: pollertest.ProcessingBody})
	p := newPoller(t, clock, pollertest.NewRegistry(provider), nil, nil)

	_, err := p.Await(context.Background(), target(uuid.New()), Budget{Soft: 20 * time.Second, Hard: 50 * time.Second})
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second, 15 * time.Second, 5 * time.Second}, clock.Sleeps())
	require.Equal(t, 5, provider.Polls())
}

func TestAwaitSurvivesTransientErrors(t *testing.T) {
	provider := veo(
		pollertest.Check{Err: errors.New("connection reset")},
		pollertest.Check{Code: http.StatusBadGateway, Body: "bad gateway"},
		pollertest.Check{Body: "not json"},
		pollertest.Check{Body: pollertest.FailedBody("content policy")},
	)
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(provider), nil, nil)

	obs, err := p.Await(context.Background(), target(uuid.New()), Budget{Hard: 3 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, normalizer.StatusFailed, obs.Result.Status)
	require.Equal(t, "content policy", FailureText(obs.Result))
	require.Equal(t, 4, provider.Polls())
}

func TestAwaitStopsOnCancel(t *testing.T) {
	provider := veo(pollertest.Check{Body: pollertest.ProcessingBody})
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(provider), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Await(ctx, target(uuid.New()), Budget{Hard: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckPrefersMatchingCallbackSignal(t *testing.T) {
	jobID := uuid.New()
	provider := veo(pollertest.Check{Body: pollertest.ProcessingBody})
	signals := fakeSignals{"veo3-task-1": {
		JobID:       jobID,
		Provider:    enums.ProviderVeo3,
		TaskHandle:  "veo3-task-1",
		FinalStatus: normalizer.StatusReady,
		ResultURLs:  []string{"https://cdn/cb.mp4"},
	}}
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(provider), signals, nil)

	obs, err := p.Check(context.Background(), target(jobID))
	require.NoError(t, err)
	require.Equal(t, SourceCallback, obs.Source)
	require.Equal(t, []string{"https://cdn/cb.mp4"}, obs.Result.ResultURLs)
	require.Zero(t, provider.Polls())

	obs, err = p.Check(context.Background(), target(uuid.New()))
	require.NoError(t, err)
	require.Equal(t, SourceProvider, obs.Source)
	require.Equal(t, normalizer.StatusProcessing, obs.Result.Status)
}

func TestCheckPollsProviderWhenCallbackHasNoURLs(t *testing.T) {
	jobID := uuid.New()
	provider := veo(pollertest.Check{Body: pollertest.ReadyBody("https://cdn/late.mp4")})
	signals := fakeSignals{"veo3-task-1": {
		JobID:       jobID,
		Provider:    enums.ProviderVeo3,
		TaskHandle:  "veo3-task-1",
		FinalStatus: normalizer.StatusReady,
	}}
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(provider), signals, nil)

	obs, err := p.Check(context.Background(), target(jobID))
	require.NoError(t, err)
	require.Equal(t, SourceProvider, obs.Source)
	require.Equal(t, []string{"https://cdn/late.mp4"}, obs.Result.ResultURLs)
	require.Equal(t, 1, provider.Polls())

	signals["veo3-task-1"].FinalStatus = normalizer.StatusFailed
	signals["veo3-task-1"].FailureReason = "quota exceeded"
	obs, err = p.Check(context.Background(), target(jobID))
	require.NoError(t, err)
	require.Equal(t, SourceCallback, obs.Source)
	require.Equal(t, normalizer.StatusFailed, obs.Result.Status)
	require.Equal(t, 1, provider.Polls())
}

func TestCheckStopsOnTerminalRecord(t *testing.T) {
	job := &models.GenerationJob{ID: uuid.New(), Status: enums.JobStatusError}
	provider := veo(pollertest.Check{Body: pollertest.ProcessingBody})
	p := newPoller(t, pollertest.NewClock(), pollertest.NewRegistry(provider), nil, pollertest.NewStore(job))

	_, err := p.Await(context.Background(), target(job.ID), Budget{Hard: time.Minute})
	require.ErrorIs(t, err, jobs.ErrTerminalState)
	require.Zero(t, provider.Polls())
}

func TestSleepHonoursContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
