package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/angelmondragon/genforge-backend/internal/callbacks"
	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/internal/poller"
	"github.com/angelmondragon/genforge-backend/internal/poller/pollertest"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

const (
	keyframeURL  = "https://cdn/keyframe.png"
	videoURL     = "https://cdn/final.mp4"
	referenceURL = "https://user/ref.jpg"
)

type fakeAnalyzer struct {
	text  string
	err   error
	calls []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, imageURL, _ string) (string, error) {
	f.calls = append(f.calls, imageURL)
	return f.text, f.err
}

// signalsByHandle answers callback lookups by task handle.
type signalsByHandle map[string]*callbacks.Signal

func (s signalsByHandle) Lookup(_ context.Context, _ enums.Provider, handle string) (*callbacks.Signal, error) {
	return s[handle], nil
}

type harness struct {
	clock              *pollertest.Clock
	signals            signalsByHandle
	store              *pollertest.Store
	image              *pollertest.Provider
	video              *pollertest.Provider
	fallback           *pollertest.Provider
	analyzer           *fakeAnalyzer
	job                *models.GenerationJob
	budgets            config.Budgets
	onAnalysisFallback bool
}

func newHarness() *harness {
	job := &models.GenerationJob{
		ID:            uuid.New(),
		Mode:          enums.GenerationModeChain,
		Provider:      enums.ProviderGPT4oImage,
		MediaType:     enums.MediaTypeImage,
		Status:        enums.JobStatusProcessing,
		Prompt:        "a lighthouse in a storm",
		ReferenceURLs: datatypes.NewJSONSlice([]string{referenceURL}),
		AspectRatio:   "9:16",
		DurationHint:  6,
	}
	return &harness{
		clock:    pollertest.NewClock(),
		store:    pollertest.NewStore(job),
		image:    &pollertest.Provider{ProviderName: enums.ProviderGPT4oImage},
		video:    &pollertest.Provider{ProviderName: enums.ProviderRunway},
		fallback: &pollertest.Provider{ProviderName: enums.ProviderVeo3},
		analyzer: &fakeAnalyzer{text: "storm waves crash against the tower"},
		job:      job,
		budgets:  config.DefaultBudgets(),
	}
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	p, err := poller.New(poller.Params{
		Providers:     pollertest.NewRegistry(h.image, h.video, h.fallback),
		Signals:       h.signals,
		Jobs:          h.store,
		Logger:        logger.Nop(),
		Interval:      15 * time.Second,
		SubmitRetries: 3,
		BackoffStep:   2 * time.Second,
		Now:           h.clock.Now,
		Sleep:         h.clock.Sleep,
	})
	require.NoError(t, err)
	o, err := New(Params{
		Poller:   p,
		Store:    h.store,
		Analyzer: h.analyzer,
		Providers: Providers{
			Image:    enums.ProviderGPT4oImage,
			Video:    enums.ProviderRunway,
			Fallback: enums.ProviderVeo3,
		},
		Budgets:            h.budgets,
		ImageRetryLimit:    5,
		FallbackOnAnalysis: h.onAnalysisFallback,
		Logger:             logger.Nop(),
	})
	require.NoError(t, err)
	return o.Run(context.Background(), h.job)
}

func (h *harness) result(t *testing.T) (*models.GenerationJob, *State) {
	t.Helper()
	job, err := h.store.Get(context.Background(), h.job.ID)
	require.NoError(t, err)
	state, err := ParseState(job.StepMetadata)
	require.NoError(t, err)
	require.NotNil(t, state)
	return job, state
}

// stepPath collapses the persisted step sequence and checks every move is an
// edge of the step graph.
func (h *harness) stepPath(t *testing.T) []enums.ChainStep {
	t.Helper()
	var path []enums.ChainStep
	for _, patch := range h.store.Patches() {
		state, err := ParseState(patch.StepMetadata)
		require.NoError(t, err)
		if state == nil {
			continue
		}
		if n := len(path); n > 0 {
			if path[n-1] == state.Step {
				continue
			}
			require.True(t, CanTransition(path[n-1], state.Step), "%s -> %s", path[n-1], state.Step)
		}
		path = append(path, state.Step)
	}
	return path
}

func checks(body string, n int) []pollertest.Check {
	out := make([]pollertest.Check, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, pollertest.Check{Body: body})
	}
	return out
}

func TestChainCompletes(t *testing.T) {
	h := newHarness()
	h.image.Checks = []pollertest.Check{{Body: pollertest.ProcessingBody}, {Body: pollertest.ReadyBody(keyframeURL)}}
	h.video.Checks = []pollertest.Check{{Body: pollertest.ProcessingBody}, {Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Equal(t, videoURL, *job.ResultURL)
	require.Equal(t, enums.ProviderRunway, job.Provider)
	require.Equal(t, enums.MediaTypeVideo, job.MediaType)
	require.Equal(t, "runway-task-1", job.TaskHandle())
	require.Equal(t, enums.ChainStepCompleted, state.Step)
	require.Equal(t, keyframeURL, state.ImageURL)
	require.Equal(t, "storm waves crash against the tower", state.Analysis)
	require.Empty(t, state.FallbackReason)

	require.Equal(t, []enums.ChainStep{
		enums.ChainStepGeneratingImage,
		enums.ChainStepAnalyzingImage,
		enums.ChainStepGeneratingVideo,
		enums.ChainStepCompleted,
	}, h.stepPath(t))

	require.Equal(t, []string{keyframeURL}, h.analyzer.calls)
	videoReq := h.video.Submits()[0]
	require.Equal(t, []string{keyframeURL}, videoReq.ReferenceURLs)
	require.Contains(t, videoReq.Prompt, "Scene description: storm waves crash against the tower")
	require.Empty(t, h.fallback.Submits())
}

func TestChainPollsImageProviderAfterBareReadyCallback(t *testing.T) {
	h := newHarness()
	h.signals = signalsByHandle{"gpt4o_image-task-1": {
		JobID:       h.job.ID,
		Provider:    enums.ProviderGPT4oImage,
		TaskHandle:  "gpt4o_image-task-1",
		FinalStatus: normalizer.StatusReady,
	}}
	h.image.Checks = []pollertest.Check{{Body: pollertest.ProcessingBody}, {Body: pollertest.ReadyBody(keyframeURL)}}
	h.video.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Equal(t, videoURL, *job.ResultURL)
	require.Equal(t, keyframeURL, state.ImageURL)
	require.Empty(t, state.FallbackReason)
	require.Zero(t, state.ImageRetryCount)
	require.Equal(t, 2, h.image.Polls())
	require.Empty(t, h.fallback.Submits())
}

func TestChainFallsBackOnImageFailure(t *testing.T) {
	h := newHarness()
	h.image.Checks = []pollertest.Check{{Body: pollertest.FailedBody("nsfw filter")}}
	h.fallback.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Equal(t, enums.ProviderVeo3, job.Provider)
	require.Equal(t, enums.MediaTypeVideo, job.MediaType)
	require.Equal(t, enums.ChainStepCompleted, state.Step)
	require.Equal(t, "image generation failed: nsfw filter", state.FallbackReason)
	require.Empty(t, h.analyzer.calls)

	require.Equal(t, []enums.ChainStep{
		enums.ChainStepGeneratingImage,
		enums.ChainStepFallbackToVeo3,
		enums.ChainStepGeneratingVideo,
		enums.ChainStepCompleted,
	}, h.stepPath(t))

	fallbackReq := h.fallback.Submits()[0]
	require.Equal(t, enums.MediaTypeVideo, fallbackReq.MediaType)
	require.Equal(t, []string{referenceURL}, fallbackReq.ReferenceURLs)
	require.Contains(t, fallbackReq.Prompt, "Animate the reference image as the opening frame.")
	require.NotContains(t, fallbackReq.Prompt, "keyframe")
}

func TestChainFallsBackAfterImageRetries(t *testing.T) {
	h := newHarness()
	h.image.Checks = checks(pollertest.ReadyBody(), 10)
	h.fallback.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	_, state := h.result(t)
	require.Equal(t, "image fetch failed after 5 retries", state.FallbackReason)
	require.Equal(t, 5, state.ImageRetryCount)
	require.Equal(t, 5, h.image.Polls())
}

func TestChainFallsBackOnImageTimeout(t *testing.T) {
	h := newHarness()
	h.fallback.Checks = []pollertest.Check{{Body: pollertest.ProcessingBody}, {Body: pollertest.ReadyBody(videoURL)}}
	start := h.clock.Now()

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Contains(t, state.FallbackReason, "timeout")
	require.Equal(t, start.Add(3*time.Minute), state.Timestamps[enums.ChainStepFallbackToVeo3])
}

func TestChainFallsBackWhenImageSubmissionExhausted(t *testing.T) {
	h := newHarness()
	boom := errors.New("image gateway down")
	h.image.SubmitErrs = []error{boom, boom, boom, boom}
	h.fallback.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Contains(t, state.FallbackReason, "image gateway down")
	require.Equal(t, 3, job.RetryCount)
}

func TestChainAnalysisFailureIsTerminal(t *testing.T) {
	h := newHarness()
	h.image.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(keyframeURL)}}
	h.analyzer.err = errors.New("quota exceeded")

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusError, job.Status)
	require.Equal(t, "image analysis failed: quota exceeded", *job.ErrorMessage)
	require.Equal(t, enums.ChainStepError, state.Step)
	require.Empty(t, h.video.Submits())
	require.Empty(t, h.fallback.Submits())
}

func TestChainAnalysisFailureFallsBackWhenEnabled(t *testing.T) {
	h := newHarness()
	h.onAnalysisFallback = true
	h.image.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(keyframeURL)}}
	h.analyzer.err = errors.New("quota exceeded")
	h.fallback.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(videoURL)}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusReady, job.Status)
	require.Equal(t, keyframeURL, state.ImageURL)
	require.Equal(t, "image analysis failed: quota exceeded", state.FallbackReason)
	require.Equal(t, []enums.ChainStep{
		enums.ChainStepGeneratingImage,
		enums.ChainStepAnalyzingImage,
		enums.ChainStepFallbackToVeo3,
		enums.ChainStepGeneratingVideo,
		enums.ChainStepCompleted,
	}, h.stepPath(t))
}

func TestChainVideoFailureIsTerminal(t *testing.T) {
	h := newHarness()
	h.image.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(keyframeURL)}}
	h.video.Checks = []pollertest.Check{{Body: pollertest.FailedBody("render crashed")}}

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusError, job.Status)
	require.Equal(t, "video generation failed: render crashed", *job.ErrorMessage)
	require.Equal(t, enums.ChainStepError, state.Step)
	require.Empty(t, h.fallback.Submits())
}

func TestChainVideoTimeout(t *testing.T) {
	h := newHarness()
	h.image.Checks = []pollertest.Check{{Body: pollertest.ReadyBody(keyframeURL)}}

	require.NoError(t, h.run(t))

	job, _ := h.result(t)
	require.Equal(t, enums.JobStatusError, job.Status)
	require.Contains(t, *job.ErrorMessage, "timeout")
	require.Equal(t, enums.ProviderRunway, job.Provider)
}

func TestChainTotalCap(t *testing.T) {
	h := newHarness()
	h.budgets.ChainTotal = 4 * time.Minute
	start := h.clock.Now()

	require.NoError(t, h.run(t))

	job, state := h.result(t)
	require.Equal(t, enums.JobStatusError, job.Status)
	require.Equal(t, poller.TimeoutMessage(4*time.Minute), *job.ErrorMessage)
	require.Equal(t, enums.ChainStepError, state.Step)
	require.True(t, state.Degraded())
	require.Equal(t, start.Add(4*time.Minute), h.clock.Now())
}

func TestChainStopsWhenFinalizedElsewhere(t *testing.T) {
	h := newHarness()
	h.store.ForceStatus(h.job.ID, enums.JobStatusError)

	require.NoError(t, h.run(t))
	require.Zero(t, h.image.Polls())
}

func TestChainInterruptedLeavesProcessing(t *testing.T) {
	h := newHarness()
	p, err := poller.New(poller.Params{
		Providers: pollertest.NewRegistry(h.image, h.video, h.fallback),
		Jobs:      h.store,
		Logger:    logger.Nop(),
		Now:       h.clock.Now,
		Sleep:     h.clock.Sleep,
	})
	require.NoError(t, err)
	o, err := New(Params{
		Poller:    p,
		Store:     h.store,
		Analyzer:  h.analyzer,
		Providers: Providers{Image: enums.ProviderGPT4oImage, Video: enums.ProviderRunway, Fallback: enums.ProviderVeo3},
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, o.Run(ctx, h.job), context.Canceled)

	job, err := h.store.Get(context.Background(), h.job.ID)
	require.NoError(t, err)
	require.Equal(t, enums.JobStatusProcessing, job.Status)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Params{})
	require.Error(t, err)
}
