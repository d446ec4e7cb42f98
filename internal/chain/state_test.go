package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]enums.ChainStep{
		{enums.ChainStepGeneratingImage, enums.ChainStepAnalyzingImage},
		{enums.ChainStepGeneratingImage, enums.ChainStepFallbackToVeo3},
		{enums.ChainStepAnalyzingImage, enums.ChainStepGeneratingVideo},
		{enums.ChainStepAnalyzingImage, enums.ChainStepFallbackToVeo3},
		{enums.ChainStepAnalyzingImage, enums.ChainStepError},
		{enums.ChainStepFallbackToVeo3, enums.ChainStepGeneratingVideo},
		{enums.ChainStepGeneratingVideo, enums.ChainStepCompleted},
		{enums.ChainStepGeneratingVideo, enums.ChainStepError},
	}
	for _, edge := range legal {
		require.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	illegal := [][2]enums.ChainStep{
		{enums.ChainStepGeneratingVideo, enums.ChainStepFallbackToVeo3},
		{enums.ChainStepAnalyzingImage, enums.ChainStepGeneratingImage},
		{enums.ChainStepFallbackToVeo3, enums.ChainStepAnalyzingImage},
		{enums.ChainStepCompleted, enums.ChainStepError},
		{enums.ChainStepError, enums.ChainStepGeneratingImage},
		{enums.ChainStepGeneratingImage, enums.ChainStepCompleted},
	}
	for _, edge := range illegal {
		require.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestStateHappyPath(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewState(enums.ProviderGPT4oImage, start)
	require.NoError(t, s.Validate())

	s, err := s.ToAnalyzing("https://img/k.png", start.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Equal(t, 30*time.Second, s.Elapsed(start.Add(90*time.Second)))

	s, err = s.ToVideo("a lighthouse at dusk", start.Add(2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Equal(t, "a lighthouse at dusk", s.Analysis)

	s, err = s.ToCompleted(start.Add(4 * time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.False(t, s.Degraded())
	require.Equal(t, start, s.StartedAt())
	require.Len(t, s.Timestamps, 4)
}

func TestStateFallbackPath(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewState(enums.ProviderGPT4oImage, start)

	s, err := s.ToFallback("image generation failed: nsfw", start.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	s, err = s.ToVideo("ignored", start.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Empty(t, s.Analysis)
	require.Equal(t, "image generation failed: nsfw", s.FallbackReason)

	_, err = s.ToFallback("again", start.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestStateTransitionDoesNotMutateReceiver(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewState(enums.ProviderGPT4oImage, start)
	next, err := s.ToAnalyzing("https://img/k.png", start.Add(time.Minute))
	require.NoError(t, err)

	require.Equal(t, enums.ChainStepGeneratingImage, s.Step)
	require.Len(t, s.Timestamps, 1)
	require.Len(t, next.Timestamps, 2)
}

func TestValidateRejectsMixedVariants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamps := func(step enums.ChainStep) map[enums.ChainStep]time.Time {
		return map[enums.ChainStep]time.Time{step: now}
	}
	cases := map[string]State{
		"fallback reason on image step": {Step: enums.ChainStepGeneratingImage, Timestamps: stamps(enums.ChainStepGeneratingImage), FallbackReason: "x"},
		"analysing without image":       {Step: enums.ChainStepAnalyzingImage, Timestamps: stamps(enums.ChainStepAnalyzingImage)},
		"fallback without reason":       {Step: enums.ChainStepFallbackToVeo3, Timestamps: stamps(enums.ChainStepFallbackToVeo3)},
		"video without source":          {Step: enums.ChainStepGeneratingVideo, Timestamps: stamps(enums.ChainStepGeneratingVideo)},
		"error without reason":          {Step: enums.ChainStepError, Timestamps: stamps(enums.ChainStepError)},
		"reason outside error":          {Step: enums.ChainStepCompleted, Timestamps: stamps(enums.ChainStepCompleted), ErrorReason: "x"},
		"missing timestamp":             {Step: enums.ChainStepGeneratingImage},
		"unknown step":                  {Step: "rendering", Timestamps: stamps("rendering")},
	}
	for name, s := range cases {
		require.Error(t, s.Validate(), name)
	}
}

func TestParseState(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewState(enums.ProviderGPT4oImage, start).ToFallback("image fetch failed after 5 retries", start.Add(time.Minute))
	require.NoError(t, err)
	raw, err := s.JSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"fallbackReason":"image fetch failed after 5 retries"`)

	parsed, err := ParseState(raw)
	require.NoError(t, err)
	require.Equal(t, enums.ChainStepFallbackToVeo3, parsed.Step)
	require.True(t, parsed.Timestamps[enums.ChainStepGeneratingImage].Equal(start))

	empty, err := ParseState(nil)
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = ParseState([]byte(`{"step":"generating_image","fallbackReason":"x","timestamps":{"generating_image":"2026-03-01T12:00:00Z"}}`))
	require.Error(t, err)
}
