package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleVideoIsNotChained(t *testing.T) {
	out := SimpleVideo(Request{Prompt: "a fox running through snow", AspectRatio: "9:16", DurationHint: 8})
	assert.True(t, strings.HasPrefix(out, "a fox running through snow."))
	assert.Contains(t, out, "8 seconds")
	assert.Contains(t, out, "9:16")
	assert.NotContains(t, out, "keyframe")
	assert.NotContains(t, out, "reference image")
}

func TestSimpleVideoKeepsReference(t *testing.T) {
	out := SimpleVideo(Request{Prompt: "x", HasReference: true})
	assert.Contains(t, out, "reference image")
}

func TestChainTemplates(t *testing.T) {
	req := Request{Prompt: "lighthouse at dusk", AspectRatio: "16:9"}

	image := ChainImage(req)
	assert.Contains(t, image, "keyframe")
	assert.Contains(t, image, "lighthouse at dusk.")

	video := ChainVideo(req, "  waves crash against rocks  ")
	assert.Contains(t, video, "Scene description: waves crash against rocks")
	assert.Contains(t, video, "16:9")

	assert.NotContains(t, ChainVideo(req, ""), "Scene description")
}

func TestAnalysisInstructionMentionsUserPrompt(t *testing.T) {
	assert.Contains(t, AnalysisInstruction("lighthouse"), "lighthouse")
	assert.NotContains(t, AnalysisInstruction(" "), "originally asked")
}

func TestEmptyPromptFallsBack(t *testing.T) {
	assert.True(t, strings.HasPrefix(SimpleImage(Request{}), "Create a striking"))
}
