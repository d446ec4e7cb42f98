package enums

import "fmt"

// ChainStep is the sub-state of a chained image-to-video job.
type ChainStep string

const (
	ChainStepGeneratingImage ChainStep = "generating_image"
	ChainStepAnalyzingImage  ChainStep = "analyzing_image"
	ChainStepGeneratingVideo ChainStep = "generating_video"
	ChainStepFallbackToVeo3  ChainStep = "fallback_to_veo3"
	ChainStepCompleted       ChainStep = "completed"
	ChainStepError           ChainStep = "error"
)

var validChainSteps = []ChainStep{
	ChainStepGeneratingImage,
	ChainStepAnalyzingImage,
	ChainStepGeneratingVideo,
	ChainStepFallbackToVeo3,
	ChainStepCompleted,
	ChainStepError,
}

func (s ChainStep) String() string {
	return string(s)
}

func (s ChainStep) IsValid() bool {
	for _, candidate := range validChainSteps {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s ChainStep) IsTerminal() bool {
	return s == ChainStepCompleted || s == ChainStepError
}

func ParseChainStep(value string) (ChainStep, error) {
	for _, candidate := range validChainSteps {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid chain step %q", value)
}
