package enums

import "fmt"

// GenerationMode selects between a single provider run and the image-to-video chain.
type GenerationMode string

const (
	GenerationModeImage GenerationMode = "image"
	GenerationModeVideo GenerationMode = "video"
	GenerationModeChain GenerationMode = "chain"
)

var validGenerationModes = []GenerationMode{
	GenerationModeImage,
	GenerationModeVideo,
	GenerationModeChain,
}

func (m GenerationMode) IsValid() bool {
	for _, candidate := range validGenerationModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// InitialMediaType is the media type the job starts with. Chained jobs begin on
// the image step.
func (m GenerationMode) InitialMediaType() MediaType {
	if m == GenerationModeVideo {
		return MediaTypeVideo
	}
	return MediaTypeImage
}

func ParseGenerationMode(value string) (GenerationMode, error) {
	for _, candidate := range validGenerationModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid generation mode %q", value)
}
