package enums

import "fmt"

// MediaType is the kind of artifact a provider produces.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

func (m MediaType) String() string {
	return string(m)
}

func (m MediaType) IsValid() bool {
	return m == MediaTypeImage || m == MediaTypeVideo
}

func ParseMediaType(value string) (MediaType, error) {
	switch MediaType(value) {
	case MediaTypeImage, MediaTypeVideo:
		return MediaType(value), nil
	}
	return "", fmt.Errorf("invalid media type %q", value)
}
