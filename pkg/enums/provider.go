package enums

import "fmt"

// Provider identifies an upstream generation service.
type Provider string

const (
	ProviderVeo3        Provider = "veo3"
	ProviderGPT4oImage  Provider = "gpt4o_image"
	ProviderFluxKontext Provider = "flux_kontext"
	ProviderRunway      Provider = "runway"
	ProviderSynthetic   Provider = "synthetic"
)

var validProviders = []Provider{
	ProviderVeo3,
	ProviderGPT4oImage,
	ProviderFluxKontext,
	ProviderRunway,
	ProviderSynthetic,
}

func (p Provider) String() string {
	return string(p)
}

func (p Provider) IsValid() bool {
	for _, candidate := range validProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// MediaType reports which artifact the provider produces.
func (p Provider) MediaType() MediaType {
	switch p {
	case ProviderVeo3, ProviderRunway:
		return MediaTypeVideo
	default:
		return MediaTypeImage
	}
}

func ParseProvider(value string) (Provider, error) {
	for _, candidate := range validProviders {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider %q", value)
}
