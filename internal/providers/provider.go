package providers

import (
	"context"
	"errors"

	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrEmptyTaskHandle = errors.New("provider returned empty task handle")
)

// SubmitRequest is the provider-agnostic generation request.
type SubmitRequest struct {
	Prompt        string
	MediaType     enums.MediaType
	ReferenceURLs []string
	DurationHint  int
	AspectRatio   string
	CallbackURL   string
}

// Submission identifies the task a provider accepted.
type Submission struct {
	TaskHandle string
	Provider   enums.Provider
}

// Provider is the generation backend boundary. CheckStatus returns the raw
// answer untouched; interpreting it is the normalizer's job.
type Provider interface {
	Name() enums.Provider
	Supports(mediaType enums.MediaType) bool
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
	CheckStatus(ctx context.Context, taskHandle string) (normalizer.RawResponse, error)
}
