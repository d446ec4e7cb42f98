package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
)

const (
	defaultBaseURL        = "https://api.kie.ai"
	responseReadLimit     = 1 << 20
	errorBodyReadLimit    = 1024
	defaultRequestTimeout = 60 * time.Second
)

var errAPIKeyRequired = errors.New("provider api key is required")

// endpoint describes how one provider family is reached on the gateway.
type endpoint struct {
	submitPath string
	statusPath string
	mediaType  enums.MediaType
	body       func(SubmitRequest) map[string]any
}

var endpoints = map[enums.Provider]endpoint{
	enums.ProviderVeo3: {
		submitPath: "/api/v1/veo/generate",
		statusPath: "/api/v1/veo/record-info",
		mediaType:  enums.MediaTypeVideo,
		body: func(req SubmitRequest) map[string]any {
			body := map[string]any{
				"prompt":      req.Prompt,
				"model":       "veo3_fast",
				"aspectRatio": aspectOr(req.AspectRatio, "16:9"),
			}
			if len(req.ReferenceURLs) > 0 {
				body["imageUrls"] = req.ReferenceURLs[:1]
			}
			return body
		},
	},
	enums.ProviderGPT4oImage: {
		submitPath: "/api/v1/gpt4o-image/generate",
		statusPath: "/api/v1/gpt4o-image/record-info",
		mediaType:  enums.MediaTypeImage,
		body: func(req SubmitRequest) map[string]any {
			body := map[string]any{
				"prompt":    req.Prompt,
				"size":      aspectOr(req.AspectRatio, "1:1"),
				"nVariants": 1,
			}
			if len(req.ReferenceURLs) > 0 {
				body["filesUrl"] = req.ReferenceURLs
			}
			return body
		},
	},
	enums.ProviderFluxKontext: {
		submitPath: "/api/v1/flux/kontext/generate",
		statusPath: "/api/v1/flux/kontext/record-info",
		mediaType:  enums.MediaTypeImage,
		body: func(req SubmitRequest) map[string]any {
			body := map[string]any{
				"prompt":      req.Prompt,
				"aspectRatio": aspectOr(req.AspectRatio, "16:9"),
				"model":       "flux-kontext-pro",
			}
			if len(req.ReferenceURLs) > 0 {
				body["inputImage"] = req.ReferenceURLs[0]
			}
			return body
		},
	},
	enums.ProviderRunway: {
		submitPath: "/api/v1/runway/generate",
		statusPath: "/api/v1/runway/record-detail",
		mediaType:  enums.MediaTypeVideo,
		body: func(req SubmitRequest) map[string]any {
			duration := req.DurationHint
			if duration != 10 {
				duration = 5
			}
			body := map[string]any{
				"prompt":      req.Prompt,
				"duration":    duration,
				"quality":     "720p",
				"aspectRatio": aspectOr(req.AspectRatio, "16:9"),
			}
			if len(req.ReferenceURLs) > 0 {
				body["imageUrl"] = req.ReferenceURLs[0]
			}
			return body
		},
	},
}

// HTTPProvider talks to one provider family behind the task gateway.
type HTTPProvider struct {
	name       enums.Provider
	endpoint   endpoint
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures optional client behavior.
type Option func(*HTTPProvider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(baseURL string) Option {
	return func(p *HTTPProvider) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(p *HTTPProvider) {
		if timeout > 0 {
			p.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// NewHTTPProvider builds an adapter for a gateway-hosted provider family.
func NewHTTPProvider(name enums.Provider, apiKey string, opts ...Option) (*HTTPProvider, error) {
	ep, ok := endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errAPIKeyRequired
	}

	p := &HTTPProvider{
		name:       name,
		endpoint:   ep,
		apiKey:     trimmedKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *HTTPProvider) Name() enums.Provider { return p.name }

func (p *HTTPProvider) Supports(mediaType enums.MediaType) bool {
	return p.endpoint.mediaType == mediaType
}

// Submit creates a provider task. Any failure here is a submission error and
// is eligible for the caller's retry policy.
func (p *HTTPProvider) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Submission{}, pkgerrors.New(pkgerrors.CodeValidation, "prompt is required")
	}

	body := p.endpoint.body(req)
	if req.CallbackURL != "" {
		body["callBackUrl"] = req.CallbackURL
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "marshal submit request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(p.endpoint.submitPath), bytes.NewReader(payload))
	if err != nil {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "build submit request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "execute submit request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "submit request failed")
	}

	var apiResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseReadLimit)).Decode(&apiResp); err != nil {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "decode submit response")
	}
	if apiResp.Code != 0 && apiResp.Code != http.StatusOK {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, fmt.Errorf("code %d: %s", apiResp.Code, apiResp.Msg), "provider rejected task")
	}
	handle := strings.TrimSpace(apiResp.Data.TaskID)
	if handle == "" {
		return Submission{}, pkgerrors.Wrap(pkgerrors.CodeProvider, ErrEmptyTaskHandle, "provider rejected task")
	}

	return Submission{TaskHandle: handle, Provider: p.name}, nil
}

// CheckStatus fetches the task record. Only transport failures are returned as
// errors; non-2xx answers are handed back for normalization.
func (p *HTTPProvider) CheckStatus(ctx context.Context, taskHandle string) (normalizer.RawResponse, error) {
	if strings.TrimSpace(taskHandle) == "" {
		return normalizer.RawResponse{}, pkgerrors.New(pkgerrors.CodeValidation, "task handle is required")
	}

	query := url.Values{}
	query.Set("taskId", taskHandle)
	target := p.buildURL(p.endpoint.statusPath) + "?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return normalizer.RawResponse{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "build status request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return normalizer.RawResponse{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "execute status request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	if err != nil {
		return normalizer.RawResponse{}, pkgerrors.Wrap(pkgerrors.CodeProvider, err, "read status response")
	}
	return normalizer.RawResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

func (p *HTTPProvider) buildURL(path string) string {
	return strings.TrimRight(p.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func aspectOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
