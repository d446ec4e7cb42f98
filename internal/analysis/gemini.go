// Package analysis describes a generated keyframe so the video step can be
// prompted from what was actually rendered.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/angelmondragon/genforge-backend/pkg/config"
)

const (
	maxImageBytes       = 20 << 20
	defaultFetchTimeout = 30 * time.Second
)

var (
	ErrEmptyAnalysis  = errors.New("analysis returned no text")
	ErrImageFetch     = errors.New("fetch image for analysis")
	errAPIKeyRequired = errors.New("gemini api key is required")
)

// Analyzer is the content-analysis boundary: one synchronous call, no retries.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL, instruction string) (string, error)
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiAnalyzer sends the image bytes plus the instruction to a Gemini model.
type GeminiAnalyzer struct {
	client     *genai.Client
	model      contentGenerator
	httpClient *http.Client
}

// NewGeminiAnalyzer dials the Gemini API.
func NewGeminiAnalyzer(ctx context.Context, cfg config.GeminiConfig) (*GeminiAnalyzer, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(0.4)

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &GeminiAnalyzer{
		client:     client,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func newAnalyzerWithModel(model contentGenerator, httpClient *http.Client) *GeminiAnalyzer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &GeminiAnalyzer{model: model, httpClient: httpClient}
}

// Close releases the underlying gRPC connection.
func (g *GeminiAnalyzer) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, imageURL, instruction string) (string, error) {
	data, format, err := g.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	resp, err := g.model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(instruction))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text := extractText(resp)
	if text == "" {
		return "", ErrEmptyAnalysis
	}
	return text, nil
}

func (g *GeminiAnalyzer) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrImageFetch, err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrImageFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("%w: status %d", ErrImageFetch, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrImageFetch, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty body", ErrImageFetch)
	}
	return data, imageFormat(resp.Header.Get("Content-Type"), data), nil
}

// imageFormat returns the genai.ImageData format suffix ("png", "jpeg", ...).
func imageFormat(contentType string, data []byte) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if !strings.HasPrefix(ct, "image/") {
		ct = http.DetectContentType(data)
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	format := strings.TrimPrefix(ct, "image/")
	if format == "" || strings.Contains(format, "/") {
		return "jpeg"
	}
	return format
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
