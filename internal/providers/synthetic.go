package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

const syntheticAssetHost = "https://synthetic.genforge.local"

// SyntheticProvider fakes an async provider for local development. Tasks
// report processing until readyAfter has elapsed since submission.
type SyntheticProvider struct {
	readyAfter time.Duration
	now        func() time.Time

	mu    sync.Mutex
	tasks map[string]syntheticTask
}

type syntheticTask struct {
	submittedAt time.Time
	mediaType   enums.MediaType
}

func NewSyntheticProvider(readyAfter time.Duration, now func() time.Time) *SyntheticProvider {
	if now == nil {
		now = time.Now
	}
	return &SyntheticProvider{
		readyAfter: readyAfter,
		now:        now,
		tasks:      map[string]syntheticTask{},
	}
}

func (s *SyntheticProvider) Name() enums.Provider { return enums.ProviderSynthetic }

func (s *SyntheticProvider) Supports(mediaType enums.MediaType) bool { return mediaType.IsValid() }

func (s *SyntheticProvider) Submit(_ context.Context, req SubmitRequest) (Submission, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Submission{}, fmt.Errorf("synthetic: prompt is required")
	}
	handle := "syn-" + uuid.NewString()
	s.mu.Lock()
	s.tasks[handle] = syntheticTask{submittedAt: s.now(), mediaType: req.MediaType}
	s.mu.Unlock()
	return Submission{TaskHandle: handle, Provider: enums.ProviderSynthetic}, nil
}

func (s *SyntheticProvider) CheckStatus(_ context.Context, taskHandle string) (normalizer.RawResponse, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskHandle]
	s.mu.Unlock()

	if !ok {
		body, _ := json.Marshal(map[string]any{"code": 404, "msg": "task not found", "data": nil})
		return normalizer.RawResponse{StatusCode: http.StatusOK, Body: body}, nil
	}

	data := map[string]any{"taskId": taskHandle, "successFlag": 0}
	if s.now().Sub(task.submittedAt) >= s.readyAfter {
		ext := "png"
		if task.mediaType == enums.MediaTypeVideo {
			ext = "mp4"
		}
		data["successFlag"] = 1
		data["response"] = map[string]any{
			"resultUrls": []string{fmt.Sprintf("%s/%s.%s", syntheticAssetHost, taskHandle, ext)},
		}
	}
	body, err := json.Marshal(map[string]any{"code": 200, "msg": "success", "data": data})
	if err != nil {
		return normalizer.RawResponse{}, err
	}
	return normalizer.RawResponse{StatusCode: http.StatusOK, Body: body}, nil
}
