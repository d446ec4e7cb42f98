// Package callbacks accepts out-of-band provider completion notices and parks
// them in Redis for the job's owner loop to pick up on its next tick.
package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/redis"
)

const defaultSignalTTL = time.Hour

// Signal is a provider's final answer for one task handle.
type Signal struct {
	JobID         uuid.UUID         `json:"jobId"`
	Provider      enums.Provider    `json:"provider"`
	TaskHandle    string            `json:"taskHandle"`
	FinalStatus   normalizer.Status `json:"finalStatus"`
	ResultURLs    []string          `json:"resultUrls,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	ReceivedAt    time.Time         `json:"receivedAt"`
}

// Result converts the signal back to the normalizer's canonical shape.
func (s Signal) Result() normalizer.Result {
	urls := s.ResultURLs
	if urls == nil && s.FinalStatus == normalizer.StatusReady {
		urls = []string{}
	}
	return normalizer.Result{
		Status:       s.FinalStatus,
		ResultURLs:   urls,
		ErrorMessage: s.FailureReason,
	}
}

// Settles reports whether the signal ends a poll tick on its own. A success
// without urls does not: the provider record may carry them by now.
func (s Signal) Settles() bool {
	return s.FinalStatus == normalizer.StatusFailed || len(s.ResultURLs) > 0
}

type signalBackend interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	CallbackSignalKey(provider, taskHandle string) string
}

// SignalStore keeps callback signals in Redis under a TTL.
type SignalStore struct {
	backend signalBackend
	ttl     time.Duration
}

func NewSignalStore(backend signalBackend, ttl time.Duration) (*SignalStore, error) {
	if backend == nil {
		return nil, errors.New("redis backend required")
	}
	if ttl <= 0 {
		ttl = defaultSignalTTL
	}
	return &SignalStore{backend: backend, ttl: ttl}, nil
}

func (s *SignalStore) Save(ctx context.Context, signal Signal) error {
	if signal.TaskHandle == "" {
		return errors.New("task handle required")
	}
	raw, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	key := s.backend.CallbackSignalKey(string(signal.Provider), signal.TaskHandle)
	if err := s.backend.Set(ctx, key, string(raw), s.ttl); err != nil {
		return fmt.Errorf("store callback signal: %w", err)
	}
	return nil
}

// Lookup returns nil, nil when no callback arrived for the handle.
func (s *SignalStore) Lookup(ctx context.Context, provider enums.Provider, taskHandle string) (*Signal, error) {
	if taskHandle == "" {
		return nil, nil
	}
	raw, err := s.backend.Get(ctx, s.backend.CallbackSignalKey(string(provider), taskHandle))
	if err != nil {
		if redis.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read callback signal: %w", err)
	}
	var signal Signal
	if err := json.Unmarshal([]byte(raw), &signal); err != nil {
		return nil, fmt.Errorf("decode callback signal: %w", err)
	}
	return &signal, nil
}
