package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/internal/normalizer"
	"github.com/angelmondragon/genforge-backend/pkg/auth"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

const callbackPath = "/api/v1/webhooks/providers/"

// ServiceParams wires the callback intake.
type ServiceParams struct {
	Config config.CallbackConfig
	Store  *SignalStore
	Logger *logger.Logger
	Now    func() time.Time
}

// Service verifies callback tokens and records signals. It never touches the
// job record; the owner loop is the only writer.
type Service struct {
	cfg   config.CallbackConfig
	store *SignalStore
	logg  *logger.Logger
	now   func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, errors.New("signal store required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{cfg: params.Config, store: params.Store, logg: params.Logger, now: now}, nil
}

// URLFor builds the signed callback URL handed to a provider on submit. It
// returns "" when callbacks are not configured.
func (s *Service) URLFor(jobID uuid.UUID, provider enums.Provider) (string, error) {
	if s == nil || !s.cfg.Enabled() {
		return "", nil
	}
	token, err := auth.MintCallbackToken(s.cfg, s.now().UTC(), auth.CallbackTokenPayload{JobID: jobID, Provider: provider})
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(strings.TrimSpace(s.cfg.PublicBaseURL), "/")
	return base + callbackPath + url.PathEscape(string(provider)) + "?token=" + url.QueryEscape(token), nil
}

// Handle authenticates and records one callback delivery. A nil signal with a
// nil error means the callback was an intermediate progress notice.
func (s *Service) Handle(ctx context.Context, provider enums.Provider, token string, body []byte) (*Signal, error) {
	if !s.cfg.Enabled() {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "provider callbacks are disabled")
	}
	claims, err := auth.ParseCallbackToken(s.cfg, strings.TrimSpace(token))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid callback token")
	}
	if claims.Provider != provider {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "callback token issued for another provider")
	}

	handle := taskHandleOf(body)
	if handle == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback body missing task id")
	}
	result, err := normalizer.NormalizeCallback(provider, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unreadable callback body")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"job_id":      claims.JobID.String(),
		"provider":    provider,
		"task_handle": handle,
		"status":      result.Status,
	})
	if result.Status == normalizer.StatusProcessing {
		s.logg.Debug(logCtx, "ignoring progress callback")
		return nil, nil
	}

	signal := Signal{
		JobID:         claims.JobID,
		Provider:      provider,
		TaskHandle:    handle,
		FinalStatus:   result.Status,
		ResultURLs:    result.ResultURLs,
		FailureReason: result.ErrorMessage,
		ReceivedAt:    s.now().UTC(),
	}
	if err := s.store.Save(ctx, signal); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "failed to record callback")
	}
	s.logg.Info(logCtx, "provider callback recorded")
	return &signal, nil
}

// taskHandleOf reads the task id from the usual callback envelopes.
func taskHandleOf(body []byte) string {
	var envelope struct {
		TaskID  string `json:"taskId"`
		TaskID2 string `json:"task_id"`
		Data    struct {
			TaskID  string `json:"taskId"`
			TaskID2 string `json:"task_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	for _, candidate := range []string{envelope.Data.TaskID, envelope.Data.TaskID2, envelope.TaskID, envelope.TaskID2} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return ""
}
