package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/api/responses"
	"github.com/angelmondragon/genforge-backend/api/validators"
	"github.com/angelmondragon/genforge-backend/internal/generation"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/pagination"
)

// GenerationService is the job surface the generation routes need.
type GenerationService interface {
	Submit(ctx context.Context, req generation.Request) (*models.GenerationJob, error)
	Get(ctx context.Context, id uuid.UUID) (*generation.View, error)
	List(ctx context.Context, params jobs.ListParams) ([]models.GenerationJob, string, error)
}

const maxPromptRunes = 4000

type CreateGenerationBody struct {
	Mode          string   `json:"mode" validate:"required,oneof=image video chain"`
	Prompt        string   `json:"prompt" validate:"required,max=4000"`
	Provider      string   `json:"provider,omitempty"`
	ReferenceURLs []string `json:"referenceUrls,omitempty" validate:"max=4,dive,url"`
	AspectRatio   string   `json:"aspectRatio,omitempty" validate:"omitempty,aspectratio"`
	DurationHint  int      `json:"durationHint,omitempty" validate:"min=0,max=60"`
}

// CreateGeneration records the job and answers 202 before any provider call.
func CreateGeneration(svc GenerationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CreateGenerationBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		req := generation.Request{
			Mode:          enums.GenerationMode(strings.ToLower(strings.TrimSpace(body.Mode))),
			Prompt:        validators.CleanText(body.Prompt, maxPromptRunes),
			ReferenceURLs: body.ReferenceURLs,
			AspectRatio:   validators.CleanText(body.AspectRatio, 5),
			DurationHint:  body.DurationHint,
		}
		if p := strings.TrimSpace(body.Provider); p != "" {
			provider, err := enums.ParseProvider(p)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown provider"))
				return
			}
			req.Provider = provider
		}

		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, generation.AcceptedDTO{ID: job.ID, Status: job.Status})
	}
}

func GetGeneration(svc GenerationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "generationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, generation.NewJobDTO(view.Job, view.Chain))
	}
}

// ListGenerations pages jobs newest first, optionally filtered by status and mode.
func ListGenerations(svc GenerationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}
		params := jobs.ListParams{
			Params: pagination.Params{Limit: limit, Cursor: cursor},
		}
		if params.Status, err = validators.ParseQueryEnum(r, "status", enums.ParseJobStatus); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if params.Mode, err = validators.ParseQueryEnum(r, "mode", enums.ParseGenerationMode); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, next, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, generation.NewJobPageDTO(rows, next))
	}
}
