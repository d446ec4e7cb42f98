package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/genforge-backend/api/responses"
	"github.com/angelmondragon/genforge-backend/internal/callbacks"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

const maxCallbackBody = 1 << 20

// CallbackService records verified provider callbacks.
type CallbackService interface {
	Handle(ctx context.Context, provider enums.Provider, token string, body []byte) (*callbacks.Signal, error)
}

// ProviderCallback accepts a provider's completion notice. It only records a
// signal; the job's owner applies it on its next tick.
func ProviderCallback(svc CallbackService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnsupported, "provider callbacks are disabled"))
			return
		}

		provider, err := enums.ParseProvider(strings.TrimSpace(chi.URLParam(r, "provider")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "unknown provider"))
			return
		}
		token := r.URL.Query().Get("token")
		if strings.TrimSpace(token) == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "callback token missing"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		signal, err := svc.Handle(ctx, provider, token, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"received": true, "recorded": signal != nil})
	}
}
