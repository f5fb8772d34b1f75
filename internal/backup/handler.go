package backup

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/httpx"
)

const (
	rateLimit  = 5
	rateWindow = time.Minute
)

// Handler exposes export and restore over bearer-authenticated JSON.
type Handler struct {
	logger *slog.Logger
	engine *Engine
	guard  authz.Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, engine *Engine, guard authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, guard: guard}
}

// MountRoutes registers the backup endpoints. Credentials and role are checked
// before the rate limiter so anonymous callers cannot consume the budget.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "backup rate limit exceeded")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAPI(authz.RequireAdministrator()))
		r.Use(limiter)
		r.Post("/backup/export", h.export)
		r.Post("/backup/restore", h.restore)
	})
}

type restoreRequest struct {
	Data     map[string][]Row `json:"data" validate:"required"`
	Tables   []string         `json:"tables" validate:"omitempty,dive,required"`
	Truncate *bool            `json:"truncate"`
}

type restoreFailure struct {
	Error    string         `json:"error"`
	Table    string         `json:"table"`
	Batch    int            `json:"batch,omitempty"`
	Phase    string         `json:"phase"`
	Restored map[string]int `json:"restored"`
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(authz.FromContext(r.Context()).Snapshot())
	snap, err := h.engine.Export(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+FileName(snap.Metadata.CreatedAt)+`"`)
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller := CallerFrom(authz.FromContext(r.Context()).Snapshot())
	report, err := h.engine.Restore(r.Context(), caller, RestoreRequest{
		Data:     req.Data,
		Tables:   req.Tables,
		Truncate: req.Truncate,
	})
	var rerr *RestoreError
	if errors.As(err, &rerr) {
		httpx.JSON(w, http.StatusBadRequest, restoreFailure{
			Error:    rerr.Err.Error(),
			Table:    rerr.Table,
			Batch:    rerr.Batch,
			Phase:    rerr.Phase,
			Restored: report.Restored,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error("backup request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func rateLimitKey(r *http.Request) (string, error) {
	if id := authz.ActorID(r.Context()); id > 0 {
		return "user:" + strconv.FormatInt(id, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
