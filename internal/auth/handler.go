package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/httpx"
	"github.com/staykit/staykit/internal/shared"
	"github.com/staykit/staykit/internal/view"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	tokens         *TokenIssuer
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	guard          authz.Middleware
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, tokens *TokenIssuer, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager, guard authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		tokens:         tokens,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		guard:          guard,
		validator:      validator.New(),
	}
}

// MountRoutes registers browser auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Guard(authz.Requirement{}))
		r.Get("/password/reset", h.showReset)
		r.Post("/password/reset", h.handleReset)
	})
}

// MountAPI registers the token endpoint.
func (h *Handler) MountAPI(r chi.Router) {
	r.Post("/auth/token", h.issueToken)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

type loginPageData struct {
	Form   loginForm
	Next   string
	Errors map[string]string
}

type resetForm struct {
	Current string `validate:"required"`
	New     string `validate:"required,min=8"`
	Confirm string `validate:"required,eqfield=New"`
}

type resetPageData struct {
	Forced bool
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	data := loginPageData{Next: authz.SafeNext(r.URL.Query().Get("next"))}
	h.render(w, r, "pages/login.html", "Sign in", data, http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	form := loginForm{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	next := authz.SafeNext(r.PostFormValue("next"))
	errs := h.validate(form)

	if len(errs) == 0 {
		user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
		if err != nil {
			errs["general"] = "Invalid email or password"
		} else if sess == nil {
			h.logger.Error("session missing during login")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		} else {
			if err := h.sessionManager.Rotate(r.Context(), sess); err != nil {
				h.logger.Warn("rotate session", slog.Any("error", err))
			}
			sess.SetUser(strconv.FormatInt(user.ID, 10))
			expiresAt := time.Now().Add(h.sessionManager.TTL())
			if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
				h.logger.Warn("register session", slog.Any("error", err))
			}
			if user.MustResetPassword {
				sess.AddFlash(shared.FlashMessage{Kind: "warning", Message: "Choose a new password to continue"})
				http.Redirect(w, r, authz.DefaultResetPath, http.StatusSeeOther)
				return
			}
			sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})
			http.Redirect(w, r, next, http.StatusSeeOther)
			return
		}
	}

	form.Password = ""
	h.render(w, r, "pages/login.html", "Sign in", loginPageData{Form: form, Next: next, Errors: errs}, http.StatusBadRequest)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		sess.ClearUser()
		h.sessionManager.Destroy(sess)
	}
	if ac := authz.FromContext(r.Context()); ac != nil {
		ac.Clear()
	}
	http.Redirect(w, r, authz.DefaultLoginPath, http.StatusSeeOther)
}

func (h *Handler) showReset(w http.ResponseWriter, r *http.Request) {
	snap := authz.FromContext(r.Context()).Snapshot()
	data := resetPageData{Forced: snap.Identity != nil && snap.Identity.MustResetPassword}
	h.render(w, r, "pages/password_reset.html", "Change password", data, http.StatusOK)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ac := authz.FromContext(r.Context())
	snap := ac.Snapshot()
	form := resetForm{
		Current: r.PostFormValue("current_password"),
		New:     r.PostFormValue("new_password"),
		Confirm: r.PostFormValue("confirm_password"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		err := h.service.ChangePassword(r.Context(), snap.Identity.UserID, form.Current, form.New)
		switch {
		case err == nil:
			if sess := shared.SessionFromContext(r.Context()); sess != nil {
				sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Password updated"})
			}
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		case errors.Is(err, shared.ErrInvalidCredentials):
			errs["Current"] = "Current password is incorrect"
		case errors.Is(err, ErrPasswordTooShort), errors.Is(err, ErrPasswordUnchanged):
			errs["New"] = err.Error()
		default:
			h.logger.Error("change password", slog.Int64("user_id", snap.Identity.UserID), slog.Any("error", err))
			errs["general"] = "Could not update the password, try again"
		}
	}
	data := resetPageData{Forced: snap.Identity.MustResetPassword, Errors: errs}
	h.render(w, r, "pages/password_reset.html", "Change password", data, http.StatusBadRequest)
}

type tokenRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}
	if user.MustResetPassword {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", ErrPasswordResetRequired.Error())
		return
	}
	token, expires, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Error("issue token", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: expires.UTC()})
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}
	return errs
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, name, title string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Session:     authz.FromContext(r.Context()).Snapshot(),
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, name, status, viewData); err != nil {
		h.logger.Error("render template", slog.String("template", name), slog.Any("error", err))
	}
}
