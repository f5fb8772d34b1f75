package view

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/shared"
	"github.com/staykit/staykit/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Session     authz.Snapshot
	Data        any
}

// NewEngine parses templates at build-time.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"can": func(snap authz.Snapshot, key string) bool {
			return authz.HasPermission(snap.Permissions, key)
		},
		"isAdmin": func(snap authz.Snapshot) bool {
			return snap.IsAdministrator()
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	return e.RenderStatus(w, name, http.StatusOK, data)
}

// RenderStatus executes a named template and writes it with status. The
// template runs into a buffer first so a failure can still produce a 500.
func (e *Engine) RenderStatus(w http.ResponseWriter, name string, status int, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Forbidden renders the access-denied page naming the missing requirement.
type Forbidden struct {
	Engine *Engine
	CSRF   *shared.CSRFManager
}

// RenderForbidden implements authz.DeniedRenderer.
func (f Forbidden) RenderForbidden(w http.ResponseWriter, r *http.Request, missing []string) {
	sess := shared.SessionFromContext(r.Context())
	var token string
	if f.CSRF != nil && sess != nil {
		token, _ = f.CSRF.EnsureToken(r.Context(), sess)
	}
	data := TemplateData{
		Title:       "Access denied",
		CSRFToken:   token,
		CurrentPath: r.URL.Path,
		Session:     authz.FromContext(r.Context()).Snapshot(),
		Data:        map[string]any{"Missing": missing},
	}
	if err := f.Engine.RenderStatus(w, "pages/forbidden.html", http.StatusForbidden, data); err != nil {
		http.Error(w, "access denied", http.StatusForbidden)
	}
}

var _ authz.DeniedRenderer = Forbidden{}
