package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/backup"
	"github.com/staykit/staykit/internal/observability"
	"github.com/staykit/staykit/internal/shared"
	"github.com/staykit/staykit/internal/view"
)

func newTestRouter(t *testing.T) (http.Handler, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	templates, err := view.NewEngine()
	require.NoError(t, err)
	metrics := observability.NewMetrics()
	guard := authz.Middleware{Observer: metrics}
	engine := backup.NewEngine(backup.MustRegistry(backup.Table{Name: "rooms"}), nil, backup.Config{})
	router := NewRouter(RouterParams{
		Config:         &Config{AppEnv: "test"},
		Templates:      templates,
		SessionManager: shared.NewSessionManager(client, "staykit_session", "secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf"),
		Guard:          guard,
		BackupHandler:  backup.NewHandler(nil, engine, guard),
		Metrics:        metrics,
	})
	return router, metrics
}

func TestRouterHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterServesStaticAssets(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/css/app.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
}

func TestRouterHomeRedirectsAnonymous(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login?next=%2F", rec.Header().Get("Location"))
}

func TestRouterBackupRequiresCredentials(t *testing.T) {
	router, metrics := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/backup/export", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "cookie request without csrf token")

	req := httptest.NewRequest(http.MethodPost, "/api/backup/export", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `staykit_authz_decisions_total{state="unauthenticated"} 1`)
}

func TestCSRFExempt(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		auth   string
		want   bool
	}{
		{"safe method", http.MethodGet, "/api/roles", "", true},
		{"cookie post", http.MethodPost, "/api/roles", "", false},
		{"bearer post", http.MethodPost, "/api/roles", "Bearer abc", true},
		{"basic post", http.MethodPost, "/api/roles", "Basic abc", false},
		{"token endpoint", http.MethodPost, tokenPath, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			assert.Equal(t, tc.want, csrfExempt(req, []string{tokenPath}))
		})
	}
}
