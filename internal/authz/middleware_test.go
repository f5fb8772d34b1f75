package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staykit/staykit/internal/shared"
)

type stubIdentities map[int64]Identity

func (s stubIdentities) LoadIdentity(ctx context.Context, userID int64) (Identity, error) {
	id, ok := s[userID]
	if !ok {
		return Identity{}, errors.New("no such user")
	}
	return id, nil
}

type stubTokens map[string]int64

func (s stubTokens) VerifyAccessToken(token string) (int64, error) {
	id, ok := s[token]
	if !ok {
		return 0, ErrInvalidToken
	}
	return id, nil
}

type countingObserver map[string]int

func (c countingObserver) ObserveDecision(state string) { c[state]++ }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func newMiddleware(obs DecisionObserver) Middleware {
	return Middleware{
		Resolver: fixedResolver{
			1: NewSet(PermRoomsView, PermRolesView),
			2: NewSet(All()...),
		},
		Identities: stubIdentities{
			1: {UserID: 1, Email: "desk@example.com"},
			2: {UserID: 2, Email: "new@example.com", MustResetPassword: true},
		},
		Tokens:   stubTokens{"good-token": 1},
		Observer: obs,
		Logger:   testLogger(),
	}
}

func sessionRequest(t *testing.T, path, userID string) *http.Request {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "staykit_session", "secret", time.Hour, false)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func TestSessionGuardAuthorized(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Session(m.Guard(RequireAll(PermRoomsView))(okHandler()))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, sessionRequest(t, "/rooms", "1"))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionGuardRedirectsAnonymousToLogin(t *testing.T) {
	obs := countingObserver{}
	m := newMiddleware(obs)
	h := m.Session(m.Guard(RequireAll(PermRoomsView))(okHandler()))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, sessionRequest(t, "/rooms", ""))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login?next=%2Frooms", rec.Header().Get("Location"))
	assert.Equal(t, 1, obs["unauthenticated"])
}

func TestSessionGuardUnknownUserFailsClosed(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Session(m.Guard(Requirement{})(okHandler()))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, sessionRequest(t, "/", "77"))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestSessionGuardForbiddenIsInPlace(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Session(m.Guard(RequireAll(PermFinanceManage))(okHandler()))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, sessionRequest(t, "/finance", "1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "access denied, requires finance.manage")
}

type recordingDenied struct{ missing []string }

func (r *recordingDenied) RenderForbidden(w http.ResponseWriter, req *http.Request, missing []string) {
	r.missing = missing
	w.WriteHeader(http.StatusForbidden)
}

func TestSessionGuardUsesDeniedRenderer(t *testing.T) {
	denied := &recordingDenied{}
	m := newMiddleware(nil)
	m.Denied = denied
	h := m.Session(m.Guard(RequireAll(PermFinanceManage))(okHandler()))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, sessionRequest(t, "/finance", "1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{"finance.manage"}, denied.missing)
}

func TestSessionGuardPasswordReset(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Session(m.Guard(RequireAll(PermSettingsManage))(okHandler()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, "/settings", "2"))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, DefaultResetPath, rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, DefaultResetPath, "2"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAPIBearer(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Bearer(m.RequireAPI(RequireAll(PermRolesView))(okHandler()))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good-token", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"good token", "Bearer good-token", http.StatusOK},
		{"case-insensitive scheme", "bearer good-token", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireAPIForbidden(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Bearer(m.RequireAPI(RequireAdministrator())(okHandler()))
	req := httptest.NewRequest(http.MethodPost, "/api/backup/export", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "administrator"))
}

func TestRequireAPILoading(t *testing.T) {
	m := newMiddleware(nil)
	ac := NewContext()
	ac.Init(Identity{UserID: 1})
	h := m.RequireAPI(Requirement{})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req = req.WithContext(WithContext(req.Context(), ac))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCredentialsPicksSource(t *testing.T) {
	m := newMiddleware(nil)
	h := m.Credentials(m.RequireAPI(RequireAll(PermRoomsView))(okHandler()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, "/api/rooms", "1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := sessionRequest(t, "/api/rooms", "1")
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardUsesConfiguredPaths(t *testing.T) {
	m := newMiddleware(nil)
	m.Paths = Guard{LoginPath: "/signin", ResetPath: "/account/reset"}
	h := m.Session(m.Guard(Requirement{})(okHandler()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, "/rooms", ""))
	assert.Equal(t, "/signin?next=%2Frooms", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, sessionRequest(t, "/rooms", "2"))
	assert.Equal(t, "/account/reset", rec.Header().Get("Location"))
}
